package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid user:connect message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Connect(t *testing.T) {
	input := []byte(`{"type":"user:connect","userId":"u-1","username":"alice"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeUserConnect {
		t.Fatalf("expected type %q, got %q", TypeUserConnect, msgType)
	}

	cm, ok := msg.(ConnectMsg)
	if !ok {
		t.Fatalf("expected ConnectMsg, got %T", msg)
	}
	if cm.UserID != "u-1" {
		t.Errorf("expected userId %q, got %q", "u-1", cm.UserID)
	}
	if cm.Username != "alice" {
		t.Errorf("expected username %q, got %q", "alice", cm.Username)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid message:send message
// ---------------------------------------------------------------------------

func TestParseClientMessage_MessageSend(t *testing.T) {
	input := []byte(`{"type":"message:send","messageId":"m-1","senderId":"u-1",` +
		`"senderUsername":"alice","recipientId":"u-2","content":"Hello!","kind":"text"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessageSend {
		t.Fatalf("expected type %q, got %q", TypeMessageSend, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.MessageID != "m-1" {
		t.Errorf("expected messageId %q, got %q", "m-1", sm.MessageID)
	}
	if sm.RecipientID != "u-2" {
		t.Errorf("expected recipientId %q, got %q", "u-2", sm.RecipientID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
	if sm.CreatedAt != 0 {
		t.Errorf("expected zero createdAt, got %d", sm.CreatedAt)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing typing and reaction messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_TypingStart(t *testing.T) {
	input := []byte(`{"type":"typing:start","userId":"u-1","username":"alice","recipientId":"u-2"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTypingStart {
		t.Fatalf("expected type %q, got %q", TypeTypingStart, msgType)
	}
	tm, ok := msg.(TypingStartMsg)
	if !ok {
		t.Fatalf("expected TypingStartMsg, got %T", msg)
	}
	if tm.RecipientID != "u-2" {
		t.Errorf("expected recipientId %q, got %q", "u-2", tm.RecipientID)
	}
}

func TestParseClientMessage_Reaction(t *testing.T) {
	input := []byte(`{"type":"emoji:reaction","messageId":"m-1","emoji":"🔥","userId":"u-2","senderId":"u-1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeReaction {
		t.Fatalf("expected type %q, got %q", TypeReaction, msgType)
	}
	rm, ok := msg.(ReactionMsg)
	if !ok {
		t.Fatalf("expected ReactionMsg, got %T", msg)
	}
	if rm.Emoji != "🔥" {
		t.Errorf("expected emoji %q, got %q", "🔥", rm.Emoji)
	}
	if rm.SenderID != "u-1" {
		t.Errorf("expected senderId %q, got %q", "u-1", rm.SenderID)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed and unknown input
// ---------------------------------------------------------------------------

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"userId":"u-1"}`))
	if err == nil {
		t.Fatal("expected error for missing type, got nil")
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"bogus:event"}`))
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
	if msgType != "bogus:event" {
		t.Errorf("expected type to be returned even on error, got %q", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"message:receive","messageId":"m-1"}`))
	if err == nil {
		t.Fatal("expected error for server-only type, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_UserOnline(t *testing.T) {
	data, err := NewServerMessage(TypeUserOnline, UserOnlineMsg{
		UserID:    "u-1",
		Username:  "alice",
		Timestamp: 1700000000000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeUserOnline {
		t.Errorf("expected type %q, got %v", TypeUserOnline, decoded["type"])
	}
	if decoded["userId"] != "u-1" {
		t.Errorf("expected userId %q, got %v", "u-1", decoded["userId"])
	}
}

func TestNewServerMessage_TypeOverridesPayload(t *testing.T) {
	// A stale Type field in the payload struct must not leak through.
	data, err := NewServerMessage(TypeUserBlocked, UserBlockedMsg{
		Type:    "something-else",
		Blocked: true,
		Reason:  "spam",
		Message: "Your account has been blocked.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeUserBlocked {
		t.Errorf("expected type %q, got %v", TypeUserBlocked, decoded["type"])
	}
	if decoded["blocked"] != true {
		t.Errorf("expected blocked=true, got %v", decoded["blocked"])
	}
}

func TestNewServerMessage_RoundTripUserList(t *testing.T) {
	data, err := NewServerMessage(TypeUserList, UserListMsg{
		Users: []UserEntry{
			{UserID: "u-1", Username: "alice", Status: "online", LastSeen: 1},
			{UserID: "u-2", Username: "bob", Status: "offline", LastSeen: 2},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded UserListMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(decoded.Users))
	}
	if decoded.Users[1].Username != "bob" {
		t.Errorf("expected second user %q, got %q", "bob", decoded.Users[1].Username)
	}
}
