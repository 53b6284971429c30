package message

import (
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
		wantErr bool
	}{
		{"plain text", "hello there", 500, false},
		{"empty", "", 500, true},
		{"whitespace only", "   \t\n  ", 500, true},
		{"exactly at cap", strings.Repeat("a", 500), 500, false},
		{"over cap", strings.Repeat("a", 501), 500, true},
		{"multibyte under cap", strings.Repeat("日", 500), 500, false},
		{"invalid utf8", "hi\xff\xfe", 500, true},
		{"default cap applies", strings.Repeat("a", 501), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.content, tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.content, err, tt.wantErr)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	if got := Sanitize("  <b>hi</b>  ", 500); got != "bhi/b" {
		t.Errorf("Sanitize stripped markup wrong: got %q", got)
	}
	if got := Sanitize(strings.Repeat("x", 600), 500); len(got) != 500 {
		t.Errorf("Sanitize did not truncate: got %d chars", len(got))
	}
	if got := Sanitize("plain", 500); got != "plain" {
		t.Errorf("Sanitize altered clean content: got %q", got)
	}
}

func TestRecentBufferConversation(t *testing.T) {
	rb := NewRecentBuffer(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		rb.Add(Preview{
			MessageID:   string(rune('a' + i)),
			SenderID:    "alice",
			RecipientID: "bob",
			Content:     "msg",
			SentAt:      base.Add(time.Duration(i) * time.Second),
		})
	}

	got := rb.Conversation("alice", "bob")
	if len(got) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(got))
	}
	if got[0].MessageID != "c" || got[2].MessageID != "e" {
		t.Errorf("expected oldest entries evicted, got %v..%v", got[0].MessageID, got[2].MessageID)
	}

	// Both directions share one conversation.
	rb.Add(Preview{MessageID: "r1", SenderID: "bob", RecipientID: "alice", SentAt: base.Add(time.Minute)})
	if got := rb.Conversation("bob", "alice"); len(got) != 3 || got[2].MessageID != "r1" {
		t.Errorf("reply not merged into conversation: %+v", got)
	}
}

func TestRecentBufferBySender(t *testing.T) {
	rb := NewRecentBuffer(10)
	base := time.Now()
	rb.Add(Preview{MessageID: "m1", SenderID: "alice", RecipientID: "bob", SentAt: base})
	rb.Add(Preview{MessageID: "m2", SenderID: "alice", RecipientID: "carol", SentAt: base.Add(time.Second)})
	rb.Add(Preview{MessageID: "m3", SenderID: "bob", RecipientID: "alice", SentAt: base.Add(2 * time.Second)})

	got := rb.BySender("alice")
	if len(got) != 2 {
		t.Fatalf("expected 2 messages from alice, got %d", len(got))
	}
	if got[0].MessageID != "m1" || got[1].MessageID != "m2" {
		t.Errorf("expected chronological order, got %v, %v", got[0].MessageID, got[1].MessageID)
	}
}
