// Package protocol defines the WebSocket message types and structures used for
// communication between the chat client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator. Event names are colon-namespaced ("user:connect",
// "message:send") to match the browser client.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeUserConnect = "user:connect"
	TypeUserStatus  = "user:status" // also sent server -> client on status change
	TypeMessageSend = "message:send"
	TypeMessageRead = "message:read" // also sent server -> client as read receipt
	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"    // also relayed server -> client
	TypeReaction    = "emoji:reaction" // also rebroadcast server -> client
	TypeHeartbeat   = "heartbeat"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeUserOnline     = "user:online"
	TypeUserOffline    = "user:offline"
	TypeUserList       = "user:list"
	TypeMessageReceive = "message:receive"
	TypeMessageSent    = "message:sent"
	TypeMessageError   = "message:error"
	TypeTypingActive   = "typing:active"
	TypeUserBlocked    = "user:blocked"
	TypeError          = "error"
	TypePong           = "pong"

	// Administrative notices pushed to connected clients.
	TypeAdminUserBlocked    = "admin:user:blocked"
	TypeAdminUserWarning    = "admin:user:warning"
	TypeAdminMessageDeleted = "admin:message:deleted"
	TypeAdminBroadcast      = "admin:broadcast"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ConnectMsg announces an authenticated user on a freshly opened connection.
// The userId must match the identity carried by the connection's bearer token.
type ConnectMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// StatusMsg is a client-declared presence status (e.g. "away").
type StatusMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// SendMessageMsg is a direct message addressed to a single recipient. The
// message id is minted by the client so the ack can be correlated. Kind is
// opaque to the server ("text", "image", ...).
type SendMessageMsg struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	RecipientID    string `json:"recipientId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"` // unix millis; zero means "stamp on arrival"
	Kind           string `json:"kind"`
}

// ReadMsg reports that a message was read; senderId addresses the receipt.
type ReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// TypingStartMsg signals that the user started typing to a recipient.
type TypingStartMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	RecipientID string `json:"recipientId"`
}

// TypingStopMsg signals that the user stopped typing to a recipient.
type TypingStopMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	RecipientID string `json:"recipientId"`
}

// ReactionMsg attaches an emoji reaction to a message. SenderID is the author
// of the reacted-to message and is used when reaction fan-out is scoped to
// the conversation participants.
type ReactionMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	SenderID  string `json:"senderId"`
}

// HeartbeatMsg is an application-level keepalive that refreshes lastSeen.
type HeartbeatMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// UserOnlineMsg announces that a user came online.
type UserOnlineMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// UserOfflineMsg announces that a user's last connection closed.
type UserOfflineMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// UserStatusMsg broadcasts a presence status change.
type UserStatusMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	Username string `json:"username"`
}

// UserEntry is one user in the roster snapshot.
type UserEntry struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"` // unix millis
}

// UserListMsg carries the full presence roster.
type UserListMsg struct {
	Type  string      `json:"type"`
	Users []UserEntry `json:"users"`
}

// MessageReceiveMsg is a direct message delivered to the recipient's
// connections. It mirrors SendMessageMsg with the server-stamped timestamp.
type MessageReceiveMsg struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	SenderUsername string `json:"senderUsername"`
	RecipientID    string `json:"recipientId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
	Read           bool   `json:"read"`
	Kind           string `json:"kind"`
}

// MessageSentMsg is the delivery ack returned to the originating connection.
// It means the server accepted the message, not that the recipient saw it.
type MessageSentMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// MessageErrorMsg rejects a message:send (blocked sender, invalid content).
type MessageErrorMsg struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// MessageReadMsg is the read receipt relayed to the original sender.
type MessageReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ReadAt    int64  `json:"readAt"` // unix millis
}

// TypingActiveMsg relays a typing indicator to the recipient only.
type TypingActiveMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ServerTypingStopMsg clears a typing indicator for the recipient.
type ServerTypingStopMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// ServerReactionMsg rebroadcasts an emoji reaction.
type ServerReactionMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

// UserBlockedMsg terminates a blocked user's connect attempt. The connection
// is closed immediately after this message is written.
type UserBlockedMsg struct {
	Type    string `json:"type"`
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// AdminUserBlockedMsg notifies clients that a user was blocked by an admin.
// Existing connections are not force-closed; the client decides what to do.
type AdminUserBlockedMsg struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// AdminUserWarningMsg delivers an administrative warning.
type AdminUserWarningMsg struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// AdminMessageDeletedMsg tells clients to drop a moderated message.
type AdminMessageDeletedMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
}

// AdminBroadcastMsg is a system-wide announcement.
type AdminBroadcastMsg struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeUserConnect:
		var m ConnectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserStatus:
		var m StatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageSend:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageRead:
		var m ReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReaction:
		var m ReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHeartbeat:
		var m HeartbeatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
