package message

import (
	"sort"
	"sync"
	"time"
)

// Preview is one recently delivered message kept in memory for moderator
// inspection. It mirrors the persisted record but carries only the fields
// the admin surface displays.
type Preview struct {
	MessageID   string
	SenderID    string
	RecipientID string
	Content     string
	SentAt      time.Time
}

// RecentBuffer keeps a fixed-size ring of message previews per conversation.
// A conversation is the unordered pair of participants; both directions of a
// DM land in the same ring.
type RecentBuffer struct {
	mu    sync.RWMutex
	size  int
	rings map[string][]Preview
}

// NewRecentBuffer returns a buffer retaining up to size messages per
// conversation. Size <= 0 falls back to 20.
func NewRecentBuffer(size int) *RecentBuffer {
	if size <= 0 {
		size = 20
	}
	return &RecentBuffer{
		size:  size,
		rings: make(map[string][]Preview),
	}
}

func conversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Add records a delivered message, evicting the oldest entry once the
// conversation ring is full.
func (rb *RecentBuffer) Add(p Preview) {
	key := conversationKey(p.SenderID, p.RecipientID)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	ring := append(rb.rings[key], p)
	if len(ring) > rb.size {
		ring = ring[len(ring)-rb.size:]
	}
	rb.rings[key] = ring
}

// Conversation returns the buffered messages between two users, oldest
// first. The result is a copy.
func (rb *RecentBuffer) Conversation(a, b string) []Preview {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	ring := rb.rings[conversationKey(a, b)]
	out := make([]Preview, len(ring))
	copy(out, ring)
	return out
}

// BySender returns all buffered messages sent by one user across every
// conversation, oldest first.
func (rb *RecentBuffer) BySender(senderID string) []Preview {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []Preview
	for _, ring := range rb.rings {
		for _, p := range ring {
			if p.SenderID == senderID {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

// All returns every buffered message, newest first, capped at limit.
// Limit <= 0 means no cap.
func (rb *RecentBuffer) All(limit int) []Preview {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []Preview
	for _, ring := range rb.rings {
		out = append(out, ring...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
