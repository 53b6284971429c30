// Package admin exposes the moderator REST API: user blocking, warnings,
// message inspection and deletion, system broadcasts, and an in-memory
// audit trail of every action taken.
package admin

import (
	"sync"
	"time"
)

// AuditEntry records a single administrative action.
type AuditEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Action       string    `json:"action"`
	TargetUserID string    `json:"targetUserId,omitempty"`
	MessageID    string    `json:"messageId,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Details      string    `json:"details,omitempty"`
}

// AuditLog is a fixed-size in-memory ring of administrative actions, newest
// entries evicting the oldest.
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	size    int
}

// NewAuditLog returns a log retaining up to size entries. Size <= 0 falls
// back to 1000.
func NewAuditLog(size int) *AuditLog {
	if size <= 0 {
		size = 1000
	}
	return &AuditLog{size: size}
}

// Append records an action.
func (a *AuditLog) Append(e AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	if len(a.entries) > a.size {
		a.entries = a.entries[len(a.entries)-a.size:]
	}
}

// Entries returns recorded actions, newest first, optionally filtered by
// action name and capped at limit. Limit <= 0 means no cap.
func (a *AuditLog) Entries(limit int, action string) []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]AuditEntry, 0, len(a.entries))
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if action != "" && e.Action != action {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
