// Package presence derives per-user online/away/offline status from
// connection registry transitions and heartbeat recency. Records for users
// who went offline are retained so "last seen" can still be reported.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Presence status values. Transitions follow
// offline -> online -> away -> offline.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// ValidStatus reports whether s is a presence status a client may declare.
func ValidStatus(s string) bool {
	return s == StatusOnline || s == StatusAway || s == StatusOffline
}

// Entry is a point-in-time view of one user's presence.
type Entry struct {
	UserID      string
	DisplayName string
	Status      string
	LastSeen    time.Time
}

// record is the mutable per-user state. The idle timer is armed whenever the
// user enters online and rearmed on every heartbeat; when it fires it calls
// the tracker's onIdle callback, which is expected to enqueue a synthetic
// event rather than mutate state directly.
type record struct {
	displayName string
	status      string
	lastSeen    time.Time
	idle        *time.Timer
}

// Tracker holds presence records for every user the process has seen.
type Tracker struct {
	mu          sync.RWMutex
	records     map[string]*record
	idleTimeout time.Duration
	onIdle      func(userID string)
}

// New creates a Tracker. Users with no heartbeat for idleTimeout are marked
// away (once the owner processes the idle signal delivered via OnIdle).
func New(idleTimeout time.Duration) *Tracker {
	return &Tracker{
		records:     make(map[string]*record),
		idleTimeout: idleTimeout,
	}
}

// OnIdle registers the callback invoked from timer goroutines when a user's
// idle timer fires. The callback must be cheap and non-blocking with respect
// to tracker state: the intended use is enqueueing an event for the owner's
// dispatch stream, which then calls MarkIdle.
func (t *Tracker) OnIdle(fn func(userID string)) {
	t.mu.Lock()
	t.onIdle = fn
	t.mu.Unlock()
}

// MarkOnline records that userID has at least one live connection. It
// creates the record on first sight, refreshes lastSeen and the display
// name, arms the idle timer, and returns true when this is an
// offline->online transition (the caller broadcasts user:online only then).
func (t *Tracker) MarkOnline(userID, displayName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		rec = &record{status: StatusOffline}
		t.records[userID] = rec
	}
	cameOnline := rec.status == StatusOffline
	rec.displayName = displayName
	rec.status = StatusOnline
	rec.lastSeen = time.Now()
	t.armIdleLocked(userID, rec)
	return cameOnline
}

// Touch applies heartbeat semantics: refresh lastSeen, lift away back to
// online, and rearm the idle timer. Unknown users are a no-op; heartbeats
// may arrive just after a near-simultaneous disconnect.
func (t *Tracker) Touch(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return
	}
	rec.lastSeen = time.Now()
	switch rec.status {
	case StatusAway:
		rec.status = StatusOnline
		t.armIdleLocked(userID, rec)
	case StatusOnline:
		t.armIdleLocked(userID, rec)
	}
}

// SetStatus applies a client-declared status. The declaration overrides the
// idle timer until the next heartbeat or registry event re-enters
// timer-driven tracking. Returns false for unknown users or invalid status.
func (t *Tracker) SetStatus(userID, status string) bool {
	if !ValidStatus(status) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return false
	}
	rec.status = status
	rec.lastSeen = time.Now()
	t.stopIdleLocked(rec)
	if status == StatusOnline {
		t.armIdleLocked(userID, rec)
	}
	return true
}

// MarkOffline records that userID's connection set emptied. The record is
// kept (status offline, lastSeen updated) so last-seen survives; only the
// idle timer is cancelled.
func (t *Tracker) MarkOffline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return
	}
	rec.status = StatusOffline
	rec.lastSeen = time.Now()
	t.stopIdleLocked(rec)
}

// MarkIdle transitions online -> away if the user really has been quiet for
// the idle timeout. It is called by the owner when the idle signal is
// processed; the recency check guards against a timer that fired just as a
// heartbeat rearmed it. Returns true when the transition happened.
func (t *Tracker) MarkIdle(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok || rec.status != StatusOnline {
		return false
	}
	if time.Since(rec.lastSeen) < t.idleTimeout {
		return false
	}
	rec.status = StatusAway
	return true
}

// Get returns the presence entry for userID.
func (t *Tracker) Get(userID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[userID]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		UserID:      userID,
		DisplayName: rec.displayName,
		Status:      rec.status,
		LastSeen:    rec.lastSeen,
	}, true
}

// DisplayName returns the last known display name for userID.
func (t *Tracker) DisplayName(userID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.records[userID]; ok {
		return rec.displayName
	}
	return ""
}

// Snapshot returns the full roster ordered by userID. This is a full scan;
// roster size is bounded by users seen, not messages, so it stays cheap.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	entries := make([]Entry, 0, len(t.records))
	for userID, rec := range t.records {
		entries = append(entries, Entry{
			UserID:      userID,
			DisplayName: rec.displayName,
			Status:      rec.status,
			LastSeen:    rec.lastSeen,
		})
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// Count returns the number of users the tracker has ever seen.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// EvictOfflineBefore drops records of users offline since before cutoff and
// returns how many were removed. The tracker itself never evicts; this is an
// operator hook to bound long-run growth.
func (t *Tracker) EvictOfflineBefore(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for userID, rec := range t.records {
		if rec.status == StatusOffline && rec.lastSeen.Before(cutoff) {
			t.stopIdleLocked(rec)
			delete(t.records, userID)
			evicted++
		}
	}
	return evicted
}

// Stop cancels all idle timers. Used on shutdown.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.records {
		t.stopIdleLocked(rec)
	}
}

// armIdleLocked arms or rearms the per-user idle timer. Caller holds the
// write lock. The fired callback only forwards the userID to onIdle; the
// actual transition happens later in MarkIdle, serialized by the owner.
func (t *Tracker) armIdleLocked(userID string, rec *record) {
	if t.idleTimeout <= 0 {
		return
	}
	if rec.idle != nil {
		rec.idle.Reset(t.idleTimeout)
		return
	}
	rec.idle = time.AfterFunc(t.idleTimeout, func() {
		t.mu.RLock()
		fn := t.onIdle
		t.mu.RUnlock()
		if fn != nil {
			fn(userID)
		}
	})
}

// stopIdleLocked cancels the idle timer if armed. Caller holds the write lock.
func (t *Tracker) stopIdleLocked(rec *record) {
	if rec.idle != nil {
		rec.idle.Stop()
	}
}
