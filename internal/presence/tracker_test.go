package presence

import (
	"testing"
	"time"
)

func TestMarkOnlineTransitions(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Stop()

	if !tr.MarkOnline("u-1", "alice") {
		t.Fatal("first MarkOnline should report an offline->online transition")
	}
	// A second tab connects: still online, no transition.
	if tr.MarkOnline("u-1", "alice") {
		t.Fatal("second MarkOnline should not report a transition")
	}

	entry, ok := tr.Get("u-1")
	if !ok {
		t.Fatal("expected record for u-1")
	}
	if entry.Status != StatusOnline {
		t.Fatalf("expected status %q, got %q", StatusOnline, entry.Status)
	}
	if entry.DisplayName != "alice" {
		t.Fatalf("expected display name alice, got %q", entry.DisplayName)
	}
}

func TestMarkOfflineRetainsRecord(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Stop()

	tr.MarkOnline("u-1", "alice")
	tr.MarkOffline("u-1")

	entry, ok := tr.Get("u-1")
	if !ok {
		t.Fatal("offline user's record must be retained for last-seen reporting")
	}
	if entry.Status != StatusOffline {
		t.Fatalf("expected status %q, got %q", StatusOffline, entry.Status)
	}
	if entry.LastSeen.IsZero() {
		t.Fatal("expected lastSeen to be set")
	}

	// Reconnecting is a fresh offline->online transition.
	if !tr.MarkOnline("u-1", "alice") {
		t.Fatal("reconnect after offline should report a transition")
	}
}

func TestTouchUnknownUserIsNoop(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Stop()

	tr.Touch("ghost")
	if _, ok := tr.Get("ghost"); ok {
		t.Fatal("Touch must not create records for unknown users")
	}
	if tr.Count() != 0 {
		t.Fatalf("expected empty tracker, got %d records", tr.Count())
	}
}

func TestIdleFiresAndMarkIdleTransitions(t *testing.T) {
	tr := New(20 * time.Millisecond)
	defer tr.Stop()

	idle := make(chan string, 1)
	tr.OnIdle(func(userID string) { idle <- userID })

	tr.MarkOnline("u-1", "alice")

	select {
	case userID := <-idle:
		if userID != "u-1" {
			t.Fatalf("expected idle signal for u-1, got %q", userID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer never fired")
	}

	if !tr.MarkIdle("u-1") {
		t.Fatal("expected online->away transition")
	}
	entry, _ := tr.Get("u-1")
	if entry.Status != StatusAway {
		t.Fatalf("expected status %q, got %q", StatusAway, entry.Status)
	}

	// Already away: a second idle signal must not transition again.
	if tr.MarkIdle("u-1") {
		t.Fatal("MarkIdle on an away user should be a no-op")
	}
}

func TestMarkIdleIgnoresRecentHeartbeat(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Stop()

	tr.MarkOnline("u-1", "alice")
	// lastSeen is fresh, so a stale idle signal must be discarded.
	if tr.MarkIdle("u-1") {
		t.Fatal("MarkIdle must not transition a recently active user")
	}
}

func TestTouchLiftsAway(t *testing.T) {
	tr := New(20 * time.Millisecond)
	defer tr.Stop()

	idle := make(chan string, 1)
	tr.OnIdle(func(userID string) { idle <- userID })

	tr.MarkOnline("u-1", "alice")
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer never fired")
	}
	tr.MarkIdle("u-1")

	tr.Touch("u-1")
	entry, _ := tr.Get("u-1")
	if entry.Status != StatusOnline {
		t.Fatalf("heartbeat should lift away back to online, got %q", entry.Status)
	}
}

func TestSetStatusOverride(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Stop()

	tr.MarkOnline("u-1", "alice")

	if !tr.SetStatus("u-1", StatusAway) {
		t.Fatal("expected SetStatus to succeed for known user")
	}
	entry, _ := tr.Get("u-1")
	if entry.Status != StatusAway {
		t.Fatalf("expected away, got %q", entry.Status)
	}

	if tr.SetStatus("u-1", "busy") {
		t.Fatal("expected invalid status to be rejected")
	}
	if tr.SetStatus("ghost", StatusAway) {
		t.Fatal("expected SetStatus to fail for unknown user")
	}
}

func TestSnapshotOrderedByUserID(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Stop()

	tr.MarkOnline("u-3", "carol")
	tr.MarkOnline("u-1", "alice")
	tr.MarkOnline("u-2", "bob")
	tr.MarkOffline("u-2")

	entries := tr.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"u-1", "u-2", "u-3"} {
		if entries[i].UserID != want {
			t.Errorf("entry %d: expected %q, got %q", i, want, entries[i].UserID)
		}
	}
	if entries[1].Status != StatusOffline {
		t.Errorf("expected u-2 offline in snapshot, got %q", entries[1].Status)
	}
}

func TestEvictOfflineBefore(t *testing.T) {
	tr := New(time.Minute)
	defer tr.Stop()

	tr.MarkOnline("u-1", "alice")
	tr.MarkOnline("u-2", "bob")
	tr.MarkOffline("u-2")

	// Cutoff in the future: only offline records qualify.
	evicted := tr.EvictOfflineBefore(time.Now().Add(time.Second))
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if _, ok := tr.Get("u-2"); ok {
		t.Fatal("expected u-2 record evicted")
	}
	if _, ok := tr.Get("u-1"); !ok {
		t.Fatal("online record must never be evicted")
	}
}
