package registry

import (
	"sort"
	"testing"
)

func TestRegisterAndIsOnline(t *testing.T) {
	r := New()

	if r.IsOnline("u-1") {
		t.Fatal("expected u-1 offline before registration")
	}

	r.Register("u-1", "c-1")
	if !r.IsOnline("u-1") {
		t.Fatal("expected u-1 online after registration")
	}

	owner, ok := r.Owner("c-1")
	if !ok || owner != "u-1" {
		t.Fatalf("expected owner u-1, got %q (ok=%v)", owner, ok)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r := New()

	r.Register("u-1", "c-1")
	r.Register("u-1", "c-1")

	conns := r.ConnectionsFor("u-1")
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection after duplicate register, got %d", len(conns))
	}
	if r.ConnCount() != 1 {
		t.Fatalf("expected total conn count 1, got %d", r.ConnCount())
	}
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	r := New()

	r.Register("u-1", "c-1")
	r.Register("u-1", "c-2")
	r.Register("u-2", "c-3")

	conns := r.ConnectionsFor("u-1")
	sort.Strings(conns)
	if len(conns) != 2 || conns[0] != "c-1" || conns[1] != "c-2" {
		t.Fatalf("expected [c-1 c-2], got %v", conns)
	}
	if r.OnlineCount() != 2 {
		t.Fatalf("expected 2 online users, got %d", r.OnlineCount())
	}
}

func TestUnregisterLastConnectionGoesOffline(t *testing.T) {
	r := New()

	r.Register("u-1", "c-1")
	r.Register("u-1", "c-2")

	userID, wentOffline, ok := r.Unregister("c-1")
	if !ok {
		t.Fatal("expected known connection")
	}
	if userID != "u-1" {
		t.Fatalf("expected owner u-1, got %q", userID)
	}
	if wentOffline {
		t.Fatal("user still has a connection, should not be offline")
	}
	if !r.IsOnline("u-1") {
		t.Fatal("expected u-1 still online with one tab left")
	}

	userID, wentOffline, ok = r.Unregister("c-2")
	if !ok || userID != "u-1" {
		t.Fatalf("expected known connection owned by u-1, got %q (ok=%v)", userID, ok)
	}
	if !wentOffline {
		t.Fatal("expected offline transition on last unregister")
	}
	if r.IsOnline("u-1") {
		t.Fatal("expected u-1 offline after last unregister")
	}
	if len(r.ConnectionsFor("u-1")) != 0 {
		t.Fatal("expected empty connection set for offline user")
	}
}

func TestUnregisterUnknownConnIsNoop(t *testing.T) {
	r := New()
	r.Register("u-1", "c-1")

	_, wentOffline, ok := r.Unregister("c-unknown")
	if ok {
		t.Fatal("expected ok=false for unknown connection")
	}
	if wentOffline {
		t.Fatal("unknown unregister must not report an offline transition")
	}
	if !r.IsOnline("u-1") {
		t.Fatal("unknown unregister must not mutate other users")
	}

	// Double unregister of a real connection: second call is a no-op too.
	r.Unregister("c-1")
	if _, _, ok := r.Unregister("c-1"); ok {
		t.Fatal("expected second unregister to be a no-op")
	}
}

func TestRegisterMovesConnectionBetweenUsers(t *testing.T) {
	r := New()

	r.Register("u-1", "c-1")
	r.Register("u-2", "c-1")

	if r.IsOnline("u-1") {
		t.Fatal("expected u-1 offline after its only connection moved")
	}
	if !r.IsOnline("u-2") {
		t.Fatal("expected u-2 online")
	}
	owner, _ := r.Owner("c-1")
	if owner != "u-2" {
		t.Fatalf("expected owner u-2, got %q", owner)
	}
	if r.ConnCount() != 1 {
		t.Fatalf("expected 1 connection total, got %d", r.ConnCount())
	}
}

func TestConnectionsForUnknownUser(t *testing.T) {
	r := New()
	conns := r.ConnectionsFor("nobody")
	if conns == nil {
		t.Fatal("expected empty slice, got nil")
	}
	if len(conns) != 0 {
		t.Fatalf("expected no connections, got %v", conns)
	}
}
