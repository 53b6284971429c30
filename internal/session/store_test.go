package session

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("localhost:6379", "test-server")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	connID := uuid.NewString()
	if err := store.Create(ctx, connID, "user-1", "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer store.Delete(ctx, connID)

	conn, err := store.Get(ctx, connID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conn == nil {
		t.Fatal("expected connection, got nil")
	}
	if conn.UserID != "user-1" || conn.Username != "alice" || conn.Server != "test-server" {
		t.Errorf("unexpected connection: %+v", conn)
	}

	ttl, err := store.Client().TTL(ctx, ConnPrefix+connID).Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > ConnTTL {
		t.Errorf("expected TTL within (0, %v], got %v", ConnTTL, ttl)
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	conn, err := store.Get(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conn != nil {
		t.Errorf("expected nil for missing connection, got %+v", conn)
	}
}

func TestTouchAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	connID := uuid.NewString()
	if err := store.Create(ctx, connID, "user-1", "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.Touch(ctx, connID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	if err := store.Delete(ctx, connID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	conn, err := store.Get(ctx, connID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if conn != nil {
		t.Errorf("expected connection gone after delete")
	}
}
