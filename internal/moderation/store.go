// Package moderation provides the administrative block list backed by Redis.
// Blocks are stored as simple key-value pairs with no expiry:
//
//	Key:   block:<user_id>
//	Value: <reason>
//
// A block is permanent until an explicit unblock. The event router consults
// IsBlocked on every connect and every message send; the admin API is the
// only writer.
package moderation

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// BlockPrefix is the Redis key prefix for block records.
const BlockPrefix = "block:"

// DefaultReason is recorded when an admin blocks without giving one.
const DefaultReason = "No reason specified"

// Store manages block records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a block store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBlocked checks whether userID is currently blocked. Returns the blocked
// flag and the recorded reason. Redis errors are returned so callers can
// decide how to handle them; the recommended policy is fail-open so a Redis
// outage does not take chat down.
func (s *Store) IsBlocked(ctx context.Context, userID string) (bool, string, error) {
	reason, err := s.client.Get(ctx, BlockPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("moderation: check block for %s: %w", userID, err)
	}
	return true, reason, nil
}

// Block records a permanent block for userID. It takes effect for every
// subsequent router check immediately; already-open connections are not
// closed by this store.
func (s *Store) Block(ctx context.Context, userID, reason string) error {
	if reason == "" {
		reason = DefaultReason
	}
	if err := s.client.Set(ctx, BlockPrefix+userID, reason, 0).Err(); err != nil {
		return fmt.Errorf("moderation: block %s: %w", userID, err)
	}
	return nil
}

// Unblock lifts a block immediately.
func (s *Store) Unblock(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, BlockPrefix+userID).Err(); err != nil {
		return fmt.Errorf("moderation: unblock %s: %w", userID, err)
	}
	return nil
}

// Blocked returns all current blocks as a userID -> reason map. Used by the
// admin API for listings and dashboards; the hot path never calls this.
func (s *Store) Blocked(ctx context.Context) (map[string]string, error) {
	blocked := make(map[string]string)

	iter := s.client.Scan(ctx, 0, BlockPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		reason, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue // unblocked between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("moderation: read %s: %w", key, err)
		}
		blocked[key[len(BlockPrefix):]] = reason
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("moderation: scan blocks: %w", err)
	}
	return blocked, nil
}
