package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for all connection hashes.
	ConnPrefix = "conn:"

	// ConnTTL is the time-to-live for connection keys in Redis. Heartbeats
	// refresh it; a crashed server's keys age out on their own.
	ConnTTL = 1 * time.Hour
)

// Conn represents one live websocket connection stored in Redis.
type Conn struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Username   string `redis:"username"`
	Server     string `redis:"server"` // which WS server instance holds it
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages connection state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new connection store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new connection hash in Redis with a 1h TTL.
func (s *Store) Create(ctx context.Context, connID, userID, username string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	conn := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"username":    username,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, conn)
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Conn, error) {
	key := ConnPrefix + connID
	var conn Conn
	err := s.client.HGetAll(ctx, key).Scan(&conn)
	if err != nil {
		return nil, err
	}
	if conn.ID == "" {
		return nil, nil // not found
	}
	return &conn, nil
}

// Touch updates last_active and refreshes the TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a connection hash from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
