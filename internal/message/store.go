package message

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a message id has no persisted row.
var ErrNotFound = errors.New("message: not found")

// Record is one persisted direct message.
type Record struct {
	MessageID   string
	SenderID    string
	RecipientID string
	Content     string
	Kind        string
	SentAt      time.Time
	ReadAt      sql.NullTime
	Flagged     bool
	FlagReason  sql.NullString
}

// Store persists messages in Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("message: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("message: ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// RunMigrations applies any pending schema migrations.
func (s *Store) RunMigrations() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("message: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("message: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("message: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("message: migrate up: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts a message. Duplicate message ids are ignored so redelivered
// frames do not error.
func (s *Store) Save(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, sender_id, recipient_id, content, kind, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING`,
		r.MessageID, r.SenderID, r.RecipientID, r.Content, r.Kind, r.SentAt)
	if err != nil {
		return fmt.Errorf("message: save: %w", err)
	}
	return nil
}

// Get fetches one message by id.
func (s *Store) Get(ctx context.Context, messageID string) (Record, error) {
	var r Record
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, sender_id, recipient_id, content, kind, sent_at, read_at, flagged, flag_reason
		FROM messages WHERE message_id = $1`, messageID).
		Scan(&r.MessageID, &r.SenderID, &r.RecipientID, &r.Content, &r.Kind,
			&r.SentAt, &r.ReadAt, &r.Flagged, &r.FlagReason)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("message: get: %w", err)
	}
	return r, nil
}

// MarkRead stamps the read time on a message if it has none yet.
func (s *Store) MarkRead(ctx context.Context, messageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_at = $2
		WHERE message_id = $1 AND read_at IS NULL`, messageID, at)
	if err != nil {
		return fmt.Errorf("message: mark read: %w", err)
	}
	return nil
}

// Delete removes a message row. Deleting an unknown id returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("message: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Flag marks a message for moderator review.
func (s *Store) Flag(ctx context.Context, messageID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET flagged = TRUE, flag_reason = $2
		WHERE message_id = $1`, messageID, reason)
	if err != nil {
		return fmt.Errorf("message: flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Flagged returns flagged messages, newest first.
func (s *Store) Flagged(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender_id, recipient_id, content, kind, sent_at, read_at, flagged, flag_reason
		FROM messages WHERE flagged ORDER BY sent_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("message: list flagged: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Conversation returns the persisted messages between two users, oldest
// first, capped at limit.
func (s *Store) Conversation(ctx context.Context, a, b string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender_id, recipient_id, content, kind, sent_at, read_at, flagged, flag_reason
		FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY sent_at ASC LIMIT $3`, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("message: conversation: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Recent returns the most recent messages across all conversations, newest
// first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender_id, recipient_id, content, kind, sent_at, read_at, flagged, flag_reason
		FROM messages ORDER BY sent_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("message: recent: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountBySender returns how many messages a user has sent.
func (s *Store) CountBySender(ctx context.Context, senderID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE sender_id = $1`, senderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("message: count by sender: %w", err)
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.MessageID, &r.SenderID, &r.RecipientID, &r.Content,
			&r.Kind, &r.SentAt, &r.ReadAt, &r.Flagged, &r.FlagReason); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: rows: %w", err)
	}
	return out, nil
}
