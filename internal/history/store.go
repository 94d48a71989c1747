// Package history persists conversation traffic in sqlite: inbound user
// messages and final agent responses, queryable over RPC.
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT NOT NULL,
	ref        TEXT NOT NULL,
	direction  TEXT NOT NULL,
	author     TEXT NOT NULL DEFAULT '',
	agent_id   TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_destination
	ON messages (channel_id, ref, created_at);
`

// Direction values stored per message row.
const (
	DirectionInbound  = "inbound"
	DirectionResponse = "response"
)

// Entry is one stored message.
type Entry struct {
	ID        int64     `db:"id" json:"id"`
	ChannelID string    `db:"channel_id" json:"channelId"`
	Ref       string    `db:"ref" json:"ref"`
	Direction string    `db:"direction" json:"direction"`
	Author    string    `db:"author" json:"author,omitempty"`
	AgentID   string    `db:"agent_id" json:"agentId,omitempty"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// ListOptions narrow a List query. Zero Limit means 100.
type ListOptions struct {
	ChannelID string
	Ref       string
	Limit     int
	Offset    int
}

// Store wraps the sqlite database.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open opens (creating if necessary) the history database at path and
// applies the schema.
func Open(path string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sqlx.Connect("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "history")),
	}, nil
}

// RecordInbound stores one user message. Implements the router's
// HistoryRecorder.
func (s *Store) RecordInbound(ctx context.Context, dest channel.Destination, author, text string) error {
	return s.insert(ctx, dest, DirectionInbound, author, "", text)
}

// RecordResponse stores one final agent response.
func (s *Store) RecordResponse(ctx context.Context, dest channel.Destination, agentID, text string) error {
	return s.insert(ctx, dest, DirectionResponse, "", agentID, text)
}

func (s *Store) insert(ctx context.Context, dest channel.Destination, direction, author, agentID, body string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (channel_id, ref, direction, author, agent_id, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dest.ChannelID, dest.Ref, direction, author, agentID, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert history row: %w", err)
	}
	return nil
}

// List returns messages newest-first, optionally filtered by destination.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	query := `SELECT id, channel_id, ref, direction, author, agent_id, body, created_at
		FROM messages WHERE 1=1`
	args := []interface{}{}
	if opts.ChannelID != "" {
		query += " AND channel_id = ?"
		args = append(args, opts.ChannelID)
	}
	if opts.Ref != "" {
		query += " AND ref = ?"
		args = append(args, opts.Ref)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	entries := []Entry{}
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return entries, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
