// Package store provides storage backends for MPBridge.
//
// This file implements the SQLite-backed history store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/MPBridge/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists conversation history in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path to the database; missing directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// AppendTurn records one exchange half for a conversation.
func (s *SQLiteStore) AppendTurn(conversation string, turn models.Turn) error {
	turn = fillTurnTime(turn)
	_, err := s.db.Exec(
		`INSERT INTO conversation_turns (conversation, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversation, turn.Role, turn.Content, turn.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AppendTurn failed", "error", err, "conversation", conversation)
		return fmt.Errorf("failed to insert turn for %s: %w", conversation, err)
	}
	return nil
}

// RecentTurns returns up to limit of the newest turns in chronological order.
func (s *SQLiteStore) RecentTurns(conversation string, limit int) ([]models.Turn, error) {
	rows, err := s.db.Query(
		`SELECT role, content, created_at FROM conversation_turns WHERE conversation = ? ORDER BY id DESC LIMIT ?`,
		conversation, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore RecentTurns query failed", "error", err, "conversation", conversation)
		return nil, fmt.Errorf("failed to query turns for %s: %w", conversation, err)
	}
	defer rows.Close()
	return collectTurnsNewestFirst(rows)
}

// ClearConversation drops all turns for a conversation.
func (s *SQLiteStore) ClearConversation(conversation string) error {
	_, err := s.db.Exec(`DELETE FROM conversation_turns WHERE conversation = ?`, conversation)
	if err != nil {
		slog.Error("SQLiteStore ClearConversation failed", "error", err, "conversation", conversation)
		return fmt.Errorf("failed to clear conversation %s: %w", conversation, err)
	}
	return nil
}

// SweepExpired drops turns created before the cutoff.
func (s *SQLiteStore) SweepExpired(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM conversation_turns WHERE created_at < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore SweepExpired failed", "error", err)
		return 0, fmt.Errorf("failed to sweep expired turns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept turns: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
