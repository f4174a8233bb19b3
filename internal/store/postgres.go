// Package store provides storage backends for MPBridge.
//
// This file implements the PostgreSQL-backed history store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/MPBridge/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists conversation history in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// AppendTurn records one exchange half for a conversation.
func (s *PostgresStore) AppendTurn(conversation string, turn models.Turn) error {
	turn = fillTurnTime(turn)
	_, err := s.db.Exec(
		`INSERT INTO conversation_turns (conversation, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		conversation, turn.Role, turn.Content, turn.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore AppendTurn failed", "error", err, "conversation", conversation)
		return fmt.Errorf("failed to insert turn for %s: %w", conversation, err)
	}
	return nil
}

// RecentTurns returns up to limit of the newest turns in chronological order.
func (s *PostgresStore) RecentTurns(conversation string, limit int) ([]models.Turn, error) {
	rows, err := s.db.Query(
		`SELECT role, content, created_at FROM conversation_turns WHERE conversation = $1 ORDER BY id DESC LIMIT $2`,
		conversation, limit,
	)
	if err != nil {
		slog.Error("PostgresStore RecentTurns query failed", "error", err, "conversation", conversation)
		return nil, fmt.Errorf("failed to query turns for %s: %w", conversation, err)
	}
	defer rows.Close()
	return collectTurnsNewestFirst(rows)
}

// ClearConversation drops all turns for a conversation.
func (s *PostgresStore) ClearConversation(conversation string) error {
	_, err := s.db.Exec(`DELETE FROM conversation_turns WHERE conversation = $1`, conversation)
	if err != nil {
		slog.Error("PostgresStore ClearConversation failed", "error", err, "conversation", conversation)
		return fmt.Errorf("failed to clear conversation %s: %w", conversation, err)
	}
	return nil
}

// SweepExpired drops turns created before the cutoff.
func (s *PostgresStore) SweepExpired(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM conversation_turns WHERE created_at < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore SweepExpired failed", "error", err)
		return 0, fmt.Errorf("failed to sweep expired turns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept turns: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
