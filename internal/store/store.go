// Package store provides storage backends for MPBridge.
//
// The only durable state the service keeps is conversation history used as
// GenAI context. An in-memory store serves single-node development; SQLite
// and PostgreSQL back real deployments.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/MPBridge/internal/models"
)

// Store persists conversation history.
type Store interface {
	// AppendTurn records one exchange half for a conversation.
	AppendTurn(conversation string, turn models.Turn) error
	// RecentTurns returns up to limit of the newest turns in chronological
	// order.
	RecentTurns(conversation string, limit int) ([]models.Turn, error)
	// ClearConversation drops all turns for a conversation.
	ClearConversation(conversation string) error
	// SweepExpired drops turns created before the cutoff and reports how many
	// were removed.
	SweepExpired(cutoff time.Time) (int, error)
	// Close releases backend resources.
	Close() error
}

// Opts holds configuration for store constructors.
type Opts struct {
	DSN string
}

// Option configures Opts.
type Option func(*Opts)

// WithDSN sets the database connection string (a file path for SQLite).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Backend names a store implementation selected from a DSN.
type Backend string

// Supported backends.
const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// DetectBackend picks a backend from the DSN shape: empty selects the
// in-memory store, URL or key=value Postgres strings select Postgres, and
// anything else is treated as a SQLite file path.
func DetectBackend(dsn string) Backend {
	switch {
	case dsn == "":
		return BackendMemory
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return BackendPostgres
	case strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		return BackendPostgres
	default:
		return BackendSQLite
	}
}

// InMemoryStore keeps history in process memory. Suitable for development
// and tests; history is lost on restart.
type InMemoryStore struct {
	mu    sync.Mutex
	turns map[string][]models.Turn
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{turns: make(map[string][]models.Turn)}
}

// fillTurnTime fills a zero CreatedAt so expiry sweeps work on every turn.
func fillTurnTime(turn models.Turn) models.Turn {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	return turn
}

// AppendTurn records one exchange half for a conversation.
func (s *InMemoryStore) AppendTurn(conversation string, turn models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[conversation] = append(s.turns[conversation], fillTurnTime(turn))
	return nil
}

// RecentTurns returns up to limit of the newest turns in chronological order.
func (s *InMemoryStore) RecentTurns(conversation string, limit int) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.turns[conversation]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]models.Turn, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

// ClearConversation drops all turns for a conversation.
func (s *InMemoryStore) ClearConversation(conversation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, conversation)
	return nil
}

// SweepExpired drops turns created before the cutoff.
func (s *InMemoryStore) SweepExpired(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for conversation, all := range s.turns {
		kept := all[:0]
		for _, t := range all {
			if t.CreatedAt.Before(cutoff) {
				removed++
			} else {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(s.turns, conversation)
		} else {
			s.turns[conversation] = kept
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// Conversations returns the ids with stored history, sorted for stable
// output in diagnostics and tests.
func (s *InMemoryStore) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.turns))
	for id := range s.turns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
