package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/MPBridge/internal/models"
)

// SessionStore keeps the per-conversation pending action of multi-step flows,
// currently only the await-image step of the image-analysis flow. Actions
// expire after a fixed window; expiry is judged when the follow-up arrives and
// stale entries are additionally swept in the background.
type SessionStore struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[string]models.PendingAction
}

// NewSessionStore creates an empty session store. A zero timeout selects
// models.DefaultSessionTimeout.
func NewSessionStore(timeout time.Duration) *SessionStore {
	if timeout <= 0 {
		timeout = models.DefaultSessionTimeout
	}
	return &SessionStore{timeout: timeout, pending: make(map[string]models.PendingAction)}
}

// BeginAwaitImage records that the conversation is waiting for a picture
// upload. A repeated trigger replaces the previous action and restarts the
// window.
func (s *SessionStore) BeginAwaitImage(conversation, question string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[conversation] = models.PendingAction{
		Kind:      models.ActionAwaitImage,
		Question:  question,
		CreatedAt: now,
	}
	slog.Debug("SessionStore began await-image session", "conversation", conversation)
}

// Take atomically removes and returns the conversation's pending action. Both
// the valid and the expired follow-up consume the action, so removal and
// retrieval are one step; the caller judges expiry on the returned action.
func (s *SessionStore) Take(conversation string) (models.PendingAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.pending[conversation]
	if ok {
		delete(s.pending, conversation)
	}
	return a, ok
}

// Expired reports whether the action's await window had closed at now. The
// window is inclusive: an action exactly timeout old is still valid.
func (s *SessionStore) Expired(a models.PendingAction, now time.Time) bool {
	return a.Expired(now, s.timeout)
}

// SweepExpired drops actions whose window has closed and returns how many
// were removed.
func (s *SessionStore) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for conversation, a := range s.pending {
		if a.Expired(now, s.timeout) {
			delete(s.pending, conversation)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("SessionStore sweep removed expired sessions", "removed", removed, "remaining", len(s.pending))
	}
	return removed
}

// Len returns the number of conversations with a pending action.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
