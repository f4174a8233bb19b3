package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// InflightSet tracks conversations whose worker task has been dispatched but
// has not finished. Each marked conversation owns a channel that is closed
// when the work finishes, so waiters block on a notification instead of
// polling.
type InflightSet struct {
	mu      sync.Mutex
	running map[string]chan struct{}
}

// NewInflightSet creates an empty in-flight set.
func NewInflightSet() *InflightSet {
	return &InflightSet{running: make(map[string]chan struct{})}
}

// TryMark marks the conversation as in flight. It returns false without
// side effects when the conversation is already marked; the check and the
// mark are a single atomic step.
func (s *InflightSet) TryMark(conversation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[conversation]; ok {
		return false
	}
	s.running[conversation] = make(chan struct{})
	return true
}

// Finish removes the conversation's mark and wakes every waiter. Finishing a
// conversation that is not marked is a no-op, so cleanup paths may call it
// unconditionally.
func (s *InflightSet) Finish(conversation string) {
	s.mu.Lock()
	ch, ok := s.running[conversation]
	if ok {
		delete(s.running, conversation)
	}
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Running reports whether the conversation is marked in flight.
func (s *InflightSet) Running(conversation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[conversation]
	return ok
}

// Wait blocks until the conversation's work finishes, the deadline passes, or
// the context is cancelled. It returns true when the work is still running at
// return. A conversation with no mark returns false immediately, and a
// deadline already in the past only checks the mark.
func (s *InflightSet) Wait(ctx context.Context, conversation string, deadline time.Time) bool {
	s.mu.Lock()
	ch, ok := s.running[conversation]
	s.mu.Unlock()
	if !ok {
		return false
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-ch:
		return false
	case <-timer.C:
		slog.Debug("InflightSet wait deadline reached", "conversation", conversation)
		return true
	case <-ctx.Done():
		return s.Running(conversation)
	}
}

// Len returns the number of conversations currently in flight.
func (s *InflightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
