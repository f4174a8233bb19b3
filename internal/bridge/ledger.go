package bridge

import (
	"log/slog"
	"sync"
	"time"
)

// Ledger counts delivery attempts per platform event id. The platform
// redelivers an unanswered event under the same id, so the count tells the
// webhook which retry it is handling. Entries carry their first-seen time so
// abandoned ids can be swept.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
}

type ledgerEntry struct {
	count     int
	firstSeen time.Time
}

// NewLedger creates an empty deduplication ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*ledgerEntry)}
}

// Bump increments the delivery count for an event id and returns the new
// count. The first delivery of an id returns 1.
func (l *Ledger) Bump(eventID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[eventID]
	if !ok {
		e = &ledgerEntry{firstSeen: time.Now()}
		l.entries[eventID] = e
	}
	e.count++
	return e.count
}

// Clear forgets an event id. Called when a reply for the event is actually
// delivered; clearing an unknown id is a no-op.
func (l *Ledger) Clear(eventID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, eventID)
}

// Len returns the number of tracked event ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Sweep removes entries first seen before the cutoff and returns how many
// were removed. Run periodically so ids the platform stopped redelivering do
// not accumulate.
func (l *Ledger) Sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, e := range l.entries {
		if e.firstSeen.Before(cutoff) {
			delete(l.entries, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Ledger sweep removed stale entries", "removed", removed, "remaining", len(l.entries))
	}
	return removed
}
