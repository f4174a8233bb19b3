// Package bridge holds the process-local state that lets a synchronous
// webhook answer for an asynchronous worker.
//
// The webhook must respond within a few seconds while the worker may take
// tens of seconds, so finished replies wait in a per-conversation cache, the
// in-flight set tracks work that has not finished, the deduplication ledger
// counts the platform's redeliveries of unanswered events, and the session
// store keeps short-lived multi-step flow state. All state is owned by a
// single process and guarded by mutexes; nothing here survives a restart.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/MPBridge/internal/models"
)

// Bridge bundles the four stores and the delivery policies that operate on
// them. The zero value is not usable; construct with New.
type Bridge struct {
	ledger   *Ledger
	cache    *ReplyCache
	inflight *InflightSet
	sessions *SessionStore
}

// New creates a Bridge with empty stores. sessionTimeout bounds the
// await-image window; zero selects models.DefaultSessionTimeout.
func New(sessionTimeout time.Duration) *Bridge {
	slog.Debug("Creating Bridge")
	return &Bridge{
		ledger:   NewLedger(),
		cache:    NewReplyCache(),
		inflight: NewInflightSet(),
		sessions: NewSessionStore(sessionTimeout),
	}
}

// BumpDelivery counts a delivery attempt for a platform event id and returns
// the new count (1 for the first delivery).
func (b *Bridge) BumpDelivery(eventID string) int {
	return b.ledger.Bump(eventID)
}

// ClearDelivery forgets an event id once a reply for it has been delivered.
func (b *Bridge) ClearDelivery(eventID string) {
	b.ledger.Clear(eventID)
}

// TryMark atomically marks a conversation as having work in flight. It
// returns false when the conversation is already marked.
func (b *Bridge) TryMark(conversation string) bool {
	return b.inflight.TryMark(conversation)
}

// Running reports whether a conversation has work in flight.
func (b *Bridge) Running(conversation string) bool {
	return b.inflight.Running(conversation)
}

// Wait blocks until the conversation's in-flight work finishes or the
// deadline passes, and reports whether the work is still running.
func (b *Bridge) Wait(ctx context.Context, conversation string, deadline time.Time) bool {
	return b.inflight.Wait(ctx, conversation, deadline)
}

// Complete records a worker's output and releases its in-flight mark. The
// fragments are pushed before the mark is cleared so a woken waiter always
// finds them; completing with no fragments only clears the mark.
func (b *Bridge) Complete(conversation string, frags ...models.ReplyFragment) {
	if len(frags) > 0 {
		b.cache.Push(conversation, frags...)
	}
	b.inflight.Finish(conversation)
	slog.Debug("Bridge completed work", "conversation", conversation, "fragments", len(frags))
}

// HasReply reports whether the conversation has cached fragments waiting.
func (b *Bridge) HasReply(conversation string) bool {
	return b.cache.Has(conversation)
}

// Push appends fragments to the conversation's reply queue without touching
// the in-flight mark.
func (b *Bridge) Push(conversation string, frags ...models.ReplyFragment) {
	b.cache.Push(conversation, frags...)
}

// PushNext inserts a fragment at the head of the conversation's reply queue so
// it is the next one delivered.
func (b *Bridge) PushNext(conversation string, frag models.ReplyFragment) {
	b.cache.PushFront(conversation, frag)
}

// PopChunked pops the next cached fragment, applying the delivery split
// policy: a text fragment whose body exceeds models.MaxReplyBytes is cut at a
// rune boundary so the delivered part plus the continuation notice fits, and
// the remainder is pushed back onto the tail of the queue as a new text
// fragment. Voice and image fragments pass through whole.
func (b *Bridge) PopChunked(conversation string) (models.ReplyFragment, bool) {
	frag, ok := b.cache.Pop(conversation)
	if !ok {
		return models.ReplyFragment{}, false
	}
	if frag.Kind != models.FragmentText || len(frag.Text) <= models.MaxReplyBytes {
		return frag, true
	}
	out, rest := ChunkForDelivery(frag.Text, models.MaxReplyBytes, models.ContinuationNotice)
	if rest != "" {
		b.cache.Push(conversation, models.TextFragment(rest))
	}
	slog.Debug("Bridge split oversized reply", "conversation", conversation, "delivered", len(out), "remaining", len(rest))
	return models.TextFragment(out), true
}

// BeginAwaitImage opens (or restarts) an await-image session for the
// conversation, remembering the trigger text as the analysis question.
func (b *Bridge) BeginAwaitImage(conversation, question string, now time.Time) {
	b.sessions.BeginAwaitImage(conversation, question, now)
}

// TakeSession atomically removes and returns the conversation's pending
// action.
func (b *Bridge) TakeSession(conversation string) (models.PendingAction, bool) {
	return b.sessions.Take(conversation)
}

// SessionExpired reports whether the action's await window had closed at now.
func (b *Bridge) SessionExpired(a models.PendingAction, now time.Time) bool {
	return b.sessions.Expired(a, now)
}

// SweepLedger drops ledger entries first seen before the cutoff and returns
// how many were removed.
func (b *Bridge) SweepLedger(cutoff time.Time) int {
	return b.ledger.Sweep(cutoff)
}

// SweepSessions drops expired pending actions and returns how many were
// removed.
func (b *Bridge) SweepSessions(now time.Time) int {
	return b.sessions.SweepExpired(now)
}
