package bridge

import (
	"sync"

	"github.com/BTreeMap/MPBridge/internal/models"
)

// ReplyCache holds finished worker output per conversation until the next
// webhook invocation can deliver it. Fragments leave in the order they were
// pushed. A conversation with no fragments has no map entry; an empty list is
// never retained, so a missing entry is the only "nothing cached" state.
type ReplyCache struct {
	mu      sync.Mutex
	replies map[string][]models.ReplyFragment
}

// NewReplyCache creates an empty reply cache.
func NewReplyCache() *ReplyCache {
	return &ReplyCache{replies: make(map[string][]models.ReplyFragment)}
}

// Push appends fragments to the conversation's queue. Pushing nothing is a
// no-op so an empty list never appears in the map.
func (c *ReplyCache) Push(conversation string, frags ...models.ReplyFragment) {
	if len(frags) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[conversation] = append(c.replies[conversation], frags...)
}

// PushFront inserts a fragment at the head of the conversation's queue so it
// is delivered next. Used for a caption that must follow its image ahead of
// anything already queued.
func (c *ReplyCache) PushFront(conversation string, frag models.ReplyFragment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[conversation] = append([]models.ReplyFragment{frag}, c.replies[conversation]...)
}

// Pop removes and returns the oldest fragment. The second return is false
// when nothing is cached for the conversation; that is a benign miss, not an
// error. When the pop empties the queue the conversation's entry is deleted.
func (c *ReplyCache) Pop(conversation string) (models.ReplyFragment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue, ok := c.replies[conversation]
	if !ok || len(queue) == 0 {
		delete(c.replies, conversation)
		return models.ReplyFragment{}, false
	}
	frag := queue[0]
	if len(queue) == 1 {
		delete(c.replies, conversation)
	} else {
		c.replies[conversation] = queue[1:]
	}
	return frag, true
}

// Has reports whether the conversation has at least one cached fragment.
func (c *ReplyCache) Has(conversation string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.replies[conversation]
	return ok
}

// Len returns the number of fragments queued for the conversation.
func (c *ReplyCache) Len(conversation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies[conversation])
}

// Conversations returns the number of conversations with cached fragments.
func (c *ReplyCache) Conversations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}
