// ABOUTME: Thread-safe TTL cache of correlation ids already logged per conversation
// ABOUTME: Lets a client re-submit a message with the same uuid without duplicating its log record

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired entries are swept.
const DefaultCleanupInterval = time.Minute

type key struct {
	conversationID string
	correlationID  string
}

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers (conversation, correlation id) pairs for a TTL. Size is
// bounded; the least recently marked pair is evicted first.
type Cache struct {
	mu      sync.Mutex
	seen    map[key]*entry
	order   *list.List // keys, least recently marked at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size and starts its
// background sweeper. A zero or negative maxSize means unbounded.
func New(ttl time.Duration, maxSize int) *Cache {
	return newCache(ttl, maxSize, DefaultCleanupInterval, time.Now)
}

func newCache(ttl time.Duration, maxSize int, interval time.Duration, now func() time.Time) *Cache {
	c := &Cache{
		seen:    make(map[key]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.cleanup(interval)
	return c
}

// Seen reports whether correlationID was already marked for conversationID
// within the TTL, and marks it if not. The check and mark are atomic.
func (c *Cache) Seen(conversationID, correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{conversationID, correlationID}
	if e, ok := c.seen[k]; ok && c.now().Sub(e.seenAt) < c.ttl {
		return true
	}
	c.markLocked(k)
	return false
}

// Contains reports whether the pair is marked and unexpired, without
// marking it.
func (c *Cache) Contains(conversationID, correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key{conversationID, correlationID}]
	return ok && c.now().Sub(e.seenAt) < c.ttl
}

// Remove unmarks one pair, so a failed save can be retried with the same id.
func (c *Cache) Remove(conversationID, correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{conversationID, correlationID}
	if e, ok := c.seen[k]; ok {
		c.order.Remove(e.element)
		delete(c.seen, k)
	}
}

// Forget drops every pair for conversationID. Used when a conversation is
// restarted so earlier correlation ids are logged again.
func (c *Cache) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.seen {
		if k.conversationID == conversationID {
			c.order.Remove(e.element)
			delete(c.seen, k)
		}
	}
}

// Len returns the number of tracked pairs, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) markLocked(k key) {
	now := c.now()

	if e, exists := c.seen[k]; exists {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	c.seen[k] = &entry{seenAt: now, element: c.order.PushBack(k)}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	k, _ := front.Value.(key)
	c.order.Remove(front)
	delete(c.seen, k)
}

func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes every expired pair.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.seen {
		if now.Sub(e.seenAt) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, k)
		}
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
