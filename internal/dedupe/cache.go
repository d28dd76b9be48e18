// ABOUTME: Thread-safe TTL cache for rejecting repeated keys
// ABOUTME: Used by the re-auth flow to refuse replayed (agent, timestamp) pairs

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores when a key stops counting as seen and its position in the
// insertion order.
type entry struct {
	expiresAt time.Time
	element   *list.Element
}

// Cache is a TTL-bounded, size-limited set of recently seen keys.
// Insertion order is kept in a linked list so the oldest key can be evicted
// in O(1) when the cache is full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache using the wall clock and starts its background sweep.
func New(ttl time.Duration, maxSize int) *Cache {
	return NewWithClock(ttl, maxSize, time.Now)
}

// NewWithClock creates a cache reading time from now. The background sweep
// runs every ttl/2, at most once a minute.
func NewWithClock(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	interval := ttl / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	go c.loop(interval)
	return c
}

// Seen reports whether key was marked and has not yet expired.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && !c.now().After(e.expiresAt)
}

// CheckAndMark atomically reports whether key was already seen and, if not,
// marks it. Returns true for a repeat.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok && !now.After(e.expiresAt) {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Mark records key as seen from now until now+ttl.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key, c.now())
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string, now time.Time) {
	if e, ok := c.seen[key]; ok {
		e.expiresAt = now.Add(c.ttl)
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	c.seen[key] = &entry{
		expiresAt: now.Add(c.ttl),
		element:   c.order.PushBack(key),
	}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// Len returns the number of tracked keys, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Sweep removes expired keys and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.seen {
		if now.After(e.expiresAt) {
			c.order.Remove(e.element)
			delete(c.seen, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
