// ABOUTME: Thread-safe TTL cache of recently seen webhook dedupe keys.
// ABOUTME: Bounded by size and age so a retry storm cannot grow it without limit.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired keys are swept in the background.
const DefaultCleanupInterval = time.Minute

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers dedupe keys for a bounded window. Keys are kept in
// insertion order so the oldest can be evicted in O(1) when the cache is full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most maxSize keys for ttl each, and starts
// a background goroutine that drops expired keys every cleanupInterval.
// A zero cleanupInterval uses DefaultCleanupInterval.
func New(ttl time.Duration, maxSize int, cleanupInterval time.Duration, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanup(cleanupInterval)
	return c
}

// CheckAndMark atomically checks whether key was seen within the window and
// marks it if not. It returns true for a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.seen[key]; ok && now.Sub(entry.seenAt) < c.ttl {
		return true
	}
	c.markLocked(key, now)
	return false
}

// Forget removes key so its next delivery is processed again. Ingress uses it
// when an accepted event could not be handed to the correlator.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of keys currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string, now time.Time) {
	if entry, exists := c.seen[key]; exists {
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	c.seen[key] = &cacheEntry{
		seenAt:  now,
		element: c.order.PushBack(key),
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

func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired walks from the oldest key and stops at the first live one.
// Re-marked keys move to the back, so the list stays ordered by seenAt.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		entry := c.seen[key]
		if entry == nil || now.Sub(entry.seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
