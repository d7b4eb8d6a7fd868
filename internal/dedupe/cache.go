// ABOUTME: Thread-safe TTL cache recording which mentions were delivered to which session.
// ABOUTME: Guards the delivery pipeline against handing the same message to a worker twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Key identifies one delivery: a message handed to a session.
type Key struct {
	SessionID string
	MessageID string
}

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited set of delivered keys.
// A doubly-linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[Key]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Options tunes a Cache.
type Options struct {
	TTL             time.Duration
	MaxSize         int
	CleanupInterval time.Duration

	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Defaults used when Options leave a field zero.
const (
	DefaultTTL             = time.Hour
	DefaultMaxSize         = 10000
	DefaultCleanupInterval = time.Minute
)

// New creates a cache. A background goroutine periodically removes expired entries.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		seen:    make(map[Key]*cacheEntry),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     opts.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup(opts.CleanupInterval)
	return c
}

// Seen reports whether key was marked and has not expired.
func (c *Cache) Seen(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	return c.now().Sub(entry.timestamp) < c.ttl
}

// CheckAndMark atomically checks and marks key.
// Returns true if key was already marked (duplicate), false if it is new and now marked.
func (c *Cache) CheckAndMark(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && c.now().Sub(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// Mark records key. If the cache is at capacity the oldest entry is evicted.
func (c *Cache) Mark(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key so a failed delivery can be attempted again.
func (c *Cache) Forget(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// ForgetSession removes every key belonging to sessionID.
func (c *Cache) ForgetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.seen {
		if key.SessionID == sessionID {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key Key) {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(Key)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
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
