// Package cache provides the local, Redis and two-phase caches.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 10000

// LRUCache is a size-bounded in-process cache whose entries also expire.
type LRUCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*list.Element
	recency *list.List // front is most recently used
	now     func() time.Time
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// NewLRUCache creates a cache holding at most maxEntries keys.
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &LRUCache{
		max:     maxEntries,
		entries: make(map[string]*list.Element),
		recency: list.New(),
		now:     time.Now,
	}
}

// Get returns nil, nil on a miss or an expired entry.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if ok && !c.now().Before(el.Value.(*lruEntry).expires) {
		c.evict(el)
		ok = false
	}
	observe("local", ok)
	if !ok {
		return nil, nil
	}
	c.recency.MoveToFront(el)
	return el.Value.(*lruEntry).value, nil
}

// Set stores value until ttl elapses, evicting the least recently used
// keys beyond capacity.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &lruEntry{key: key, value: value, expires: c.now().Add(ttl)}
	if el, ok := c.entries[key]; ok {
		el.Value = entry
		c.recency.MoveToFront(el)
		return nil
	}

	c.entries[key] = c.recency.PushFront(entry)
	for c.recency.Len() > c.max {
		c.evict(c.recency.Back())
	}
	return nil
}

// Delete removes key if present.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.evict(el)
	}
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.recency.Init()
	return nil
}

// Stats returns the current number of entries and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.max
}

func (c *LRUCache) evict(el *list.Element) {
	c.recency.Remove(el)
	delete(c.entries, el.Value.(*lruEntry).key)
}
