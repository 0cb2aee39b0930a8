package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// localItem is the immutable tuple stored per key.
type localItem[V any] struct {
	value  V
	expiry time.Time
}

// LocalCache is a generic, thread-safe, in-memory cache with a fixed size and
// a per-entry expiry.
//
// When a new key is written to a full cache, the oldest ~10% of entries by
// expiry timestamp are evicted. Entries are written with a fixed TTL, so
// expiry order equals write order; this approximates LRU without tracking
// access recency.
type LocalCache[K comparable, V any] struct {
	maxSize int

	mu    sync.RWMutex
	items map[K]localItem[V]
}

// NewLocalCache creates a new size-limited, in-memory cache.
// - maxSize: The maximum number of items to store in the cache. Must be > 0.
func NewLocalCache[K comparable, V any](maxSize int) (*LocalCache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &LocalCache[K, V]{
		maxSize: maxSize,
		items:   make(map[K]localItem[V], maxSize),
	}, nil
}

// Fetch returns the value for key if it is present and its expiry is after now.
// Expired entries are reported as a miss and left for the next write to replace.
func (c *LocalCache[K, V]) Fetch(key K, now time.Time) (V, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || !item.expiry.After(now) {
		var zero V
		return zero, false
	}
	return item.value, true
}

// Write stores value under key until expiry, evicting the oldest entries first
// if the cache is full and key is new.
func (c *LocalCache[K, V]) Write(key K, value V, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evict()
	}
	c.items[key] = localItem[V]{value: value, expiry: expiry}
}

// Invalidate removes key from the cache.
func (c *LocalCache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of entries currently held, expired ones included.
func (c *LocalCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Purge drops every entry.
func (c *LocalCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]localItem[V], c.maxSize)
}

// evict removes the oldest tenth of the entries (at least one) ordered by expiry.
// This method is unexported and must be called within a locked mutex.
func (c *LocalCache[K, V]) evict() {
	toRemove := c.maxSize / 10
	if toRemove < 1 {
		toRemove = 1
	}

	keys := make([]K, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.items[keys[i]].expiry.Before(c.items[keys[j]].expiry)
	})

	if toRemove > len(keys) {
		toRemove = len(keys)
	}
	for _, k := range keys[:toRemove] {
		delete(c.items, k)
	}
}
