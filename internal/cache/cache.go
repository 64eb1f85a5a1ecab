// Package cache provides a small in-process TTL cache used to shield
// the upstream fitness API from repeated identical reads.
package cache

import (
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// TTLCache is a thread-safe in-memory cache with per-entry expiry.
type TTLCache struct {
	mu    sync.RWMutex
	items map[string]entry
}

// New creates an empty cache.
func New() *TTLCache {
	return &TTLCache{items: make(map[string]entry)}
}

// Key builds a cache key from parts, typically session ID plus the
// request that produced the value.
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}

// Get returns the cached value if present and not expired.
func (c *TTLCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores a value with the given TTL.
func (c *TTLCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate removes every key with the given prefix. Write operations
// call this so stale reads don't survive a mutation.
func (c *TTLCache) Invalidate(prefix string) {
	c.mu.Lock()
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
	c.mu.Unlock()
}

// Purge drops expired entries. Called opportunistically; correctness
// never depends on it since Get checks expiry.
func (c *TTLCache) Purge() {
	now := time.Now()
	c.mu.Lock()
	for key, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, key)
		}
	}
	c.mu.Unlock()
}

// Len reports the number of entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
