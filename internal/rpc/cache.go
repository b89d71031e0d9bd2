package rpc

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// cacheEntry is a cached JSON-RPC result with the time it was stored.
type cacheEntry struct {
	result    json.RawMessage
	timestamp time.Time
}

// Cache is a keyed result cache with per-read TTL checks.
// Eviction is lazy: expired entries stay in the map until overwritten or
// swept. There is no background sweeper in this layer; the owning client
// decides when (and whether) to sweep.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time // injectable for tests
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached result for key if it is younger than ttl.
func (c *Cache) Get(key string, ttl time.Duration) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.timestamp) >= ttl {
		return nil, false
	}
	return entry.result, true
}

// Set stores result under key, unconditionally overwriting any prior entry.
func (c *Cache) Set(key string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: result, timestamp: c.now()}
}

// Invalidate removes every entry whose key matches the predicate.
// Returns the number of entries removed.
func (c *Cache) Invalidate(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if match(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// InvalidateMethod removes all entries for the given method, across params.
// Cache keys have the form "<chainID>:<method>:<params>".
func (c *Cache) InvalidateMethod(method string) int {
	marker := ":" + method + ":"
	return c.Invalidate(func(key string) bool {
		return strings.Contains(key, marker)
	})
}

// Len returns the number of live-or-expired entries currently held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
