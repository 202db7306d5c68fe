package registry

import (
	"crypto/md5"
	"fmt"
	"sync"
	"time"
)

// ResponseCache is a small TTL cache for read-heavy endpoints (GET /agents,
// ad-hoc discovery). Entries are invalidated wholesale on any topology
// write; staleness is therefore bounded by the write rate, not the TTL.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	enabled bool

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewResponseCache creates a cache with the given TTL. A disabled cache
// answers every Get with a miss.
func NewResponseCache(ttl time.Duration, enabled bool) *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		enabled: enabled,
	}
}

// Key builds a cache key from the endpoint name and its parameters.
func (c *ResponseCache) Key(parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%s\x00", p)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns the cached value if present and fresh.
func (c *ResponseCache) Get(key string) (interface{}, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		c.misses++
		if ok {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return entry.value, true
}

// Set stores a value under the key for one TTL window.
func (c *ResponseCache) Set(key string, value interface{}) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops every entry. Called after any successful write.
func (c *ResponseCache) Invalidate() {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Stats reports cache effectiveness for the operational endpoints.
func (c *ResponseCache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"enabled": c.enabled,
		"entries": len(c.entries),
		"hits":    c.hits,
		"misses":  c.misses,
		"ttl_s":   c.ttl.Seconds(),
	}
}
