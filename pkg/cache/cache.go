// Package cache is a small in-memory TTL cache. The auth middleware keeps
// resolved principals here so a burst of requests with the same bearer token
// does not hit the user store on every call.
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

func (e entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

type Cache struct {
	mu    sync.RWMutex
	items map[string]entry
}

func New() *Cache {
	return &Cache{items: map[string]entry{}}
}

// Set stores a value under key for the given lifetime, replacing any
// existing entry.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Get returns the live value for key. Expired entries read as absent; they
// are reaped lazily on the next Set or Invalidate touching them.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = map[string]entry{}
	c.mu.Unlock()
}

// Invalidate removes all entries whose key starts with prefix. Used to drop
// every cached principal view for one user when its permissions change.
func (c *Cache) Invalidate(prefix string) {
	now := time.Now()
	c.mu.Lock()
	for key, e := range c.items {
		if strings.HasPrefix(key, prefix) || e.expired(now) {
			delete(c.items, key)
		}
	}
	c.mu.Unlock()
}
