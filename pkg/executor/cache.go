package executor

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Cache memoises pre-request action outputs per (action, user) under a
// stale-while-revalidate policy: a fresh entry is served directly, a
// stale entry is served while the caller refreshes it in the
// background.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	now func() time.Time // test hook
}

type cacheEntry struct {
	data     any
	storedAt time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry), now: time.Now}
}

func cacheKey(name string, userID int64) string {
	return fmt.Sprintf("%s:%d", name, userID)
}

// Get returns the entry if it exists and is within ttl. A ttl <= 0
// disables caching entirely.
func (c *Cache) Get(name string, userID int64, ttl time.Duration) (any, bool) {
	if ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.entries[cacheKey(name, userID)]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.storedAt) > ttl {
		return nil, false
	}
	return e.data, true
}

// GetStale returns the entry regardless of age.
func (c *Cache) GetStale(name string, userID int64) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey(name, userID)]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.data, true
}

// IsStale reports whether the entry exists but has outlived ttl.
func (c *Cache) IsStale(name string, userID int64, ttl time.Duration) bool {
	c.mu.RLock()
	e, ok := c.entries[cacheKey(name, userID)]
	c.mu.RUnlock()
	if !ok || ttl <= 0 {
		return false
	}
	return c.now().Sub(e.storedAt) > ttl
}

// Set stores an entry. A ttl <= 0 makes this a no-op.
func (c *Cache) Set(name string, userID int64, data any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey(name, userID)] = cacheEntry{data: data, storedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(name string, userID int64) {
	c.mu.Lock()
	delete(c.entries, cacheKey(name, userID))
	c.mu.Unlock()
}

// ClearUser drops every entry belonging to a user.
func (c *Cache) ClearUser(userID int64) {
	suffix := fmt.Sprintf(":%d", userID)
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasSuffix(k, suffix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
