package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheFreshAndStale(t *testing.T) {
	c := NewCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("weather", 1, "sunny", 30*time.Second)

	got, ok := c.Get("weather", 1, 30*time.Second)
	require.True(t, ok)
	assert.Equal(t, "sunny", got)
	assert.False(t, c.IsStale("weather", 1, 30*time.Second))

	// Past the ttl the entry is stale: Get misses, GetStale still hits.
	now = now.Add(31 * time.Second)
	_, ok = c.Get("weather", 1, 30*time.Second)
	assert.False(t, ok)
	assert.True(t, c.IsStale("weather", 1, 30*time.Second))

	got, ok = c.GetStale("weather", 1)
	require.True(t, ok)
	assert.Equal(t, "sunny", got)
}

func TestCacheDisabledTTL(t *testing.T) {
	c := NewCache()
	c.Set("x", 1, "data", 0)
	_, ok := c.Get("x", 1, 0)
	assert.False(t, ok)
	_, ok = c.GetStale("x", 1)
	assert.False(t, ok, "ttl <= 0 must not store at all")
	assert.False(t, c.IsStale("x", 1, 0))
}

func TestCacheKeyIsolation(t *testing.T) {
	c := NewCache()
	c.Set("info", 1, "one", time.Minute)
	c.Set("info", 2, "two", time.Minute)

	got, ok := c.Get("info", 2, time.Minute)
	require.True(t, ok)
	assert.Equal(t, "two", got)

	c.Invalidate("info", 1)
	_, ok = c.Get("info", 1, time.Minute)
	assert.False(t, ok)
	_, ok = c.Get("info", 2, time.Minute)
	assert.True(t, ok)
}

func TestCacheClearUser(t *testing.T) {
	c := NewCache()
	c.Set("a", 7, 1, time.Minute)
	c.Set("b", 7, 2, time.Minute)
	c.Set("a", 8, 3, time.Minute)

	c.ClearUser(7)
	_, ok := c.GetStale("a", 7)
	assert.False(t, ok)
	_, ok = c.GetStale("b", 7)
	assert.False(t, ok)
	_, ok = c.GetStale("a", 8)
	assert.True(t, ok)
}
