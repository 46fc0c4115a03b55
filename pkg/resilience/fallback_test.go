package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackCache_PutGet(t *testing.T) {
	c := newFallbackCache(time.Minute)
	now := time.Now()

	c.put("db", "user:42", "cached-user", now)

	value, ok := c.get("db", "user:42", now.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, "cached-user", value)
	assert.Equal(t, int64(1), c.hitCount())
}

func TestFallbackCache_MissOnUnknownKey(t *testing.T) {
	c := newFallbackCache(time.Minute)
	now := time.Now()

	c.put("db", "user:42", "cached-user", now)

	_, ok := c.get("db", "user:7", now)
	assert.False(t, ok)

	_, ok = c.get("api", "user:42", now)
	assert.False(t, ok, "same key under another dependency must not hit")
}

func TestFallbackCache_ExpiredEntryIsAbsent(t *testing.T) {
	c := newFallbackCache(50 * time.Millisecond)
	now := time.Now()

	c.put("db", "user:42", "cached-user", now)

	_, ok := c.get("db", "user:42", now.Add(51*time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, 0, c.size(), "expired entry must be removed")
	assert.Equal(t, int64(0), c.hitCount())
}

func TestFallbackCache_PurgeRemovesOnlyNamedDependency(t *testing.T) {
	c := newFallbackCache(time.Minute)
	now := time.Now()

	c.put("db", "a", 1, now)
	c.put("db", "b", 2, now)
	c.put("api", "a", 3, now)

	c.purge("db")

	assert.Equal(t, 1, c.size())
	_, ok := c.get("db", "a", now)
	assert.False(t, ok)
	value, ok := c.get("api", "a", now)
	require.True(t, ok)
	assert.Equal(t, 3, value)
}

func TestFallbackCache_KeyKinds(t *testing.T) {
	c := newFallbackCache(time.Minute)
	now := time.Now()

	// Different key types with the same formatting collapse to one entry
	c.put("db", 42, "int-key", now)
	value, ok := c.get("db", 42, now)
	require.True(t, ok)
	assert.Equal(t, "int-key", value)

	c.put("db", nil, "nil-key", now)
	value, ok = c.get("db", nil, now)
	require.True(t, ok)
	assert.Equal(t, "nil-key", value)
}

func TestFallbackKey_Deterministic(t *testing.T) {
	assert.Equal(t, fallbackKey("db", "user:42"), fallbackKey("db", "user:42"))
	assert.NotEqual(t, fallbackKey("db", "user:42"), fallbackKey("db", "user:43"))
	assert.NotEqual(t, fallbackKey("db", "user:42"), fallbackKey("api", "user:42"))
}
