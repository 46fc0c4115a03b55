package resilience

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// FallbackFunc produces a degraded result when the primary call cannot
// run or has failed. cause carries the error that triggered it; nil when
// the call was rejected by an open breaker.
type FallbackFunc func(ctx context.Context, cause error) (interface{}, error)

// fallbackEntry is one cached fallback result
type fallbackEntry struct {
	dependency string
	value      interface{}
	expiresAt  time.Time
}

// fallbackCache stores fallback results keyed by dependency and call key.
// Expired entries are treated as absent and removed lazily.
type fallbackCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[uint64]fallbackEntry
	hits    int64
}

func newFallbackCache(ttl time.Duration) *fallbackCache {
	return &fallbackCache{
		ttl:     ttl,
		entries: make(map[uint64]fallbackEntry),
	}
}

// fallbackKey hashes the dependency name and the formatted call key
// with FNV-64a
func fallbackKey(dependency string, key interface{}) uint64 {
	h := fnv.New64a()
	h.Write([]byte(dependency))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%v", key)
	return h.Sum64()
}

func (c *fallbackCache) get(dependency string, key interface{}, now time.Time) (interface{}, bool) {
	k := fallbackKey(dependency, key)

	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		c.mu.Lock()
		if cur, still := c.entries[k]; still && now.After(cur.expiresAt) {
			delete(c.entries, k)
		}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return entry.value, true
}

func (c *fallbackCache) put(dependency string, key interface{}, value interface{}, now time.Time) {
	k := fallbackKey(dependency, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = fallbackEntry{
		dependency: dependency,
		value:      value,
		expiresAt:  now.Add(c.ttl),
	}
}

// purge removes every entry cached under the given dependency
func (c *fallbackCache) purge(dependency string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, entry := range c.entries {
		if entry.dependency == dependency {
			delete(c.entries, k)
		}
	}
}

func (c *fallbackCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

func (c *fallbackCache) hitCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.hits
}

// executeFallback serves a call from the fallback path: a live cached
// result when one exists, otherwise the registered fallback function
// bounded by the fallback timeout. Fallback errors propagate verbatim.
func (m *Manager) executeFallback(ctx context.Context, name string, fn FallbackFunc, stats *statsTracker, key interface{}, cause error) (interface{}, error) {
	now := time.Now()
	if value, ok := m.cache.get(name, key, now); ok {
		m.recordFallback(stats)
		m.logger.Debug("Fallback served from cache",
			"dependency", name,
			"cause", errorMessage(cause),
		)
		return value, nil
	}

	fbCtx, cancel := context.WithTimeout(ctx, m.config.FallbackTimeout)
	defer cancel()

	value, err := fn(fbCtx, cause)
	if err != nil {
		return nil, err
	}

	m.cache.put(name, key, value, time.Now())
	m.recordFallback(stats)
	m.logger.Debug("Fallback executed",
		"dependency", name,
		"cause", errorMessage(cause),
	)
	return value, nil
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
