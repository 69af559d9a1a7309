// ABOUTME: Thread-safe TTL cache for verified agent tokens
// ABOUTME: Bounds secret store traffic from high-frequency long-poll calls

package auth

import (
	"sync"
	"time"
)

// cacheEntry stores a verified token and when it was cached.
type cacheEntry struct {
	token    string
	cachedAt time.Time
}

// tokenCache is a small TTL cache keyed by deployment hash. Entries are
// evicted lazily on read; the cache never grows beyond the number of
// registered deployments, so there is no size cap.
type tokenCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]cacheEntry
}

func newTokenCache(ttl time.Duration) *tokenCache {
	return &tokenCache{
		ttl: ttl,
		m:   make(map[string]cacheEntry),
	}
}

func (c *tokenCache) get(key string) (string, bool) {
	if c.ttl <= 0 {
		return "", false
	}
	c.mu.RLock()
	entry, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Since(entry.cachedAt) >= c.ttl {
		c.drop(key)
		return "", false
	}
	return entry.token, true
}

func (c *tokenCache) put(key, token string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.m[key] = cacheEntry{token: token, cachedAt: time.Now()}
	c.mu.Unlock()
}

func (c *tokenCache) drop(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}
