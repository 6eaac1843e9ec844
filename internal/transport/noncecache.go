package transport

import (
	"sync"
	"time"
)

const maxNonceEntries = 16384

// NonceCache remembers recently seen request nonces for the clock-skew
// window, rejecting replays. Expired entries are pruned lazily; the cache is
// bounded so a flood of requests cannot grow it without limit.
type NonceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func NewNonceCache(ttl time.Duration) *NonceCache {
	return &NonceCache{ttl: ttl, entries: make(map[string]time.Time)}
}

// Remember records the nonce and reports whether it was fresh. A second call
// with the same nonce inside the TTL returns false.
func (c *NonceCache) Remember(nonce string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.entries[nonce]; ok && now.Before(exp) {
		return false
	}
	if len(c.entries) >= maxNonceEntries {
		c.prune(now)
	}
	c.entries[nonce] = now.Add(c.ttl)
	return true
}

func (c *NonceCache) prune(now time.Time) {
	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
		}
	}
	// Still full after dropping expired entries: evict oldest first.
	for len(c.entries) >= maxNonceEntries {
		var oldestKey string
		var oldest time.Time
		for k, exp := range c.entries {
			if oldestKey == "" || exp.Before(oldest) {
				oldestKey, oldest = k, exp
			}
		}
		delete(c.entries, oldestKey)
	}
}
