package dispatch

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// adminCache remembers positive admin checks per chat for a bounded time.
// Negative and errored checks are never stored, so a revoked right is
// re-verified on the next batch at the latest, and an unconfirmed chat is
// re-checked on every batch.
type adminCache struct {
	clk clock.Clock

	mu  sync.Mutex
	ttl time.Duration
	m   map[int64]time.Time // chat id -> entry expiry
}

func newAdminCache(clk clock.Clock, ttl time.Duration) *adminCache {
	return &adminCache{clk: clk, ttl: ttl, m: map[int64]time.Time{}}
}

// setTTL swaps the TTL for entries stored from now on. Turning caching off
// flushes everything already stored.
func (c *adminCache) setTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	if ttl <= 0 && len(c.m) > 0 {
		c.m = map[int64]time.Time{}
	}
	c.mu.Unlock()
}

// get reports a still-valid positive entry. Expired entries are evicted on
// read; there is no background sweeper.
func (c *adminCache) get(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.m[chatID]
	if !ok {
		return false
	}
	if c.clk.Now().After(exp) {
		delete(c.m, chatID)
		return false
	}
	return true
}

// put stores a positive result. No-op while caching is disabled.
func (c *adminCache) put(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return
	}
	c.m[chatID] = c.clk.Now().Add(c.ttl)
}
