package transport

import (
	"sync"
	"time"
)

// seenCache remembers recently delivered message ids so an event arriving on
// both the user queue and the broadcast topic is delivered once.
type seenCache struct {
	mu        sync.Mutex
	seen      map[int64]time.Time
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newSeenCache(ttl time.Duration) *seenCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &seenCache{seen: make(map[int64]time.Time), ttl: ttl, now: time.Now}
}

// Seen records id and reports whether it was already recorded within the TTL.
// Zero ids are never treated as seen.
func (c *seenCache) Seen(id int64) bool {
	if id == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if ts, ok := c.seen[id]; ok && now.Sub(ts) < c.ttl {
		return true
	}
	c.seen[id] = now
	c.sweep(now)
	return false
}

// sweep evicts expired ids at most once per TTL. Lookups compare timestamps
// themselves, so entries kept past their TTL are harmless until then.
func (c *seenCache) sweep(now time.Time) {
	if c.lastSweep.IsZero() {
		c.lastSweep = now
		return
	}
	if now.Sub(c.lastSweep) < c.ttl {
		return
	}
	for key, ts := range c.seen {
		if now.Sub(ts) >= c.ttl {
			delete(c.seen, key)
		}
	}
	c.lastSweep = now
}

func (c *seenCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
