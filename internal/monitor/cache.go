package monitor

import (
	"sync"
	"time"
)

// Session-bandwidth cache bounds. The cache remembers each live
// session's last computed cost so a departing stream's hold uses the
// bitrate it actually streamed at, not whatever the final poll saw.
const (
	sessionCacheMaxSize = 1000
	sessionCacheMaxAge  = time.Hour
)

type cacheEntry struct {
	mbps float64
	at   time.Time
}

type sessionCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newSessionCache() *sessionCache {
	return &sessionCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// put stores a session's cost, sweeping stale entries and evicting the
// oldest when over the size cap.
func (c *sessionCache) put(sessionID string, mbps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, e := range c.entries {
		if now.Sub(e.at) > sessionCacheMaxAge {
			delete(c.entries, id)
		}
	}

	c.entries[sessionID] = cacheEntry{mbps: mbps, at: now}

	for len(c.entries) > sessionCacheMaxSize {
		var oldestID string
		var oldest time.Time
		first := true
		for id, e := range c.entries {
			if first || e.at.Before(oldest) {
				oldestID, oldest = id, e.at
				first = false
			}
		}
		delete(c.entries, oldestID)
	}
}

func (c *sessionCache) get(sessionID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	return e.mbps, ok
}

func (c *sessionCache) remove(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
}

func (c *sessionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
