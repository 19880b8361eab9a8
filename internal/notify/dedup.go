package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"tutorbot/internal/storage"
	"tutorbot/internal/transport"
)

// dedupCache tracks suppress-until deadlines per notification key. The
// in-memory map is authoritative; storage is consulted once per miss so
// a restart inside the window does not resend.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{entries: make(map[string]time.Time)}
}

// suppressed reports whether key is inside its window at now.
func (c *dedupCache) suppressed(key string, now time.Time) bool {
	c.mu.Lock()
	until, ok := c.entries[key]
	c.mu.Unlock()
	return ok && now.Before(until)
}

// remember records the window and trims the cache. Expired entries go
// first; if the cache is still over cap, the soonest-expiring keys are
// evicted since they matter least.
func (c *dedupCache) remember(key string, until time.Time, maxEntries int) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = until

	for k, u := range c.entries {
		if !now.Before(u) {
			delete(c.entries, k)
		}
	}
	for maxEntries > 0 && len(c.entries) > maxEntries {
		victim := ""
		var victimUntil time.Time
		for k, u := range c.entries {
			if victim == "" || u.Before(victimUntil) {
				victim, victimUntil = k, u
			}
		}
		if victim == "" {
			return
		}
		delete(c.entries, victim)
	}
}

// checkStore does a short best-effort lookup against persistent dedup
// state and mirrors a hit into memory.
func (c *dedupCache) checkStore(ctx context.Context, st storage.Store, key string, now time.Time) bool {
	if st == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
	until, ok, err := st.GetDedup(cctx, key)
	cancel()
	if err != nil || !ok || !now.Before(until) {
		return false
	}
	c.mu.Lock()
	c.entries[key] = until
	c.mu.Unlock()
	return true
}

// dedupKey hashes channel, destination and text into a stable key.
// Notifications without a channel are never deduplicated.
func dedupKey(n transport.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d:%d|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}
