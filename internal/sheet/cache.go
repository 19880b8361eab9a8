package sheet

import (
	"context"
	"sync"
	"time"

	"tutorbot/internal/timetable"
	logx "tutorbot/pkg/logx"
)

// Cache is a TTL cache over a Source with single-flight refresh.
//
// Concurrent callers during an in-flight fetch block on the cache lock and
// then observe the fresh result instead of issuing parallel fetches. A
// minimum refetch interval guards against thundering-herd refetches when the
// cache briefly misses under contention.
type Cache struct {
	src Source
	log logx.Logger

	ttl         time.Duration
	minInterval time.Duration

	mu        sync.Mutex
	rows      [][]string
	parsed    map[string]timetable.Template
	fetchedAt time.Time
	lastFetch time.Time

	now func() time.Time
}

func NewCache(src Source, ttl, minInterval time.Duration, log logx.Logger) *Cache {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	if minInterval < 0 {
		minInterval = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		src:         src,
		log:         log,
		ttl:         ttl,
		minInterval: minInterval,
		now:         time.Now,
	}
}

// Rows returns the raw feed rows, refetching when the cache is stale.
func (c *Cache) Rows(ctx context.Context) ([][]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows != nil && c.now().Sub(c.fetchedAt) <= c.ttl {
		return c.rows, nil
	}
	if err := c.refetchLocked(ctx); err != nil {
		// Serve the stale copy rather than nothing.
		if c.rows != nil {
			c.log.Warn("sheet refetch failed; serving stale rows", logx.Err(err))
			return c.rows, nil
		}
		return nil, err
	}
	return c.rows, nil
}

// Parsed returns the templates parsed from the current rows.
func (c *Cache) Parsed(ctx context.Context) (map[string]timetable.Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.parsed != nil && c.now().Sub(c.fetchedAt) <= c.ttl {
		return c.parsed, nil
	}
	if c.rows == nil || c.now().Sub(c.fetchedAt) > c.ttl {
		if err := c.refetchLocked(ctx); err != nil {
			if c.parsed != nil {
				c.log.Warn("sheet refetch failed; serving stale templates", logx.Err(err))
				return c.parsed, nil
			}
			if c.rows == nil {
				return nil, err
			}
		}
	}
	c.parsed = timetable.ParseRows(c.rows)
	return c.parsed, nil
}

// Invalidate drops the cached rows so the next call refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.rows = nil
	c.parsed = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// refetchLocked performs one fetch, honoring the minimum refetch interval.
// Call with c.mu held.
func (c *Cache) refetchLocked(ctx context.Context) error {
	if wait := c.minInterval - c.now().Sub(c.lastFetch); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	c.lastFetch = c.now()

	rows, err := c.src.Fetch(ctx)
	if err != nil {
		return err
	}
	c.rows = rows
	c.parsed = nil
	c.fetchedAt = c.now()
	c.log.Debug("sheet refreshed", logx.Int("rows", len(rows)))
	return nil
}
