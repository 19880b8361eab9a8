package sheet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "tutorbot/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	rows  [][]string
	err   error
	calls atomic.Int32
}

func (f *fakeSource) Fetch(ctx context.Context) ([][]string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func feedRows() [][]string {
	return [][]string{
		{"학생 이름", "discord_id", "a", "b", "서비스 시작일", "서비스 종료일"},
		{"태호", "1001", "월", "17:00", "2025-01-01", ""},
	}
}

func TestCacheServesWithinTTL(t *testing.T) {
	t.Parallel()
	src := &fakeSource{rows: feedRows()}
	c := NewCache(src, time.Minute, 0, logx.Nop())

	for i := 0; i < 3; i++ {
		rows, err := c.Rows(context.Background())
		if err != nil {
			t.Fatalf("Rows error: %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("rows = %d, want 2", len(rows))
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("fetch calls = %d, want 1", n)
	}
}

func TestCacheSingleFlight(t *testing.T) {
	t.Parallel()
	src := &fakeSource{rows: feedRows()}
	c := NewCache(src, time.Minute, 0, logx.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Parsed(context.Background()); err != nil {
				t.Errorf("Parsed error: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("fetch calls = %d, want 1 (single-flight)", n)
	}
}

func TestCacheTTLExpiryRefetches(t *testing.T) {
	t.Parallel()
	src := &fakeSource{rows: feedRows()}
	c := NewCache(src, time.Minute, 0, logx.Nop())

	var clock atomic.Int64
	c.now = func() time.Time { return time.Unix(clock.Load(), 0) }

	if _, err := c.Rows(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock.Store(int64(2 * 60)) // past TTL
	if _, err := c.Rows(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("fetch calls = %d, want 2", n)
	}
}

func TestCacheServesStaleOnError(t *testing.T) {
	t.Parallel()
	src := &fakeSource{rows: feedRows()}
	c := NewCache(src, time.Minute, 0, logx.Nop())

	var clock atomic.Int64
	c.now = func() time.Time { return time.Unix(clock.Load(), 0) }

	if _, err := c.Parsed(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.mu.Lock()
	src.err = errors.New("feed down")
	src.mu.Unlock()
	clock.Store(int64(10 * 60))

	parsed, err := c.Parsed(context.Background())
	if err != nil {
		t.Fatalf("expected stale templates, got error %v", err)
	}
	if _, ok := parsed["1001"]; !ok {
		t.Fatalf("stale templates missing subject: %v", parsed)
	}
}

func TestCacheErrorWithNothingCached(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: errors.New("feed down")}
	c := NewCache(src, time.Minute, 0, logx.Nop())
	if _, err := c.Rows(context.Background()); err == nil {
		t.Fatal("expected error with empty cache")
	}
}
