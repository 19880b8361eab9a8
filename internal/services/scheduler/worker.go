package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"tutorbot/internal/eventbus"
)

var errStopped = errors.New("scheduler stopped")

func (s *Service) enqueue(t job) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("not running, job dropped", slog.String("job", t.name))
		return
	}
	select {
	case q <- t:
	default:
		s.log.Warn("queue full, job dropped",
			slog.String("job", t.name),
			slog.Int("queue_cap", cap(q)))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, stopCh, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, t job) {
	start := time.Now()
	s.publishJob("job.started", JobEvent{ID: t.id, Name: t.name, Started: start})

	// running flag is shared across cron invocations for overlap control
	if t.state != nil {
		t.state.mu.Lock()
		t.state.running = true
		t.state.mu.Unlock()
		defer func() {
			t.state.mu.Lock()
			t.state.running = false
			t.state.mu.Unlock()
		}()
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	opt := t.opt.withDefaults(cfg)

	attempts, err := s.runAttempts(ctx, stopCh, t, opt)
	dur := time.Since(start)

	ev := JobEvent{ID: t.id, Name: t.name, Started: start, Duration: dur, Attempts: attempts}
	item := HistoryItem{ID: t.id, Name: t.name, Started: start, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("job failed",
			slog.String("job", t.name),
			slog.Any("err", err),
			slog.Duration("dur", dur),
			slog.Int("attempts", attempts))
		s.publishJob("job.failed", ev)
	} else {
		// Frequent fast tasks stay at DEBUG; only slow completions are INFO.
		lvl := slog.LevelDebug
		if dur >= 750*time.Millisecond {
			lvl = slog.LevelInfo
		}
		s.log.Log(ctx, lvl, "job completed",
			slog.String("job", t.name),
			slog.Duration("dur", dur),
			slog.Int("attempts", attempts))
		s.publishJob("job.finished", ev)
	}
	s.recordHistory(item, cfg.HistorySize)
}

// runAttempts executes the job with per-attempt timeouts and backoff
// between retries. A timed-out attempt does not poison the next one.
func (s *Service) runAttempts(ctx context.Context, stopCh <-chan struct{}, t job, opt JobOptions) (attempts int, err error) {
	maxAttempts := 1 + max(opt.MaxRetries, 0)
	for attempt := 1; ; attempt++ {
		attempts = attempt
		err = s.runOnce(ctx, t)
		if err == nil || attempt >= maxAttempts {
			return attempts, err
		}

		delay := backoffDelay(opt, attempt)
		s.log.Debug("job retry scheduled",
			slog.String("job", t.name),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("err", err))

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempts, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempts, errStopped
		case <-tmr.C:
		}
	}
}

func (s *Service) runOnce(ctx context.Context, t job) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.run(ctx)
}

func (s *Service) publishJob(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) recordHistory(item HistoryItem, size int) {
	if size <= 0 {
		size = 200
	}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
}

func parseHHMM(s string) (hour int, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// backoffDelay is exponential from Backoff, capped at BackoffCap,
// with multiplicative jitter in [1-j, 1+j]. retry counts from 1.
func backoffDelay(opt JobOptions, retry int) time.Duration {
	base := opt.Backoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.BackoffCap
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := opt.Jitter
	if j <= 0 {
		j = 0.2
	}

	d := base << (retry - 1)
	if d > maxD || d <= 0 { // <= 0 guards shift overflow
		d = maxD
	}
	d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*j))
	if d < 0 {
		d = 0
	}
	return min(d, maxD)
}
