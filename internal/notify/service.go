package notify

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tutorbot/internal/eventbus"
	"tutorbot/internal/storage"
	"tutorbot/internal/transport"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	n   transport.Notification
	key string // dedup key, computed once at enqueue
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service delivers notifications asynchronously through a bounded queue
// and a small worker pool, with rate limiting, retry and dedup.
type Service struct {
	mu sync.Mutex

	log     *slog.Logger
	adapter transport.Adapter
	bus     eventbus.Bus
	store   storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	stopDone  chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	dedup *dedupCache

	persistCh chan dedupWrite
	persistWG sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter transport.Adapter, log *slog.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		adapter: adapter,
		log:     log,
		bus:     bus,
		store:   store,
		dedup:   newDedupCache(),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg.withDefaults()
	// Burst equals the per-second rate so short spikes drain quickly.
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	workers := s.cfg.Workers
	runCtx, pch, st := s.runCtx, s.persistCh, s.store
	s.mu.Unlock()

	if pch != nil {
		s.persistWG.Add(1)
		go func() {
			defer s.persistWG.Done()
			persistLoop(runCtx, pch, st)
		}()
	}

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go s.runWorker(i)
	}
}

func (s *Service) runWorker(idx int) {
	defer s.workerWG.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in notifier worker",
				slog.Int("worker", idx), slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	q, runCtx := s.queue, s.runCtx
	s.mu.Unlock()

	for j := range q {
		select {
		case <-runCtx.Done():
			return
		default:
		}
		s.deliver(runCtx, j)
	}
}

// Stop blocks new intake, drains in-flight enqueues, then closes the
// queue so workers finish the backlog. Best-effort within ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, done, cancel := s.queue, s.persistCh, s.stopDone, s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	enqDone := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(enqDone)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return
	case <-enqDone:
	}

	close(q)
	if pch != nil {
		close(pch)
	}

	go func() {
		s.workerWG.Wait()
		s.persistWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	s.queue, s.persistCh, s.stopDone = nil, nil, nil
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()
}

func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	st, pch := s.store, s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && key != "" {
		now := time.Now()
		if s.dedup.suppressed(key, now) ||
			(cfg.PersistDedup && s.dedup.checkStore(ctx, st, key, now)) {
			s.emit("notify.deduped", n, key, "")
			return nil
		}
		until := now.Add(cfg.DedupWindow)
		s.dedup.remember(key, until, cfg.DedupMaxEntries)
		if cfg.PersistDedup && pch != nil {
			select {
			case pch <- dedupWrite{key: key, until: until}:
			default:
			}
		}
	}

	s.emit("notify.queued", n, key, "")
	select {
	case q <- job{n: n, key: key}:
		return nil
	default:
		s.emit("notify.dropped", n, key, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()
	if ad == nil {
		return
	}

	text := priorityPrefix(j.n.Priority) + j.n.Text
	if text == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	maxAttempts := 1 + max(cfg.RetryMax, 0)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		// Bound each send so a stuck API call cannot wedge the worker.
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := ad.SendText(callCtx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.recordSent(text)
			s.emit("notify.sent", j.n, j.key, "")
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", slog.Any("err", err), slog.Int("attempt", attempt))

		if attempt < maxAttempts && !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}
	s.emit("notify.failed", j.n, j.key, lastErr.Error())
}

func (s *Service) emit(typ string, n transport.Notification, key, errStr string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{
		Channel:  n.Channel,
		ChatID:   n.Target.ChatID,
		ThreadID: n.Target.ThreadID,
		Key:      key,
		At:       now,
		Error:    errStr,
	}})
}

func (s *Service) recordSent(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

// sleepCtx waits d and reports false if ctx fired first. d <= 0 returns
// immediately.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func priorityPrefix(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

// retryDelay doubles from RetryBase per failed attempt, capped at
// RetryMaxDelay, then applies jitter in [0.7, 1.3].
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << (attempt - 1)
	if d > cfg.RetryMaxDelay || d <= 0 {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
