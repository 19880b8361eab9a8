package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tutorbot/internal/eventbus"
)

func New(cfg Config, log *slog.Logger, bus eventbus.Bus) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg: cfg,
		log: log.With(slog.String("comp", "scheduler")),
		bus: bus,
		// SecondOptional accepts both 5-field and seconds-first 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.stopCh != nil && tzChanged {
		// Cron entries bake in their location; rebuild the runner.
		s.restartLocked()
	}
}

// Location returns the scheduler's resolved time location.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.resolveLocationLocked()
}

func (s *Service) Start(ctx context.Context) {
	s.log.Debug("start requested")

	// A Stop() may still be draining workers; starting on top of it would
	// double the pool. Wait it out.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break // not running, mu still held
		}
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return // already running
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	// New queue per run; a stop/start toggle must not execute stale work.
	s.queue = make(chan job, 256)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	loc := s.resolveLocationLocked()
	s.loc = loc
	s.runner = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}

	s.spawnWorkers(workers, s.runCtx, s.stopCh, s.queue)
	s.runner.Start()
	s.log.Info("service started",
		slog.Int("workers", workers), slog.String("tz", loc.String()), slog.Int("schedules", len(s.defs)))
}

// spawnWorkers takes local copies of the run channels so a concurrent
// Stop() swapping the fields cannot race the goroutines.
func (s *Service) spawnWorkers(n int, runCtx context.Context, stopCh chan struct{}, queue chan job) {
	s.workerWG.Add(n)
	for i := 0; i < n; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in scheduler worker",
						slog.Int("worker", idx), slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		// Another Stop() is draining; wait alongside it.
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh, cancel, runner := s.stopCh, s.runCancel, s.runner
	s.runner = nil // no new cron enqueues
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if runner != nil {
		<-runner.Stop().Done()
	}

	// Finish cleanup in the background; Stop() may be on a deadline.
	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh, s.runCtx, s.queue, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", slog.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) restartLocked() {
	if s.runner != nil {
		<-s.runner.Stop().Done()
	}
	loc := s.resolveLocationLocked()
	s.loc = loc
	s.runner = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.runner.Start()
	s.log.Info("service restarted", slog.String("tz", loc.String()), slog.Int("schedules", len(s.defs)))
}

func (s *Service) resolveLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", slog.String("tz", tz), slog.Any("err", err))
		return time.Local
	}
	return loc
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return max(s.cfg.DefaultTimeout, 0)
}
