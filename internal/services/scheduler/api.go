package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// AddCron registers a cron schedule. Re-registering an existing name
// replaces the previous definition, so config hot-reloads cannot
// duplicate jobs.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddCronOpt(name, spec, timeout, JobOptions{}, job)
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt JobOptions, job func(ctx context.Context) error) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeScheduleLocked(name)

	s.nextID++
	def := schedule{
		id:      fmt.Sprintf("sched-%d", s.nextID),
		name:    name,
		spec:    spec,
		timeout: s.resolveTimeout(timeout),
		job:     job,
		opt:     opt.withDefaults(s.cfg),
		state:   &runState{},
	}
	s.defs = append(s.defs, def)

	if s.runner == nil {
		// Not started yet; the def registers when Start() runs.
		return def.id, nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("schedule register failed",
			slog.String("name", name), slog.String("spec", spec), slog.Any("err", err))
		return def.id, err
	}
	s.log.Debug("schedule registered",
		slog.String("name", name), slog.String("spec", spec), slog.Duration("timeout", def.timeout))
	return def.id, nil
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be positive")
	}
	return s.AddCron(name, "@every "+every.String(), timeout, job)
}

// AddDaily registers a job at HH:MM every day in the scheduler timezone.
func (s *Service) AddDaily(name string, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

// AddWeekly registers a job at HH:MM on the given weekday (scheduler timezone).
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * %d", m, h, int(weekday)), timeout, job)
}

// Remove unschedules every schedule with the given name. Safe to call when
// the scheduler is not started.
func (s *Service) Remove(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", slog.String("name", name))
	}
	return removed
}

// removeScheduleLocked drops all defs matching name, unregistering them
// from cron when running. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	kept := s.defs[:0]
	removed := false
	for i := range s.defs {
		d := s.defs[i]
		if d.name != name {
			kept = append(kept, d)
			continue
		}
		removed = true
		if s.runner != nil && d.entryID != 0 {
			s.runner.Remove(d.entryID)
		}
	}
	s.defs = kept
	return removed
}

func (s *Service) addCronLocked(d *schedule) error {
	// Snapshot by value: d points into s.defs, which may be reallocated
	// by later Add calls. The runState pointer stays shared so overlap
	// detection survives re-registration during restarts.
	t := job{id: d.id, name: d.name, timeout: d.timeout, run: d.job, opt: d.opt, state: d.state}
	eid, err := s.runner.AddFunc(d.spec, func() { s.fireSchedule(t) })
	if err == nil {
		d.entryID = eid
	}
	return err
}

// fireSchedule is the cron callback: apply overlap policy, then hand the
// job to the worker queue.
func (s *Service) fireSchedule(t job) {
	if t.opt.Overlap == OverlapSkipIfRunning && t.state != nil {
		t.state.mu.Lock()
		running := t.state.running
		t.state.mu.Unlock()
		if running {
			s.log.Debug("schedule skipped, previous run still active", slog.String("job", t.name))
			s.publishJob("job.skipped", JobEvent{ID: t.id, Name: t.name, Started: time.Now(), Error: "overlap_skip"})
			return
		}
	}
	s.enqueue(t)
}
