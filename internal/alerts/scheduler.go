package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tutorbot/internal/eventbus"
	"tutorbot/internal/storage"
	"tutorbot/internal/timetable"
)

// Scheduler owns per-session one-shot notification timers. Each live timer
// is registered under its Key; rebuilding an offset for a date cancels every
// task for that (date, offset) before creating the new set, so stale timers
// from a previous timetable state can never fire alongside fresh ones.
type Scheduler struct {
	cfg   Config
	log   *slog.Logger
	src   SessionSource
	sink  Sink
	store storage.Store
	bus   eventbus.Bus

	mu    sync.Mutex
	tasks map[Key]*task

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	now func() time.Time
}

type task struct {
	key     Key
	session timetable.Session
	fireAt  time.Time
	cancel  context.CancelFunc
}

func New(cfg Config, src SessionSource, sink Sink, store storage.Store, bus eventbus.Bus, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		log:        log.With("comp", "alerts"),
		src:        src,
		sink:       sink,
		store:      store,
		bus:        bus,
		tasks:      make(map[Key]*task),
		rootCtx:    ctx,
		rootCancel: cancel,
		now:        time.Now,
	}
}

// Offsets returns the configured offsets in registration order.
func (s *Scheduler) Offsets() []int {
	out := make([]int, len(s.cfg.Offsets))
	copy(out, s.cfg.Offsets)
	return out
}

// ScheduleAllForToday rebuilds every configured offset for today's sessions.
// Offsets are rebuilt sequentially; a fetch error aborts the remaining ones.
func (s *Scheduler) ScheduleAllForToday(ctx context.Context) error {
	for _, off := range s.cfg.Offsets {
		if err := s.ScheduleOffsetForToday(ctx, off); err != nil {
			return fmt.Errorf("alerts: offset %+d: %w", off, err)
		}
	}
	return nil
}

// ScheduleOffsetForToday cancels every live task for (today, offset) and
// registers one task per current session whose fire time is still ahead.
func (s *Scheduler) ScheduleOffsetForToday(ctx context.Context, offsetMin int) error {
	now := s.now().In(s.cfg.Location)
	today := timetable.DateOf(now)

	sessions, err := s.src.SessionsFor(ctx, today)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(today.ISO(), offsetMin)

	created := 0
	for _, sess := range sessions {
		fireAt := sess.Start.At(today, s.cfg.Location).Add(time.Duration(offsetMin) * time.Minute)
		if !fireAt.After(now) {
			continue
		}
		key := Key{
			SubjectID: sess.SubjectID,
			HHMM:      sess.Start.HHMM(),
			Date:      today.ISO(),
			OffsetMin: offsetMin,
		}
		if old, ok := s.tasks[key]; ok {
			old.cancel()
			delete(s.tasks, key)
		}
		s.startTaskLocked(key, sess, fireAt)
		created++
	}

	s.log.Debug("alert offset scheduled",
		"date", today.ISO(), "offset_min", offsetMin,
		"sessions", len(sessions), "timers", created)
	return nil
}

// CancelOffsetForToday cancels every live task for (today, offset).
func (s *Scheduler) CancelOffsetForToday(offsetMin int) {
	today := timetable.DateOf(s.now().In(s.cfg.Location))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(today.ISO(), offsetMin)
}

func (s *Scheduler) cancelLocked(dateISO string, offsetMin int) {
	for key, t := range s.tasks {
		if key.Date == dateISO && key.OffsetMin == offsetMin {
			t.cancel()
			delete(s.tasks, key)
		}
	}
}

// Live returns a snapshot of registered task keys.
func (s *Scheduler) Live() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, len(s.tasks))
	for key := range s.tasks {
		out = append(out, key)
	}
	return out
}

// Stop cancels all live tasks and waits for their goroutines to exit or
// for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.rootCancel()
	s.mu.Lock()
	for key, t := range s.tasks {
		t.cancel()
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) startTaskLocked(key Key, sess timetable.Session, fireAt time.Time) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	t := &task{key: key, session: sess, fireAt: fireAt, cancel: cancel}
	s.tasks[key] = t
	s.wg.Add(1)
	go s.runTask(ctx, t)
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer s.deregister(t)

	delay := t.fireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	late := s.now().Sub(t.fireAt)
	if late > s.cfg.Grace {
		s.log.Warn("stale alert suppressed",
			"subject", t.session.Name, "date", t.key.Date,
			"offset_min", t.key.OffsetMin, "late", late.Round(time.Second))
		s.publish(eventbus.EventAlertSuppressed, t)
		s.audit(t, false, "suppressed after staleness grace")
		return
	}
	s.fire(t)
}

// fire delivers the student alert and the log-channel line independently.
// A failure on one leg never blocks the other; both are audited.
func (s *Scheduler) fire(t *task) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	text := alertText(t.session, t.key.OffsetMin)
	var deliverErr error
	if dest, ok := s.sink.ResolveDestination(t.session.SubjectID); ok {
		deliverErr = s.sink.Deliver(ctx, dest, text)
		if deliverErr != nil {
			s.log.Error("alert delivery failed",
				"subject", t.session.Name, "offset_min", t.key.OffsetMin,
				"error", deliverErr)
		}
	} else {
		deliverErr = fmt.Errorf("no destination for subject %q", t.session.Name)
		s.log.Warn("alert has no destination", "subject", t.session.Name)
	}

	if err := s.sink.DeliverLog(ctx, logText(t.session, t.key.OffsetMin, deliverErr)); err != nil {
		s.log.Error("alert log delivery failed", "error", err)
	}

	s.publish(eventbus.EventAlertFired, t)
	if deliverErr != nil {
		s.audit(t, false, deliverErr.Error())
	} else {
		s.audit(t, true, "")
	}
}

func (s *Scheduler) deregister(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Only remove our own registration; a replacement task may already
	// occupy the same key.
	if cur, ok := s.tasks[t.key]; ok && cur == t {
		delete(s.tasks, t.key)
	}
}

func (s *Scheduler) publish(event string, t *task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: event,
		Data: FiredEvent{Key: t.key, Subject: t.session.Name, FireAt: t.fireAt},
	})
}

func (s *Scheduler) audit(t *task, ok bool, errMsg string) {
	if s.store == nil {
		return
	}
	entry := storage.AuditEntry{
		ID:          uuid.NewString(),
		At:          s.now(),
		Kind:        storage.KindAlert,
		SubjectID:   t.session.SubjectID,
		SubjectName: t.session.Name,
		Date:        t.key.Date,
		SessionHHMM: t.key.HHMM,
		OffsetMin:   t.key.OffsetMin,
		OK:          ok,
		Error:       errMsg,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Error("alert audit append failed", "error", err)
	}
}

func alertText(sess timetable.Session, offsetMin int) string {
	if offsetMin < 0 {
		return fmt.Sprintf("%s 수업 %d분 전입니다.\n- 시작 시각: %s\n- 준비물과 과제를 확인해 주세요.",
			sess.Name, -offsetMin, sess.Start.String())
	}
	return fmt.Sprintf("%s 수업 시작 후 %d분이 지났습니다. (시작 %s)",
		sess.Name, offsetMin, sess.Start.String())
}

func logText(sess timetable.Session, offsetMin int, deliverErr error) string {
	status := "전송 완료"
	if deliverErr != nil {
		status = "전송 실패: " + deliverErr.Error()
	}
	return fmt.Sprintf("[알림] %s / %s 시작 / 오프셋 %+d분 / %s",
		sess.Name, sess.Start.String(), offsetMin, status)
}
