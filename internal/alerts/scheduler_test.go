package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tutorbot/internal/eventbus"
	"tutorbot/internal/timetable"
	"tutorbot/internal/transport"
)

type fakeSource struct {
	mu       sync.Mutex
	sessions []timetable.Session
	err      error
}

func (f *fakeSource) set(sessions []timetable.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = sessions
}

func (f *fakeSource) SessionsFor(ctx context.Context, day timetable.Date) ([]timetable.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]timetable.Session, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

type fakeSink struct {
	mu         sync.Mutex
	delivered  []string
	logged     []string
	deliverErr error
	noDest     bool
}

func (f *fakeSink) ResolveDestination(subjectID int64) (transport.ChatTarget, bool) {
	if f.noDest {
		return transport.ChatTarget{}, false
	}
	return transport.ChatTarget{ChatID: 1000 + subjectID}, true
}

func (f *fakeSink) Deliver(ctx context.Context, to transport.ChatTarget, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliverErr != nil {
		return f.deliverErr
	}
	f.delivered = append(f.delivered, text)
	return nil
}

func (f *fakeSink) DeliverLog(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logged = append(f.logged, text)
	return nil
}

func (f *fakeSink) counts() (delivered, logged int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered), len(f.logged)
}

func kst(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

// newTestScheduler fixes "now" just before the fire time of a 14:00 session
// at the given offset, so the real timer fires within milliseconds.
func newTestScheduler(t *testing.T, src SessionSource, sink Sink, offsetMin int, lead time.Duration) (*Scheduler, time.Time) {
	t.Helper()
	loc := kst(t)
	day := timetable.Date{Year: 2025, Month: 3, Day: 10}
	start := timetable.TimeOfDay{Hour: 14, Minute: 0}
	fireAt := start.At(day, loc).Add(time.Duration(offsetMin) * time.Minute)
	now := fireAt.Add(-lead)

	s := New(Config{Offsets: []int{offsetMin}, Location: loc}, src, sink, nil, eventbus.New(), nil)
	s.now = func() time.Time { return now }
	return s, fireAt
}

func session(name string, id int64, hour, minute int) timetable.Session {
	return timetable.Session{
		Name:      name,
		SubjectID: id,
		Start:     timetable.TimeOfDay{Hour: hour, Minute: minute},
	}
}

func TestScheduleOffsetRegistersTimers(t *testing.T) {
	t.Parallel()
	src := &fakeSource{sessions: []timetable.Session{
		session("김철수", 7, 14, 0),
		session("이영희", 8, 16, 30),
	}}
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, src, sink, -10, time.Hour)
	defer s.Stop(context.Background())

	if err := s.ScheduleOffsetForToday(context.Background(), -10); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	live := s.Live()
	if len(live) != 2 {
		t.Fatalf("live tasks = %d, want 2", len(live))
	}
	for _, key := range live {
		if key.OffsetMin != -10 || key.Date != "2025-03-10" {
			t.Errorf("unexpected key %+v", key)
		}
	}
}

func TestRescheduleReplacesWithoutDoubleFire(t *testing.T) {
	t.Parallel()
	src := &fakeSource{sessions: []timetable.Session{session("김철수", 7, 14, 0)}}
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, src, sink, -10, 40*time.Millisecond)
	defer s.Stop(context.Background())

	ctx := context.Background()
	if err := s.ScheduleOffsetForToday(ctx, -10); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	if err := s.ScheduleOffsetForToday(ctx, -10); err != nil {
		t.Fatalf("second schedule: %v", err)
	}
	if n := len(s.Live()); n != 1 {
		t.Fatalf("live tasks after reschedule = %d, want 1", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if d, _ := sink.counts(); d >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("alert never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give any ghost timer a chance to fire, then confirm single delivery.
	time.Sleep(150 * time.Millisecond)
	if d, _ := sink.counts(); d != 1 {
		t.Fatalf("delivered %d alerts, want exactly 1", d)
	}
	if n := len(s.Live()); n != 0 {
		t.Fatalf("fired task not deregistered, live = %d", n)
	}
}

func TestCancelOffsetStopsDelivery(t *testing.T) {
	t.Parallel()
	src := &fakeSource{sessions: []timetable.Session{session("김철수", 7, 14, 0)}}
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, src, sink, -10, 60*time.Millisecond)
	defer s.Stop(context.Background())

	if err := s.ScheduleOffsetForToday(context.Background(), -10); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.CancelOffsetForToday(-10)
	if n := len(s.Live()); n != 0 {
		t.Fatalf("live tasks after cancel = %d, want 0", n)
	}
	time.Sleep(200 * time.Millisecond)
	if d, _ := sink.counts(); d != 0 {
		t.Fatalf("cancelled task still delivered %d alerts", d)
	}
}

func TestPastFireTimeSkipped(t *testing.T) {
	t.Parallel()
	src := &fakeSource{sessions: []timetable.Session{session("김철수", 7, 14, 0)}}
	sink := &fakeSink{}
	// now is one hour after the fire time: nothing should be registered.
	s, fireAt := newTestScheduler(t, src, sink, -10, 0)
	s.now = func() time.Time { return fireAt.Add(time.Hour) }
	defer s.Stop(context.Background())

	if err := s.ScheduleOffsetForToday(context.Background(), -10); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if n := len(s.Live()); n != 0 {
		t.Fatalf("live tasks for past fire time = %d, want 0", n)
	}
}

func TestStaleWakeupSuppressed(t *testing.T) {
	t.Parallel()
	src := &fakeSource{}
	sink := &fakeSink{}
	s, fireAt := newTestScheduler(t, src, sink, -10, time.Hour)
	defer s.Stop(context.Background())

	bus := eventbus.New()
	s.bus = bus
	events, unsub := bus.Subscribe(4)
	defer unsub()

	// Simulate a timer that raced a long process stall: the task wakes
	// five minutes after its fire time, past the two minute grace.
	s.now = func() time.Time { return fireAt.Add(5 * time.Minute) }
	s.mu.Lock()
	key := Key{SubjectID: 7, HHMM: 1400, Date: "2025-03-10", OffsetMin: -10}
	s.startTaskLocked(key, session("김철수", 7, 14, 0), fireAt)
	s.mu.Unlock()

	select {
	case ev := <-events:
		if ev.Type != eventbus.EventAlertSuppressed {
			t.Fatalf("event = %q, want %q", ev.Type, eventbus.EventAlertSuppressed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no suppression event")
	}
	if d, l := sink.counts(); d != 0 || l != 0 {
		t.Fatalf("suppressed task delivered (student=%d log=%d)", d, l)
	}
}

func TestDeliveryFailureStillLogs(t *testing.T) {
	t.Parallel()
	src := &fakeSource{sessions: []timetable.Session{session("김철수", 7, 14, 0)}}
	sink := &fakeSink{deliverErr: errors.New("chat unreachable")}
	s, _ := newTestScheduler(t, src, sink, 75, 30*time.Millisecond)
	defer s.Stop(context.Background())

	if err := s.ScheduleOffsetForToday(context.Background(), 75); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, l := sink.counts(); l >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("log line never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sink.mu.Lock()
	line := sink.logged[0]
	sink.mu.Unlock()
	if want := "전송 실패"; !strings.Contains(line, want) {
		t.Fatalf("log line %q missing %q", line, want)
	}
}

func TestNoDestinationFallsBackToLog(t *testing.T) {
	t.Parallel()
	src := &fakeSource{sessions: []timetable.Session{session("보강학생", 0, 14, 0)}}
	sink := &fakeSink{noDest: true}
	s, _ := newTestScheduler(t, src, sink, -10, 30*time.Millisecond)
	defer s.Stop(context.Background())

	if err := s.ScheduleOffsetForToday(context.Background(), -10); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		d, l := sink.counts()
		if l >= 1 {
			if d != 0 {
				t.Fatalf("delivered %d alerts with no destination", d)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("log line never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSourceErrorAbortsSchedule(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: errors.New("sheet unavailable")}
	sink := &fakeSink{}
	s, _ := newTestScheduler(t, src, sink, -10, time.Hour)
	defer s.Stop(context.Background())

	if err := s.ScheduleAllForToday(context.Background()); err == nil {
		t.Fatal("want error from failing source")
	}
	if n := len(s.Live()); n != 0 {
		t.Fatalf("live tasks after failed schedule = %d, want 0", n)
	}
}
