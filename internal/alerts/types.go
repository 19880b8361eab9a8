package alerts

import (
	"context"
	"time"

	"tutorbot/internal/timetable"
	"tutorbot/internal/transport"
)

// Key uniquely identifies one scheduled notification. Two tasks with the
// same key are never concurrently live: rescheduling cancels the old task
// before registering its replacement.
type Key struct {
	SubjectID int64 // 0 when the subject has no stable id
	HHMM      int   // session start as HHMM
	Date      string
	OffsetMin int
}

// Config controls the alert scheduler.
type Config struct {
	// Offsets are signed minute offsets relative to session start;
	// negative fires before the session, positive after.
	Offsets []int

	// Grace is the staleness tolerance: a task waking later than
	// fireAt+Grace is suppressed instead of delivered.
	Grace time.Duration

	Location *time.Location
}

func (c Config) withDefaults() Config {
	if len(c.Offsets) == 0 {
		c.Offsets = []int{-10, 75, 85}
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// SessionSource yields the effective sessions for a date.
type SessionSource interface {
	SessionsFor(ctx context.Context, day timetable.Date) ([]timetable.Session, error)
}

// Sink delivers alert text. Destination resolution may fail (subject without
// a chat); the scheduler then falls back to the log channel only.
type Sink interface {
	ResolveDestination(subjectID int64) (transport.ChatTarget, bool)
	Deliver(ctx context.Context, to transport.ChatTarget, text string) error
	DeliverLog(ctx context.Context, text string) error
}

type taskState int

const (
	stateScheduled taskState = iota
	stateCancelled
	stateFired
	stateSuppressed
)

// FiredEvent is the bus payload for alert.fired / alert.suppressed.
type FiredEvent struct {
	Key     Key
	Subject string
	FireAt  time.Time
}
