package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit entry kinds.
const (
	KindAlert    = "alert"
	KindReminder = "reminder"
	KindDigest   = "digest"
	KindCommand  = "command"
)

// AuditEntry records one delivery attempt (offset alert, reminder, digest)
// or operator action. Keep it compact and schema-stable.
type AuditEntry struct {
	ID          string
	At          time.Time
	Kind        string // see Kind* constants
	SubjectID   int64
	SubjectName string
	Date        string // session date, YYYY-MM-DD
	SessionHHMM int    // session start as HHMM; 0 when not applicable
	OffsetMin   int
	ChatID      int64
	OK          bool
	Error       string
}
