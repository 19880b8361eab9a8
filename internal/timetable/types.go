package timetable

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time with minute precision. The zero value is 00:00.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// HHMM encodes the time as an integer (17:30 -> 1730). Used in alert task keys.
func (t TimeOfDay) HHMM() int { return t.Hour*100 + t.Minute }

func (t TimeOfDay) Before(o TimeOfDay) bool { return t.HHMM() < o.HHMM() }

// At anchors the time-of-day on the given date in loc.
func (t TimeOfDay) At(d Date, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, t.Hour, t.Minute, 0, 0, loc)
}

// Date is a calendar date, independent of time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string { return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day) }

// ISO returns the YYYY-MM-DD form used as the persisted override map key.
func (d Date) ISO() string { return d.String() }

func (d Date) time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) AddDays(n int) Date { return DateOf(d.time().AddDate(0, 0, n)) }

func (d Date) Before(o Date) bool { return d.time().Before(o.time()) }
func (d Date) After(o Date) bool  { return d.time().After(o.time()) }

// Weekday returns the weekday with Monday=0 .. Sunday=6, matching the
// weekday tokens of the template feed.
func (d Date) Weekday() int {
	wd := int(d.time().Weekday()) // Sunday=0
	return (wd + 6) % 7
}

// Slot is one recurring (weekday, time) pair from the template feed.
// Weekday uses Monday=0 .. Sunday=6.
type Slot struct {
	Weekday int
	Time    TimeOfDay
}

// Template is one subject row of the recurring-template feed.
//
// SubjectID is the stable identifier from the feed's id column; 0 means the
// row has none. Rows without an ID still resolve sessions but cannot be
// addressed by overrides or receive per-subject deliveries.
type Template struct {
	Key  string // feed key: the id, or "name#rowN" for id-less rows
	Name string

	SubjectID int64

	Slots []Slot

	ServiceStart *Date
	ServiceEnd   *Date
}

// Session is one effective (subject, start time) pair for a concrete date.
// Transient: recomputed on demand, never persisted.
type Session struct {
	Name      string
	Start     TimeOfDay
	SubjectID int64
}

// ChangePair moves a session from one time to another for a single date.
type ChangePair struct {
	From TimeOfDay
	To   TimeOfDay
}

// Override is the resolver's view of one subject's date-scoped exception.
// It is produced from the persisted override entry; see internal/override.
type Override struct {
	Cancelled bool
	Single    *TimeOfDay
	Changes   []ChangePair
	Makeup    []TimeOfDay
}
