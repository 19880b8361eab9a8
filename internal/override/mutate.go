package override

import (
	"errors"
	"strconv"

	"tutorbot/internal/timetable"
)

// ErrNoSubjectID is returned for mutations against subjects without a
// stable identifier; such entries would not be addressable.
var ErrNoSubjectID = errors.New("override: subject has no stable id")

// Mutation operations. Each is idempotent, enforces the entry invariants at
// this boundary, returns the resulting entry, and persists afterwards.
// Entries are created lazily on first mutation and pruned when every field
// returns to its default.

// SetCancelled marks or unmarks the date as cancelled for the subject.
func (s *Store) SetCancelled(day timetable.Date, sid int64, flag bool) (Entry, error) {
	if sid == 0 {
		return Entry{}, ErrNoSubjectID
	}
	e := s.mutate(day, sid, func(e *Entry) {
		e.Cancel = flag
	})
	s.persist()
	return e, nil
}

// SetSingleChange replaces the subject's whole session set with one target
// time. Clears the change list (mutual exclusion) and any pending cancel.
func (s *Store) SetSingleChange(day timetable.Date, sid int64, to string) (Entry, error) {
	if sid == 0 {
		return Entry{}, ErrNoSubjectID
	}
	t, err := timetable.ParseTime(to)
	if err != nil {
		return Entry{}, err
	}
	e := s.mutate(day, sid, func(e *Entry) {
		v := t.String()
		e.Change = &v
		e.Changes = nil
		e.Cancel = false
	})
	s.persist()
	return e, nil
}

// AddChangePair appends a (from, to) move to the change list. Clears the
// single change (mutual exclusion) and any pending cancel. Appending an
// already-present pair is a no-op.
func (s *Store) AddChangePair(day timetable.Date, sid int64, from, to string) (Entry, error) {
	if sid == 0 {
		return Entry{}, ErrNoSubjectID
	}
	tf, err := timetable.ParseTime(from)
	if err != nil {
		return Entry{}, err
	}
	tt, err := timetable.ParseTime(to)
	if err != nil {
		return Entry{}, err
	}
	ch := Change{From: tf.String(), To: tt.String()}
	e := s.mutate(day, sid, func(e *Entry) {
		e.Change = nil
		e.Cancel = false
		for _, have := range e.Changes {
			if have == ch {
				return
			}
		}
		e.Changes = append(e.Changes, ch)
	})
	s.persist()
	return e, nil
}

// ClearChanges removes the single change and the whole change list.
func (s *Store) ClearChanges(day timetable.Date, sid int64) (Entry, error) {
	if sid == 0 {
		return Entry{}, ErrNoSubjectID
	}
	e := s.mutate(day, sid, func(e *Entry) {
		e.Change = nil
		e.Changes = nil
	})
	s.persist()
	return e, nil
}

// AddMakeup adds an extra session time. Set semantics; independent of the
// service window and of cancellation.
func (s *Store) AddMakeup(day timetable.Date, sid int64, at string) (Entry, error) {
	if sid == 0 {
		return Entry{}, ErrNoSubjectID
	}
	t, err := timetable.ParseTime(at)
	if err != nil {
		return Entry{}, err
	}
	hhmm := t.String()
	e := s.mutate(day, sid, func(e *Entry) {
		for _, have := range e.Makeup {
			if have == hhmm {
				return
			}
		}
		e.Makeup = append(e.Makeup, hhmm)
	})
	s.persist()
	return e, nil
}

// RemoveMakeup removes one extra session time if present.
func (s *Store) RemoveMakeup(day timetable.Date, sid int64, at string) (Entry, error) {
	if sid == 0 {
		return Entry{}, ErrNoSubjectID
	}
	t, err := timetable.ParseTime(at)
	if err != nil {
		return Entry{}, err
	}
	hhmm := t.String()
	e := s.mutate(day, sid, func(e *Entry) {
		kept := e.Makeup[:0]
		for _, have := range e.Makeup {
			if have != hhmm {
				kept = append(kept, have)
			}
		}
		e.Makeup = kept
	})
	s.persist()
	return e, nil
}

// ClearMakeup removes all extra session times for the date.
func (s *Store) ClearMakeup(day timetable.Date, sid int64) (Entry, error) {
	if sid == 0 {
		return Entry{}, ErrNoSubjectID
	}
	e := s.mutate(day, sid, func(e *Entry) {
		e.Makeup = nil
	})
	s.persist()
	return e, nil
}

// CleanupIfEmpty deletes the entry if every field is default. Mutations
// already prune on the way out; this exists for callers that inspected an
// entry and want the sparse-store invariant re-checked.
func (s *Store) CleanupIfEmpty(day timetable.Date, sid int64) bool {
	if sid == 0 {
		return false
	}
	key := strconv.FormatInt(sid, 10)
	s.mu.Lock()
	bucket := s.days[day.ISO()]
	e, ok := bucket[key]
	removed := false
	if ok && e.IsEmpty() {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(s.days, day.ISO())
		}
		removed = true
	}
	s.mu.Unlock()
	if removed {
		s.persist()
	}
	return removed
}

// mutate applies fn to the (day, subject) entry under the store lock,
// pruning the entry and day bucket if fn left everything at defaults.
// Returns a copy of the resulting entry.
func (s *Store) mutate(day timetable.Date, sid int64, fn func(*Entry)) Entry {
	key := strconv.FormatInt(sid, 10)
	iso := day.ISO()

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.days[iso]
	if bucket == nil {
		bucket = map[string]Entry{}
		s.days[iso] = bucket
	}
	e := bucket[key]
	fn(&e)
	if e.IsEmpty() {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(s.days, iso)
		}
		return Entry{}
	}
	bucket[key] = e
	return e.clone()
}
