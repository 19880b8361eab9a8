// Package daylog persists day-keyed sets of subject IDs. Attendance and
// homework submissions share this shape ({"YYYY-MM-DD": [id, ...]}), each in
// its own file.
package daylog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"tutorbot/internal/timetable"
	logx "tutorbot/pkg/logx"
)

type Store struct {
	path string
	log  logx.Logger

	mu   sync.Mutex
	days map[string][]int64

	fileMu sync.Mutex
}

// Open loads the store; missing file = empty, corrupt file falls back to the
// .tmp copy, then to empty.
func Open(path string, log logx.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("daylog store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{path: path, log: log, days: map[string][]int64{}}

	load := func(p string) (map[string][]int64, error) {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var m map[string][]int64
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if _, err := os.Stat(path); err == nil {
		m, err := load(path)
		if err != nil {
			log.Warn("daylog file corrupt; trying tmp copy", logx.String("path", path), logx.Err(err))
			m, err = load(path + ".tmp")
			if err != nil {
				log.Error("daylog recovery failed; starting empty", logx.String("path", path))
				m = nil
			}
		}
		if m != nil {
			s.days = m
		}
	}
	return s, nil
}

// Mark records the subject for the date. Set semantics; reports whether the
// ID was newly added.
func (s *Store) Mark(day timetable.Date, sid int64) bool {
	if sid == 0 {
		return false
	}
	iso := day.ISO()
	s.mu.Lock()
	for _, have := range s.days[iso] {
		if have == sid {
			s.mu.Unlock()
			return false
		}
	}
	s.days[iso] = append(s.days[iso], sid)
	s.mu.Unlock()
	s.persist()
	return true
}

// Marked reports whether the subject is recorded for the date.
func (s *Store) Marked(day timetable.Date, sid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.days[day.ISO()] {
		if have == sid {
			return true
		}
	}
	return false
}

// IDs returns the recorded set for the date, sorted.
func (s *Store) IDs(day timetable.Date) []int64 {
	s.mu.Lock()
	out := append([]int64(nil), s.days[day.ISO()]...)
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Prune drops records older than keepDays relative to today. Returns the
// number of dates removed. Unparsable keys are left alone.
func (s *Store) Prune(today timetable.Date, keepDays int) int {
	cutoff := today.AddDays(-keepDays)
	removed := 0
	s.mu.Lock()
	for iso := range s.days {
		d, err := timetable.ParseDate(iso)
		if err != nil {
			continue
		}
		if d.Before(cutoff) {
			delete(s.days, iso)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.persist()
	}
	return removed
}

func (s *Store) Save() error {
	s.mu.Lock()
	b, err := json.MarshalIndent(s.days, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) persist() {
	if err := s.Save(); err != nil {
		s.log.Error("daylog save failed; in-memory state is ahead of disk",
			logx.String("path", s.path), logx.Err(err))
	}
}
