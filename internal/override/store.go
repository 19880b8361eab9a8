package override

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"tutorbot/internal/timetable"
	logx "tutorbot/pkg/logx"
)

// Store owns the date -> subject -> Entry map and its durable JSON file.
//
// All mutations run under one coarse lock (mutation rate is human-paced);
// persistence happens after the lock is released, serialized by its own
// lock, with write-temp/fsync/rename atomicity and a .tmp recovery path.
type Store struct {
	path string
	log  logx.Logger

	mu   sync.Mutex
	days map[string]map[string]Entry // dateISO -> subjectID string -> entry

	fileMu sync.Mutex
}

// Open loads the store from path. A missing file yields an empty store.
// A corrupt primary file falls back to the .tmp copy left by an interrupted
// save; if that also fails, the store starts empty rather than refusing to run.
func Open(path string, log logx.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("override store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{path: path, log: log, days: map[string]map[string]Entry{}}

	data, err := loadWithRecovery(path, log)
	if err != nil {
		return nil, err
	}
	if data != nil {
		s.days = data
	}
	return s, nil
}

func loadWithRecovery(path string, log logx.Logger) (map[string]map[string]Entry, error) {
	load := func(p string) (map[string]map[string]Entry, error) {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var m map[string]map[string]Entry
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	m, err := load(path)
	if err == nil {
		return m, nil
	}
	log.Warn("override file corrupt; trying tmp copy", logx.String("path", path), logx.Err(err))
	if m, terr := load(path + ".tmp"); terr == nil {
		return m, nil
	}
	log.Error("override recovery failed; starting empty", logx.String("path", path))
	return nil, nil
}

// ForDate returns the resolver's view of one day's overrides, keyed by
// stable subject ID. Non-numeric legacy keys are skipped (migration drops
// them at startup).
func (s *Store) ForDate(day timetable.Date) map[int64]timetable.Override {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]timetable.Override{}
	for key, e := range s.days[day.ISO()] {
		sid, err := strconv.ParseInt(key, 10, 64)
		if err != nil || sid == 0 {
			continue
		}
		out[sid] = e.View()
	}
	return out
}

// Entry returns a copy of the persisted entry for (day, subject).
func (s *Store) Entry(day timetable.Date, sid int64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.days[day.ISO()][strconv.FormatInt(sid, 10)]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Dates returns all dates with at least one entry, sorted ascending.
// ISO date strings sort chronologically.
func (s *Store) Dates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.days))
	for d := range s.days {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Save persists the current state. Mutations call this automatically; it is
// exported for the startup migration and shutdown flush.
func (s *Store) Save() error {
	s.mu.Lock()
	b, err := json.MarshalIndent(s.days, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.writeAtomic(b)
}

func (s *Store) writeAtomic(b []byte) error {
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
	// fsync is best-effort: some filesystems refuse it, and the rename below
	// still keeps the primary file consistent.
	_ = f.Sync()
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// persist saves after a mutation. Failures are logged, not returned: the
// in-memory state stays authoritative and the next successful save restores
// durability.
func (s *Store) persist() {
	if err := s.Save(); err != nil {
		s.log.Error("override save failed; in-memory state is ahead of disk",
			logx.String("path", s.path), logx.Err(err))
	}
}
