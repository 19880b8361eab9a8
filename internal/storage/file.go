package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "tutorbot/pkg/logx"
)

// fileStore persists without a database:
//
//	<prefix>.audit.jsonl          append-only audit log
//	<prefix>.dedup.snapshot.json  dedup map snapshot
//	<prefix>.dedup.journal.jsonl  dedup writes since the snapshot
//
// Every thousandth dedup write folds the journal into the snapshot.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	audit  *os.File
	dedup  map[string]int64 // key -> unix milli
	writes int

	snapPath string
	journal  *os.File
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

type auditRecord struct {
	ID          string `json:"id"`
	At          string `json:"at"`
	Kind        string `json:"kind"`
	SubjectID   int64  `json:"subject_id,omitempty"`
	SubjectName string `json:"subject,omitempty"`
	Date        string `json:"date,omitempty"`
	SessionHHMM int    `json:"session,omitempty"`
	OffsetMin   int    `json:"offset,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	OK          bool   `json:"ok"`
	Error       string `json:"err,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, stem)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	audit, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"
	dedup := loadDedup(snapPath, journalPath)

	journal, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = audit.Close()
		return nil, err
	}

	return &fileStore{
		log:      log,
		audit:    audit,
		dedup:    dedup,
		snapPath: snapPath,
		journal:  journal,
	}, nil
}

// loadDedup rebuilds the dedup map from snapshot plus journal replay,
// dropping already-expired keys. Missing files are fine.
func loadDedup(snapPath, journalPath string) map[string]int64 {
	out := map[string]int64{}

	if f, err := os.Open(snapPath); err == nil {
		var m map[string]int64
		if json.NewDecoder(f).Decode(&m) == nil {
			for k, v := range m {
				out[k] = v
			}
		}
		_ = f.Close()
	}

	if f, err := os.Open(journalPath); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var r dedupRecord
			if json.Unmarshal(sc.Bytes(), &r) == nil && r.Key != "" {
				out[r.Key] = r.Until
			}
		}
		_ = f.Close()
	}

	dropExpired(out)
	return out
}

func dropExpired(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := closeFile(&s.audit)
	if jerr := closeFile(&s.journal); err == nil {
		err = jerr
	}
	return err
}

func closeFile(f **os.File) error {
	if *f == nil {
		return nil
	}
	err := (*f).Close()
	*f = nil
	return err
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return errors.New("audit file closed")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.audit).Encode(auditRecord{
		ID:          e.ID,
		At:          e.At.Format(time.RFC3339Nano),
		Kind:        e.Kind,
		SubjectID:   e.SubjectID,
		SubjectName: e.SubjectName,
		Date:        e.Date,
		SessionHHMM: e.SessionHHMM,
		OffsetMin:   e.OffsetMin,
		ChatID:      e.ChatID,
		OK:          e.OK,
		Error:       e.Error,
	})
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("dedup journal closed")
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.journal).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	ms, ok := s.dedup[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// compactLocked writes the pruned map to a temp snapshot, renames it
// into place, then truncates the journal.
func (s *fileStore) compactLocked() error {
	if s.dedup == nil {
		return nil
	}
	dropExpired(s.dedup)

	tmp := s.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}
