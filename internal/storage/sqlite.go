package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "tutorbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	insertAuditSQL = `INSERT INTO audit(id, at, kind, subject_id, subject, date, session, offset_min, chat_id, ok, err)
	 VALUES(?,?,?,?,?,?,?,?,?,?,?)`
	upsertDedupSQL = `INSERT INTO dedup(key, until) VALUES(?,?)
	 ON CONFLICT(key) DO UPDATE SET until=excluded.until`
	selectDedupSQL = `SELECT until FROM dedup WHERE key = ?`
	pruneDedupSQL  = `DELETE FROM dedup WHERE until < ?`
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// Every pruneEvery-th dedup write sweeps expired rows.
	writes     atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// Single connection; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	applyPragmas(db, cfg)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func applyPragmas(db *sql.DB, cfg Config) {
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	ddl, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(ddl))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, insertAuditSQL,
		e.ID, e.At.Format(time.RFC3339Nano), e.Kind, e.SubjectID, nullStr(e.SubjectName),
		nullStr(e.Date), e.SessionHHMM, e.OffsetMin, e.ChatID, boolInt(e.OK), nullStr(e.Error))
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, upsertDedupSQL, key, until.UnixMilli())
	if err != nil {
		return err
	}
	if s.writes.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, pruneDedupSQL, time.Now().UnixMilli())
		cancel()
	}
	return nil
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	switch err := s.db.QueryRowContext(ctx, selectDedupSQL, key).Scan(&ms); {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
