package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "tutorbot/pkg/logx"
)

// Store is the persistence API used by the alert scheduler (audit trail)
// and the notifier (dedup window survival across restarts).
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store, or returns (nil, nil) when the
// storage section is absent or the driver is "none". Callers treat a nil
// Store as "auditing off".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
