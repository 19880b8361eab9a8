package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tutorbot/internal/eventbus"
)

// Config controls the scheduler service.
type Config struct {
	Enabled        bool
	Workers        int
	DefaultTimeout time.Duration
	HistorySize    int
	Timezone       string // IANA name, e.g. "Asia/Seoul"
	MaxRetries     int    // retries per job beyond the first attempt
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type JobOptions struct {
	Overlap    OverlapPolicy
	MaxRetries int
	Backoff    time.Duration
	BackoffCap time.Duration
	Jitter     float64 // fraction, 0.2 means +-20%
}

func (o JobOptions) withDefaults(cfg Config) JobOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = cfg.MaxRetries
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 15 * time.Second
	}
	if o.Jitter <= 0 {
		o.Jitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// runState is shared between cron firings of one schedule so overlap
// suppression survives re-registration.
type runState struct {
	mu      sync.Mutex
	running bool
}

type HistoryItem struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// job is the unit handed to workers.
type job struct {
	id      string
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
	opt     JobOptions
	state   *runState
}

// schedule is the registered form of a job, kept so restarts can
// re-register everything against a fresh cron runner.
type schedule struct {
	id      string
	name    string
	spec    string // cron expression or @every form
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	opt     JobOptions
	state   *runState
}

type Service struct {
	log *slog.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	runner *cron.Cron
	defs   []schedule
	nextID int64

	queue  chan job
	stopCh chan struct{}
	// Non-nil while a Stop() is draining; closed once workers exit.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

type ScheduleInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Workers   int
	QueueLen  int
	Schedules []ScheduleInfo
	History   []HistoryItem
}
