package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Timezone is the IANA zone all session times are interpreted in.
	// Defaults to "Asia/Seoul".
	Timezone string `json:"timezone,omitempty"`

	Sheet  SheetConfig  `json:"sheet"`
	Alerts AlertsConfig `json:"alerts,omitempty"`
	Data   DataConfig   `json:"data,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Health    HealthConfig    `json:"health,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// LogChatID is the operator log channel ("situation room").
	LogChatID   int64 `json:"log_chat_id"`
	LogThreadID int   `json:"log_thread_id,omitempty"`

	// GroupChatID is where digests and group commands live.
	GroupChatID int64 `json:"group_chat_id"`

	// Students maps a subject id (stringified int64, JSON object keys) to the
	// chat that receives that student's alerts.
	Students map[string]int64 `json:"students,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SheetConfig points at the published timetable feed (CSV export URL).
type SheetConfig struct {
	URL string `json:"url"`

	// CacheTTL is how long fetched rows stay fresh. Go duration string.
	CacheTTL string `json:"cache_ttl,omitempty"`

	// MinRefetch is the minimum spacing between two upstream fetches.
	MinRefetch string `json:"min_refetch,omitempty"`
}

// AlertsConfig controls per-session notification timers.
type AlertsConfig struct {
	// Offsets are signed minutes relative to session start. Defaults to
	// [-10, 75, 85].
	Offsets []int `json:"offsets,omitempty"`

	// Grace is the staleness tolerance before a late timer is suppressed.
	// Go duration string; defaults to "2m".
	Grace string `json:"grace,omitempty"`

	// RefreshTimes are the daily HH:MM times at which today's timers are
	// rebuilt from the current timetable. Defaults to 00:00, 13:00, 18:00
	// and 22:00.
	RefreshTimes []string `json:"refresh_times,omitempty"`
}

// DataConfig locates the local JSON stores.
type DataConfig struct {
	OverridesPath  string `json:"overrides_path,omitempty"`
	AttendancePath string `json:"attendance_path,omitempty"`
	HomeworkPath   string `json:"homework_path,omitempty"`

	// KeepDays bounds how long day-keyed attendance/homework buckets are
	// retained by the nightly prune. Defaults to 60.
	KeepDays int `json:"keep_days,omitempty"`
}

// SchedulerConfig controls the cron scheduler service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers"`
	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	DefaultTimeout string `json:"default_timeout"`
	HistorySize    int    `json:"history_size"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tutorbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HealthConfig controls the local health/pprof HTTP endpoint.
type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8190"
	Pprof   bool   `json:"pprof,omitempty"`
}

// Validate performs structural checks that should reject a config before it
// is committed or published to subscribers.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Sheet.URL) == "" {
		return errors.New("sheet.url is required")
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("sheet.cache_ttl", c.Sheet.CacheTTL); err != nil {
		return err
	}
	if _, err := ParseDurationField("sheet.min_refetch", c.Sheet.MinRefetch); err != nil {
		return err
	}
	if _, err := ParseDurationField("alerts.grace", c.Alerts.Grace); err != nil {
		return err
	}
	for _, at := range c.Alerts.RefreshTimes {
		if err := validateHHMM("alerts.refresh_times", at); err != nil {
			return err
		}
	}
	for _, off := range c.Alerts.Offsets {
		if off < -24*60 || off > 24*60 {
			return fmt.Errorf("alerts.offsets: offset %d out of range", off)
		}
	}
	if c.Notifier != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", c.Notifier.RetryBase},
			{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
			{"notifier.dedup_window", c.Notifier.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}
	if c.Storage != nil {
		switch strings.TrimSpace(c.Storage.Driver) {
		case "", "none", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if _, err := ParseDurationField("scheduler.default_timeout", c.Scheduler.DefaultTimeout); err != nil {
		return err
	}
	return nil
}

func validateHHMM(path, s string) error {
	s = strings.TrimSpace(s)
	var h, m int
	if n, err := fmt.Sscanf(s, "%d:%d", &h, &m); n != 2 || err != nil {
		return fmt.Errorf("%s: invalid time %q, expected HH:MM", path, s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("%s: time %q out of range", path, s)
	}
	return nil
}

// Location resolves the configured timezone, defaulting to Asia/Seoul.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = "Asia/Seoul"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
