package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"tutorbot/internal/alerts"
	"tutorbot/internal/config"
	"tutorbot/internal/daylog"
	"tutorbot/internal/eventbus"
	"tutorbot/internal/notify"
	"tutorbot/internal/override"
	"tutorbot/internal/resolve"
	"tutorbot/internal/services/logging"
	"tutorbot/internal/services/scheduler"
	"tutorbot/internal/sheet"
	"tutorbot/internal/storage"
	"tutorbot/internal/summary"
	"tutorbot/internal/timetable"
	"tutorbot/internal/transport"
	"tutorbot/internal/transport/telegram"
	logx "tutorbot/pkg/logx"
)

const (
	defaultOverridesPath  = "./data/overrides.json"
	defaultAttendancePath = "./data/attendance.json"
	defaultHomeworkPath   = "./data/homework.json"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *Supervisor

	log     *slog.Logger
	logs    *logging.Service
	xlogSvc *logx.Service
	xlog    logx.Logger

	adapter transport.Adapter
	notif   *notify.Service
	sched   *scheduler.Service
	alerts  *alerts.Scheduler
	bus     eventbus.Bus
	store   storage.Store

	overrides  *override.Store
	attendance *daylog.Store
	homework   *daylog.Store
	sheets     *sheet.Cache
	resolver   *resolve.Service

	sink   *notifySink
	router *Router
	health *healthServer

	loc     *time.Location
	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	xlogSvc, xlog := logx.New(logx.Config{Level: cfg.Logging.Level, Console: true})

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, xlog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logging.New(loggingConfigFrom(cfg), adapter)
	if cfg.Telegram.LogChatID != 0 {
		logSvc.SetTelegramTarget(cfg.Telegram.LogChatID, cfg.Telegram.LogThreadID)
	}
	appLog := log.With(slog.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(storageConfigFrom(cfg), xlog.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	overrides, err := override.Open(pathOr(cfg.Data.OverridesPath, defaultOverridesPath), xlog.With(logx.String("comp", "overrides")))
	if err != nil {
		return nil, fmt.Errorf("overrides: %w", err)
	}
	attendance, err := daylog.Open(pathOr(cfg.Data.AttendancePath, defaultAttendancePath), xlog.With(logx.String("comp", "attendance")))
	if err != nil {
		return nil, fmt.Errorf("attendance: %w", err)
	}
	homework, err := daylog.Open(pathOr(cfg.Data.HomeworkPath, defaultHomeworkPath), xlog.With(logx.String("comp", "homework")))
	if err != nil {
		return nil, fmt.Errorf("homework: %w", err)
	}

	ttl, err := config.ParseDurationOrDefault("sheet.cache_ttl", cfg.Sheet.CacheTTL, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	minRefetch, err := config.ParseDurationOrDefault("sheet.min_refetch", cfg.Sheet.MinRefetch, 30*time.Second)
	if err != nil {
		return nil, err
	}
	sheets := sheet.NewCache(sheet.NewHTTPSource(cfg.Sheet.URL, 15*time.Second), ttl, minRefetch, xlog.With(logx.String("comp", "sheet")))
	resolver := resolve.New(sheets, overrides)

	notif := notify.New(notifyConfigFrom(cfg), adapter, log, bus, store)
	sink := newNotifySink(notif)
	sink.SetRouting(studentTargets(cfg), transport.ChatTarget{ChatID: cfg.Telegram.LogChatID, ThreadID: cfg.Telegram.LogThreadID})

	loc := cfg.Location()
	grace, err := config.ParseDurationOrDefault("alerts.grace", cfg.Alerts.Grace, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	alertSched := alerts.New(alerts.Config{
		Offsets:  cfg.Alerts.Offsets,
		Grace:    grace,
		Location: loc,
	}, resolver, sink, store, bus, log)

	defaultTimeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, time.Minute)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: defaultTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
		Timezone:       cfg.Timezone,
		MaxRetries:     cfg.Scheduler.RetryMax,
	}, log, bus)

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        appLog,
		logs:       logSvc,
		xlogSvc:    xlogSvc,
		xlog:       xlog,
		adapter:    adapter,
		notif:      notif,
		sched:      sched,
		alerts:     alertSched,
		bus:        bus,
		store:      store,
		overrides:  overrides,
		attendance: attendance,
		homework:   homework,
		sheets:     sheets,
		resolver:   resolver,
		sink:       sink,
		loc:        loc,
		updates:    make(chan transport.Update, 256),
	}
	a.router = NewRouter(log.With(slog.String("comp", "commands")), adapter, cfg.Telegram.OwnerUserIDs)
	a.router.Register(a.commands())
	a.health = newHealthServer(log, a.healthStatus)
	return a, nil
}

func (a *App) today() timetable.Date {
	return timetable.DateOf(time.Now().In(a.loc))
}

func (a *App) healthStatus() map[string]any {
	return map[string]any{
		"live_alerts":    len(a.alerts.Live()),
		"override_dates": len(a.overrides.Dates()),
	}
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, a.log)
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.xlog.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if err := a.registerJobs(cfg); err != nil {
		return err
	}

	// First timetable pull, legacy override-key migration and today's
	// timers happen off the start path; the feed may be slow or down.
	a.sup.Go0("bootstrap", func(c context.Context) { a.bootstrap(c) })

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.health.Apply(a.sup.Context(), cfg.Health)

	a.log.Info("app started")
	return nil
}

// bootstrap runs once at startup with the network available: migrate
// name-keyed overrides to id keys, schedule today's alerts, post today's
// summary to the log channel.
func (a *App) bootstrap(ctx context.Context) {
	bctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if mu, ok := a.adapter.(transport.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(bctx, a.router.MenuCommands()); err != nil {
			a.log.Warn("menu update failed", slog.String("err", err.Error()))
		}
	}

	idx, err := a.resolver.NameIndex(bctx)
	if err != nil {
		a.log.Warn("initial timetable fetch failed", slog.String("err", err.Error()))
	} else if migrated, dropped := a.overrides.Migrate(idx); migrated+dropped > 0 {
		a.log.Info("override keys migrated", slog.Int("migrated", migrated), slog.Int("dropped", dropped))
	}

	if err := a.alerts.ScheduleAllForToday(bctx); err != nil {
		a.log.Warn("initial alert schedule failed", slog.String("err", err.Error()))
		return
	}
	today := a.today()
	sessions, err := a.resolver.SessionsFor(bctx, today)
	if err != nil {
		return
	}
	if err := a.sink.DeliverLog(bctx, summary.Daily(today, sessions)); err != nil {
		a.log.Warn("startup summary delivery failed", slog.String("err", err.Error()))
	}
}

// reloadLoop applies committed config changes to the running services.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			a.logs.Apply(loggingConfigFrom(newCfg))
			a.logs.SetTelegramTarget(newCfg.Telegram.LogChatID, newCfg.Telegram.LogThreadID)

			a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
			a.sink.SetRouting(studentTargets(newCfg), transport.ChatTarget{
				ChatID:   newCfg.Telegram.LogChatID,
				ThreadID: newCfg.Telegram.LogThreadID,
			})

			a.notif.Apply(notifyConfigFrom(newCfg))

			prevSchedEnabled := a.sched.Enabled()
			defaultTimeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", newCfg.Scheduler.DefaultTimeout, time.Minute)
			if err != nil {
				defaultTimeout = time.Minute
			}
			a.sched.Apply(scheduler.Config{
				Enabled:        newCfg.Scheduler.Enabled,
				Workers:        newCfg.Scheduler.Workers,
				DefaultTimeout: defaultTimeout,
				HistorySize:    newCfg.Scheduler.HistorySize,
				Timezone:       newCfg.Timezone,
				MaxRetries:     newCfg.Scheduler.RetryMax,
			})
			if prevSchedEnabled && !newCfg.Scheduler.Enabled {
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.sched.Stop(stopCtx)
				cancel()
			} else if !prevSchedEnabled && newCfg.Scheduler.Enabled {
				a.sched.Start(ctx)
			}
			if err := a.registerJobs(newCfg); err != nil {
				a.log.Warn("job re-register failed", slog.String("err", err.Error()))
			}

			a.health.Apply(ctx, newCfg.Health)

			if newCfg.Timezone != "" && newCfg.Timezone != a.loc.String() {
				a.log.Warn("timezone change requires a restart to take effect",
					slog.String("running", a.loc.String()),
					slog.String("configured", newCfg.Timezone))
			}

			a.xlog.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, p)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", slog.String("name", name), slog.String("err", err.Error()))
			}
			a.log.Debug("stop step done", slog.String("name", name), slog.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", slog.String("name", name))
		}
	}

	step("health", time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("alerts", 2*time.Second, func(c context.Context) error { return a.alerts.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if err := a.overrides.Save(); err != nil {
		a.log.Warn("override save failed", slog.String("err", err.Error()))
	}
	if err := a.attendance.Save(); err != nil {
		a.log.Warn("attendance save failed", slog.String("err", err.Error()))
	}
	if err := a.homework.Save(); err != nil {
		a.log.Warn("homework save failed", slog.String("err", err.Error()))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", slog.String("err", err.Error()))
		}
	}
	a.log.Info("stopped")
	_ = a.xlogSvc.Close()
	return nil
}

func pathOr(p, def string) string {
	if strings.TrimSpace(p) == "" {
		return def
	}
	return p
}

func loggingConfigFrom(cfg *config.Config) logging.Config {
	return logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logging.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func storageConfigFrom(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		busy = 0
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func notifyConfigFrom(cfg *config.Config) notify.Config {
	n := cfg.Notifier
	if n == nil {
		return notify.Config{Enabled: true}
	}
	base, _ := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 0)
	maxDelay, _ := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 0)
	window, _ := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 0)
	return notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
}

// studentTargets parses the telegram.students map (stringified subject id
// to chat id) into chat targets. Bad keys are skipped.
func studentTargets(cfg *config.Config) map[int64]transport.ChatTarget {
	out := make(map[int64]transport.ChatTarget, len(cfg.Telegram.Students))
	for k, chatID := range cfg.Telegram.Students {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil || id == 0 || chatID == 0 {
			continue
		}
		out[id] = transport.ChatTarget{ChatID: chatID}
	}
	return out
}
