package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tutorbot/internal/config"
	"tutorbot/internal/notify"
	"tutorbot/internal/summary"
	"tutorbot/internal/timetable"
	"tutorbot/internal/transport"
)

const deadlineWithinDays = 7

// registerJobs installs the daily driver loops on the cron scheduler.
// AddDaily upserts by name, so re-registering on config reload is safe.
func (a *App) registerJobs(cfg *config.Config) error {
	refresh := cfg.Alerts.RefreshTimes
	if len(refresh) == 0 {
		refresh = []string{"00:00", "13:00", "18:00", "22:00"}
	}
	for _, at := range refresh {
		name := "alerts:refresh:" + strings.ReplaceAll(at, ":", "")
		if _, err := a.sched.AddDaily(name, at, 2*time.Minute, a.jobRefreshAlerts); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	daily := []struct {
		name string
		at   string
		job  func(ctx context.Context) error
	}{
		{"daily:rollover", "00:00", a.jobMidnight},
		{"daily:prune", "02:00", a.jobNightly},
		{"daily:summary", "13:00", a.jobMiddaySummary},
		{"homework:remind:18", "18:00", a.jobHomeworkReminder},
		{"homework:remind:22", "22:00", a.jobHomeworkReminder},
	}
	for _, d := range daily {
		if _, err := a.sched.AddDaily(d.name, d.at, 2*time.Minute, d.job); err != nil {
			return fmt.Errorf("register %s: %w", d.name, err)
		}
	}
	return nil
}

func (a *App) jobRefreshAlerts(ctx context.Context) error {
	return a.alerts.ScheduleAllForToday(ctx)
}

// jobMidnight handles the day boundary: yesterday's attendance digest, a
// fresh timetable pull, today's summary and the service-deadline check.
func (a *App) jobMidnight(ctx context.Context) error {
	today := a.today()
	yesterday := today.AddDays(-1)

	if text, err := a.checklist(ctx, yesterday, "📋 %s 출석 현황", a.attendance.Marked); err != nil {
		a.log.Warn("attendance digest failed", slog.String("err", err.Error()))
	} else if text != "" {
		if err := a.sink.DeliverLog(ctx, text); err != nil {
			a.log.Warn("attendance digest delivery failed", slog.String("err", err.Error()))
		}
	}

	a.sheets.Invalidate()
	sessions, err := a.resolver.SessionsFor(ctx, today)
	if err != nil {
		return err
	}
	if err := a.sink.DeliverLog(ctx, summary.Daily(today, sessions)); err != nil {
		a.log.Warn("daily summary delivery failed", slog.String("err", err.Error()))
	}

	templates, err := a.resolver.Templates(ctx)
	if err != nil {
		return err
	}
	expiring := summary.ExpiringServices(templates, today, deadlineWithinDays)
	if notice := summary.DeadlineNotice(expiring); notice != "" {
		if err := a.sink.DeliverLog(ctx, notice); err != nil {
			a.log.Warn("deadline notice delivery failed", slog.String("err", err.Error()))
		}
	}
	return nil
}

// jobNightly posts yesterday's homework checklist and prunes day-keyed
// records past the retention window.
func (a *App) jobNightly(ctx context.Context) error {
	today := a.today()
	yesterday := today.AddDays(-1)

	if text, err := a.checklist(ctx, yesterday, "📚 %s 과제 제출 현황", a.homework.Marked); err != nil {
		a.log.Warn("homework digest failed", slog.String("err", err.Error()))
	} else if text != "" {
		if err := a.sink.DeliverLog(ctx, text); err != nil {
			a.log.Warn("homework digest delivery failed", slog.String("err", err.Error()))
		}
	}

	keep := a.cfgm.Get().Data.KeepDays
	if keep <= 0 {
		keep = 60
	}
	prunedHW := a.homework.Prune(today, keep)
	prunedAtt := a.attendance.Prune(today, keep)
	if prunedHW+prunedAtt > 0 {
		a.log.Info("pruned day records",
			slog.Int("homework", prunedHW),
			slog.Int("attendance", prunedAtt),
			slog.Int("keep_days", keep))
	}
	return nil
}

func (a *App) jobMiddaySummary(ctx context.Context) error {
	today := a.today()
	sessions, err := a.resolver.SessionsFor(ctx, today)
	if err != nil {
		return err
	}
	return a.sink.DeliverLog(ctx, summary.Daily(today, sessions))
}

// jobHomeworkReminder nudges tomorrow's students who have not submitted yet.
func (a *App) jobHomeworkReminder(ctx context.Context) error {
	tomorrow := a.today().AddDays(1)
	sessions, err := a.resolver.SessionsFor(ctx, tomorrow)
	if err != nil {
		return err
	}
	targets := summary.HomeworkTargets(sessions, func(id int64) bool {
		return a.homework.Marked(tomorrow, id)
	})
	if len(targets) == 0 {
		return nil
	}

	var missed []string
	for _, sess := range targets {
		to, ok := a.sink.ResolveDestination(sess.SubjectID)
		if !ok {
			missed = append(missed, sess.Name)
			continue
		}
		err := a.notif.Notify(ctx, transport.Notification{
			Channel:  notify.ChannelReminder,
			Priority: 5,
			Target:   to,
			Text:     summary.HomeworkReminder(sess),
		})
		if err != nil {
			a.log.Warn("homework reminder failed",
				slog.String("subject", sess.Name),
				slog.String("err", err.Error()))
		}
	}
	if len(missed) > 0 {
		text := "과제 미제출 (채팅방 미등록): " + strings.Join(missed, ", ")
		if err := a.sink.DeliverLog(ctx, text); err != nil {
			a.log.Warn("homework log delivery failed", slog.String("err", err.Error()))
		}
	}
	return nil
}

// checklist renders a per-session done/undone digest for one day, or ""
// when the day had no sessions.
func (a *App) checklist(ctx context.Context, day timetable.Date, titleFormat string, marked func(day timetable.Date, id int64) bool) (string, error) {
	sessions, err := a.resolver.SessionsFor(ctx, day)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, titleFormat, summary.Heading(day))
	for _, sess := range sessions {
		mark := "❌"
		if sess.SubjectID != 0 && marked(day, sess.SubjectID) {
			mark = "✅"
		}
		fmt.Fprintf(&b, "\n- %s %s %s", sess.Start.String(), sess.Name, mark)
	}
	return b.String(), nil
}
