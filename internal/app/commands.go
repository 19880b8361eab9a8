package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"tutorbot/internal/eventbus"
	"tutorbot/internal/summary"
	"tutorbot/internal/timetable"
)

var errUnknownSubject = errors.New("unknown subject")

func (a *App) commands() []Command {
	return []Command{
		{Name: "오늘", Menu: "today", Description: "오늘 시간표", Handle: a.cmdToday},
		{Name: "내일", Menu: "tomorrow", Description: "내일 시간표", Handle: a.cmdTomorrow},
		{Name: "다음", Menu: "next", Description: "다음 수업일", Handle: a.cmdNext},
		{Name: "휴강", Menu: "cancel", Usage: "[날짜] <이름>", Description: "휴강 처리", Access: AccessOwnerOnly, Handle: a.cmdCancel},
		{Name: "휴강취소", Menu: "uncancel", Usage: "[날짜] <이름>", Description: "휴강 취소", Access: AccessOwnerOnly, Handle: a.cmdUncancel},
		{Name: "변경", Menu: "change", Usage: "[날짜] <이름> [기존시각] <변경시각>", Description: "수업 시간 변경", Access: AccessOwnerOnly, Handle: a.cmdChange},
		{Name: "변경취소", Menu: "unchange", Usage: "[날짜] <이름>", Description: "시간 변경 취소", Access: AccessOwnerOnly, Handle: a.cmdClearChanges},
		{Name: "보강", Menu: "makeup", Usage: "[날짜] <이름> <시각>", Description: "보강 추가", Access: AccessOwnerOnly, Handle: a.cmdMakeup},
		{Name: "보강취소", Menu: "unmakeup", Usage: "[날짜] <이름> [시각]", Description: "보강 취소", Access: AccessOwnerOnly, Handle: a.cmdRemoveMakeup},
		{Name: "출석", Menu: "attend", Usage: "[날짜] <이름>", Description: "출석 기록", Access: AccessOwnerOnly, Handle: a.cmdAttend},
		{Name: "과제", Menu: "homework", Usage: "[날짜] <이름>", Description: "과제 제출 기록", Access: AccessOwnerOnly, Handle: a.cmdHomework},
		{Name: "상태", Menu: "status", Description: "봇 상태", Access: AccessOwnerOnly, Handle: a.cmdStatus},
		{Name: "새로고침", Menu: "reload", Description: "시간표 새로고침", Access: AccessOwnerOnly, Handle: a.cmdReload},
	}
}

// parseDay resolves a user-typed date token. Supported: 오늘, 내일, 모레 and
// an explicit date accepted by the timetable parser.
func parseDay(tok string, today timetable.Date) (timetable.Date, bool) {
	switch tok {
	case "오늘":
		return today, true
	case "내일":
		return today.AddDays(1), true
	case "모레":
		return today.AddDays(2), true
	}
	d, err := timetable.ParseDate(tok)
	if err != nil {
		return timetable.Date{}, false
	}
	return d, true
}

// splitDayArgs pops an optional leading date token, defaulting to today.
func (a *App) splitDayArgs(args []string) (timetable.Date, []string) {
	today := a.today()
	if len(args) == 0 {
		return today, args
	}
	if d, ok := parseDay(args[0], today); ok {
		return d, args[1:]
	}
	return today, args
}

// subjectID maps a student name to their stable id. Feed rows without an id
// cannot be addressed by commands.
func (a *App) subjectID(ctx context.Context, name string) (int64, error) {
	idx, err := a.resolver.NameIndex(ctx)
	if err != nil {
		return 0, err
	}
	id, ok := idx[name]
	if !ok {
		return 0, errUnknownSubject
	}
	return id, nil
}

// afterOverrideCommit runs after every persisted override mutation: publish
// the change, and when it touches today rebuild the timers and repost the
// day summary to the log channel.
func (a *App) afterOverrideCommit(ctx context.Context, day timetable.Date) {
	a.bus.Publish(eventbus.Event{Type: eventbus.EventOverrideChanged, Data: day.ISO()})
	if day != a.today() {
		return
	}
	if err := a.alerts.ScheduleAllForToday(ctx); err != nil {
		a.log.Warn("alert rebuild after override failed", slog.String("err", err.Error()))
	}
	sessions, err := a.resolver.SessionsFor(ctx, day)
	if err != nil {
		a.log.Warn("summary after override failed", slog.String("err", err.Error()))
		return
	}
	if err := a.sink.DeliverLog(ctx, summary.Daily(day, sessions)); err != nil {
		a.log.Warn("summary delivery failed", slog.String("err", err.Error()))
	}
}

func (a *App) replySessions(ctx context.Context, req *Request, day timetable.Date) error {
	sessions, err := a.resolver.SessionsFor(ctx, day)
	if err != nil {
		return err
	}
	a.router.reply(ctx, req.Chat, summary.Daily(day, sessions))
	return nil
}

func (a *App) cmdToday(ctx context.Context, req *Request) error {
	return a.replySessions(ctx, req, a.today())
}

func (a *App) cmdTomorrow(ctx context.Context, req *Request) error {
	return a.replySessions(ctx, req, a.today().AddDays(1))
}

func (a *App) cmdNext(ctx context.Context, req *Request) error {
	day, sessions, ok, err := summary.NextSessionDay(ctx, a.resolver, a.today(), 0)
	if err != nil {
		return err
	}
	if !ok {
		a.router.reply(ctx, req.Chat, "앞으로 30일 내 예정된 수업이 없습니다.")
		return nil
	}
	a.router.reply(ctx, req.Chat, summary.Daily(day, sessions))
	return nil
}

func (a *App) cmdCancel(ctx context.Context, req *Request) error {
	day, rest := a.splitDayArgs(req.Args)
	if len(rest) != 1 {
		a.router.reply(ctx, req.Chat, "사용법: /휴강 [날짜] <이름>")
		return nil
	}
	name := rest[0]
	id, err := a.subjectID(ctx, name)
	if errors.Is(err, errUnknownSubject) {
		a.router.reply(ctx, req.Chat, "등록되지 않은 학생입니다: "+name)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := a.overrides.SetCancelled(day, id, true); err != nil {
		return err
	}
	a.afterOverrideCommit(ctx, day)
	a.router.reply(ctx, req.Chat, fmt.Sprintf("%s %s 휴강 처리했습니다.", day.ISO(), name))
	return nil
}

func (a *App) cmdUncancel(ctx context.Context, req *Request) error {
	day, rest := a.splitDayArgs(req.Args)
	if len(rest) != 1 {
		a.router.reply(ctx, req.Chat, "사용법: /휴강취소 [날짜] <이름>")
		return nil
	}
	name := rest[0]
	id, err := a.subjectID(ctx, name)
	if errors.Is(err, errUnknownSubject) {
		a.router.reply(ctx, req.Chat, "등록되지 않은 학생입니다: "+name)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := a.overrides.SetCancelled(day, id, false); err != nil {
		return err
	}
	a.overrides.CleanupIfEmpty(day, id)
	a.afterOverrideCommit(ctx, day)
	a.router.reply(ctx, req.Chat, fmt.Sprintf("%s %s 휴강을 취소했습니다.", day.ISO(), name))
	return nil
}

func (a *App) cmdChange(ctx context.Context, req *Request) error {
	day, rest := a.splitDayArgs(req.Args)
	if len(rest) < 2 || len(rest) > 3 {
		a.router.reply(ctx, req.Chat, "사용법: /변경 [날짜] <이름> [기존시각] <변경시각>")
		return nil
	}
	name := rest[0]
	id, err := a.subjectID(ctx, name)
	if errors.Is(err, errUnknownSubject) {
		a.router.reply(ctx, req.Chat, "등록되지 않은 학생입니다: "+name)
		return nil
	}
	if err != nil {
		return err
	}

	times := rest[1:]
	for _, tok := range times {
		if _, err := timetable.ParseTime(tok); err != nil {
			a.router.reply(ctx, req.Chat, "시각 형식이 올바르지 않습니다: "+tok)
			return nil
		}
	}

	var notice string
	if len(times) == 1 {
		if _, err := a.overrides.SetSingleChange(day, id, times[0]); err != nil {
			return err
		}
		notice = fmt.Sprintf("%s %s 수업을 %s로 변경했습니다.", day.ISO(), name, times[0])
	} else {
		if _, err := a.overrides.AddChangePair(day, id, times[0], times[1]); err != nil {
			return err
		}
		notice = fmt.Sprintf("%s %s 수업 %s → %s 변경했습니다.", day.ISO(), name, times[0], times[1])
	}
	a.afterOverrideCommit(ctx, day)
	a.router.reply(ctx, req.Chat, notice)
	return nil
}

func (a *App) cmdClearChanges(ctx context.Context, req *Request) error {
	day, rest := a.splitDayArgs(req.Args)
	if len(rest) != 1 {
		a.router.reply(ctx, req.Chat, "사용법: /변경취소 [날짜] <이름>")
		return nil
	}
	name := rest[0]
	id, err := a.subjectID(ctx, name)
	if errors.Is(err, errUnknownSubject) {
		a.router.reply(ctx, req.Chat, "등록되지 않은 학생입니다: "+name)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := a.overrides.ClearChanges(day, id); err != nil {
		return err
	}
	a.overrides.CleanupIfEmpty(day, id)
	a.afterOverrideCommit(ctx, day)
	a.router.reply(ctx, req.Chat, fmt.Sprintf("%s %s 시간 변경을 모두 취소했습니다.", day.ISO(), name))
	return nil
}

func (a *App) cmdMakeup(ctx context.Context, req *Request) error {
	day, rest := a.splitDayArgs(req.Args)
	if len(rest) != 2 {
		a.router.reply(ctx, req.Chat, "사용법: /보강 [날짜] <이름> <시각>")
		return nil
	}
	name, at := rest[0], rest[1]
	id, err := a.subjectID(ctx, name)
	if errors.Is(err, errUnknownSubject) {
		a.router.reply(ctx, req.Chat, "등록되지 않은 학생입니다: "+name)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := timetable.ParseTime(at); err != nil {
		a.router.reply(ctx, req.Chat, "시각 형식이 올바르지 않습니다: "+at)
		return nil
	}
	if _, err := a.overrides.AddMakeup(day, id, at); err != nil {
		return err
	}
	a.afterOverrideCommit(ctx, day)
	a.router.reply(ctx, req.Chat, fmt.Sprintf("%s %s %s 보강을 추가했습니다.", day.ISO(), name, at))
	return nil
}

func (a *App) cmdRemoveMakeup(ctx context.Context, req *Request) error {
	day, rest := a.splitDayArgs(req.Args)
	if len(rest) < 1 || len(rest) > 2 {
		a.router.reply(ctx, req.Chat, "사용법: /보강취소 [날짜] <이름> [시각]")
		return nil
	}
	name := rest[0]
	id, err := a.subjectID(ctx, name)
	if errors.Is(err, errUnknownSubject) {
		a.router.reply(ctx, req.Chat, "등록되지 않은 학생입니다: "+name)
		return nil
	}
	if err != nil {
		return err
	}
	if len(rest) == 2 {
		if _, err := a.overrides.RemoveMakeup(day, id, rest[1]); err != nil {
			return err
		}
	} else {
		if _, err := a.overrides.ClearMakeup(day, id); err != nil {
			return err
		}
	}
	a.overrides.CleanupIfEmpty(day, id)
	a.afterOverrideCommit(ctx, day)
	a.router.reply(ctx, req.Chat, fmt.Sprintf("%s %s 보강을 취소했습니다.", day.ISO(), name))
	return nil
}

func (a *App) cmdAttend(ctx context.Context, req *Request) error {
	day, rest := a.splitDayArgs(req.Args)
	if len(rest) != 1 {
		a.router.reply(ctx, req.Chat, "사용법: /출석 [날짜] <이름>")
		return nil
	}
	name := rest[0]
	id, err := a.subjectID(ctx, name)
	if errors.Is(err, errUnknownSubject) {
		a.router.reply(ctx, req.Chat, "등록되지 않은 학생입니다: "+name)
		return nil
	}
	if err != nil {
		return err
	}
	if a.attendance.Mark(day, id) {
		a.router.reply(ctx, req.Chat, fmt.Sprintf("%s %s 출석 처리했습니다.", day.ISO(), name))
	} else {
		a.router.reply(ctx, req.Chat, fmt.Sprintf("%s %s 이미 출석 처리되어 있습니다.", day.ISO(), name))
	}
	return nil
}

func (a *App) cmdHomework(ctx context.Context, req *Request) error {
	day, rest := a.splitDayArgs(req.Args)
	if len(rest) != 1 {
		a.router.reply(ctx, req.Chat, "사용법: /과제 [날짜] <이름>")
		return nil
	}
	name := rest[0]
	id, err := a.subjectID(ctx, name)
	if errors.Is(err, errUnknownSubject) {
		a.router.reply(ctx, req.Chat, "등록되지 않은 학생입니다: "+name)
		return nil
	}
	if err != nil {
		return err
	}
	if a.homework.Mark(day, id) {
		a.router.reply(ctx, req.Chat, fmt.Sprintf("%s %s 과제 제출 처리했습니다.", day.ISO(), name))
	} else {
		a.router.reply(ctx, req.Chat, fmt.Sprintf("%s %s 이미 제출 처리되어 있습니다.", day.ISO(), name))
	}
	return nil
}

func (a *App) cmdStatus(ctx context.Context, req *Request) error {
	live := a.alerts.Live()
	snap := a.sched.Snapshot()

	var b strings.Builder
	b.WriteString("🤖 상태\n")
	fmt.Fprintf(&b, "- 예약된 알림: %d건\n", len(live))
	fmt.Fprintf(&b, "- 스케줄: %d건 (타임존 %s)\n", len(snap.Schedules), snap.Timezone)
	fmt.Fprintf(&b, "- 오버라이드 날짜: %d일", len(a.overrides.Dates()))
	a.router.reply(ctx, req.Chat, b.String())
	return nil
}

func (a *App) cmdReload(ctx context.Context, req *Request) error {
	a.sheets.Invalidate()
	if _, err := a.resolver.Templates(ctx); err != nil {
		return err
	}
	if err := a.alerts.ScheduleAllForToday(ctx); err != nil {
		return err
	}
	a.router.reply(ctx, req.Chat, "시간표를 새로 불러오고 오늘 알림을 다시 예약했습니다.")
	return nil
}
