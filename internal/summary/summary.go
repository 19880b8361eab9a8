// Package summary builds the human-facing timetable texts: daily digests,
// upcoming-session scans, service deadline warnings and homework reminders.
package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"tutorbot/internal/timetable"
)

// SessionSource yields the effective sessions for a date.
type SessionSource interface {
	SessionsFor(ctx context.Context, day timetable.Date) ([]timetable.Session, error)
}

var weekdayNames = [7]string{"월", "화", "수", "목", "금", "토", "일"}

// WeekdayName returns the Korean single-character weekday for a date.
func WeekdayName(d timetable.Date) string { return weekdayNames[d.Weekday()] }

// Heading formats "8월 29일 (금)".
func Heading(d timetable.Date) string {
	return fmt.Sprintf("%d월 %d일 (%s)", int(d.Month), d.Day, WeekdayName(d))
}

// Daily renders the digest for one date.
func Daily(day timetable.Date, sessions []timetable.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📅 %s 수업 안내\n", Heading(day))
	if len(sessions) == 0 {
		b.WriteString("예정된 수업이 없습니다.")
		return b.String()
	}
	for _, s := range sessions {
		fmt.Fprintf(&b, "- %s %s\n", s.Start.String(), s.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}

// NextSessionDay scans forward from the day after `from` and returns the first
// date with at least one session, within horizon days.
func NextSessionDay(ctx context.Context, src SessionSource, from timetable.Date, horizon int) (timetable.Date, []timetable.Session, bool, error) {
	if horizon <= 0 {
		horizon = 30
	}
	for i := 1; i <= horizon; i++ {
		day := from.AddDays(i)
		sessions, err := src.SessionsFor(ctx, day)
		if err != nil {
			return timetable.Date{}, nil, false, err
		}
		if len(sessions) > 0 {
			return day, sessions, true, nil
		}
	}
	return timetable.Date{}, nil, false, nil
}

// Upcoming renders the next session date after `from`, or a no-sessions note.
func Upcoming(ctx context.Context, src SessionSource, from timetable.Date, horizon int) (string, error) {
	day, sessions, ok, err := NextSessionDay(ctx, src, from, horizon)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("앞으로 %d일 안에 예정된 수업이 없습니다.", horizon), nil
	}
	return Daily(day, sessions), nil
}

// Expiry describes a subject whose service window ends soon.
type Expiry struct {
	Name      string
	SubjectID int64
	End       timetable.Date
	DaysLeft  int
}

// ExpiringServices lists subjects whose service window ends within the given
// number of days (inclusive). Subjects without a start date have no window
// and are skipped. An omitted end date is derived the same way the resolver
// derives it.
func ExpiringServices(templates map[string]timetable.Template, today timetable.Date, withinDays int) []Expiry {
	if withinDays < 0 {
		withinDays = 0
	}
	var out []Expiry
	for _, tpl := range templates {
		if tpl.ServiceStart == nil {
			continue
		}
		end := tpl.ServiceStart.AddDays(timetable.DefaultWindowDays)
		if tpl.ServiceEnd != nil {
			end = *tpl.ServiceEnd
		}
		if end.Before(today) {
			continue
		}
		left := daysBetween(today, end)
		if left > withinDays {
			continue
		}
		out = append(out, Expiry{Name: tpl.Name, SubjectID: tpl.SubjectID, End: end, DaysLeft: left})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DaysLeft != out[j].DaysLeft {
			return out[i].DaysLeft < out[j].DaysLeft
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// DeadlineNotice renders the service deadline warning, or "" when nothing
// expires within the window.
func DeadlineNotice(expiring []Expiry) string {
	if len(expiring) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("⏳ 서비스 기간 마감 안내\n")
	for _, e := range expiring {
		switch e.DaysLeft {
		case 0:
			fmt.Fprintf(&b, "- %s: 오늘 종료 (%s)\n", e.Name, e.End.ISO())
		default:
			fmt.Fprintf(&b, "- %s: %d일 남음 (%s 종료)\n", e.Name, e.DaysLeft, e.End.ISO())
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// HomeworkTargets filters today's sessions down to subjects that have an id
// and are not yet marked done. Per-subject duplicates collapse to the first
// session of the day.
func HomeworkTargets(sessions []timetable.Session, done func(subjectID int64) bool) []timetable.Session {
	seen := map[int64]struct{}{}
	var out []timetable.Session
	for _, s := range sessions {
		if s.SubjectID == 0 {
			continue
		}
		if _, dup := seen[s.SubjectID]; dup {
			continue
		}
		seen[s.SubjectID] = struct{}{}
		if done != nil && done(s.SubjectID) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// HomeworkReminder renders the reminder text for one subject.
func HomeworkReminder(s timetable.Session) string {
	return fmt.Sprintf("%s님, 오늘 %s 수업 전까지 과제 제출을 잊지 마세요!", s.Name, s.Start.String())
}

func daysBetween(from, to timetable.Date) int {
	a := time.Date(from.Year, from.Month, from.Day, 0, 0, 0, 0, time.UTC)
	b := time.Date(to.Year, to.Month, to.Day, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
