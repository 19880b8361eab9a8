package summary

import (
	"context"
	"strings"
	"testing"

	"tutorbot/internal/timetable"
)

func tod(h, m int) timetable.TimeOfDay { return timetable.TimeOfDay{Hour: h, Minute: m} }

type mapSource map[string][]timetable.Session

func (m mapSource) SessionsFor(ctx context.Context, day timetable.Date) ([]timetable.Session, error) {
	return m[day.ISO()], nil
}

func TestDailyWithSessions(t *testing.T) {
	t.Parallel()
	// 2025-03-10 is a Monday.
	day := timetable.Date{Year: 2025, Month: 3, Day: 10}
	got := Daily(day, []timetable.Session{
		{Name: "김철수", Start: tod(14, 0), SubjectID: 7},
		{Name: "이영희", Start: tod(16, 30), SubjectID: 8},
	})
	if !strings.Contains(got, "3월 10일 (월)") {
		t.Errorf("missing heading: %q", got)
	}
	if !strings.Contains(got, "- 14:00 김철수") || !strings.Contains(got, "- 16:30 이영희") {
		t.Errorf("missing session lines: %q", got)
	}
}

func TestDailyEmpty(t *testing.T) {
	t.Parallel()
	day := timetable.Date{Year: 2025, Month: 3, Day: 11}
	got := Daily(day, nil)
	if !strings.Contains(got, "예정된 수업이 없습니다") {
		t.Errorf("got %q", got)
	}
}

func TestNextSessionDay(t *testing.T) {
	t.Parallel()
	from := timetable.Date{Year: 2025, Month: 3, Day: 10}
	src := mapSource{
		"2025-03-13": {{Name: "김철수", Start: tod(14, 0), SubjectID: 7}},
	}
	day, sessions, ok, err := NextSessionDay(context.Background(), src, from, 30)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if day.ISO() != "2025-03-13" || len(sessions) != 1 {
		t.Fatalf("day=%s sessions=%d", day.ISO(), len(sessions))
	}
}

func TestNextSessionDayNoneInHorizon(t *testing.T) {
	t.Parallel()
	from := timetable.Date{Year: 2025, Month: 3, Day: 10}
	src := mapSource{"2025-05-01": {{Name: "김철수", Start: tod(14, 0)}}}
	_, _, ok, err := NextSessionDay(context.Background(), src, from, 10)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("session found outside horizon")
	}
}

func TestExpiringServices(t *testing.T) {
	t.Parallel()
	today := timetable.Date{Year: 2025, Month: 3, Day: 10}
	end1 := timetable.Date{Year: 2025, Month: 3, Day: 12}
	end2 := timetable.Date{Year: 2025, Month: 4, Day: 20}
	start3 := timetable.Date{Year: 2025, Month: 3, Day: 1}
	templates := map[string]timetable.Template{
		"7": {Key: "7", Name: "김철수", SubjectID: 7, ServiceStart: &today, ServiceEnd: &end1},
		"8": {Key: "8", Name: "이영희", SubjectID: 8, ServiceStart: &today, ServiceEnd: &end2},
		// no explicit end: derived start + default window = 2025-03-29
		"9": {Key: "9", Name: "박민수", SubjectID: 9, ServiceStart: &start3},
		// no start date: no window at all
		"x": {Key: "x", Name: "신규학생"},
	}

	got := ExpiringServices(templates, today, 7)
	if len(got) != 1 {
		t.Fatalf("expiring = %+v, want only 김철수", got)
	}
	if got[0].Name != "김철수" || got[0].DaysLeft != 2 {
		t.Fatalf("got %+v", got[0])
	}

	wide := ExpiringServices(templates, today, 30)
	names := map[string]int{}
	for _, e := range wide {
		names[e.Name] = e.DaysLeft
	}
	if _, ok := names["박민수"]; !ok {
		t.Fatalf("derived window end missing: %+v", wide)
	}
	if _, ok := names["신규학생"]; ok {
		t.Fatal("subject without start date must not expire")
	}
}

func TestExpiredServiceSkipped(t *testing.T) {
	t.Parallel()
	today := timetable.Date{Year: 2025, Month: 3, Day: 10}
	start := timetable.Date{Year: 2025, Month: 1, Day: 1}
	end := timetable.Date{Year: 2025, Month: 2, Day: 1}
	templates := map[string]timetable.Template{
		"7": {Key: "7", Name: "김철수", SubjectID: 7, ServiceStart: &start, ServiceEnd: &end},
	}
	if got := ExpiringServices(templates, today, 60); len(got) != 0 {
		t.Fatalf("already-ended service listed: %+v", got)
	}
}

func TestHomeworkTargets(t *testing.T) {
	t.Parallel()
	sessions := []timetable.Session{
		{Name: "김철수", Start: tod(14, 0), SubjectID: 7},
		{Name: "김철수", Start: tod(19, 0), SubjectID: 7}, // duplicate subject
		{Name: "이영희", Start: tod(16, 30), SubjectID: 8},
		{Name: "보강학생", Start: tod(18, 0), SubjectID: 0}, // no id
	}
	done := func(id int64) bool { return id == 8 }
	got := HomeworkTargets(sessions, done)
	if len(got) != 1 || got[0].SubjectID != 7 {
		t.Fatalf("targets = %+v", got)
	}
	if !strings.Contains(HomeworkReminder(got[0]), "김철수") {
		t.Fatal("reminder missing name")
	}
}

func TestDeadlineNotice(t *testing.T) {
	t.Parallel()
	if DeadlineNotice(nil) != "" {
		t.Fatal("empty expiry must render empty notice")
	}
	end := timetable.Date{Year: 2025, Month: 3, Day: 10}
	text := DeadlineNotice([]Expiry{
		{Name: "김철수", End: end, DaysLeft: 0},
		{Name: "이영희", End: end.AddDays(3), DaysLeft: 3},
	})
	if !strings.Contains(text, "오늘 종료") || !strings.Contains(text, "3일 남음") {
		t.Fatalf("notice = %q", text)
	}
}
