package timetable

import (
	"reflect"
	"testing"
	"time"
)

func tod(h, m int) TimeOfDay { return TimeOfDay{Hour: h, Minute: m} }

func datePtr(y int, m time.Month, d int) *Date {
	dd := Date{Year: y, Month: m, Day: d}
	return &dd
}

// One subject, weekly Monday 17:00, service start 2025-01-01, no end date.
func mondayTemplate() map[string]Template {
	return map[string]Template{
		"1001": {
			Key:          "1001",
			Name:         "태호",
			SubjectID:    1001,
			Slots:        []Slot{{Weekday: 0, Time: tod(17, 0)}},
			ServiceStart: datePtr(2025, time.January, 1),
		},
	}
}

func TestResolvePlainSlot(t *testing.T) {
	t.Parallel()
	day := Date{2025, time.January, 6} // Monday
	got := Resolve(day, mondayTemplate(), nil)
	want := []Session{{Name: "태호", Start: tod(17, 0), SubjectID: 1001}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
}

func TestResolveChangeThenMakeup(t *testing.T) {
	t.Parallel()
	day := Date{2025, time.January, 6}
	ovs := map[int64]Override{
		1001: {
			Changes: []ChangePair{{From: tod(17, 0), To: tod(20, 30)}},
			Makeup:  []TimeOfDay{tod(21, 0)},
		},
	}
	got := Resolve(day, mondayTemplate(), ovs)
	want := []Session{
		{Name: "태호", Start: tod(20, 30), SubjectID: 1001},
		{Name: "태호", Start: tod(21, 0), SubjectID: 1001},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
}

func TestResolveCancelDominates(t *testing.T) {
	t.Parallel()
	day := Date{2025, time.January, 6}
	ovs := map[int64]Override{
		1001: {
			Cancelled: true,
			Changes:   []ChangePair{{From: tod(17, 0), To: tod(20, 30)}},
			Makeup:    []TimeOfDay{tod(21, 0)},
		},
	}
	if got := Resolve(day, mondayTemplate(), ovs); len(got) != 0 {
		t.Fatalf("expected no sessions under cancel, got %v", got)
	}
	single := tod(19, 0)
	ovs[1001] = Override{Cancelled: true, Single: &single}
	if got := Resolve(day, mondayTemplate(), ovs); len(got) != 0 {
		t.Fatalf("expected no sessions under cancel+single, got %v", got)
	}
}

func TestResolveDefaultWindowEnd(t *testing.T) {
	t.Parallel()
	// serviceStart=2025-01-01, no end -> window ends 2025-01-29 inclusive.
	inWindow := Date{2025, time.January, 27}  // Monday within window
	outWindow := Date{2025, time.February, 3} // Monday past window
	if got := Resolve(inWindow, mondayTemplate(), nil); len(got) != 1 {
		t.Fatalf("expected session on %s, got %v", inWindow, got)
	}
	if got := Resolve(outWindow, mondayTemplate(), nil); len(got) != 0 {
		t.Fatalf("expected no session on %s, got %v", outWindow, got)
	}
}

func TestResolveSingleDayWindow(t *testing.T) {
	t.Parallel()
	tpls := map[string]Template{
		"7": {
			Key:          "7",
			Name:         "민지",
			SubjectID:    7,
			Slots:        []Slot{{Weekday: 1, Time: tod(16, 0)}}, // Tuesday
			ServiceStart: datePtr(2025, time.February, 10),
			ServiceEnd:   datePtr(2025, time.February, 10),
		},
	}
	// 2025-02-11 is a Tuesday, but one day past the single-day window.
	if got := Resolve(Date{2025, time.February, 11}, tpls, nil); len(got) != 0 {
		t.Fatalf("expected empty outside single-day window, got %v", got)
	}
}

func TestResolveNoStartDateExcludesTemplateButNotMakeup(t *testing.T) {
	t.Parallel()
	tpls := mondayTemplate()
	tpl := tpls["1001"]
	tpl.ServiceStart = nil
	tpls["1001"] = tpl

	day := Date{2025, time.January, 6}
	if got := Resolve(day, tpls, nil); len(got) != 0 {
		t.Fatalf("expected no template sessions without a start date, got %v", got)
	}
	ovs := map[int64]Override{1001: {Makeup: []TimeOfDay{tod(18, 0)}}}
	got := Resolve(day, tpls, ovs)
	want := []Session{{Name: "태호", Start: tod(18, 0), SubjectID: 1001}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
}

func TestResolveSingleChangeReplacesSet(t *testing.T) {
	t.Parallel()
	tpls := mondayTemplate()
	tpl := tpls["1001"]
	tpl.Slots = append(tpl.Slots, Slot{Weekday: 0, Time: tod(19, 0)})
	tpls["1001"] = tpl

	single := tod(20, 0)
	got := Resolve(Date{2025, time.January, 6}, tpls, map[int64]Override{1001: {Single: &single}})
	want := []Session{{Name: "태호", Start: tod(20, 0), SubjectID: 1001}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
}

func TestResolveAbsentFromIsNoop(t *testing.T) {
	t.Parallel()
	ovs := map[int64]Override{
		1001: {Changes: []ChangePair{{From: tod(9, 0), To: tod(10, 0)}}},
	}
	got := Resolve(Date{2025, time.January, 6}, mondayTemplate(), ovs)
	want := []Session{{Name: "태호", Start: tod(17, 0), SubjectID: 1001}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
}

func TestResolveDedupAndSorted(t *testing.T) {
	t.Parallel()
	// Makeup colliding with the base slot must not duplicate.
	ovs := map[int64]Override{
		1001: {Makeup: []TimeOfDay{tod(17, 0), tod(15, 0)}},
	}
	got := Resolve(Date{2025, time.January, 6}, mondayTemplate(), ovs)
	want := []Session{
		{Name: "태호", Start: tod(15, 0), SubjectID: 1001},
		{Name: "태호", Start: tod(17, 0), SubjectID: 1001},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].Start.Before(got[i].Start) {
			t.Fatalf("sessions not strictly time-ordered: %v", got)
		}
	}
}

func TestResolveSubjectWithoutIDIgnoresOverrides(t *testing.T) {
	t.Parallel()
	tpls := map[string]Template{
		"경수#row3": {
			Key:          "경수#row3",
			Name:         "경수",
			Slots:        []Slot{{Weekday: 0, Time: tod(11, 0)}},
			ServiceStart: datePtr(2025, time.January, 1),
		},
	}
	// Overrides are ID-keyed; an entry under 0 must never attach to id-less rows.
	ovs := map[int64]Override{0: {Cancelled: true}}
	got := Resolve(Date{2025, time.January, 6}, tpls, ovs)
	if len(got) != 1 || got[0].SubjectID != 0 {
		t.Fatalf("expected one id-less session, got %v", got)
	}
}

func TestDateWeekday(t *testing.T) {
	t.Parallel()
	if wd := (Date{2025, time.January, 6}).Weekday(); wd != 0 {
		t.Fatalf("2025-01-06 weekday = %d, want 0 (Monday)", wd)
	}
	if wd := (Date{2025, time.January, 5}).Weekday(); wd != 6 {
		t.Fatalf("2025-01-05 weekday = %d, want 6 (Sunday)", wd)
	}
}
