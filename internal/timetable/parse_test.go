package timetable

import (
	"testing"
	"time"
)

func TestParseTimeVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want TimeOfDay
	}{
		{"17:30", tod(17, 30)},
		{"17시30분", tod(17, 30)},
		{"17시30", tod(17, 30)},
		{"17시", tod(17, 0)},
		{" 9:05 ", tod(9, 5)},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.raw)
		if err != nil {
			t.Fatalf("ParseTime(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseTime(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseTimeInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "24:00", "12:60", "abc", "12-30"} {
		if _, err := ParseTime(raw); err == nil {
			t.Fatalf("ParseTime(%q) expected error", raw)
		}
	}
}

func TestParseRows(t *testing.T) {
	t.Parallel()
	rows := [][]string{
		{"학생 이름", "discord_id", "요일1", "시간1", "요일2", "시간2", "서비스 시작일", "서비스 종료일"},
		{"태호", "1001", "월", "17:00", "목", "19시30분", "2025-01-01", ""},
		{"민지", "", "화", "16:00", "", "", "2025-02-10", "2025-02-10"},
		{"", "999", "수", "10:00"}, // no name: skipped
	}
	got := ParseRows(rows)
	if len(got) != 2 {
		t.Fatalf("expected 2 templates, got %d: %v", len(got), got)
	}

	tpl, ok := got["1001"]
	if !ok {
		t.Fatalf("missing id-keyed template: %v", got)
	}
	if tpl.Name != "태호" || tpl.SubjectID != 1001 {
		t.Fatalf("unexpected template: %+v", tpl)
	}
	wantSlots := []Slot{{Weekday: 0, Time: tod(17, 0)}, {Weekday: 3, Time: tod(19, 30)}}
	if len(tpl.Slots) != 2 || tpl.Slots[0] != wantSlots[0] || tpl.Slots[1] != wantSlots[1] {
		t.Fatalf("slots = %v, want %v", tpl.Slots, wantSlots)
	}
	if tpl.ServiceStart == nil || *tpl.ServiceStart != (Date{2025, time.January, 1}) {
		t.Fatalf("service start = %v", tpl.ServiceStart)
	}
	if tpl.ServiceEnd != nil {
		t.Fatalf("service end should be absent, got %v", tpl.ServiceEnd)
	}

	// id-less row keys by name#row.
	tpl2, ok := got["민지#row2"]
	if !ok || tpl2.SubjectID != 0 {
		t.Fatalf("missing name-keyed template: %v", got)
	}
	if tpl2.ServiceEnd == nil || *tpl2.ServiceEnd != (Date{2025, time.February, 10}) {
		t.Fatalf("service end = %v", tpl2.ServiceEnd)
	}
}

func TestParseRowsStopsAtUnknownWeekday(t *testing.T) {
	t.Parallel()
	rows := [][]string{
		{"이름", "discord_id", "a", "b", "c", "d"},
		{"태호", "5", "월", "10:00", "메모", "17:00"}, // scan stops at "메모"
	}
	got := ParseRows(rows)
	tpl := got["5"]
	if len(tpl.Slots) != 1 || tpl.Slots[0].Time != tod(10, 0) {
		t.Fatalf("slots = %v, want single 10:00", tpl.Slots)
	}
}

func TestParseRowsSkipsBadTimes(t *testing.T) {
	t.Parallel()
	rows := [][]string{
		{"이름", "discord_id", "a", "b", "c", "d"},
		{"태호", "5", "월", "25:00", "화", "11:00"},
	}
	tpl := ParseRows(rows)["5"]
	if len(tpl.Slots) != 1 || tpl.Slots[0].Weekday != 1 {
		t.Fatalf("slots = %v, want only Tuesday 11:00", tpl.Slots)
	}
}
