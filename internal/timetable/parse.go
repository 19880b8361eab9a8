package timetable

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Time labels accept "17:30", "17시30분", "17시30", and bare "17시".
var timeRe = regexp.MustCompile(`^\s*(\d{1,2})\s*[:시]\s*(\d{0,2})\s*(분)?\s*$`)

// weekdayIndex maps the feed's single-character weekday tokens to Monday=0 .. Sunday=6.
var weekdayIndex = map[string]int{
	"월": 0, "화": 1, "수": 2, "목": 3, "금": 4, "토": 5, "일": 6,
}

// WeekdayLabels lists the feed tokens in weekday order, for rendering.
var WeekdayLabels = []string{"월", "화", "수", "목", "금", "토", "일"}

// ParseTime parses a feed/operator time label into a TimeOfDay.
func ParseTime(s string) (TimeOfDay, error) {
	m := timeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return TimeOfDay{}, fmt.Errorf("invalid time %q (want HH:MM or HH시MM분)", s)
	}
	hh, _ := strconv.Atoi(m[1])
	mm := 0
	if m[2] != "" {
		mm, _ = strconv.Atoi(m[2])
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return TimeOfDay{}, fmt.Errorf("time %q out of range", s)
	}
	return TimeOfDay{Hour: hh, Minute: mm}, nil
}

// ParseDate parses a YYYY-MM-DD date label.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Feed header column names; the header row identifies positions, not order.
const (
	colName       = "학생 이름"
	colNameShort  = "이름"
	colSubjectID  = "discord_id"
	colWindowFrom = "서비스 시작일"
	colWindowTo   = "서비스 종료일"
)

// ParseRows converts raw feed rows into templates keyed by feed key.
//
// Row scan rules:
//   - A row without a name is skipped.
//   - (weekday, time) pairs are read left to right starting after the
//     name/id columns; the scan stops at the first pair whose weekday token
//     is unknown (ragged rows are tolerated up to that point).
//   - Pairs with unparsable times are skipped, never fatal.
func ParseRows(rows [][]string) map[string]Template {
	out := map[string]Template{}
	if len(rows) == 0 {
		return out
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}
	nameIdx := indexOf(header, colName)
	if nameIdx < 0 {
		nameIdx = indexOf(header, colNameShort)
	}
	if nameIdx < 0 {
		return out
	}
	idIdx := indexOf(header, colSubjectID)
	startIdx := indexOf(header, colWindowFrom)
	endIdx := indexOf(header, colWindowTo)

	for ridx, r := range rows[1:] {
		if len(r) <= nameIdx {
			continue
		}
		name := strings.TrimSpace(r[nameIdx])
		if name == "" {
			continue
		}

		var sid int64
		if idIdx >= 0 && len(r) > idIdx {
			if v, err := strconv.ParseInt(strings.TrimSpace(r[idIdx]), 10, 64); err == nil && v > 0 {
				sid = v
			}
		}

		pairStart := nameIdx + 1
		if idIdx > nameIdx {
			pairStart = idIdx + 1
		}
		var slots []Slot
		for i := pairStart; i+1 < len(r); i += 2 {
			day := strings.TrimSpace(r[i])
			raw := strings.TrimSpace(r[i+1])
			if day == "" || raw == "" {
				continue
			}
			wd, ok := weekdayIndex[day]
			if !ok {
				break
			}
			t, err := ParseTime(raw)
			if err != nil {
				continue
			}
			slots = append(slots, Slot{Weekday: wd, Time: t})
		}

		tpl := Template{
			Name:      name,
			SubjectID: sid,
			Slots:     slots,
		}
		if startIdx >= 0 && len(r) > startIdx {
			if d, err := ParseDate(r[startIdx]); err == nil {
				tpl.ServiceStart = &d
			}
		}
		if endIdx >= 0 && len(r) > endIdx {
			if d, err := ParseDate(r[endIdx]); err == nil {
				tpl.ServiceEnd = &d
			}
		}

		key := fmt.Sprintf("%s#row%d", name, ridx+1)
		if sid != 0 {
			key = strconv.FormatInt(sid, 10)
		}
		tpl.Key = key
		out[key] = tpl
	}
	return out
}

func indexOf(ss []string, want string) int {
	for i, s := range ss {
		if s == want {
			return i
		}
	}
	return -1
}
