package timetable

import "sort"

// DefaultWindowDays is the service-window length assumed when a template has
// a start date but no end date (inclusive of the start day).
const DefaultWindowDays = 28

// Resolve computes the effective sessions for one date.
//
// It is pure: inputs are never mutated, and two calls with equal inputs
// return equal results. Overrides are keyed by stable subject ID; subjects
// without one (SubjectID 0) resolve from the template alone.
//
// Per template the working time set is built in this order:
//  1. weekly slots matching the date's weekday
//  2. service-window gate (no start date = subject not started, all slots
//     dropped; no end date = start + DefaultWindowDays, inclusive)
//  3. change list: each (from,to) removes from if present and inserts to;
//     an absent from is a no-op
//  4. single change: replaces the whole set (only when the change list is empty)
//  5. makeup times: unioned in unconditionally, window gate or not
//  6. cancel: clears everything; evaluated last so it always wins
//
// The result is sorted by time then name, with per-subject duplicate times
// collapsed.
func Resolve(day Date, templates map[string]Template, overrides map[int64]Override) []Session {
	wd := day.Weekday()

	var out []Session
	for _, tpl := range templates {
		times := map[TimeOfDay]struct{}{}
		for _, slot := range tpl.Slots {
			if slot.Weekday == wd {
				times[slot.Time] = struct{}{}
			}
		}

		if !inServiceWindow(tpl, day) {
			times = map[TimeOfDay]struct{}{}
		}

		if ov, ok := overrides[tpl.SubjectID]; ok && tpl.SubjectID != 0 {
			applyOverride(times, ov)
		}

		for t := range times {
			out = append(out, Session{Name: tpl.Name, Start: t, SubjectID: tpl.SubjectID})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func inServiceWindow(tpl Template, day Date) bool {
	if tpl.ServiceStart == nil {
		// Not started yet: template slots are excluded outright.
		return false
	}
	start := *tpl.ServiceStart
	end := start.AddDays(DefaultWindowDays)
	if tpl.ServiceEnd != nil {
		end = *tpl.ServiceEnd
	}
	return !day.Before(start) && !day.After(end)
}

func applyOverride(times map[TimeOfDay]struct{}, ov Override) {
	if len(ov.Changes) > 0 {
		for _, ch := range ov.Changes {
			if _, ok := times[ch.From]; ok {
				delete(times, ch.From)
				times[ch.To] = struct{}{}
			}
		}
	} else if ov.Single != nil {
		for t := range times {
			delete(times, t)
		}
		times[*ov.Single] = struct{}{}
	}

	for _, t := range ov.Makeup {
		times[t] = struct{}{}
	}

	if ov.Cancelled {
		for t := range times {
			delete(times, t)
		}
	}
}

// SubjectIDsOn reports the stable IDs of subjects with at least one
// effective session on the given date.
func SubjectIDsOn(sessions []Session) map[int64]struct{} {
	ids := map[int64]struct{}{}
	for _, s := range sessions {
		if s.SubjectID != 0 {
			ids[s.SubjectID] = struct{}{}
		}
	}
	return ids
}
