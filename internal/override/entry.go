package override

import (
	"tutorbot/internal/timetable"
)

// Change is one persisted (from, to) time move.
type Change struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Entry is the persisted per-(date, subject) exception record.
//
// Times are stored as normalized "HH:MM" strings, matching the on-disk
// document shape. Change (single) and a non-empty Changes list are mutually
// exclusive; the mutation API enforces last-writer-wins between them.
type Entry struct {
	Cancel  bool     `json:"cancel"`
	Change  *string  `json:"change"`
	Changes []Change `json:"changes"`
	Makeup  []string `json:"makeup"`
}

// IsEmpty reports whether every field is at its default, i.e. the entry
// carries no exception and should be pruned from the store.
func (e Entry) IsEmpty() bool {
	return !e.Cancel && e.Change == nil && len(e.Changes) == 0 && len(e.Makeup) == 0
}

func (e Entry) clone() Entry {
	cp := e
	if e.Change != nil {
		v := *e.Change
		cp.Change = &v
	}
	cp.Changes = append([]Change(nil), e.Changes...)
	cp.Makeup = append([]string(nil), e.Makeup...)
	return cp
}

// View converts the persisted entry into the resolver's typed form.
// Unparsable time tokens are dropped, not fatal.
func (e Entry) View() timetable.Override {
	ov := timetable.Override{Cancelled: e.Cancel}
	if e.Change != nil {
		if t, err := timetable.ParseTime(*e.Change); err == nil {
			ov.Single = &t
		}
	}
	for _, ch := range e.Changes {
		from, err1 := timetable.ParseTime(ch.From)
		to, err2 := timetable.ParseTime(ch.To)
		if err1 != nil || err2 != nil {
			continue
		}
		ov.Changes = append(ov.Changes, timetable.ChangePair{From: from, To: to})
	}
	for _, m := range e.Makeup {
		if t, err := timetable.ParseTime(m); err == nil {
			ov.Makeup = append(ov.Makeup, t)
		}
	}
	return ov
}
