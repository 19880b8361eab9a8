// Package resolve composes the sheet cache and the override store into the
// effective per-date session view consumed by alerts, digests and commands.
package resolve

import (
	"context"

	"tutorbot/internal/override"
	"tutorbot/internal/sheet"
	"tutorbot/internal/timetable"
)

type Service struct {
	sheets    *sheet.Cache
	overrides *override.Store
}

func New(sheets *sheet.Cache, overrides *override.Store) *Service {
	return &Service{sheets: sheets, overrides: overrides}
}

// SessionsFor returns the effective sessions for day: template slots filtered
// by service window, with that day's overrides applied.
func (s *Service) SessionsFor(ctx context.Context, day timetable.Date) ([]timetable.Session, error) {
	templates, err := s.sheets.Parsed(ctx)
	if err != nil {
		return nil, err
	}
	var ov map[int64]timetable.Override
	if s.overrides != nil {
		ov = s.overrides.ForDate(day)
	}
	return timetable.Resolve(day, templates, ov), nil
}

// Templates exposes the parsed template feed (for deadline checks and name
// lookups).
func (s *Service) Templates(ctx context.Context) (map[string]timetable.Template, error) {
	return s.sheets.Parsed(ctx)
}

// NameIndex returns subject-name -> id for templates that carry an id.
// Used to migrate legacy name-keyed overrides on startup.
func (s *Service) NameIndex(ctx context.Context) (map[string]int64, error) {
	templates, err := s.sheets.Parsed(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int64)
	for _, tpl := range templates {
		if tpl.SubjectID != 0 {
			idx[tpl.Name] = tpl.SubjectID
		}
	}
	return idx, nil
}
