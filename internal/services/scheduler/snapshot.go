package scheduler

import "time"

// Snapshot reports current schedules, queue depth and recent history
// for the status command.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Timezone: s.cfg.Timezone,
		Workers:  s.cfg.Workers,
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
	}
	defs := append([]schedule(nil), s.defs...)
	runner := s.runner
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if snap.Timezone == "" {
		snap.Timezone = loc.String()
	}

	snap.Schedules = make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		info := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if runner != nil && d.entryID != 0 {
			entry := runner.Entry(d.entryID)
			info.Next, info.Prev = entry.Next, entry.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
