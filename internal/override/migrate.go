package override

import (
	"strconv"

	logx "tutorbot/pkg/logx"
)

// Migrate rewrites legacy name-keyed entries to stable-ID keys using the
// current template snapshot (name -> subject ID). Name keys are ambiguous
// under renames, so unresolvable entries are dropped rather than kept; the
// drop is logged so an operator can recover them from the previous file.
//
// The pass is idempotent and runs once at startup. Returns (moved, dropped).
func (s *Store) Migrate(nameToID map[string]int64) (int, int) {
	moved, dropped := 0, 0

	s.mu.Lock()
	for iso, bucket := range s.days {
		for key, e := range bucket {
			if _, err := strconv.ParseInt(key, 10, 64); err == nil {
				continue // already ID-keyed
			}
			delete(bucket, key)
			sid, ok := nameToID[key]
			if !ok || sid == 0 {
				dropped++
				s.log.Warn("dropping unresolvable legacy override key",
					logx.String("date", iso), logx.String("key", key))
				continue
			}
			idKey := strconv.FormatInt(sid, 10)
			if _, exists := bucket[idKey]; exists {
				// An ID-keyed entry already won; the legacy copy is stale.
				dropped++
				continue
			}
			bucket[idKey] = e
			moved++
		}
		if len(bucket) == 0 {
			delete(s.days, iso)
		}
	}
	s.mu.Unlock()

	if moved > 0 || dropped > 0 {
		s.persist()
	}
	return moved, dropped
}
