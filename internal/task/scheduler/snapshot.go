package scheduler

import (
	"sort"
	"strings"
)

// Snapshot is for diagnostics; it never blocks a fire for long.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Timezone: s.loc.String(),
		Armed:    len(s.triggers),
		Triggers: make([]TriggerInfo, 0, len(s.triggers)),
	}
	for _, t := range s.triggers {
		snap.Triggers = append(snap.Triggers, TriggerInfo{
			Room:     t.sub.Room,
			ID:       t.sub.ID,
			Location: t.sub.LocationName,
			Fire:     t.sub.Fire.String(),
			Days:     t.sub.ForecastDays,
			Next:     t.next,
			ArmedAt:  t.armedAt,
			Fires:    t.fires,
		})
	}
	for _, d := range s.jobs {
		it := JobInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Housekeeping = append(snap.Housekeeping, it)
	}
	s.mu.Unlock()

	snap.Fired = s.fired.Load()
	snap.Failures = s.failures.Load()
	sort.Slice(snap.Triggers, func(i, j int) bool {
		a, b := snap.Triggers[i], snap.Triggers[j]
		if !a.Next.Equal(b.Next) {
			return a.Next.Before(b.Next)
		}
		if c := strings.Compare(string(a.Room), string(b.Room)); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
	return snap
}
