package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.locationLocked()
	s.mu.Unlock()

	items := make([]ScheduleInfo, 0, len(defs))
	s.statsMu.Lock()
	for _, d := range defs {
		it := ScheduleInfo{
			Name:          d.name,
			Spec:          d.spec,
			Timeout:       d.timeout,
			StartupSpread: d.startupSpread,
			Runs:          d.stats.runs,
			Skipped:       d.stats.skipped,
			Failures:      d.stats.failures,
			LastError:     d.stats.lastErr,
			LastRun:       d.stats.lastRun,
			LastDuration:  d.stats.lastDur,
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}
	s.statsMu.Unlock()

	return Snapshot{Running: c != nil, Timezone: loc.String(), Schedules: items}
}
