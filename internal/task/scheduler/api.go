package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "postbot/pkg/logx"
)

const failureWarnThrottle = time.Minute

// AddSchedule parses schedule and registers either a cron or interval job.
// Registering a name again replaces the previous schedule.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecCron:
		return s.add(name, ps.Cron, timeout, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, job)
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add(name, fmt.Sprintf("@every %s", every), timeout, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	if !strings.HasPrefix(spec, "@every") {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("schedule %q: %w", name, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: spec, timeout: timeout, job: job, stats: &runStats{}})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout), logx.Duration("spread", d.startupSpread))
	return nil
}

// Remove unschedules name. It reports whether a schedule existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// RunNow triggers name once outside its schedule.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return false
	}
	return s.trigger(*def)
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() { s.trigger(def) })

	// Interval schedules get a random first delay so they do not all fire
	// right after start.
	if every, ok := strings.CutPrefix(d.spec, "@every"); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			sched, jitter := makeIntervalScheduleWithSpread(dur, time.Now().In(s.loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) trigger(d scheduleDef) bool {
	started := s.runner.TryGo("schedule:"+d.name, d.name, func(ctx context.Context) error {
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		start := time.Now()
		err := d.job(ctx)
		s.record(d, start, err)
		return nil
	})
	if !started {
		s.statsMu.Lock()
		d.stats.skipped++
		s.statsMu.Unlock()
		s.log.Debug("schedule trigger skipped; previous run in flight", logx.String("schedule", d.name))
	}
	return started
}

func (s *Service) record(d scheduleDef, start time.Time, err error) {
	s.statsMu.Lock()
	d.stats.runs++
	d.stats.lastRun = start
	d.stats.lastDur = time.Since(start)
	if err != nil {
		d.stats.failures++
		d.stats.lastErr = err.Error()
	} else {
		d.stats.lastErr = ""
	}
	s.statsMu.Unlock()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[d.name]
	if !last.IsZero() && now.Sub(last) < failureWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[d.name] = now
	s.warnMu.Unlock()
	s.log.Warn("scheduled job failed", logx.String("schedule", d.name), logx.Err(err))
}
