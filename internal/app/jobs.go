package app

import (
	"context"

	"postbot/internal/config"
	logx "postbot/pkg/logx"
)

const (
	jobDispatch = "dispatch"
	jobHealth   = "sessions.health"
	jobStats    = "channels.stats"
)

// registerJobs binds the periodic work to the scheduler. Each job runs on the
// work supervisor keyed by its name, so a slow run skips the next trigger.
func (a *App) registerJobs(s *config.Settings) error {
	if err := a.sched.AddInterval(jobDispatch, s.Dispatcher.Interval, s.Dispatcher.Interval, a.dispatch); err != nil {
		return err
	}
	if err := a.sched.AddInterval(jobHealth, s.Sessions.HealthInterval, 0, a.pool.CheckHealth); err != nil {
		return err
	}
	return a.sched.AddInterval(jobStats, s.Reporter.StatsInterval, 0, a.rep.RefreshStats)
}

func (a *App) dispatch(ctx context.Context) error {
	st, err := a.disp.Tick(ctx)
	if st.Started > 0 || st.Busy > 0 {
		a.log.Debug("dispatch tick", logx.Int("started", st.Started), logx.Int("busy", st.Busy))
	}
	return err
}
