package app

import (
	"context"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/eventbus"
	logx "postbot/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan config.Snapshot) {
	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts of writes into the newest snapshot.
		drain:
			for {
				select {
				case n, ok := <-sub:
					if !ok {
						break drain
					}
					next = n
				default:
					break drain
				}
			}
			a.applyConfig(prev, next)
			prev = next
		}
	}
}

func (a *App) applyConfig(prev, next config.Snapshot) {
	changed, _ := config.SummarizeConfigChange(prev.Raw, next.Raw)
	if len(changed) == 0 {
		return
	}
	if restart := config.NeedsRestart(changed); len(restart) > 0 {
		a.log.Warn("config sections require restart", logx.String("sections", strings.Join(restart, ",")))
	}

	set := next.Settings
	for _, sec := range changed {
		switch sec {
		case "logging":
			a.logs.Apply(logConfig(set, next.Raw))
			a.logs.SetOperatorTarget(set.Telegram.OperatorChatID, set.Telegram.OperatorThreadID)
		case "notifier":
			a.notif.Apply(notifierConfig(set))
			if set.Notifier.Enabled {
				a.notif.Start(a.sup.Context())
			} else {
				stopCtx, cancel := context.WithTimeout(a.sup.Context(), 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			}
		case "alerts":
			a.dedup.Apply(set.Alerts.Window, set.Alerts.MaxEntries)
		case "dispatcher":
			a.disp.Apply(dispatcherConfig(set))
			a.fanout.SetSendDelay(set.Dispatcher.SendDelay)
			if set.Dispatcher.Interval != prev.Settings.Dispatcher.Interval {
				if err := a.sched.AddInterval(jobDispatch, set.Dispatcher.Interval, set.Dispatcher.Interval, a.dispatch); err != nil {
					a.log.Warn("dispatch reschedule failed", logx.Err(err))
				}
			}
		}
	}

	a.log.Info("config applied", logx.String("changed", strings.Join(changed, ",")))
	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeConfigReloaded,
		Data: eventbus.ConfigReloaded{Changed: changed},
	})
}
