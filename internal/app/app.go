package app

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/alerts"
	"postbot/internal/broadcast"
	"postbot/internal/config"
	"postbot/internal/dispatcher"
	"postbot/internal/eventbus"
	"postbot/internal/mtproto"
	"postbot/internal/notifier"
	"postbot/internal/observability/httpapi"
	"postbot/internal/publish"
	"postbot/internal/reporter"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/sessionpool"
	"postbot/internal/storage"
	"postbot/internal/task/scheduler"
	kit "postbot/internal/transport"
	telegram "postbot/internal/transport/telegram/adapter"
	logx "postbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	// sup runs the app's own loops and cancels the app on their failure.
	// work runs dispatcher units and scheduled jobs, whose errors are only logged.
	sup  *supervisor.Supervisor
	work *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	notif   *notifier.Service
	dedup   *alerts.Deduper
	dialer  *mtproto.Dialer
	pool    *sessionpool.Manager
	bcast   *broadcast.Service
	fanout  *publish.Fanout
	rep     *reporter.Reporter
	disp    *dispatcher.Dispatcher
	sched   *scheduler.Service
	http    *httpapi.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	snap, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set := snap.Settings

	ad, err := telegram.New(telegram.Config{
		Token:          set.Telegram.Token,
		RequestTimeout: set.Telegram.RequestTimeout,
	}, logx.NewConsole("INFO").Component("telegram"))
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(logConfig(set, snap.Raw), ad)
	logSvc.SetOperatorTarget(set.Telegram.OperatorChatID, set.Telegram.OperatorThreadID)
	log := root.Component("app")
	bus := eventbus.New()

	store, err := storage.Open(storageConfig(set), root.Component("storage"))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", set.Storage.Driver))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus, store: store, adapter: ad}

	a.notif = notifier.New(notifierConfig(set), ad, root.Component("notifier"), bus)
	a.dedup = newDeduper(set, store)
	operator := kit.ChatTarget{ChatID: set.Telegram.OperatorChatID, ThreadID: set.Telegram.OperatorThreadID}
	alerter := alerts.NewAlerter(a.dedup, a.notif, operator, bus, root)

	a.dialer = mtproto.NewDialer(mtprotoConfig(set), store, root)
	a.pool = sessionpool.New(sessionConfig(set), store, a.dialer, alerter, root, sessionpool.WithBus(bus))
	a.bcast = broadcast.New(broadcastConfig(set), ad, root)

	mirror := publish.NewMirror(ad, store, kit.ChatTarget{ChatID: set.Telegram.ArchiveChatID}, root)
	kinds := publish.NewKinds(
		publish.NewPostKind(ad, mirror, store),
		publish.NewStoryKind(a.pool, store),
		publish.NewBroadcastKind(ad, a.bcast, store),
	)
	a.fanout = publish.NewFanout(store, ad, mirror, kinds, set.Dispatcher.SendDelay, root, publish.WithBus(bus))
	a.rep = reporter.New(reporterConfig(set), store, a.pool, a.notif, root, reporter.WithBus(bus))
	a.disp = dispatcher.New(dispatcherConfig(set), store, a.fanout, ad, a.rep, a.notif, a, root, dispatcher.WithBus(bus))
	a.sched = scheduler.New(schedulerConfig(set), a, root)
	if err := a.registerJobs(set); err != nil {
		_ = store.Close()
		return nil, err
	}

	a.http = httpapi.New(httpConfig(set), httpapi.Deps{
		Sessions: a.pool,
		Lives:    store,
		Editor:   a.fanout,
		Status:   a.Status,
	}, root)
	return a, nil
}

// TryGo runs fn on the work supervisor unless key is still in flight.
func (a *App) TryGo(key, name string, fn func(ctx context.Context) error) bool {
	if a.work == nil {
		return false
	}
	return a.work.TryGo(key, name, fn)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.work = supervisor.New(a.sup.Context(), supervisor.WithLogger(a.log.Component("work")))
	a.cfgm.SetLogger(a.log.Component("config"))

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Any("rules", a.disp.Rules()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
			limit = time.Until(dl)
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Stop triggering first so no new units start while draining.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// In-flight units get a chance to record what they already sent.
	step("work", 10*time.Second, a.work.Wait)
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.sup.Cancel()
	step("work.cancel", 2*time.Second, a.work.Stop)
	step("mtproto", 3*time.Second, a.dialer.Close)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
