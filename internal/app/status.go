package app

import (
	"time"

	"postbot/internal/broadcast"
	"postbot/internal/notifier"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/task/scheduler"
)

// Status is served on /status.
type Status struct {
	Time       time.Time           `json:"time"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
	Work       supervisor.Counters `json:"work"`
	Scheduler  scheduler.Snapshot  `json:"scheduler"`
	Notifier   notifier.Stats      `json:"notifier"`
	Broadcast  broadcast.Stats     `json:"broadcast"`
	MTProto    int                 `json:"mtproto_clients"`
	EventsDrop uint64              `json:"events_dropped"`
	Rules      []string            `json:"rules"`
}

func (a *App) Status() any {
	return Status{
		Time:       time.Now(),
		Supervisor: a.sup.Snapshot(),
		Work:       a.work.Counters(),
		Scheduler:  a.sched.Snapshot(),
		Notifier:   a.notif.Stats(),
		Broadcast:  a.bcast.Stats(),
		MTProto:    a.dialer.Active(),
		EventsDrop: a.bus.Dropped(),
		Rules:      a.disp.Rules(),
	}
}
