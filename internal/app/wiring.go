package app

import (
	"postbot/internal/alerts"
	"postbot/internal/broadcast"
	"postbot/internal/config"
	"postbot/internal/dispatcher"
	"postbot/internal/mtproto"
	"postbot/internal/notifier"
	"postbot/internal/observability/httpapi"
	"postbot/internal/reporter"
	"postbot/internal/sessionpool"
	"postbot/internal/storage"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

// Resolved settings are mapped onto each component's own Config here so
// that packages never import internal/config.

func logConfig(s *config.Settings, raw *config.Config) logx.Config {
	l := raw.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Operator: logx.OperatorConfig{
			Enabled:    l.Operator.Enabled && s.Telegram.OperatorChatID != 0,
			ThreadID:   l.Operator.ThreadID,
			MinLevel:   l.Operator.MinLevel,
			RatePerSec: l.Operator.RatePerSec,
		},
	}
}

func storageConfig(s *config.Settings) storage.Config {
	return storage.Config{
		Driver:       s.Storage.Driver,
		Path:         s.Storage.Path,
		DSN:          s.Storage.DSN,
		BusyTimeout:  s.Storage.BusyTimeout,
		MaxOpenConns: s.Storage.MaxOpenConns,
	}
}

func notifierConfig(s *config.Settings) notifier.Config {
	n := s.Notifier
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     n.RetryBase,
		RetryMaxDelay: n.RetryMaxDelay,
	}
}

func mtprotoConfig(s *config.Settings) mtproto.Config {
	return mtproto.Config{
		APIID:          s.MTProto.APIID,
		APIHash:        s.MTProto.APIHash,
		DeviceModel:    s.MTProto.DeviceModel,
		Proxy:          s.MTProto.Proxy,
		ConnectTimeout: s.MTProto.CallTimeout,
	}
}

func sessionConfig(s *config.Settings) sessionpool.Config {
	return sessionpool.Config{
		JoinAttempts:     s.Sessions.JoinAttempts,
		JoinBackoff:      s.Sessions.JoinBackoff,
		DefaultFloodWait: s.Sessions.DefaultFloodWait,
		CallTimeout:      s.Sessions.CallTimeout,
	}
}

func broadcastConfig(s *config.Settings) broadcast.Config {
	return broadcast.Config{
		Permits:    s.Broadcast.Permits,
		SendDelay:  s.Broadcast.SendDelay,
		RatePerSec: s.Broadcast.RatePerSec,
	}
}

func reporterConfig(s *config.Settings) reporter.Config {
	r := s.Reporter
	return reporter.Config{
		HorizonTolerance: r.HorizonTolerance,
		StatsWindow:      r.StatsWindow,
		OutlierFactor:    r.OutlierFactor,
		MaxChannels:      r.ReportMaxChannels,
		CallTimeout:      s.MTProto.CallTimeout,
	}
}

func dispatcherConfig(s *config.Settings) dispatcher.Config {
	d := s.Dispatcher
	return dispatcher.Config{
		UnitTimeout:     d.UnitTimeout,
		ScanLimit:       d.ScanLimit,
		AbandonAfter:    d.AbandonAfter,
		MaxSendAttempts: d.MaxSendAttempts,
	}
}

func schedulerConfig(s *config.Settings) scheduler.Config {
	return scheduler.Config{Location: s.Timezone}
}

func httpConfig(s *config.Settings) httpapi.Config {
	h := s.HTTP
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   h.ReadTimeout,
		IdleTimeout:   h.IdleTimeout,
	}
}

func newDeduper(s *config.Settings, st storage.DedupStore) *alerts.Deduper {
	return alerts.NewDeduper(s.Alerts.Window, s.Alerts.MaxEntries, alerts.WithStore(st))
}
