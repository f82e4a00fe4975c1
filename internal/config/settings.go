package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Settings is Config with defaults applied and durations parsed.
// Components receive the slice they need from it.
type Settings struct {
	Telegram struct {
		Token            string
		ArchiveChatID    int64
		OperatorChatID   int64
		OperatorThreadID int
		RequestTimeout   time.Duration
	}
	MTProto struct {
		APIID       int
		APIHash     string
		DeviceModel string
		CallTimeout time.Duration
		Proxy       string
	}
	Storage struct {
		Driver       string
		Path         string
		DSN          string
		BusyTimeout  time.Duration
		MaxOpenConns int
	}
	Timezone   *time.Location
	Dispatcher struct {
		Interval        time.Duration
		SendDelay       time.Duration
		UnitTimeout     time.Duration
		ScanLimit       int
		AbandonAfter    time.Duration
		MaxSendAttempts int
	}
	Sessions struct {
		HealthInterval   time.Duration
		JoinAttempts     int
		JoinBackoff      time.Duration
		DefaultFloodWait time.Duration
		CallTimeout      time.Duration
	}
	Reporter struct {
		HorizonTolerance  time.Duration
		StatsInterval     time.Duration
		StatsWindow       time.Duration
		OutlierFactor     float64
		ReportMaxChannels int
	}
	Alerts struct {
		Window     time.Duration
		MaxEntries int
	}
	Notifier struct {
		Enabled       bool
		Workers       int
		QueueSize     int
		RatePerSec    int
		RetryMax      int
		RetryBase     time.Duration
		RetryMaxDelay time.Duration
	}
	Broadcast struct {
		Permits    int
		SendDelay  time.Duration
		RatePerSec int
	}
	HTTP struct {
		Enabled       bool
		Addr          string
		Token         string
		AllowInsecure bool
		Pprof         bool
		ReadTimeout   time.Duration
		IdleTimeout   time.Duration
	}
}

// DefaultNotifier is used when the notifier section is omitted.
var DefaultNotifier = NotifierConfig{
	Enabled:       true,
	Workers:       2,
	QueueSize:     512,
	RatePerSec:    3,
	RetryMax:      3,
	RetryBase:     "500ms",
	RetryMaxDelay: "10s",
}

// Resolve applies defaults and validates cfg. It is also the reload validator.
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var (
		s    Settings
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := parseDuration(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	intOr := func(v, def int) int {
		if v <= 0 {
			return def
		}
		return v
	}

	t := cfg.Telegram
	s.Telegram.Token = strings.TrimSpace(t.Token)
	s.Telegram.ArchiveChatID = t.ArchiveChatID
	s.Telegram.OperatorChatID = t.OperatorChatID
	s.Telegram.OperatorThreadID = t.OperatorThreadID
	s.Telegram.RequestTimeout = dur("telegram.request_timeout", t.RequestTimeout, 30*time.Second)
	if s.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if s.Telegram.ArchiveChatID == 0 {
		errs = append(errs, errors.New("telegram.archive_chat_id is required"))
	}

	m := cfg.MTProto
	s.MTProto.APIID = m.APIID
	s.MTProto.APIHash = strings.TrimSpace(m.APIHash)
	s.MTProto.DeviceModel = strings.TrimSpace(m.DeviceModel)
	if s.MTProto.DeviceModel == "" {
		s.MTProto.DeviceModel = "postbot"
	}
	s.MTProto.CallTimeout = dur("mtproto.call_timeout", m.CallTimeout, 30*time.Second)
	s.MTProto.Proxy = strings.TrimSpace(m.Proxy)
	if (s.MTProto.APIID == 0) != (s.MTProto.APIHash == "") {
		errs = append(errs, errors.New("mtproto.api_id and mtproto.api_hash must be set together"))
	}

	st := cfg.Storage
	s.Storage.Driver = strings.ToLower(strings.TrimSpace(st.Driver))
	s.Storage.Path = strings.TrimSpace(st.Path)
	s.Storage.DSN = strings.TrimSpace(st.DSN)
	s.Storage.BusyTimeout = dur("storage.busy_timeout", st.BusyTimeout, 5*time.Second)
	s.Storage.MaxOpenConns = st.MaxOpenConns
	switch s.Storage.Driver {
	case "memory":
	case "", "sqlite":
		s.Storage.Driver = "sqlite"
		if s.Storage.Path == "" {
			s.Storage.Path = "./postbot.db"
		}
	case "postgres":
		if s.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
	}

	s.Timezone = time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		} else {
			s.Timezone = loc
		}
	}

	d := cfg.Dispatcher
	s.Dispatcher.Interval = dur("dispatcher.interval", d.Interval, 10*time.Second)
	s.Dispatcher.SendDelay = dur("dispatcher.send_delay", d.SendDelay, 50*time.Millisecond)
	s.Dispatcher.UnitTimeout = dur("dispatcher.unit_timeout", d.UnitTimeout, 2*time.Minute)
	s.Dispatcher.ScanLimit = intOr(d.ScanLimit, 200)
	s.Dispatcher.AbandonAfter = dur("dispatcher.abandon_after", d.AbandonAfter, 168*time.Hour)
	s.Dispatcher.MaxSendAttempts = intOr(d.MaxSendAttempts, 5)

	se := cfg.Sessions
	s.Sessions.HealthInterval = dur("sessions.health_interval", se.HealthInterval, 5*time.Minute)
	s.Sessions.JoinAttempts = intOr(se.JoinAttempts, 3)
	s.Sessions.JoinBackoff = dur("sessions.join_backoff", se.JoinBackoff, 2*time.Second)
	s.Sessions.DefaultFloodWait = dur("sessions.default_flood_wait", se.DefaultFloodWait, 5*time.Minute)
	s.Sessions.CallTimeout = dur("sessions.call_timeout", se.CallTimeout, 30*time.Second)

	r := cfg.Reporter
	s.Reporter.HorizonTolerance = dur("reporter.horizon_tolerance", r.HorizonTolerance, 30*time.Minute)
	s.Reporter.StatsInterval = dur("reporter.stats_interval", r.StatsInterval, time.Hour)
	s.Reporter.StatsWindow = dur("reporter.stats_window", r.StatsWindow, 72*time.Hour)
	s.Reporter.OutlierFactor = r.OutlierFactor
	if s.Reporter.OutlierFactor <= 0 {
		s.Reporter.OutlierFactor = 10
	}
	s.Reporter.ReportMaxChannels = intOr(r.ReportMaxChannels, 20)

	s.Alerts.Window = dur("alerts.window", cfg.Alerts.Window, 6*time.Hour)
	s.Alerts.MaxEntries = intOr(cfg.Alerts.MaxEntries, 10000)

	n := DefaultNotifier
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	s.Notifier.Enabled = n.Enabled
	s.Notifier.Workers = intOr(n.Workers, 2)
	s.Notifier.QueueSize = intOr(n.QueueSize, 512)
	s.Notifier.RatePerSec = intOr(n.RatePerSec, 3)
	s.Notifier.RetryMax = n.RetryMax
	s.Notifier.RetryBase = dur("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	s.Notifier.RetryMaxDelay = dur("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)

	b := cfg.Broadcast
	s.Broadcast.Permits = intOr(b.Permits, 30)
	s.Broadcast.SendDelay = dur("broadcast.send_delay", b.SendDelay, 60*time.Millisecond)
	s.Broadcast.RatePerSec = intOr(b.RatePerSec, 25)

	h := cfg.HTTP
	s.HTTP.Enabled = h.Enabled
	s.HTTP.Addr = strings.TrimSpace(h.Addr)
	if s.HTTP.Addr == "" {
		s.HTTP.Addr = "127.0.0.1:8089"
	}
	s.HTTP.Token = strings.TrimSpace(h.Token)
	s.HTTP.AllowInsecure = h.AllowInsecure
	s.HTTP.Pprof = h.Pprof
	s.HTTP.ReadTimeout = dur("http.read_timeout", h.ReadTimeout, 10*time.Second)
	s.HTTP.IdleTimeout = dur("http.idle_timeout", h.IdleTimeout, time.Minute)
	if s.HTTP.Enabled && !s.HTTP.AllowInsecure && !IsLoopbackAddr(s.HTTP.Addr) {
		errs = append(errs, fmt.Errorf("http.addr %q is not loopback; set http.allow_insecure", s.HTTP.Addr))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &s, nil
}

// IsLoopbackAddr reports whether host:port binds to a loopback interface.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
