package config

import (
	"reflect"
	"sort"

	logx "postbot/pkg/logx"
)

// HotReloadable lists the sections applied without a restart.
var HotReloadable = map[string]bool{
	"logging":    true,
	"notifier":   true,
	"alerts":     true,
	"dispatcher": true,
}

// SummarizeConfigChange returns the changed section names and safe log
// attributes. Secrets (bot token, api hash, dsn, http token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	section := func(name string, o, n any, fields ...logx.Field) {
		if reflect.DeepEqual(o, n) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("telegram", oldCfg.Telegram, newCfg.Telegram,
		logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		logx.Int64("telegram.archive_chat_id", newCfg.Telegram.ArchiveChatID),
		logx.Bool("telegram.operator_set", newCfg.Telegram.OperatorChatID != 0),
	)
	section("mtproto", oldCfg.MTProto, newCfg.MTProto,
		logx.Int("mtproto.api_id", newCfg.MTProto.APIID),
		logx.Bool("mtproto.proxy_set", newCfg.MTProto.Proxy != ""),
	)
	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.operator_enabled", newCfg.Logging.Operator.Enabled),
	)
	section("storage", oldCfg.Storage, newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.path_set", newCfg.Storage.Path != ""),
	)
	section("scheduler", oldCfg.Scheduler, newCfg.Scheduler,
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
	)
	section("dispatcher", oldCfg.Dispatcher, newCfg.Dispatcher,
		logx.String("dispatcher.send_delay", newCfg.Dispatcher.SendDelay),
		logx.Int("dispatcher.scan_limit", newCfg.Dispatcher.ScanLimit),
	)
	section("sessions", oldCfg.Sessions, newCfg.Sessions)
	section("reporter", oldCfg.Reporter, newCfg.Reporter)
	section("alerts", oldCfg.Alerts, newCfg.Alerts,
		logx.String("alerts.window", newCfg.Alerts.Window),
	)
	section("broadcast", oldCfg.Broadcast, newCfg.Broadcast,
		logx.Int("broadcast.permits", newCfg.Broadcast.Permits),
	)
	section("http", oldCfg.HTTP, newCfg.HTTP,
		logx.Bool("http.enabled", newCfg.HTTP.Enabled),
		logx.String("http.addr", newCfg.HTTP.Addr),
		logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
	)

	oldN, newN := DefaultNotifier, DefaultNotifier
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	section("notifier", oldN, newN,
		logx.Bool("notifier.enabled", newN.Enabled),
		logx.Int("notifier.rate_per_sec", newN.RatePerSec),
	)

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports the changed sections that are not hot-reloadable.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		if !HotReloadable[c] {
			out = append(out, c)
		}
	}
	return out
}
