package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"postbot/internal/alerts"
	"postbot/internal/config"
	"postbot/internal/eventbus"
	logx "postbot/pkg/logx"
)

const baseYAML = `
telegram:
  token: "123:abc"
  archive_chat_id: -1001
storage:
  driver: memory
dispatcher:
  scan_limit: 50
  max_send_attempts: 3
`

func snapshot(t *testing.T, yaml string) config.Snapshot {
	t.Helper()
	raw, err := config.Decode("cfg.yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	set, err := config.Resolve(raw)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return config.Snapshot{Raw: raw, Settings: set}
}

func TestComponentConfigs(t *testing.T) {
	t.Parallel()
	s := snapshot(t, baseYAML)

	if lc := logConfig(s.Settings, s.Raw); lc.Operator.Enabled {
		t.Fatalf("operator sink enabled without operator chat")
	}
	dc := dispatcherConfig(s.Settings)
	if dc.ScanLimit != 50 || dc.MaxSendAttempts != 3 || dc.AbandonAfter != 168*time.Hour {
		t.Fatalf("dispatcher config = %+v", dc)
	}
	if sc := storageConfig(s.Settings); sc.Driver != "memory" {
		t.Fatalf("storage driver = %q", sc.Driver)
	}
	if bc := broadcastConfig(s.Settings); bc.Permits != 30 {
		t.Fatalf("broadcast permits = %d", bc.Permits)
	}
	if rc := reporterConfig(s.Settings); rc.MaxChannels != 20 || rc.HorizonTolerance != 30*time.Minute {
		t.Fatalf("reporter config = %+v", rc)
	}
}

func TestReloadCoalescesAndAppliesAlertWindow(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(baseYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfgm := config.NewConfigManager(path)
	if _, err := cfgm.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := eventbus.New()
	a := &App{
		cfgm:  cfgm,
		log:   logx.Nop(),
		bus:   bus,
		dedup: alerts.NewDeduper(6*time.Hour, 100, alerts.WithClock(func() time.Time { return now })),
	}
	events, unsub := bus.Subscribe(4, eventbus.TypeConfigReloaded)
	defer unsub()

	sub := make(chan config.Snapshot, 2)
	sub <- snapshot(t, baseYAML+"alerts:\n  window: 30m\n")
	sub <- snapshot(t, baseYAML+"alerts:\n  window: 1m\n")
	close(sub)
	a.reloadLoop(t.Context(), sub)

	select {
	case e := <-events:
		got := e.Data.(eventbus.ConfigReloaded)
		if len(got.Changed) != 1 || got.Changed[0] != "alerts" {
			t.Fatalf("changed = %v", got.Changed)
		}
	default:
		t.Fatalf("no reload event")
	}
	select {
	case e := <-events:
		t.Fatalf("extra reload event: %+v", e)
	default:
	}

	if !a.dedup.ShouldSend("join_failed", 1, 2, "X") {
		t.Fatalf("first alert muted")
	}
	now = now.Add(2 * time.Minute)
	if !a.dedup.ShouldSend("join_failed", 1, 2, "X") {
		t.Fatalf("alert still muted after the reloaded window")
	}
}
