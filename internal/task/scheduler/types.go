package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "postbot/pkg/logx"
)

type Config struct {
	// Location is the zone cron specs are evaluated in; nil means local time.
	Location *time.Location
}

// Runner executes a job unless one with the same key is still running.
type Runner interface {
	TryGo(key, name string, fn func(ctx context.Context) error) bool
}

type runStats struct {
	runs     uint64
	skipped  uint64
	failures uint64
	lastErr  string
	lastRun  time.Time
	lastDur  time.Duration
}

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules
	stats         *runStats
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	runner Runner

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	statsMu sync.Mutex

	// Failure warnings are throttled per schedule name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name          string
	Spec          string
	Timeout       time.Duration
	StartupSpread time.Duration
	Next          time.Time
	Prev          time.Time
	Runs          uint64
	Skipped       uint64
	Failures      uint64
	LastError     string
	LastRun       time.Time
	LastDuration  time.Duration
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
