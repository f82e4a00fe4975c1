package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/model"
	"postbot/internal/publish"
	"postbot/internal/reporter"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Store interface {
	ListDueItems(ctx context.Context, now time.Time, limit int) ([]model.ContentItem, error)
	BumpItemAttempts(ctx context.Context, id int64) (int, error)
	DeleteItem(ctx context.Context, id int64) error
	PurgeAbandonedItems(ctx context.Context, before time.Time) (int64, error)

	ListDueUnpins(ctx context.Context, now time.Time, limit int) ([]model.LiveInstance, error)
	ListDueDeletes(ctx context.Context, now time.Time, limit int) ([]model.LiveInstance, error)
	ListReportCandidates(ctx context.Context, now time.Time, limit int) ([]model.LiveInstance, error)
	ListLiveByItem(ctx context.Context, itemID int64) ([]model.LiveInstance, error)
	MarkUnpinned(ctx context.Context, id int64) (bool, error)
	MarkDeleted(ctx context.Context, id int64, at time.Time, finalViews *int64) (bool, error)

	GetChannels(ctx context.Context, chatIDs []int64) (map[int64]model.Channel, error)
}

// Publisher is the fan-out sender.
type Publisher interface {
	Publish(ctx context.Context, it *model.ContentItem) ([]publish.DeliveryResult, error)
	Kinds() publish.Kinds
}

type Reporter interface {
	SampleViews(ctx context.Context, lives []model.LiveInstance) map[int64]int64
	SendStaged(ctx context.Context, g reporter.StagedGroup) error
	SendFinal(ctx context.Context, itemID, ownerID int64, lives []model.LiveInstance, deletedAt time.Time) error
}

type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Runner starts fn unless a unit with the same key is still running.
type Runner interface {
	TryGo(key, name string, fn func(ctx context.Context) error) bool
}

type Config struct {
	UnitTimeout     time.Duration
	ScanLimit       int
	AbandonAfter    time.Duration
	MaxSendAttempts int
}

func (c Config) normalize() Config {
	if c.UnitTimeout <= 0 {
		c.UnitTimeout = 2 * time.Minute
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 200
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = 7 * 24 * time.Hour
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = 5
	}
	return c
}

// Unit is one independent piece of work found by a rule.
type Unit struct {
	Key string
	Run func(ctx context.Context) error
}

// Rule pairs a scan over the store with the action for each match.
type Rule struct {
	Name string
	Scan func(ctx context.Context, now time.Time) ([]Unit, error)
}

// TickStats counts what one tick handed to the runner.
type TickStats struct {
	Started int
	Busy    int
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }
func WithBus(bus eventbus.Bus) Option     { return func(d *Dispatcher) { d.bus = bus } }

type Dispatcher struct {
	mu  sync.RWMutex
	cfg Config

	store  Store
	pub    Publisher
	ops    kit.ChannelOps
	rep    Reporter
	notify Notifier
	runner Runner
	bus    eventbus.Bus
	now    func() time.Time
	log    logx.Logger

	rules []Rule
}

func New(cfg Config, store Store, pub Publisher, ops kit.ChannelOps, rep Reporter, notify Notifier, runner Runner, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:    cfg.normalize(),
		store:  store,
		pub:    pub,
		ops:    ops,
		rep:    rep,
		notify: notify,
		runner: runner,
		now:    time.Now,
		log:    log.Component("dispatcher"),
	}
	for _, o := range opts {
		o(d)
	}
	d.rules = []Rule{
		{Name: "send", Scan: d.scanSend},
		{Name: "unpin", Scan: d.scanUnpin},
		{Name: "delete", Scan: d.scanDelete},
		{Name: "report", Scan: d.scanReport},
		{Name: "housekeeping", Scan: d.scanHousekeeping},
	}
	return d
}

// Apply swaps the tunables used from the next tick on.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.normalize()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Rules lists the rule names in evaluation order.
func (d *Dispatcher) Rules() []string {
	out := make([]string, len(d.rules))
	for i, r := range d.rules {
		out[i] = r.Name
	}
	return out
}

// Tick evaluates every rule once. A failing scan is logged and reported
// in the returned error but never stops the remaining rules.
func (d *Dispatcher) Tick(ctx context.Context) (TickStats, error) {
	now := d.now()
	timeout := d.config().UnitTimeout
	var st TickStats
	var errs []error
	for _, r := range d.rules {
		units, err := r.Scan(ctx, now)
		if err != nil {
			d.log.Warn("rule scan failed", logx.String("rule", r.Name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, err))
			continue
		}
		for _, u := range units {
			if d.runner.TryGo(u.Key, "dispatch."+r.Name, d.wrap(r.Name, u, timeout)) {
				st.Started++
			} else {
				st.Busy++
			}
		}
	}
	if st.Started > 0 || st.Busy > 0 {
		d.log.Debug("tick", logx.Int("started", st.Started), logx.Int("busy", st.Busy))
	}
	return st, errors.Join(errs...)
}

func (d *Dispatcher) wrap(rule string, u Unit, timeout time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := u.Run(ctx)
		if err != nil {
			d.log.Warn("unit failed", logx.String("rule", rule), logx.String("key", u.Key), logx.Err(err))
		}
		return err
	}
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: data})
}
