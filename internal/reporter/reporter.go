package reporter

import (
	"context"
	"sort"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/model"
	"postbot/internal/notifier"
	"postbot/internal/sessionpool"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// ViewSource reads counters through client sessions.
type ViewSource interface {
	Views(ctx context.Context, channelID int64, msgIDs []int) ([]int64, error)
	History(ctx context.Context, channelID int64, since time.Time, limit int) ([]sessionpool.HistoryPost, error)
}

type Store interface {
	RecordHorizon(ctx context.Context, id int64, h model.Horizon, views int64) (bool, error)
	GetOwner(ctx context.Context, id int64) (*model.Owner, error)
	GetChannels(ctx context.Context, chatIDs []int64) (map[int64]model.Channel, error)
	ListSubscribedChannels(ctx context.Context) ([]model.Channel, error)
	UpdateChannelStats(ctx context.Context, chatID int64, stats [3]int64, at time.Time) error
}

// Notifier queues owner-facing messages.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type Config struct {
	// HorizonTolerance widens horizon boundaries in the final report.
	HorizonTolerance time.Duration
	StatsWindow      time.Duration
	OutlierFactor    float64
	MaxChannels      int
	// CallTimeout bounds one view read.
	CallTimeout time.Duration
}

type Option func(*Reporter)

func WithClock(now func() time.Time) Option { return func(r *Reporter) { r.now = now } }
func WithBus(bus eventbus.Bus) Option     { return func(r *Reporter) { r.bus = bus } }

type Reporter struct {
	cfg    Config
	store  Store
	views  ViewSource
	notify Notifier
	bus    eventbus.Bus
	now    func() time.Time
	log    logx.Logger
}

func New(cfg Config, store Store, views ViewSource, notify Notifier, log logx.Logger, opts ...Option) *Reporter {
	if cfg.HorizonTolerance <= 0 {
		cfg.HorizonTolerance = 30 * time.Minute
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 72 * time.Hour
	}
	if cfg.OutlierFactor <= 0 {
		cfg.OutlierFactor = 10
	}
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = 20
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	r := &Reporter{
		cfg:    cfg,
		store:  store,
		views:  views,
		notify: notify,
		now:    time.Now,
		log:    log.Component("reporter"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SampleViews reads the current views of lives, one read per channel.
// A failed read or a zero counter falls back to the largest count already
// persisted for that copy. The result is keyed by live id.
func (r *Reporter) SampleViews(ctx context.Context, lives []model.LiveInstance) map[int64]int64 {
	out := make(map[int64]int64, len(lives))
	byChan := map[int64][]int{}
	for i, l := range lives {
		out[l.ID] = l.MaxViews()
		byChan[l.ChannelID] = append(byChan[l.ChannelID], i)
	}
	chans := make([]int64, 0, len(byChan))
	for c := range byChan {
		chans = append(chans, c)
	}
	sort.Slice(chans, func(i, j int) bool { return chans[i] < chans[j] })

	for _, ch := range chans {
		idx := byChan[ch]
		ids := make([]int, len(idx))
		for k, i := range idx {
			ids[k] = lives[i].MessageID
		}
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		got, err := r.views.Views(cctx, ch, ids)
		cancel()
		if err != nil {
			r.log.Warn("view sample failed; using persisted views", logx.ChannelID(ch), logx.Int("posts", len(ids)), logx.Err(err))
			continue
		}
		for k, i := range idx {
			if k < len(got) && got[k] > 0 {
				out[lives[i].ID] = got[k]
				continue
			}
			if out[lives[i].ID] > 0 {
				r.log.Debug("live views unavailable; using persisted", logx.LiveID(lives[i].ID), logx.Int64("views", out[lives[i].ID]))
			}
		}
	}
	return out
}

func (r *Reporter) owner(ctx context.Context, id int64) *model.Owner {
	o, err := r.store.GetOwner(ctx, id)
	if err != nil {
		return &model.Owner{ID: id}
	}
	return o
}

func (r *Reporter) titles(ctx context.Context, lives []model.LiveInstance) map[int64]model.Channel {
	ids := make([]int64, 0, len(lives))
	for _, l := range lives {
		ids = append(ids, l.ChannelID)
	}
	chans, err := r.store.GetChannels(ctx, ids)
	if err != nil {
		r.log.Debug("channel titles unavailable", logx.Err(err))
		return nil
	}
	return chans
}

func (r *Reporter) send(ctx context.Context, ownerID int64, text string) error {
	return r.notify.Notify(ctx, kit.Notification{
		Channel:  notifier.ChannelReport,
		Priority: 5,
		Target:   kit.ChatTarget{ChatID: ownerID},
		Text:     text,
	})
}
