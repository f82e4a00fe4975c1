package publish

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/model"
	"postbot/internal/sessionpool"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// PreviewLen is the number of visible characters kept as a live preview.
const PreviewLen = 40

type Status string

const (
	StatusDelivered Status = "delivered"
	// StatusExisting means a live copy was already recorded by an earlier run.
	StatusExisting Status = "existing"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// DeliveryResult is the outcome for one destination.
type DeliveryResult struct {
	ChannelID int64
	Status    Status
	LiveID    int64
	MessageID int
	Err       error
	// Retry is set when a later run may succeed.
	Retry bool
}

// Store is the persistence the fan-out needs.
type Store interface {
	MirrorStore
	UpdateItemPayload(ctx context.Context, id int64, p kit.Payload) error
	FindLive(ctx context.Context, itemID, channelID int64) (*model.LiveInstance, error)
	CreateLive(ctx context.Context, l *model.LiveInstance) (int64, bool, error)
	ListLiveByItem(ctx context.Context, itemID int64) ([]model.LiveInstance, error)
	SetLiveMessage(ctx context.Context, id int64, messageID int) error
	AddReceipts(ctx context.Context, rs []model.BroadcastReceipt) error
}

type Option func(*Fanout)

func WithClock(now func() time.Time) Option { return func(f *Fanout) { f.now = now } }

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fanout) { f.sleep = fn }
}

func WithBus(bus eventbus.Bus) Option { return func(f *Fanout) { f.bus = bus } }

// Fanout delivers one item into its destinations, one after another.
type Fanout struct {
	store  Store
	ops    kit.ChannelOps
	mirror *Mirror
	kinds  Kinds
	delay  atomic.Int64
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	bus    eventbus.Bus
	log    logx.Logger
}

func NewFanout(store Store, ops kit.ChannelOps, mirror *Mirror, kinds Kinds, sendDelay time.Duration, log logx.Logger, opts ...Option) *Fanout {
	f := &Fanout{
		store:  store,
		ops:    ops,
		mirror: mirror,
		kinds:  kinds,
		now:    time.Now,
		sleep:  sleepCtx,
		log:    log.Component("fanout"),
	}
	f.delay.Store(int64(sendDelay))
	for _, o := range opts {
		o(f)
	}
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetSendDelay changes the pause between two destinations of one item.
func (f *Fanout) SetSendDelay(d time.Duration) { f.delay.Store(int64(d)) }

func (f *Fanout) Kinds() Kinds { return f.kinds }

// Publish delivers it to every eligible destination. Destinations already
// holding a live copy are not sent again. A failure in one destination
// never stops the others.
func (f *Fanout) Publish(ctx context.Context, it *model.ContentItem) ([]DeliveryResult, error) {
	kind, err := f.kinds.Get(it.Kind)
	if err != nil {
		return nil, err
	}
	log := f.log.With(logx.ItemID(it.ID), logx.String("kind", string(it.Kind)))

	ok, skipped, err := kind.Eligible(ctx, it)
	if err != nil {
		return nil, fmt.Errorf("resolve destinations: %w", err)
	}
	results := make([]DeliveryResult, 0, len(ok)+len(skipped))
	for _, id := range skipped {
		results = append(results, DeliveryResult{ChannelID: id, Status: StatusSkipped})
	}
	if len(ok) > 0 && kind.UsesBackup() {
		if err := f.mirror.EnsureBackup(ctx, it); err != nil {
			log.Warn("backup unavailable; sending directly", logx.Err(err))
		}
	}

	delay := time.Duration(f.delay.Load())
	for i, dest := range ok {
		if i > 0 {
			if err := f.sleep(ctx, delay); err != nil {
				for _, rest := range ok[i:] {
					results = append(results, DeliveryResult{ChannelID: rest, Status: StatusFailed, Err: err, Retry: true})
				}
				break
			}
		}
		r := f.deliver(ctx, kind, it, dest)
		if r.Err != nil {
			log.Warn("delivery failed", logx.ChannelID(dest), logx.Bool("retry", r.Retry), logx.Err(r.Err))
		}
		results = append(results, r)
	}

	c := Count(results)
	log.Info("fan-out finished", logx.Int("delivered", c.Delivered), logx.Int("existing", c.Existing), logx.Int("failed", c.Failed), logx.Int("skipped", c.Skipped))
	if f.bus != nil {
		f.bus.Publish(eventbus.Event{Type: eventbus.TypeItemPublished, Data: eventbus.ItemPublished{
			ItemID: it.ID, Delivered: c.Delivered + c.Existing, Failed: c.Failed, Skipped: c.Skipped,
		}})
	}
	return results, nil
}

func (f *Fanout) deliver(ctx context.Context, kind Kind, it *model.ContentItem, dest int64) DeliveryResult {
	res := DeliveryResult{ChannelID: dest}
	if l, err := f.store.FindLive(ctx, it.ID, dest); err == nil {
		res.Status, res.LiveID, res.MessageID = StatusExisting, l.ID, l.MessageID
		return res
	} else if !errors.Is(err, storage.ErrNotFound) {
		res.Status, res.Err, res.Retry = StatusFailed, fmt.Errorf("find live: %w", err), true
		return res
	}

	d, err := kind.SendTo(ctx, it, dest)
	if err != nil {
		res.Status, res.Err, res.Retry = StatusFailed, err, retryable(err)
		return res
	}

	now := f.now()
	live := &model.LiveInstance{
		ItemID:    it.ID,
		Kind:      it.Kind,
		OwnerID:   it.OwnerID,
		ChannelID: dest,
		MessageID: d.MessageID,
		Preview:   it.Preview(PreviewLen),
		Backup:    it.Backup,
		CreatedAt: now,
		Status:    model.LiveActive,
	}
	if after := retireAfter(it); after > 0 {
		at := now.Add(after)
		live.DeleteAt = &at
	}
	// CPM is only tracked for copies with a deletion time.
	if kind.SupportsCPM() && it.CPMPrice > 0 && live.DeleteAt != nil {
		live.CPMPrice = it.CPMPrice
	}
	if kind.SupportsPinning() && it.PinFor > 0 {
		if err := f.ops.Pin(ctx, live.Ref(), true); err != nil {
			f.log.Warn("pin failed", logx.ItemID(it.ID), logx.ChannelID(dest), logx.Err(err))
		} else {
			at := now.Add(it.PinFor)
			live.Pinned, live.UnpinAt = true, &at
		}
	}

	id, created, err := f.store.CreateLive(ctx, live)
	if err != nil {
		// The copy exists on the platform; resending would duplicate it.
		res.Status, res.Err, res.MessageID = StatusFailed, fmt.Errorf("record live: %w", err), d.MessageID
		return res
	}
	if !created {
		f.log.Warn("live copy recorded concurrently", logx.ItemID(it.ID), logx.ChannelID(dest), logx.LiveID(id))
	}
	if len(d.Receipts) > 0 {
		for i := range d.Receipts {
			d.Receipts[i].LiveID = id
		}
		if err := f.store.AddReceipts(ctx, d.Receipts); err != nil {
			f.log.Error("broadcast receipts not stored", logx.LiveID(id), logx.Int("count", len(d.Receipts)), logx.Err(err))
		}
	}
	res.Status, res.LiveID, res.MessageID = StatusDelivered, id, d.MessageID
	return res
}

// retireAfter is the lifetime of a copy. Stories expire on the platform
// after their period, so their rows retire with them.
func retireAfter(it *model.ContentItem) time.Duration {
	if it.DeleteAfter > 0 {
		return it.DeleteAfter
	}
	if it.Kind == model.KindStory {
		if it.Story.Period > 0 {
			return it.Story.Period
		}
		return 24 * time.Hour
	}
	return 0
}

func retryable(err error) bool {
	if errors.Is(err, sessionpool.ErrCannotPost) || errors.Is(err, sessionpool.ErrNoChannelLink) {
		return false
	}
	var pe *sessionpool.Error
	if errors.As(err, &pe) {
		return pe.Kind == sessionpool.FailFlood || pe.Kind == sessionpool.FailOther
	}
	return kit.Retryable(err)
}

// Counts summarizes delivery results.
type Counts struct {
	Delivered, Existing, Skipped, Failed, Retryable int
}

func Count(rs []DeliveryResult) Counts {
	var c Counts
	for _, r := range rs {
		switch r.Status {
		case StatusDelivered:
			c.Delivered++
		case StatusExisting:
			c.Existing++
		case StatusSkipped:
			c.Skipped++
		case StatusFailed:
			c.Failed++
			if r.Retry {
				c.Retryable++
			}
		}
	}
	return c
}
