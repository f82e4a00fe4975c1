package dispatcher

import (
	"context"
	"strconv"
	"sync"
	"time"

	"postbot/internal/model"
	"postbot/internal/publish"
	"postbot/internal/reporter"
	"postbot/internal/sessionpool"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeOps struct {
	mu      sync.Mutex
	next    int
	calls   map[string]int
	copyErr map[int64]error
}

func newFakeOps() *fakeOps {
	return &fakeOps{next: 100, calls: map[string]int{}, copyErr: map[int64]error{}}
}

func (f *fakeOps) ref(op string, chat int64) kit.MessageRef {
	f.next++
	f.calls[op]++
	return kit.MessageRef{ChatID: chat, MessageID: f.next}
}

func (f *fakeOps) SendPayload(_ context.Context, to kit.ChatTarget, _ kit.Payload) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ref("send", to.ChatID), nil
}

func (f *fakeOps) CopyMessage(_ context.Context, _ kit.MessageRef, to kit.ChatTarget, _ kit.Payload) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.copyErr[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	return f.ref("copy", to.ChatID), nil
}

func (f *fakeOps) note(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return nil
}

func (f *fakeOps) EditPayload(context.Context, kit.MessageRef, kit.Payload) error { return f.note("edit") }
func (f *fakeOps) Pin(context.Context, kit.MessageRef, bool) error { return f.note("pin") }
func (f *fakeOps) Unpin(context.Context, kit.MessageRef) error { return f.note("unpin") }
func (f *fakeOps) Delete(context.Context, kit.MessageRef) error { return f.note("delete") }

func (f *fakeOps) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// fakeViews reports one counter per channel whatever the message.
type fakeViews struct {
	mu    sync.Mutex
	views map[int64]int64
}

func (f *fakeViews) set(ch, v int64) {
	f.mu.Lock()
	f.views[ch] = v
	f.mu.Unlock()
}

func (f *fakeViews) Views(_ context.Context, ch int64, ids []int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(ids))
	for i := range ids {
		out[i] = f.views[ch]
	}
	return out, nil
}

func (f *fakeViews) History(context.Context, int64, time.Time, int) ([]sessionpool.HistoryPost, error) {
	return nil, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []kit.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, msg kit.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) on(channel string) []kit.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []kit.Notification
	for _, m := range n.sent {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}

// inlineRunner runs units synchronously. Keys in busy count as in flight.
type inlineRunner struct {
	mu   sync.Mutex
	busy map[string]bool
	errs []error
}

func (r *inlineRunner) TryGo(key, _ string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if r.busy[key] {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	if err := fn(context.Background()); err != nil {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}
	return true
}

type fixture struct {
	store  storage.Store
	ops    *fakeOps
	views  *fakeViews
	notify *fakeNotifier
	runner *inlineRunner
	clock  *clock
	d      *Dispatcher
}

func newFixture(cfg Config) *fixture {
	return newFixtureWithStore(cfg, storage.NewMemory())
}

func newFixtureWithStore(cfg Config, st storage.Store) *fixture {
	f := &fixture{
		store:  st,
		ops:    newFakeOps(),
		views:  &fakeViews{views: map[int64]int64{}},
		notify: &fakeNotifier{},
		runner: &inlineRunner{busy: map[string]bool{}},
		clock:  &clock{t: t0},
	}
	log := logx.Nop()
	ctx := context.Background()
	_ = st.UpsertChannel(ctx, model.Channel{ChatID: -1001, Title: "Daily News", Subscribed: true})
	_ = st.UpsertChannel(ctx, model.Channel{ChatID: -1002, Title: "Tech Digest", Subscribed: true})
	_ = st.UpsertChannel(ctx, model.Channel{ChatID: -1003, Title: "Lapsed", Subscribed: false})

	mirror := publish.NewMirror(f.ops, st, kit.ChatTarget{ChatID: -1009999}, log)
	kinds := publish.NewKinds(publish.NewPostKind(f.ops, mirror, st))
	fanout := publish.NewFanout(st, f.ops, mirror, kinds, 0, log,
		publish.WithClock(f.clock.now),
		publish.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	rep := reporter.New(reporter.Config{}, st, f.views, f.notify, log, reporter.WithClock(f.clock.now))
	f.d = New(cfg, st, fanout, f.ops, rep, f.notify, f.runner, log, WithClock(f.clock.now))
	return f
}

func (f *fixture) item(it model.ContentItem) int64 {
	if it.Kind == "" {
		it.Kind = model.KindPost
	}
	if it.Payload.Text == "" {
		it.Payload = kit.Payload{Text: "Spring sale"}
	}
	if it.OwnerID == 0 {
		it.OwnerID = 42
	}
	id, err := f.store.CreateItem(context.Background(), &it)
	if err != nil {
		panic(err)
	}
	return id
}

func (f *fixture) tick() TickStats {
	st, err := f.d.Tick(context.Background())
	if err != nil {
		panic(err)
	}
	return st
}

func (f *fixture) lives(itemID int64) []model.LiveInstance {
	ls, err := f.store.ListLiveByItem(context.Background(), itemID)
	if err != nil {
		panic(err)
	}
	return ls
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
