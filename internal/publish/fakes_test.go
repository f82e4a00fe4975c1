package publish

import (
	"context"
	"sync"
	"time"

	"postbot/internal/model"
	"postbot/internal/sessionpool"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

const archiveChat = int64(-1009999)

type call struct {
	op   string
	from kit.MessageRef
	to   kit.MessageRef
}

type fakeOps struct {
	mu      sync.Mutex
	next    int
	calls   []call
	sendErr map[int64]error
	copyErr map[int64]error
	editErr map[int64]error
	delErr  map[int64]error
	pinErr  error
}

func newFakeOps() *fakeOps {
	return &fakeOps{next: 100, sendErr: map[int64]error{}, copyErr: map[int64]error{}, editErr: map[int64]error{}, delErr: map[int64]error{}}
}

func (f *fakeOps) msg(chat int64) kit.MessageRef {
	f.next++
	return kit.MessageRef{ChatID: chat, MessageID: f.next}
}

func (f *fakeOps) SendPayload(_ context.Context, to kit.ChatTarget, _ kit.Payload) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	ref := f.msg(to.ChatID)
	f.calls = append(f.calls, call{op: "send", to: ref})
	return ref, nil
}

func (f *fakeOps) CopyMessage(_ context.Context, from kit.MessageRef, to kit.ChatTarget, _ kit.Payload) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.copyErr[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	ref := f.msg(to.ChatID)
	f.calls = append(f.calls, call{op: "copy", from: from, to: ref})
	return ref, nil
}

func (f *fakeOps) EditPayload(_ context.Context, ref kit.MessageRef, _ kit.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.editErr[ref.ChatID]; err != nil {
		return err
	}
	f.calls = append(f.calls, call{op: "edit", to: ref})
	return nil
}

func (f *fakeOps) Pin(_ context.Context, ref kit.MessageRef, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinErr != nil {
		return f.pinErr
	}
	f.calls = append(f.calls, call{op: "pin", to: ref})
	return nil
}

func (f *fakeOps) Unpin(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "unpin", to: ref})
	return nil
}

func (f *fakeOps) Delete(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "delete", to: ref})
	return f.delErr[ref.ChatID]
}

func (f *fakeOps) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (f *fakeOps) ops(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakePoster struct {
	err   error
	posts []int64
}

func (p *fakePoster) PostStory(_ context.Context, channelID int64, _ sessionpool.Story) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.posts = append(p.posts, channelID)
	return len(p.posts), nil
}

type fixture struct {
	store  storage.Store
	ops    *fakeOps
	fanout *Fanout
	now    time.Time
	sleeps []time.Duration
}

func newFixture(poster StoryPoster) *fixture {
	f := &fixture{
		store: storage.NewMemory(),
		ops:   newFakeOps(),
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	log := logx.Nop()
	mirror := NewMirror(f.ops, f.store, kit.ChatTarget{ChatID: archiveChat}, log)
	kinds := NewKinds(NewPostKind(f.ops, mirror, f.store))
	if poster != nil {
		kinds[model.KindStory] = NewStoryKind(poster, f.store)
	}
	f.fanout = NewFanout(f.store, f.ops, mirror, kinds, 50*time.Millisecond, log,
		WithClock(func() time.Time { return f.now }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		}),
	)
	return f
}

func (f *fixture) channels(subscribed map[int64]bool) {
	for id, sub := range subscribed {
		_ = f.store.UpsertChannel(context.Background(), model.Channel{ChatID: id, Title: "chan", Subscribed: sub})
	}
}

func (f *fixture) item(it model.ContentItem) *model.ContentItem {
	if it.Kind == "" {
		it.Kind = model.KindPost
	}
	if it.Payload.Text == "" {
		it.Payload = kit.Payload{Text: "<b>Hello</b> world"}
	}
	if _, err := f.store.CreateItem(context.Background(), &it); err != nil {
		panic(err)
	}
	return &it
}
