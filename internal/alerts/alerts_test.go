package alerts

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"postbot/internal/storage"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestShouldSendWindow(t *testing.T) {
	t.Parallel()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := NewDeduper(6*time.Hour, 100, WithClock(c.now))

	if !d.ShouldSend(EventJoinFailed, 1, -100, "CHANNEL_PRIVATE") {
		t.Fatal("first alert should pass")
	}
	if d.ShouldSend(EventJoinFailed, 1, -100, "CHANNEL_PRIVATE") {
		t.Fatal("repeat inside window should be suppressed")
	}
	if !d.ShouldSend(EventJoinFailed, 1, -100, "FLOOD_WAIT") {
		t.Fatal("different code is a different key")
	}
	c.advance(6 * time.Hour)
	if !d.ShouldSend(EventJoinFailed, 1, -100, "CHANNEL_PRIVATE") {
		t.Fatal("alert should pass again once the window elapsed")
	}
	if allowed, muted := d.Counts(); allowed != 3 || muted != 1 {
		t.Fatalf("counts = %d/%d", allowed, muted)
	}
}

func TestDeduperApplyWindow(t *testing.T) {
	t.Parallel()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := NewDeduper(6*time.Hour, 100, WithClock(c.now))
	d.ShouldSend(EventNoSession, 0, -100, "")
	d.Apply(time.Hour, 0)

	c.advance(2 * time.Hour)
	if d.ShouldSend(EventNoSession, 0, -100, "") {
		t.Fatal("existing mark must keep its expiry")
	}
	d.ShouldSend(EventNoSession, 0, -200, "")
	c.advance(time.Hour)
	if !d.ShouldSend(EventNoSession, 0, -200, "") {
		t.Fatal("new mark should use the shorter window")
	}
}

func TestDeduperCapsEntries(t *testing.T) {
	t.Parallel()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := NewDeduper(time.Hour, 3, WithClock(c.now))
	for i := int64(0); i < 10; i++ {
		c.advance(time.Second)
		d.ShouldSend(EventViewsFailed, i, 0, "x")
	}
	if d.Len() > 3 {
		t.Fatalf("len = %d, want <= 3", d.Len())
	}
}

func TestDeduperConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	d := NewDeduper(time.Hour, 100)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.ShouldSend(EventSessionState, 7, 0, "ERROR") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want 1", wins.Load())
	}
}

func TestDeduperPersistsAcrossInstances(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	defer st.Close()
	c := &clock{t: time.Now()}
	if !NewDeduper(time.Hour, 10, WithClock(c.now), WithStore(st)).ShouldSend(EventNoSession, 0, -5, "") {
		t.Fatal("first alert should pass")
	}
	if NewDeduper(time.Hour, 10, WithClock(c.now), WithStore(st)).ShouldSend(EventNoSession, 0, -5, "") {
		t.Fatal("restarted deduper should remember the key")
	}
}

type recNotifier struct {
	mu sync.Mutex
	ns []kit.Notification
}

func (r *recNotifier) Notify(_ context.Context, n kit.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ns = append(r.ns, n)
	return nil
}

func TestAlerterRaise(t *testing.T) {
	t.Parallel()
	rn := &recNotifier{}
	a := NewAlerter(NewDeduper(time.Hour, 10), rn, kit.ChatTarget{ChatID: 42}, nil, logx.Nop())
	al := Alert{Type: EventSessionState, SessionID: 3, Code: "AUTH_KEY_UNREGISTERED", Text: "ACTIVE -> DISABLED"}
	if !a.Raise(context.Background(), al) || a.Raise(context.Background(), al) {
		t.Fatal("expected exactly one raise to pass")
	}
	if len(rn.ns) != 1 {
		t.Fatalf("notifications = %d", len(rn.ns))
	}
	want := "SESSION STATE\nsession: 3\ncode: AUTH_KEY_UNREGISTERED\nACTIVE -> DISABLED"
	if rn.ns[0].Text != want || rn.ns[0].Target.ChatID != 42 || rn.ns[0].Priority != 9 {
		t.Fatalf("notification = %+v", rn.ns[0])
	}
}
