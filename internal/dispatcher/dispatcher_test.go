package dispatcher

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"postbot/internal/model"
	"postbot/internal/notifier"
	"postbot/internal/storage"
)

func TestTickSendsOneLivePerEligibleDestination(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	id := f.item(model.ContentItem{Destinations: []int64{-1001, -1002, -1003}})

	f.tick()

	lives := f.lives(id)
	if len(lives) != 2 {
		t.Fatalf("lives = %d, want 2", len(lives))
	}
	got := map[int64]bool{}
	for _, l := range lives {
		got[l.ChannelID] = true
	}
	if !got[-1001] || !got[-1002] || got[-1003] {
		t.Fatalf("live channels = %v", got)
	}
	if _, err := f.store.GetItem(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("sent item still stored: %v", err)
	}
	if n := len(f.notify.sent); n != 0 {
		t.Fatalf("unexpected owner messages: %d", n)
	}

	f.tick()
	if n := len(f.lives(id)); n != 2 {
		t.Fatalf("second tick changed lives to %d", n)
	}
	if n := f.ops.count("copy"); n != 2 {
		t.Fatalf("copies = %d, want 2", n)
	}
}

func TestSendOverlappingRunsDoNotDuplicate(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	ctx := context.Background()
	id := f.item(model.ContentItem{Destinations: []int64{-1001, -1002}})
	due, err := f.store.ListDueItems(ctx, t0, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %v err=%v", due, err)
	}

	// Two ticks holding the same row.
	for i := 0; i < 2; i++ {
		if err := f.d.send(ctx, due[0]); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if n := len(f.lives(id)); n != 2 {
		t.Fatalf("lives = %d, want 2", n)
	}
	if n := f.ops.count("copy"); n != 2 {
		t.Fatalf("copies = %d, want 2", n)
	}
}

func TestTickSkipsUnitsStillInFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	id := f.item(model.ContentItem{Destinations: []int64{-1001}})
	f.runner.busy["send:"+itoa(id)] = true

	st := f.tick()
	if st.Busy != 1 {
		t.Fatalf("busy = %d, want 1", st.Busy)
	}
	if n := len(f.lives(id)); n != 0 {
		t.Fatalf("busy item was sent: %d lives", n)
	}
}

func TestSendRetriesThenDropsWithSummary(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{MaxSendAttempts: 2})
	f.ops.copyErr[-1001] = errors.New("connection reset")
	id := f.item(model.ContentItem{Destinations: []int64{-1001, -1002}})

	f.tick()
	it, err := f.store.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("item removed after a retryable failure: %v", err)
	}
	if it.Attempts != 1 {
		t.Fatalf("attempts = %d", it.Attempts)
	}
	if n := len(f.notify.sent); n != 0 {
		t.Fatalf("summary sent before the item finished: %d", n)
	}

	f.tick()
	if _, err := f.store.GetItem(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("item kept after the last attempt: %v", err)
	}
	if n := len(f.lives(id)); n != 1 {
		t.Fatalf("lives = %d, want 1", n)
	}
	msgs := f.notify.on(notifier.ChannelOwner)
	if len(msgs) != 1 || msgs[0].Target.ChatID != 42 {
		t.Fatalf("owner messages = %+v", msgs)
	}
	for _, want := range []string{"Failed: 1", "connection reset"} {
		if !strings.Contains(msgs[0].Text, want) {
			t.Fatalf("summary missing %q:\n%s", want, msgs[0].Text)
		}
	}
}

func TestStagedReportsOncePerHorizonInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	id := f.item(model.ContentItem{Destinations: []int64{-1001}, CPMPrice: 500, DeleteAfter: 100 * time.Hour})
	f.tick()

	f.clock.set(t0.Add(80 * time.Hour))
	f.views.set(-1001, 900)
	for i := 0; i < 4; i++ {
		f.tick()
	}

	reports := f.notify.on(notifier.ChannelReport)
	if len(reports) != 3 {
		t.Fatalf("reports = %d, want 3", len(reports))
	}
	for i, h := range []string{"· 24h", "· 48h", "· 72h"} {
		if !strings.Contains(reports[i].Text, h) {
			t.Fatalf("report %d is not %q:\n%s", i, h, reports[i].Text)
		}
	}
	l := f.lives(id)[0]
	for _, h := range model.Horizons {
		if v, ok := l.ViewsAt(h); !l.Sent(h) || !ok || v != 900 {
			t.Fatalf("horizon %d: sent=%v views=%d", h, l.Sent(h), v)
		}
	}
}

func TestDeleteAt30hSendsSingleFinalReport(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	id := f.item(model.ContentItem{
		Destinations: []int64{-1001, -1002},
		CPMPrice:     500,
		DeleteAfter:  30 * time.Hour,
		PinFor:       2 * time.Hour,
	})
	f.tick()
	if n := f.ops.count("pin"); n != 2 {
		t.Fatalf("pins = %d", n)
	}

	f.clock.set(t0.Add(3 * time.Hour))
	f.tick()
	if n := f.ops.count("unpin"); n != 2 {
		t.Fatalf("unpins = %d", n)
	}
	for _, l := range f.lives(id) {
		if l.Pinned {
			t.Fatalf("live %d still pinned", l.ID)
		}
	}

	f.clock.set(t0.Add(24*time.Hour + time.Minute))
	f.views.set(-1001, 400)
	f.views.set(-1002, 600)
	f.tick()
	if n := len(f.notify.on(notifier.ChannelReport)); n != 1 {
		t.Fatalf("staged reports = %d", n)
	}

	f.clock.set(t0.Add(30 * time.Hour))
	f.views.set(-1001, 1000)
	f.views.set(-1002, 2000)
	f.tick()
	f.tick()

	if n := f.ops.count("delete"); n != 2 {
		t.Fatalf("deletes = %d", n)
	}
	var total int64
	for _, l := range f.lives(id) {
		if l.Status != model.LiveDeleted || l.FinalViews == nil {
			t.Fatalf("live %d not retired: %+v", l.ID, l)
		}
		total += *l.FinalViews
	}
	if total != 3000 {
		t.Fatalf("final views = %d", total)
	}
	reports := f.notify.on(notifier.ChannelReport)
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want staged + final", len(reports))
	}
	final := reports[1].Text
	for _, want := range []string{"Final CPM report", "Lifetime: 30 h", "24h: 3000 views · 1500"} {
		if !strings.Contains(final, want) {
			t.Fatalf("final report missing %q:\n%s", want, final)
		}
	}
	if strings.Contains(final, "48h") {
		t.Fatalf("final report lists an uncrossed horizon:\n%s", final)
	}
}

func TestHousekeepingPurgesAbandonedDrafts(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	old := f.item(model.ContentItem{CreatedAt: t0.Add(-8 * 24 * time.Hour)})
	fresh := f.item(model.ContentItem{CreatedAt: t0.Add(-24 * time.Hour)})

	f.tick()

	ctx := context.Background()
	if _, err := f.store.GetItem(ctx, old); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("abandoned draft kept: %v", err)
	}
	if _, err := f.store.GetItem(ctx, fresh); err != nil {
		t.Fatalf("fresh draft purged: %v", err)
	}
}

type brokenUnpins struct {
	storage.Store
}

func (brokenUnpins) ListDueUnpins(context.Context, time.Time, int) ([]model.LiveInstance, error) {
	return nil, errors.New("disk I/O error")
}

func TestScanFailureDoesNotStopOtherRules(t *testing.T) {
	t.Parallel()
	f := newFixtureWithStore(Config{}, brokenUnpins{storage.NewMemory()})
	id := f.item(model.ContentItem{Destinations: []int64{-1001}})

	_, err := f.d.Tick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unpin") {
		t.Fatalf("Tick error = %v", err)
	}
	if n := len(f.lives(id)); n != 1 {
		t.Fatalf("send rule did not run: %d lives", n)
	}
}

func TestRulesOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	got := strings.Join(f.d.Rules(), ",")
	if got != "send,unpin,delete,report,housekeeping" {
		t.Fatalf("rules = %s", got)
	}
}
