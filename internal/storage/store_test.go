package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postbot/internal/model"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) { fn(t, st) })
	}
}

func TestItemLifecycle(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		future := now.Add(time.Hour)
		due := &model.ContentItem{Kind: model.KindPost, OwnerID: 7, Payload: kit.Payload{Text: "a"}, Destinations: []int64{-1001, -1002}, CPMPrice: 500, DeleteAfter: 30 * time.Hour}
		later := &model.ContentItem{Kind: model.KindPost, OwnerID: 7, Payload: kit.Payload{Text: "b"}, Destinations: []int64{-1001}, SendAt: &future}
		draft := &model.ContentItem{Kind: model.KindPost, OwnerID: 7, Payload: kit.Payload{Text: "c"}, CreatedAt: now.Add(-8 * 24 * time.Hour)}
		for _, it := range []*model.ContentItem{due, later, draft} {
			if _, err := st.CreateItem(ctx, it); err != nil {
				t.Fatalf("CreateItem: %v", err)
			}
		}

		items, err := st.ListDueItems(ctx, now, 10)
		if err != nil {
			t.Fatalf("ListDueItems: %v", err)
		}
		if len(items) != 1 || items[0].ID != due.ID {
			t.Fatalf("due items = %+v, want only %d", items, due.ID)
		}
		got := items[0]
		if got.DeleteAfter != 30*time.Hour || got.CPMPrice != 500 || len(got.Destinations) != 2 || got.Payload.Text != "a" {
			t.Fatalf("round trip mismatch: %+v", got)
		}

		ref := kit.MessageRef{ChatID: -100999, MessageID: 5}
		ok, err := st.SetBackupRef(ctx, due.ID, ref)
		if err != nil || !ok {
			t.Fatalf("SetBackupRef first = %v, %v", ok, err)
		}
		ok, err = st.SetBackupRef(ctx, due.ID, kit.MessageRef{ChatID: -100999, MessageID: 6})
		if err != nil || ok {
			t.Fatalf("SetBackupRef second = %v, %v; want false", ok, err)
		}
		it, err := st.GetItem(ctx, due.ID)
		if err != nil {
			t.Fatalf("GetItem: %v", err)
		}
		if it.Backup == nil || *it.Backup != ref {
			t.Fatalf("backup = %+v, want %+v", it.Backup, ref)
		}

		if n, err := st.BumpItemAttempts(ctx, due.ID); err != nil || n != 1 {
			t.Fatalf("BumpItemAttempts = %d, %v", n, err)
		}

		n, err := st.PurgeAbandonedItems(ctx, now.Add(-7*24*time.Hour))
		if err != nil || n != 1 {
			t.Fatalf("PurgeAbandonedItems = %d, %v; want 1", n, err)
		}
		if err := st.DeleteItem(ctx, due.ID); err != nil {
			t.Fatalf("DeleteItem: %v", err)
		}
		if _, err := st.GetItem(ctx, due.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetItem after delete = %v, want ErrNotFound", err)
		}
	})
}

func TestCreateItemValidates(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		cases := []struct {
			name string
			it   model.ContentItem
			want error
		}{
			{"cpm without delete", model.ContentItem{Kind: model.KindPost, Payload: kit.Payload{Text: "a"}, CPMPrice: 500}, model.ErrCPMWithoutDelete},
			{"empty post", model.ContentItem{Kind: model.KindPost}, model.ErrEmptyPayload},
			{"story without media", model.ContentItem{Kind: model.KindStory}, model.ErrEmptyPayload},
			{"unknown kind", model.ContentItem{Kind: "poll", Payload: kit.Payload{Text: "a"}}, model.ErrUnknownKind},
		}
		for _, tc := range cases {
			it := tc.it
			if _, err := st.CreateItem(ctx, &it); !errors.Is(err, tc.want) {
				t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
			}
			if it.ID != 0 {
				t.Fatalf("%s: invalid item got id %d", tc.name, it.ID)
			}
		}
	})
}

func TestLiveConditionalUpdates(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		created := time.Now().Add(-73 * time.Hour)
		del := created.Add(100 * time.Hour)
		unpin := time.Now().Add(-time.Minute)
		l := &model.LiveInstance{ItemID: 1, Kind: model.KindPost, OwnerID: 7, ChannelID: -1001, MessageID: 10, CreatedAt: created, DeleteAt: &del, CPMPrice: 500, Pinned: true, UnpinAt: &unpin}
		id, created1, err := st.CreateLive(ctx, l)
		if err != nil || !created1 {
			t.Fatalf("CreateLive = %d, %v, %v", id, created1, err)
		}
		dup := *l
		dup.ID = 0
		id2, created2, err := st.CreateLive(ctx, &dup)
		if err != nil || created2 || id2 != id {
			t.Fatalf("duplicate CreateLive = %d, %v, %v; want %d,false", id2, created2, err, id)
		}

		cands, err := st.ListReportCandidates(ctx, time.Now(), 10)
		if err != nil || len(cands) != 1 {
			t.Fatalf("ListReportCandidates = %d, %v", len(cands), err)
		}

		ok, err := st.RecordHorizon(ctx, id, model.H24, 100)
		if err != nil || !ok {
			t.Fatalf("RecordHorizon = %v, %v", ok, err)
		}
		ok, err = st.RecordHorizon(ctx, id, model.H24, 200)
		if err != nil || ok {
			t.Fatalf("second RecordHorizon = %v, %v; want false", ok, err)
		}
		got, err := st.GetLive(ctx, id)
		if err != nil {
			t.Fatalf("GetLive: %v", err)
		}
		if v, ok := got.ViewsAt(model.H24); !ok || v != 100 || !got.Sent(model.H24) {
			t.Fatalf("views_24h = %d,%v sent=%v", v, ok, got.Sent(model.H24))
		}

		pins, err := st.ListDueUnpins(ctx, time.Now(), 10)
		if err != nil || len(pins) != 1 {
			t.Fatalf("ListDueUnpins = %d, %v", len(pins), err)
		}
		if ok, _ := st.MarkUnpinned(ctx, id); !ok {
			t.Fatal("MarkUnpinned should apply once")
		}
		if ok, _ := st.MarkUnpinned(ctx, id); ok {
			t.Fatal("MarkUnpinned should not apply twice")
		}

		if err := st.SetLiveMessage(ctx, id, 11); err != nil {
			t.Fatalf("SetLiveMessage: %v", err)
		}
		final := int64(900)
		now := time.Now()
		if ok, err := st.MarkDeleted(ctx, id, now, &final); err != nil || !ok {
			t.Fatalf("MarkDeleted = %v, %v", ok, err)
		}
		if ok, _ := st.MarkDeleted(ctx, id, now, &final); ok {
			t.Fatal("MarkDeleted must not apply to a deleted row")
		}
		got, _ = st.GetLive(ctx, id)
		if got.Status != model.LiveDeleted || got.MessageID != 11 || got.FinalViews == nil || *got.FinalViews != 900 {
			t.Fatalf("deleted row = %+v", got)
		}
		if rows, _ := st.ListDueDeletes(ctx, now.Add(200*time.Hour), 10); len(rows) != 0 {
			t.Fatalf("deleted rows must not be due, got %d", len(rows))
		}
	})
}

func TestReportCandidatesOnlyDueHorizons(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Now()
		add := func(itemID int64, age time.Duration) int64 {
			t.Helper()
			created := now.Add(-age)
			del := created.Add(100 * time.Hour)
			l := &model.LiveInstance{ItemID: itemID, Kind: model.KindPost, OwnerID: 7, ChannelID: -1001, MessageID: 10, CreatedAt: created, DeleteAt: &del, CPMPrice: 500}
			id, _, err := st.CreateLive(ctx, l)
			if err != nil {
				t.Fatalf("CreateLive: %v", err)
			}
			return id
		}
		// Two copies between horizons fill the limit if not filtered out.
		for _, itemID := range []int64{1, 2} {
			id := add(itemID, 30*time.Hour)
			if ok, err := st.RecordHorizon(ctx, id, model.H24, 100); err != nil || !ok {
				t.Fatalf("RecordHorizon = %v, %v", ok, err)
			}
		}
		due := add(3, 25*time.Hour)
		add(4, 3*time.Hour)

		cands, err := st.ListReportCandidates(ctx, now, 2)
		if err != nil {
			t.Fatalf("ListReportCandidates: %v", err)
		}
		if len(cands) != 1 || cands[0].ID != due {
			t.Fatalf("candidates = %+v, want only %d", cands, due)
		}
	})
}

func TestDeleteReceiptsKeepsOthers(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rs := []model.BroadcastReceipt{
			{LiveID: 9, ChatID: 1, MessageID: 10},
			{LiveID: 9, ChatID: 2, MessageID: 20},
			{LiveID: 9, ChatID: 3, MessageID: 30},
			{LiveID: 8, ChatID: 1, MessageID: 11},
		}
		if err := st.AddReceipts(ctx, rs); err != nil {
			t.Fatalf("AddReceipts: %v", err)
		}
		if err := st.DeleteReceipts(ctx, 9, []int64{1, 3}); err != nil {
			t.Fatalf("DeleteReceipts: %v", err)
		}
		got, err := st.ListReceipts(ctx, 9)
		if err != nil {
			t.Fatalf("ListReceipts: %v", err)
		}
		if len(got) != 1 || got[0].ChatID != 2 || got[0].MessageID != 20 {
			t.Fatalf("receipts = %+v, want only chat 2", got)
		}
		other, _ := st.ListReceipts(ctx, 8)
		if len(other) != 1 {
			t.Fatalf("other live receipts = %+v", other)
		}
	})
}

func TestSessionsAndPreferredMembership(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := &model.ClientSession{Alias: "a", Pool: model.PoolInternal}
		b := &model.ClientSession{Alias: "b", Pool: model.PoolInternal}
		for _, s := range []*model.ClientSession{a, b} {
			if _, err := st.CreateSession(ctx, s); err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
		}
		now := time.Now()
		ok, err := st.UpdateSession(ctx, a.ID, model.SessionUpdate{From: []model.SessionStatus{model.SessionActive}, Status: model.SessionError})
		if err != nil || ok {
			t.Fatalf("guarded update from wrong status = %v, %v", ok, err)
		}
		ok, err = st.UpdateSession(ctx, a.ID, model.SessionUpdate{From: []model.SessionStatus{model.SessionNew}, Status: model.SessionActive, CheckedAt: &now})
		if err != nil || !ok {
			t.Fatalf("UpdateSession = %v, %v", ok, err)
		}
		got, _ := st.GetSession(ctx, a.ID)
		if got.Status != model.SessionActive || got.LastCheckAt == nil {
			t.Fatalf("session = %+v", got)
		}

		if _, err := st.LoadSessionData(ctx, a.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("LoadSessionData empty = %v", err)
		}
		if err := st.StoreSessionData(ctx, a.ID, []byte("blob")); err != nil {
			t.Fatalf("StoreSessionData: %v", err)
		}
		if data, err := st.LoadSessionData(ctx, a.ID); err != nil || string(data) != "blob" {
			t.Fatalf("LoadSessionData = %q, %v", data, err)
		}

		const ch = int64(-1001)
		for _, s := range []*model.ClientSession{a, b} {
			if err := st.UpsertMembership(ctx, model.ChannelMembership{SessionID: s.ID, ChannelID: ch, IsMember: true, LastJoinedAt: &now, AccessHash: 42}); err != nil {
				t.Fatalf("UpsertMembership: %v", err)
			}
		}

		var wg sync.WaitGroup
		wins := make(chan bool, 2)
		for _, s := range []*model.ClientSession{a, b} {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				ok, err := st.ClaimPreferred(ctx, id, ch)
				if err != nil {
					t.Errorf("ClaimPreferred: %v", err)
				}
				wins <- ok
			}(s.ID)
		}
		wg.Wait()
		close(wins)
		n := 0
		for w := range wins {
			if w {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("preferred claims won = %d, want 1", n)
		}

		mbs, err := st.ListMemberships(ctx, ch)
		if err != nil || len(mbs) != 2 {
			t.Fatalf("ListMemberships = %d, %v", len(mbs), err)
		}
		preferred := 0
		for _, m := range mbs {
			if m.PreferredForStats {
				preferred++
			}
			if m.AccessHash != 42 {
				t.Fatalf("access hash = %d", m.AccessHash)
			}
		}
		if preferred != 1 {
			t.Fatalf("preferred memberships = %d, want 1", preferred)
		}

		// Upsert keeps the preferred flag untouched.
		if err := st.UpsertMembership(ctx, model.ChannelMembership{SessionID: a.ID, ChannelID: ch, IsMember: true, IsAdmin: true}); err != nil {
			t.Fatalf("UpsertMembership: %v", err)
		}
		m, _ := st.GetMembership(ctx, a.ID, ch)
		if !m.IsAdmin || m.AccessHash != 42 {
			t.Fatalf("membership after upsert = %+v", m)
		}

		if n, err := st.DeleteSessionMemberships(ctx, a.ID); err != nil || n != 1 {
			t.Fatalf("DeleteSessionMemberships = %d, %v", n, err)
		}
	})
}

func TestChannelsOwnersAudience(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		_ = st.UpsertChannel(ctx, model.Channel{ChatID: -1001, Title: "one", Subscribed: true})
		_ = st.UpsertChannel(ctx, model.Channel{ChatID: -1002, Title: "two"})
		chans, err := st.GetChannels(ctx, []int64{-1001, -1002, -1003})
		if err != nil || len(chans) != 2 {
			t.Fatalf("GetChannels = %d, %v", len(chans), err)
		}
		subs, err := st.ListSubscribedChannels(ctx)
		if err != nil || len(subs) != 1 || subs[0].ChatID != -1001 {
			t.Fatalf("ListSubscribedChannels = %+v, %v", subs, err)
		}
		if err := st.UpdateChannelStats(ctx, -1001, [3]int64{10, 20, 30}, time.Now()); err != nil {
			t.Fatalf("UpdateChannelStats: %v", err)
		}
		c, _ := st.GetChannel(ctx, -1001)
		if c.Stats != [3]int64{10, 20, 30} || c.StatsUpdatedAt == nil {
			t.Fatalf("stats = %+v", c)
		}

		if _, err := st.GetOwner(ctx, 7); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetOwner missing = %v", err)
		}
		_ = st.UpsertOwner(ctx, model.Owner{ID: 7, ExchangeRate: 90, Currency: "RUB"})
		o, err := st.GetOwner(ctx, 7)
		if err != nil || o.Rate() != 90 {
			t.Fatalf("GetOwner = %+v, %v", o, err)
		}

		_ = st.AddAudience(ctx, 5, []int64{3, 1, 2, 1})
		ids, err := st.ListAudience(ctx, 5)
		if err != nil || len(ids) != 3 || ids[0] != 1 {
			t.Fatalf("ListAudience = %v, %v", ids, err)
		}

		until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
		_ = st.PutDedup(ctx, "k", until)
		got, ok, err := st.GetDedup(ctx, "k")
		if err != nil || !ok || !got.Equal(until) {
			t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
		}
	})
}

func TestRebind(t *testing.T) {
	t.Parallel()
	q := "SELECT a FROM t WHERE x = ? AND y IN (?,?)"
	if got := dialectSQLite.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
	want := "SELECT a FROM t WHERE x = $1 AND y IN ($2,$3)"
	if got := dialectPostgres.rebind(q); got != want {
		t.Fatalf("postgres rebind = %q, want %q", got, want)
	}
	cond, args := dialectSQLite.inInt64("id", []int64{1, 2})
	if cond != "id IN (?,?)" || len(args) != 2 {
		t.Fatalf("sqlite in = %q %v", cond, args)
	}
	cond, args = dialectPostgres.inInt64("id", []int64{1, 2})
	if cond != "id = ANY(?)" || len(args) != 1 {
		t.Fatalf("postgres in = %q %v", cond, args)
	}
}
