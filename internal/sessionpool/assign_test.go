package sessionpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"postbot/internal/alerts"
	"postbot/internal/model"
)

const chanID = int64(-1001234)

func (f *fixture) channel(t *testing.T, handle, invite string) {
	t.Helper()
	if err := f.store.UpsertChannel(context.Background(), model.Channel{ChatID: chanID, Handle: handle, InviteLink: invite, Subscribed: true}); err != nil {
		t.Fatal(err)
	}
}

func TestAssignPrefersNonMemberAndFallsBackToInvite(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.channel(t, "news", "https://t.me/+abc")
	ctx := context.Background()

	member := f.session(t, model.PoolExternal, model.SessionActive, &fakeConn{})
	if err := f.store.UpsertMembership(ctx, model.ChannelMembership{SessionID: member, ChannelID: chanID, IsMember: true}); err != nil {
		t.Fatal(err)
	}
	joiner := &fakeConn{
		handleErr: []error{&Error{Kind: FailOther, Code: "USERNAME_INVALID"}},
		access:    Access{PeerID: 1234, AccessHash: 99},
		perms:     Permissions{CanPostMessages: true},
	}
	fresh := f.session(t, model.PoolExternal, model.SessionActive, joiner)
	f.session(t, model.PoolInternal, model.SessionActive, &fakeConn{})

	lease, err := f.manager.Assign(ctx, chanID, model.PoolExternal)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if lease.Session.ID != fresh {
		t.Fatalf("assigned session %d, want non-member %d", lease.Session.ID, fresh)
	}
	if got := joiner.calls; len(got) != 2 || got[0] != "handle" || got[1] != "invite" {
		t.Fatalf("calls = %v", got)
	}
	mb, err := f.store.GetMembership(ctx, fresh, chanID)
	if err != nil {
		t.Fatal(err)
	}
	if !mb.IsMember || mb.AccessHash != 99 || !mb.CanPostMessages || !mb.PreferredForStats {
		t.Fatalf("membership = %+v", mb)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("unexpected backoff %v", f.sleeps)
	}
}

func TestAssignKeepsExistingPreferred(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.channel(t, "news", "")
	ctx := context.Background()
	first := f.session(t, model.PoolExternal, model.SessionActive, &fakeConn{})
	_ = f.store.UpsertMembership(ctx, model.ChannelMembership{SessionID: first, ChannelID: chanID, IsMember: true})
	if ok, _ := f.store.ClaimPreferred(ctx, first, chanID); !ok {
		t.Fatal("claim failed")
	}
	second := f.session(t, model.PoolExternal, model.SessionActive, &fakeConn{})

	if _, err := f.manager.Assign(ctx, chanID, model.PoolExternal); err != nil {
		t.Fatal(err)
	}
	mb, _ := f.store.GetMembership(ctx, second, chanID)
	if mb.PreferredForStats {
		t.Fatal("second member must not become preferred")
	}
}

func TestAssignExhaustsWithLinearBackoff(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.channel(t, "news", "https://t.me/+abc")
	fail := &Error{Kind: FailOther, Code: "CHANNEL_PRIVATE"}
	conn := &fakeConn{handleErr: []error{fail}, inviteErr: []error{fail}}
	id := f.session(t, model.PoolExternal, model.SessionActive, conn)

	_, err := f.manager.Assign(context.Background(), chanID, model.PoolExternal)
	if !errors.Is(err, ErrJoinExhausted) {
		t.Fatalf("err = %v, want ErrJoinExhausted", err)
	}
	if len(conn.calls) != 6 {
		t.Fatalf("calls = %v, want 3 attempts of handle+invite", conn.calls)
	}
	if len(f.sleeps) != 2 || f.sleeps[0] != time.Second || f.sleeps[1] != 2*time.Second {
		t.Fatalf("backoff = %v", f.sleeps)
	}
	if types := f.alerts.types(); len(types) != 1 || types[0] != alerts.EventJoinFailed {
		t.Fatalf("alerts = %v", types)
	}
	if f.alerts.got[0].Code != "CHANNEL_PRIVATE" {
		t.Fatalf("alert code = %q", f.alerts.got[0].Code)
	}
	mb, err := f.store.GetMembership(context.Background(), id, chanID)
	if err != nil || mb.IsMember || mb.LastErrorCode != "CHANNEL_PRIVATE" {
		t.Fatalf("membership = %+v, %v", mb, err)
	}
}

func TestAssignSkipsFloodedSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.channel(t, "news", "")
	flooded := &fakeConn{handleErr: []error{&Error{Kind: FailFlood, Code: "FLOOD_WAIT", Wait: time.Hour}}}
	a := f.session(t, model.PoolExternal, model.SessionActive, flooded)
	b := f.session(t, model.PoolExternal, model.SessionActive, &fakeConn{})
	used := t0.Add(-time.Minute)
	_ = f.store.TouchSession(context.Background(), b, used)

	lease, err := f.manager.Assign(context.Background(), chanID, model.PoolExternal)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if lease.Session.ID != b {
		t.Fatalf("assigned %d, want %d", lease.Session.ID, b)
	}
	if s := f.status(t, a); s.Status != model.SessionTempBlocked {
		t.Fatalf("flooded session status = %s", s.Status)
	}
}

func TestAssignWithoutSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.channel(t, "news", "")
	f.session(t, model.PoolExternal, model.SessionDisabled, &fakeConn{})
	if _, err := f.manager.Assign(context.Background(), chanID, model.PoolExternal); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
	if types := f.alerts.types(); len(types) != 1 || types[0] != alerts.EventNoSession {
		t.Fatalf("alerts = %v", types)
	}
}

func TestViewsUsesPreferredMember(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.channel(t, "news", "")
	ctx := context.Background()
	other := &fakeConn{views: []int64{1, 1}}
	preferred := &fakeConn{views: []int64{120, 0}}
	o := f.session(t, model.PoolExternal, model.SessionActive, other)
	p := f.session(t, model.PoolExternal, model.SessionActive, preferred)
	_ = f.store.UpsertMembership(ctx, model.ChannelMembership{SessionID: o, ChannelID: chanID, IsMember: true})
	_ = f.store.UpsertMembership(ctx, model.ChannelMembership{SessionID: p, ChannelID: chanID, IsMember: true})
	_, _ = f.store.ClaimPreferred(ctx, p, chanID)

	views, err := f.manager.Views(ctx, chanID, []int{10, 11})
	if err != nil {
		t.Fatalf("views: %v", err)
	}
	if views[0] != 120 || views[1] != 0 {
		t.Fatalf("views = %v", views)
	}
	if len(other.calls) != 0 {
		t.Fatal("non-preferred member should not be used")
	}
}

func TestPostStoryRequiresPermission(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.channel(t, "news", "")
	ctx := context.Background()
	f.session(t, model.PoolInternal, model.SessionActive, &fakeConn{})
	if _, err := f.manager.PostStory(ctx, chanID, Story{MediaPath: "a.mp4"}); !errors.Is(err, ErrCannotPost) {
		t.Fatalf("err = %v, want ErrCannotPost", err)
	}

	g := newFixture(t)
	g.channel(t, "news", "")
	conn := &fakeConn{perms: Permissions{IsAdmin: true, CanPostStories: true}, storyID: 7}
	g.session(t, model.PoolInternal, model.SessionActive, conn)
	id, err := g.manager.PostStory(ctx, chanID, Story{MediaPath: "a.mp4"})
	if err != nil || id != 7 {
		t.Fatalf("post story = %d, %v", id, err)
	}
}
