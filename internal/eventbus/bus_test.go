package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	sessions, unsubSessions := b.Subscribe(4, TypeSessionChanged)
	defer unsubSessions()

	b.Publish(Event{Type: TypeItemPublished, Data: ItemPublished{ItemID: 1}})
	b.Publish(Event{Type: TypeSessionChanged, Data: SessionChanged{SessionID: 2, From: "NEW", To: "ACTIVE"}})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	select {
	case e := <-sessions:
		if e.Type != TypeSessionChanged || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no session event")
	}
	if len(sessions) != 0 {
		t.Fatal("filtered subscriber received extra events")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
}
