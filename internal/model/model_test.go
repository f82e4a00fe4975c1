package model

import (
	"errors"
	"testing"
	"time"

	kit "postbot/internal/transport"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() ContentItem {
		return ContentItem{Kind: KindPost, Payload: kit.Payload{Text: "hi"}, Destinations: []int64{1}}
	}
	tests := []struct {
		name string
		mut  func(it *ContentItem)
		want error
	}{
		{name: "ok", mut: func(*ContentItem) {}},
		{name: "cpm without delete", mut: func(it *ContentItem) { it.CPMPrice = 500 }, want: ErrCPMWithoutDelete},
		{name: "cpm with delete", mut: func(it *ContentItem) { it.CPMPrice = 500; it.DeleteAfter = 30 * time.Hour }},
		{name: "unknown kind", mut: func(it *ContentItem) { it.Kind = "reel" }, want: ErrUnknownKind},
		{name: "empty", mut: func(it *ContentItem) { it.Payload = kit.Payload{} }, want: ErrEmptyPayload},
		{name: "story without media", mut: func(it *ContentItem) { it.Kind = KindStory }, want: ErrEmptyPayload},
		{name: "negative pin", mut: func(it *ContentItem) { it.PinFor = -time.Second }, want: ErrNegativeDuration},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			it := base()
			tt.mut(&it)
			err := it.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)
	it := ContentItem{Destinations: []int64{1}}
	if !it.Due(now) {
		t.Fatal("nil send time should be due")
	}
	it.SendAt = &later
	if it.Due(now) {
		t.Fatal("future send time should not be due")
	}
	it.SendAt = &now
	if !it.Due(now) {
		t.Fatal("send time equal to now should be due")
	}
	it.Destinations = nil
	if it.Due(now) {
		t.Fatal("no destinations should never be due")
	}
}

func TestNextHorizon(t *testing.T) {
	t.Parallel()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := LiveInstance{CreatedAt: created, CPMPrice: 100}
	if _, ok := l.NextHorizon(created.Add(23 * time.Hour)); ok {
		t.Fatal("no horizon before 24h")
	}
	at := created.Add(80 * time.Hour)
	var order []Horizon
	for {
		h, ok := l.NextHorizon(at)
		if !ok {
			break
		}
		order = append(order, h)
		l.MarkSent(h)
	}
	if len(order) != 3 || order[0] != H24 || order[1] != H48 || order[2] != H72 {
		t.Fatalf("horizon order = %v", order)
	}
}

func TestMaxViews(t *testing.T) {
	t.Parallel()
	var l LiveInstance
	l.SetViews(H24, 10)
	l.SetViews(H48, 7)
	f := int64(12)
	l.FinalViews = &f
	if got := l.MaxViews(); got != 12 {
		t.Fatalf("MaxViews = %d, want 12", got)
	}
	if v, ok := l.ViewsAt(H72); ok || v != 0 {
		t.Fatalf("ViewsAt(72) = %d,%v", v, ok)
	}
}

func TestSessionUsable(t *testing.T) {
	t.Parallel()
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)
	tests := []struct {
		s    ClientSession
		want bool
	}{
		{ClientSession{Status: SessionActive}, true},
		{ClientSession{Status: SessionActive, FloodWaitUntil: &future}, false},
		{ClientSession{Status: SessionActive, FloodWaitUntil: &past}, true},
		{ClientSession{Status: SessionTempBlocked, FloodWaitUntil: &past}, false},
		{ClientSession{Status: SessionDisabled}, false},
		{ClientSession{Status: SessionNew}, false},
	}
	for i, tt := range tests {
		if got := tt.s.Usable(now); got != tt.want {
			t.Fatalf("case %d: Usable = %v, want %v", i, got, tt.want)
		}
	}
}

func TestPreviewAndPeerIDs(t *testing.T) {
	t.Parallel()
	if got := PreviewText("<b>Hello</b>   world", 40); got != "Hello world" {
		t.Fatalf("PreviewText = %q", got)
	}
	if got := PreviewText("abcdef", 3); got != "abc…" {
		t.Fatalf("PreviewText cut = %q", got)
	}
	if got := BotChannelToPeer(-1001234567890); got != 1234567890 {
		t.Fatalf("BotChannelToPeer = %d", got)
	}
	if got := PeerToBotChannel(1234567890); got != -1001234567890 {
		t.Fatalf("PeerToBotChannel = %d", got)
	}
	var o *Owner
	if o.Rate() != 1 {
		t.Fatal("nil owner rate should default to 1")
	}
}
