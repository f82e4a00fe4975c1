package model

import (
	"time"

	kit "postbot/internal/transport"
)

type LiveStatus string

const (
	LiveActive  LiveStatus = "active"
	LiveDeleted LiveStatus = "deleted"
)

// Horizon is a fixed age at which a monetization snapshot is taken.
type Horizon int

const (
	H24 Horizon = 24
	H48 Horizon = 48
	H72 Horizon = 72
)

// Horizons in ascending order.
var Horizons = [...]Horizon{H24, H48, H72}

func (h Horizon) Duration() time.Duration { return time.Duration(h) * time.Hour }

func (h Horizon) index() int {
	switch h {
	case H24:
		return 0
	case H48:
		return 1
	case H72:
		return 2
	}
	return -1
}

func (h Horizon) Valid() bool { return h.index() >= 0 }

// LiveInstance is one delivered copy of a content item in one destination.
type LiveInstance struct {
	ID        int64
	ItemID    int64
	Kind      Kind
	OwnerID   int64
	ChannelID int64
	MessageID int
	Preview   string
	Backup    *kit.MessageRef

	CreatedAt time.Time
	Pinned    bool
	UnpinAt   *time.Time
	DeleteAt  *time.Time

	CPMPrice   float64
	Views      [3]*int64
	ReportSent [3]bool
	FinalViews *int64

	Status    LiveStatus
	DeletedAt *time.Time
}

func (l *LiveInstance) Ref() kit.MessageRef {
	return kit.MessageRef{ChatID: l.ChannelID, MessageID: l.MessageID}
}

func (l *LiveInstance) HasCPM() bool { return l.CPMPrice > 0 }

// ViewsAt returns the persisted view count for h.
func (l *LiveInstance) ViewsAt(h Horizon) (int64, bool) {
	i := h.index()
	if i < 0 || l.Views[i] == nil {
		return 0, false
	}
	return *l.Views[i], true
}

func (l *LiveInstance) SetViews(h Horizon, v int64) {
	if i := h.index(); i >= 0 {
		l.Views[i] = &v
	}
}

func (l *LiveInstance) Sent(h Horizon) bool {
	i := h.index()
	return i >= 0 && l.ReportSent[i]
}

func (l *LiveInstance) MarkSent(h Horizon) {
	if i := h.index(); i >= 0 {
		l.ReportSent[i] = true
	}
}

// MaxViews is the largest persisted view count over all horizons and the final sample.
func (l *LiveInstance) MaxViews() int64 {
	var m int64
	for _, v := range l.Views {
		if v != nil && *v > m {
			m = *v
		}
	}
	if l.FinalViews != nil && *l.FinalViews > m {
		m = *l.FinalViews
	}
	return m
}

// NextHorizon returns the smallest horizon not yet reported that the instance
// has lived past at now.
func (l *LiveInstance) NextHorizon(now time.Time) (Horizon, bool) {
	age := now.Sub(l.CreatedAt)
	for _, h := range Horizons {
		if l.Sent(h) {
			continue
		}
		if age >= h.Duration() {
			return h, true
		}
		return 0, false
	}
	return 0, false
}
