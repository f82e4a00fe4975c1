package alerts

import (
	"context"
	"fmt"
	"strings"

	"postbot/internal/eventbus"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// Alert event types.
const (
	EventSessionState = "session_state"
	EventJoinFailed   = "join_failed"
	EventNoSession    = "no_session"
	EventViewsFailed  = "views_failed"
	EventStoryFailed  = "story_failed"
)

type Alert struct {
	Type      string
	SessionID int64
	ChannelID int64
	Code      string
	Text      string
}

// Notifier is the part of the notification pipeline the alerter needs.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Alerter sends deduplicated alerts to the operator chat. Raise never
// blocks on delivery and never returns an error to the caller.
type Alerter struct {
	dedup  *Deduper
	notify Notifier
	target kit.ChatTarget
	bus    eventbus.Bus
	log    logx.Logger
}

func NewAlerter(dedup *Deduper, notify Notifier, target kit.ChatTarget, bus eventbus.Bus, log logx.Logger) *Alerter {
	return &Alerter{dedup: dedup, notify: notify, target: target, bus: bus, log: log.Component("alerts")}
}

// Raise reports whether the alert passed deduplication.
func (a *Alerter) Raise(ctx context.Context, al Alert) bool {
	if a == nil {
		return false
	}
	if a.dedup != nil && !a.dedup.ShouldSend(al.Type, al.SessionID, al.ChannelID, al.Code) {
		a.log.Debug("alert suppressed", logx.String("type", al.Type), logx.SessionID(al.SessionID), logx.ChannelID(al.ChannelID), logx.String("code", al.Code))
		return false
	}
	a.log.Warn("alert", logx.String("type", al.Type), logx.SessionID(al.SessionID), logx.ChannelID(al.ChannelID), logx.String("code", al.Code), logx.String("text", al.Text))
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertRaised, Data: al})
	}
	if a.notify == nil || a.target.ChatID == 0 {
		return true
	}
	n := kit.Notification{
		Channel:  "alert",
		Priority: priority(al.Type),
		Target:   a.target,
		Text:     Format(al),
		Options:  &kit.SendOptions{DisablePreview: true},
	}
	if err := a.notify.Notify(context.WithoutCancel(ctx), n); err != nil {
		a.log.Warn("alert not queued", logx.Err(err))
	}
	return true
}

func priority(eventType string) int {
	switch eventType {
	case EventSessionState, EventNoSession:
		return 9
	default:
		return 7
	}
}

// Format renders an alert as operator-chat text.
func Format(al Alert) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(strings.ReplaceAll(al.Type, "_", " ")))
	if al.SessionID != 0 {
		fmt.Fprintf(&b, "\nsession: %d", al.SessionID)
	}
	if al.ChannelID != 0 {
		fmt.Fprintf(&b, "\nchannel: %d", al.ChannelID)
	}
	if al.Code != "" {
		fmt.Fprintf(&b, "\ncode: %s", al.Code)
	}
	if al.Text != "" {
		b.WriteString("\n")
		b.WriteString(al.Text)
	}
	return b.String()
}
