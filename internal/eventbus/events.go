package eventbus

// Event types published by postbot components.
const (
	TypeConfigReloaded = "config.reloaded"

	TypeItemPublished  = "item.published"
	TypeItemFailed     = "item.failed"
	TypeLiveUnpinned   = "live.unpinned"
	TypeLiveDeleted    = "live.deleted"
	TypeReportSent     = "report.sent"
	TypeSessionChanged = "session.changed"
	TypeAlertRaised    = "alert.raised"
)

type ConfigReloaded struct {
	Changed []string `json:"changed"`
}

// ItemPublished carries the outcome of one fan-out.
type ItemPublished struct {
	ItemID    int64 `json:"item_id"`
	Delivered int   `json:"delivered"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
}

// ItemFailed is published when an item is dropped after its last send attempt.
type ItemFailed struct {
	ItemID   int64  `json:"item_id"`
	Attempts int    `json:"attempts"`
	Failed   int    `json:"failed"`
	Error    string `json:"error,omitempty"`
}

type LiveUnpinned struct {
	LiveID    int64 `json:"live_id"`
	ChannelID int64 `json:"channel_id"`
}

// SessionChanged is published on every session status transition.
type SessionChanged struct {
	SessionID int64  `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Code      string `json:"code,omitempty"`
}

// LiveDeleted is published when a live copy is removed from its channel.
type LiveDeleted struct {
	LiveID     int64  `json:"live_id"`
	ItemID     int64  `json:"item_id"`
	ChannelID  int64  `json:"channel_id"`
	FinalViews *int64 `json:"final_views,omitempty"`
}

// ReportSent is published after an owner report was queued.
type ReportSent struct {
	ItemID  int64 `json:"item_id"`
	Horizon int   `json:"horizon,omitempty"`
	Final   bool  `json:"final,omitempty"`
	Copies  int   `json:"copies"`
}
