package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Notification categories.
const (
	ChannelAlert  = "alert"
	ChannelOwner  = "owner"
	ChannelReport = "report"
)

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	Text    string    `json:"text"`
}

// Stats are cumulative counters since start.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

// NotificationEvent is published on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
