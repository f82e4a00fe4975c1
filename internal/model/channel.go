package model

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Channel is a destination the service posts to.
type Channel struct {
	ChatID     int64
	OwnerID    int64
	Title      string
	Handle     string
	InviteLink string
	Subscribed bool

	Stats          [3]int64
	StatsUpdatedAt *time.Time
}

// Owner is the account that authors content and receives reports.
type Owner struct {
	ID           int64
	ExchangeRate float64
	Currency     string
}

// Rate returns the exchange rate, defaulting to 1.
func (o *Owner) Rate() float64 {
	if o == nil || o.ExchangeRate <= 0 {
		return 1
	}
	return o.ExchangeRate
}

// BroadcastReceipt records one mass-broadcast message in a recipient chat.
type BroadcastReceipt struct {
	LiveID    int64
	ChatID    int64
	MessageID int
}

var reTag = regexp.MustCompile(`<[^>]*>`)

// PreviewText strips markup and returns at most n runes, with an ellipsis when cut.
func PreviewText(s string, n int) string {
	s = reTag.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// BotChannelToPeer converts a Bot API channel chat id (-100xxxxxxxxxx) into
// the bare MTProto channel id.
func BotChannelToPeer(chatID int64) int64 {
	if chatID < -1_000_000_000_000 {
		return -chatID - 1_000_000_000_000
	}
	if chatID < 0 {
		return -chatID
	}
	return chatID
}

// PeerToBotChannel is the inverse of BotChannelToPeer.
func PeerToBotChannel(channelID int64) int64 {
	return -channelID - 1_000_000_000_000
}
