package model

import (
	"errors"
	"fmt"
	"time"

	kit "postbot/internal/transport"
)

type Kind string

const (
	KindPost      Kind = "post"
	KindStory     Kind = "story"
	KindBroadcast Kind = "broadcast"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPost, KindStory, KindBroadcast:
		return true
	}
	return false
}

// StoryOptions apply to KindStory only.
type StoryOptions struct {
	MediaPath string        `json:"media_path,omitempty"`
	Period    time.Duration `json:"period,omitempty"`
	Pinned    bool          `json:"pinned,omitempty"`
	Protect   bool          `json:"protect,omitempty"`
}

// ContentItem is a piece of content that has not been fanned out yet.
type ContentItem struct {
	ID      int64
	Kind    Kind
	OwnerID int64
	Payload kit.Payload
	Story   StoryOptions

	// Destinations are channel chat ids, or audience ids for broadcasts.
	Destinations []int64

	SendAt      *time.Time
	DeleteAfter time.Duration
	PinFor      time.Duration
	CPMPrice    float64
	Report      bool

	Backup *kit.MessageRef

	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	ErrCPMWithoutDelete = errors.New("cpm price requires a delete time")
	ErrUnknownKind      = errors.New("unknown content kind")
	ErrEmptyPayload     = errors.New("payload is empty")
	ErrNegativeDuration = errors.New("negative duration")
)

// Validate rejects records that must never reach the dispatcher.
func (it *ContentItem) Validate() error {
	if !it.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, it.Kind)
	}
	if it.DeleteAfter < 0 || it.PinFor < 0 || it.Story.Period < 0 {
		return ErrNegativeDuration
	}
	if it.CPMPrice < 0 {
		return fmt.Errorf("negative cpm price %v", it.CPMPrice)
	}
	if it.CPMPrice > 0 && it.DeleteAfter <= 0 {
		return ErrCPMWithoutDelete
	}
	if it.Kind == KindStory {
		if it.Story.MediaPath == "" {
			return fmt.Errorf("%w: story needs media", ErrEmptyPayload)
		}
		return nil
	}
	if it.Payload.Text == "" && !it.Payload.HasMedia() {
		return ErrEmptyPayload
	}
	return nil
}

// Due reports whether the send time has been reached.
func (it *ContentItem) Due(now time.Time) bool {
	if len(it.Destinations) == 0 {
		return false
	}
	return it.SendAt == nil || !it.SendAt.After(now)
}

// Preview returns the first n visible characters of the payload text.
func (it *ContentItem) Preview(n int) string {
	return PreviewText(it.Payload.Text, n)
}
