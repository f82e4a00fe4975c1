package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	MessageID int   `json:"message_id"`
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

func (r MessageRef) Target() ChatTarget { return ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID} }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Channel  string // "telegram" now
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
)

// Media references an already uploaded platform file.
type Media struct {
	Kind   MediaKind `json:"kind"`
	FileID string    `json:"file_id"`
}

// Button is an inline URL button.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Payload is the rendered content of a message as produced by the authoring side.
// The delivery path treats it as opaque apart from rendering it on the wire.
type Payload struct {
	Text           string     `json:"text,omitempty"`
	ParseMode      string     `json:"parse_mode,omitempty"`
	DisablePreview bool       `json:"disable_preview,omitempty"`
	Protect        bool       `json:"protect,omitempty"`
	Media          *Media     `json:"media,omitempty"`
	Buttons        [][]Button `json:"buttons,omitempty"`
}

func (p Payload) HasMedia() bool { return p.Media != nil && p.Media.FileID != "" }

// Sender delivers plain text (owner reports, operator alerts, log records).
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// ChannelOps is the set of bot operations the delivery path performs on channels.
type ChannelOps interface {
	SendPayload(ctx context.Context, to ChatTarget, p Payload) (MessageRef, error)
	// CopyMessage copies from into to. Buttons are re-attached from p because
	// copies do not carry the source keyboard.
	CopyMessage(ctx context.Context, from MessageRef, to ChatTarget, p Payload) (MessageRef, error)
	EditPayload(ctx context.Context, ref MessageRef, p Payload) error
	Pin(ctx context.Context, ref MessageRef, silent bool) error
	Unpin(ctx context.Context, ref MessageRef) error
	Delete(ctx context.Context, ref MessageRef) error
}

type Adapter interface {
	Sender
	ChannelOps

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}
