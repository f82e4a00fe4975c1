package publish

import (
	"context"
	"errors"

	"postbot/internal/model"
	kit "postbot/internal/transport"
)

// ErrNotEditable is returned by kinds whose copies cannot change after delivery.
var ErrNotEditable = errors.New("publish: kind does not support edits")

// Delivery is what a kind produced in one destination.
type Delivery struct {
	MessageID int
	// Receipts lists per-recipient messages for kinds that deliver to many chats.
	Receipts []model.BroadcastReceipt
}

// Kind is the per-variant behaviour of a content item.
type Kind interface {
	Name() model.Kind
	SupportsPinning() bool
	SupportsCPM() bool
	// UsesBackup reports whether copies are produced from the archive mirror.
	UsesBackup() bool
	// Eligible splits destinations into those that may receive the item now
	// and those that are skipped.
	Eligible(ctx context.Context, it *model.ContentItem) (ok, skipped []int64, err error)
	SendTo(ctx context.Context, it *model.ContentItem, dest int64) (Delivery, error)
	// Edit applies p to a live copy. A non-zero message id means the copy
	// was recreated under a new message.
	Edit(ctx context.Context, live *model.LiveInstance, backup *kit.MessageRef, p kit.Payload) (int, error)
	// Retire removes a live copy from its destination.
	Retire(ctx context.Context, live *model.LiveInstance) error
}

// Kinds indexes kinds by name.
type Kinds map[model.Kind]Kind

func NewKinds(ks ...Kind) Kinds {
	out := make(Kinds, len(ks))
	for _, k := range ks {
		out[k.Name()] = k
	}
	return out
}

func (ks Kinds) Get(k model.Kind) (Kind, error) {
	if kk, ok := ks[k]; ok {
		return kk, nil
	}
	return nil, model.ErrUnknownKind
}
