package publish

import (
	"context"
	"errors"
	"fmt"

	"postbot/internal/broadcast"
	"postbot/internal/model"
	"postbot/internal/sessionpool"
	kit "postbot/internal/transport"
)

// ChannelLookup resolves destination channels.
type ChannelLookup interface {
	GetChannels(ctx context.Context, chatIDs []int64) (map[int64]model.Channel, error)
}

// subscribedOnly keeps destinations that are known and subscribed.
func subscribedOnly(ctx context.Context, chans ChannelLookup, dest []int64) (ok, skipped []int64, err error) {
	known, err := chans.GetChannels(ctx, dest)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[int64]bool, len(dest))
	for _, id := range dest {
		if seen[id] {
			continue
		}
		seen[id] = true
		if c, found := known[id]; found && c.Subscribed {
			ok = append(ok, id)
		} else {
			skipped = append(skipped, id)
		}
	}
	return ok, skipped, nil
}

// PostKind delivers channel posts through the bot, copying from the backup.
type PostKind struct {
	ops    kit.ChannelOps
	mirror *Mirror
	chans  ChannelLookup
}

func NewPostKind(ops kit.ChannelOps, mirror *Mirror, chans ChannelLookup) *PostKind {
	return &PostKind{ops: ops, mirror: mirror, chans: chans}
}

func (k *PostKind) Name() model.Kind      { return model.KindPost }
func (k *PostKind) SupportsPinning() bool { return true }
func (k *PostKind) SupportsCPM() bool     { return true }
func (k *PostKind) UsesBackup() bool      { return true }

func (k *PostKind) Eligible(ctx context.Context, it *model.ContentItem) ([]int64, []int64, error) {
	return subscribedOnly(ctx, k.chans, it.Destinations)
}

func (k *PostKind) SendTo(ctx context.Context, it *model.ContentItem, dest int64) (Delivery, error) {
	ref, err := k.mirror.Copy(ctx, it.Backup, kit.ChatTarget{ChatID: dest}, it.Payload)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{MessageID: ref.MessageID}, nil
}

func (k *PostKind) Edit(ctx context.Context, live *model.LiveInstance, backup *kit.MessageRef, p kit.Payload) (int, error) {
	err := k.ops.EditPayload(ctx, live.Ref(), p)
	switch kit.Classify(err) {
	case kit.ClassNone, kit.ClassNotModified:
		return 0, nil
	case kit.ClassEditRejected, kit.ClassNotFound:
	default:
		return 0, err
	}
	// The message cannot take the new payload in place: replace it.
	if derr := k.ops.Delete(ctx, live.Ref()); derr != nil && kit.Classify(derr) != kit.ClassNotFound {
		return 0, fmt.Errorf("delete for recopy: %w", derr)
	}
	ref, err := k.mirror.Copy(ctx, backup, kit.ChatTarget{ChatID: live.ChannelID}, p)
	if err != nil {
		return 0, fmt.Errorf("recopy: %w", err)
	}
	return ref.MessageID, nil
}

func (k *PostKind) Retire(ctx context.Context, live *model.LiveInstance) error {
	err := k.ops.Delete(ctx, live.Ref())
	if kit.Classify(err) == kit.ClassNotFound {
		return nil
	}
	return err
}

// StoryPoster publishes stories through a client session.
type StoryPoster interface {
	PostStory(ctx context.Context, channelID int64, st sessionpool.Story) (int, error)
}

// StoryKind publishes stories through privileged client sessions. Stories
// expire on the platform, so retiring one only ends its bookkeeping.
type StoryKind struct {
	poster StoryPoster
	chans  ChannelLookup
}

func NewStoryKind(poster StoryPoster, chans ChannelLookup) *StoryKind {
	return &StoryKind{poster: poster, chans: chans}
}

func (k *StoryKind) Name() model.Kind      { return model.KindStory }
func (k *StoryKind) SupportsPinning() bool { return false }
func (k *StoryKind) SupportsCPM() bool     { return false }
func (k *StoryKind) UsesBackup() bool      { return false }

func (k *StoryKind) Eligible(ctx context.Context, it *model.ContentItem) ([]int64, []int64, error) {
	return subscribedOnly(ctx, k.chans, it.Destinations)
}

func (k *StoryKind) SendTo(ctx context.Context, it *model.ContentItem, dest int64) (Delivery, error) {
	id, err := k.poster.PostStory(ctx, dest, sessionpool.Story{
		MediaPath: it.Story.MediaPath,
		Caption:   it.Payload.Text,
		Period:    it.Story.Period,
		Pinned:    it.Story.Pinned,
		Protect:   it.Story.Protect,
	})
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{MessageID: id}, nil
}

func (k *StoryKind) Edit(context.Context, *model.LiveInstance, *kit.MessageRef, kit.Payload) (int, error) {
	return 0, ErrNotEditable
}

func (k *StoryKind) Retire(context.Context, *model.LiveInstance) error { return nil }

// AudienceStore resolves audiences and keeps broadcast receipts.
type AudienceStore interface {
	ListAudience(ctx context.Context, audienceID int64) ([]int64, error)
	ListReceipts(ctx context.Context, liveID int64) ([]model.BroadcastReceipt, error)
	DeleteReceipts(ctx context.Context, liveID int64, chatIDs []int64) error
}

// BroadcastKind copies the backup to every chat of an audience through the
// bounded broadcast pool. A destination is an audience id.
type BroadcastKind struct {
	ops   kit.ChannelOps
	pool  *broadcast.Service
	store AudienceStore
}

var errNoRecipients = errors.New("publish: broadcast reached no recipient")

func NewBroadcastKind(ops kit.ChannelOps, pool *broadcast.Service, store AudienceStore) *BroadcastKind {
	return &BroadcastKind{ops: ops, pool: pool, store: store}
}

func (k *BroadcastKind) Name() model.Kind      { return model.KindBroadcast }
func (k *BroadcastKind) SupportsPinning() bool { return false }
func (k *BroadcastKind) SupportsCPM() bool     { return false }
func (k *BroadcastKind) UsesBackup() bool      { return true }

func (k *BroadcastKind) Eligible(ctx context.Context, it *model.ContentItem) ([]int64, []int64, error) {
	var ok, skipped []int64
	for _, aud := range it.Destinations {
		ids, err := k.store.ListAudience(ctx, aud)
		if err != nil {
			return nil, nil, err
		}
		if len(ids) == 0 {
			skipped = append(skipped, aud)
			continue
		}
		ok = append(ok, aud)
	}
	return ok, skipped, nil
}

func (k *BroadcastKind) SendTo(ctx context.Context, it *model.ContentItem, audience int64) (Delivery, error) {
	recipients, err := k.store.ListAudience(ctx, audience)
	if err != nil {
		return Delivery{}, err
	}
	var from kit.MessageRef
	if it.Backup != nil {
		from = *it.Backup
	}
	res := k.pool.Send(ctx, fmt.Sprintf("item:%d", it.ID), from, it.Payload, recipients)
	if len(res.Delivered) == 0 {
		if res.FirstError != nil {
			return Delivery{}, res.FirstError
		}
		return Delivery{}, errNoRecipients
	}
	out := Delivery{Receipts: make([]model.BroadcastReceipt, 0, len(res.Delivered))}
	for _, d := range res.Delivered {
		out.Receipts = append(out.Receipts, model.BroadcastReceipt{ChatID: d.ChatID, MessageID: d.MessageID})
	}
	return out, nil
}

func (k *BroadcastKind) Edit(ctx context.Context, live *model.LiveInstance, _ *kit.MessageRef, p kit.Payload) (int, error) {
	rs, err := k.store.ListReceipts(ctx, live.ID)
	if err != nil {
		return 0, err
	}
	var first error
	for _, r := range rs {
		err := k.ops.EditPayload(ctx, kit.MessageRef{ChatID: r.ChatID, MessageID: r.MessageID}, p)
		switch kit.Classify(err) {
		case kit.ClassNone, kit.ClassNotModified, kit.ClassNotFound:
		default:
			if first == nil {
				first = err
			}
		}
	}
	return 0, first
}

func (k *BroadcastKind) Retire(ctx context.Context, live *model.LiveInstance) error {
	rs, err := k.store.ListReceipts(ctx, live.ID)
	if err != nil {
		return err
	}
	refs := make([]kit.MessageRef, len(rs))
	for i, r := range rs {
		refs[i] = kit.MessageRef{ChatID: r.ChatID, MessageID: r.MessageID}
	}
	res := k.pool.Delete(ctx, refs)
	if len(res.Settled) > 0 {
		chats := make([]int64, len(res.Settled))
		for i, r := range res.Settled {
			chats[i] = r.ChatID
		}
		if err := k.store.DeleteReceipts(ctx, live.ID, chats); err != nil {
			return err
		}
	}
	if n := len(res.Pending); n > 0 {
		return fmt.Errorf("publish: %d of %d broadcast messages not deleted: %w", n, len(refs), res.FirstError)
	}
	return nil
}
