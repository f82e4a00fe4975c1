package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"postbot/internal/eventbus"
	"postbot/internal/model"
	"postbot/internal/notifier"
	"postbot/internal/publish"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// send fans the item out and removes it once no destination is left that
// a later tick could still deliver. Items that keep failing are dropped
// after MaxSendAttempts.
func (d *Dispatcher) send(ctx context.Context, it model.ContentItem) error {
	log := d.log.With(logx.ItemID(it.ID), logx.String("kind", string(it.Kind)))
	rs, err := d.pub.Publish(ctx, &it)
	c := publish.Count(rs)
	if err == nil && c.Retryable == 0 {
		if err := d.store.DeleteItem(ctx, it.ID); err != nil {
			return fmt.Errorf("remove sent item: %w", err)
		}
		log.Info("item sent", logx.Int("delivered", c.Delivered+c.Existing), logx.Int("skipped", c.Skipped), logx.Int("failed", c.Failed))
		d.summarize(ctx, &it, rs)
		return nil
	}

	attempts, berr := d.store.BumpItemAttempts(ctx, it.ID)
	if berr != nil {
		return errors.Join(err, fmt.Errorf("bump attempts: %w", berr))
	}
	if attempts < d.config().MaxSendAttempts {
		log.Warn("item send incomplete; retrying next tick", logx.Int("attempt", attempts), logx.Int("retryable", c.Retryable), logx.Err(err))
		return err
	}

	if derr := d.store.DeleteItem(ctx, it.ID); derr != nil {
		return fmt.Errorf("drop failed item: %w", derr)
	}
	ev := eventbus.ItemFailed{ItemID: it.ID, Attempts: attempts, Failed: c.Failed}
	if err != nil {
		ev.Error = err.Error()
	}
	d.publish(eventbus.TypeItemFailed, ev)
	log.Error("item dropped after repeated send failures", logx.Int("attempts", attempts), logx.Err(err))
	if len(rs) == 0 && err != nil {
		d.ownerMessage(ctx, it.OwnerID, fmt.Sprintf("❌ %s could not be sent: %v", itemLabel(&it), err))
		return nil
	}
	d.summarize(ctx, &it, rs)
	return nil
}

func (d *Dispatcher) summarize(ctx context.Context, it *model.ContentItem, rs []publish.DeliveryResult) {
	if !publish.WantsSummary(it, rs) {
		return
	}
	ids := make([]int64, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.ChannelID)
	}
	titles := map[int64]string{}
	if chans, err := d.store.GetChannels(ctx, ids); err == nil {
		for id, ch := range chans {
			titles[id] = ch.Title
		}
	}
	d.ownerMessage(ctx, it.OwnerID, publish.FormatSummary(it, rs, titles))
}

func (d *Dispatcher) ownerMessage(ctx context.Context, ownerID int64, text string) {
	if d.notify == nil || ownerID == 0 {
		return
	}
	err := d.notify.Notify(ctx, kit.Notification{
		Channel:  notifier.ChannelOwner,
		Priority: 3,
		Target:   kit.ChatTarget{ChatID: ownerID},
		Text:     text,
	})
	if err != nil {
		d.log.Warn("owner notification failed", logx.Int64("owner_id", ownerID), logx.Err(err))
	}
}

func itemLabel(it *model.ContentItem) string {
	return fmt.Sprintf("%s #%d", it.Kind, it.ID)
}
