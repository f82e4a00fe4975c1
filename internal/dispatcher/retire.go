package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/model"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

func (d *Dispatcher) unpin(ctx context.Context, l model.LiveInstance) error {
	log := d.log.With(logx.LiveID(l.ID), logx.ChannelID(l.ChannelID))
	if err := d.ops.Unpin(ctx, l.Ref()); err != nil {
		switch kit.Classify(err) {
		case kit.ClassNotFound, kit.ClassNotModified:
		case kit.ClassPermission:
			// Rights were revoked; keeping the flag would retry forever.
			log.Warn("unpin not permitted; clearing flag", logx.Err(err))
		default:
			return fmt.Errorf("unpin: %w", err)
		}
	}
	ok, err := d.store.MarkUnpinned(ctx, l.ID)
	if err != nil {
		return fmt.Errorf("mark unpinned: %w", err)
	}
	if ok {
		d.publish(eventbus.TypeLiveUnpinned, eventbus.LiveUnpinned{LiveID: l.ID, ChannelID: l.ChannelID})
		log.Debug("unpinned")
	}
	return nil
}

// retire deletes the due copies of one item. When the last CPM copy of the
// item is gone the owner receives one final report covering all of them.
func (d *Dispatcher) retire(ctx context.Context, itemID int64, lives []model.LiveInstance) error {
	now := d.now()
	var cpm []model.LiveInstance
	for _, l := range lives {
		if l.HasCPM() {
			cpm = append(cpm, l)
		}
	}
	var finals map[int64]int64
	if len(cpm) > 0 {
		finals = d.rep.SampleViews(ctx, cpm)
	}

	kinds := d.pub.Kinds()
	var errs []error
	var ownerID int64
	retiredCPM := false
	for _, l := range lives {
		log := d.log.With(logx.LiveID(l.ID), logx.ItemID(itemID), logx.ChannelID(l.ChannelID))
		kind, err := kinds.Get(l.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("live %d: %w", l.ID, err))
			continue
		}
		if err := kind.Retire(ctx, &l); err != nil {
			if kit.Classify(err) != kit.ClassPermission {
				errs = append(errs, fmt.Errorf("live %d: %w", l.ID, err))
				continue
			}
			// The message stays in the channel but nothing will ever let us remove it.
			log.Warn("delete not permitted; retiring row only", logx.Err(err))
		}
		var final *int64
		if v, ok := finals[l.ID]; ok {
			final = &v
		}
		ok, err := d.store.MarkDeleted(ctx, l.ID, now, final)
		if err != nil {
			errs = append(errs, fmt.Errorf("live %d: mark deleted: %w", l.ID, err))
			continue
		}
		if !ok {
			continue
		}
		ownerID = l.OwnerID
		retiredCPM = retiredCPM || l.HasCPM()
		d.publish(eventbus.TypeLiveDeleted, eventbus.LiveDeleted{LiveID: l.ID, ItemID: itemID, ChannelID: l.ChannelID, FinalViews: final})
		log.Info("live copy deleted")
	}

	if retiredCPM {
		if err := d.finalReport(ctx, itemID, ownerID, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// finalReport waits until no CPM sibling of the item is active, so copies
// deleted over several ticks still produce a single report.
func (d *Dispatcher) finalReport(ctx context.Context, itemID, ownerID int64, now time.Time) error {
	all, err := d.store.ListLiveByItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("final report: %w", err)
	}
	var done []model.LiveInstance
	for _, l := range all {
		if !l.HasCPM() {
			continue
		}
		if l.Status == model.LiveActive {
			return nil
		}
		done = append(done, l)
	}
	return d.rep.SendFinal(ctx, itemID, ownerID, done, now)
}
