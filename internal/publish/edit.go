package publish

import (
	"context"
	"errors"
	"fmt"

	"postbot/internal/model"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// EditReport is the outcome of an edit propagation.
type EditReport struct {
	BackupEdited bool
	Updated      int
	Recreated    int
	Skipped      int
	Failed       map[int64]error
}

// PropagateEdit applies p to the backup of an item and then to every
// active live copy. Copies that cannot be edited in place are deleted and
// copied again; their live records keep their ids.
func (f *Fanout) PropagateEdit(ctx context.Context, itemID int64, p kit.Payload) (EditReport, error) {
	rep := EditReport{Failed: map[int64]error{}}

	it, err := f.store.GetItem(ctx, itemID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return rep, err
	}
	lives, err := f.store.ListLiveByItem(ctx, itemID)
	if err != nil {
		return rep, err
	}
	if it == nil && len(lives) == 0 {
		return rep, storage.ErrNotFound
	}

	var kindName model.Kind
	var backup *kit.MessageRef
	if it != nil {
		next := *it
		next.Payload = p
		if err := next.Validate(); err != nil {
			return rep, err
		}
		kindName, backup = it.Kind, it.Backup
		if err := f.store.UpdateItemPayload(ctx, itemID, p); err != nil {
			return rep, fmt.Errorf("update payload: %w", err)
		}
	} else {
		kindName, backup = lives[0].Kind, lives[0].Backup
	}
	kind, err := f.kinds.Get(kindName)
	if err != nil {
		return rep, err
	}
	log := f.log.With(logx.ItemID(itemID))

	copySource := backup
	if backup != nil && kind.UsesBackup() {
		ok, err := f.mirror.Edit(ctx, *backup, p)
		if err != nil {
			return rep, fmt.Errorf("edit backup: %w", err)
		}
		rep.BackupEdited = ok
		if !ok {
			copySource = nil
		}
	}

	for i := range lives {
		l := &lives[i]
		if l.Status != model.LiveActive {
			continue
		}
		msgID, err := kind.Edit(ctx, l, copySource, p)
		switch {
		case errors.Is(err, ErrNotEditable):
			rep.Skipped++
			continue
		case err != nil:
			rep.Failed[l.ID] = err
			log.Warn("live edit failed", logx.LiveID(l.ID), logx.ChannelID(l.ChannelID), logx.Err(err))
			continue
		case msgID == 0:
			rep.Updated++
			continue
		}
		if err := f.store.SetLiveMessage(ctx, l.ID, msgID); err != nil {
			rep.Failed[l.ID] = fmt.Errorf("record recopy: %w", err)
			continue
		}
		rep.Recreated++
		if l.Pinned && kind.SupportsPinning() {
			ref := kit.MessageRef{ChatID: l.ChannelID, MessageID: msgID}
			if err := f.ops.Pin(ctx, ref, true); err != nil {
				log.Warn("re-pin failed", logx.LiveID(l.ID), logx.Err(err))
			}
		}
	}
	log.Info("edit propagated",
		logx.Bool("backup", rep.BackupEdited),
		logx.Int("updated", rep.Updated),
		logx.Int("recreated", rep.Recreated),
		logx.Int("failed", len(rep.Failed)),
	)
	return rep, nil
}
