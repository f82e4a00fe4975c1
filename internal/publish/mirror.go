package publish

import (
	"context"
	"fmt"

	"postbot/internal/model"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// MirrorStore persists the backup reference of an item.
type MirrorStore interface {
	GetItem(ctx context.Context, id int64) (*model.ContentItem, error)
	// SetBackupRef stores ref only if the item has none yet.
	SetBackupRef(ctx context.Context, id int64, ref kit.MessageRef) (bool, error)
}

// Mirror keeps the canonical rendering of items in the archive chat.
type Mirror struct {
	ops     kit.ChannelOps
	store   MirrorStore
	archive kit.ChatTarget
	log     logx.Logger
}

func NewMirror(ops kit.ChannelOps, store MirrorStore, archive kit.ChatTarget, log logx.Logger) *Mirror {
	return &Mirror{ops: ops, store: store, archive: archive, log: log.Component("mirror")}
}

// EnsureBackup renders it into the archive chat once and records the
// reference on it. The reference never changes after it is stored.
func (m *Mirror) EnsureBackup(ctx context.Context, it *model.ContentItem) error {
	if it.Backup != nil {
		return nil
	}
	ref, err := m.ops.SendPayload(ctx, m.archive, it.Payload)
	if err != nil {
		return fmt.Errorf("backup send: %w", err)
	}
	stored, err := m.store.SetBackupRef(ctx, it.ID, ref)
	if err != nil {
		return fmt.Errorf("backup store: %w", err)
	}
	if stored {
		it.Backup = &ref
		m.log.Debug("backup created", logx.ItemID(it.ID), logx.Int("message_id", ref.MessageID))
		return nil
	}
	// Another writer stored a backup first: use it and drop ours.
	cur, err := m.store.GetItem(ctx, it.ID)
	if err != nil {
		return fmt.Errorf("backup reload: %w", err)
	}
	if cur.Backup == nil {
		return fmt.Errorf("backup reload: item %d has no backup", it.ID)
	}
	it.Backup = cur.Backup
	if derr := m.ops.Delete(ctx, ref); derr != nil {
		m.log.Debug("duplicate backup not deleted", logx.ItemID(it.ID), logx.Err(derr))
	}
	return nil
}

// Copy produces a copy of the backup in to, or sends p directly when there
// is no backup or the backup message is gone.
func (m *Mirror) Copy(ctx context.Context, backup *kit.MessageRef, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error) {
	if backup != nil && !backup.IsZero() {
		ref, err := m.ops.CopyMessage(ctx, *backup, to, p)
		if err == nil {
			return ref, nil
		}
		if kit.Classify(err) != kit.ClassNotFound {
			return kit.MessageRef{}, err
		}
		m.log.Warn("backup missing; sending directly", logx.ChannelID(to.ChatID), logx.Int("backup_message_id", backup.MessageID))
	}
	return m.ops.SendPayload(ctx, to, p)
}

// Edit re-renders the backup in place. It reports false when the backup
// could not take the payload, in which case copies must be sent directly.
func (m *Mirror) Edit(ctx context.Context, backup kit.MessageRef, p kit.Payload) (bool, error) {
	err := m.ops.EditPayload(ctx, backup, p)
	switch kit.Classify(err) {
	case kit.ClassNone, kit.ClassNotModified:
		return true, nil
	case kit.ClassEditRejected, kit.ClassNotFound:
		m.log.Warn("backup edit rejected", logx.Int("backup_message_id", backup.MessageID), logx.Err(err))
		return false, nil
	default:
		return false, err
	}
}
