package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"postbot/internal/model"
	kit "postbot/internal/transport"
)

const liveColumns = `id, item_id, kind, owner_id, channel_id, message_id, preview, backup_chat_id, backup_message_id,
	created_at, pinned, unpin_at, delete_at, cpm_price, views_24h, views_48h, views_72h,
	report_24h_sent, report_48h_sent, report_72h_sent, final_views, status, deleted_at`

func (s *sqlStore) CreateLive(ctx context.Context, l *model.LiveInstance) (int64, bool, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	if l.Status == "" {
		l.Status = model.LiveActive
	}
	var bChat, bMsg any
	if l.Backup != nil {
		bChat, bMsg = l.Backup.ChatID, l.Backup.MessageID
	}
	var id int64
	err := s.queryRow(ctx,
		`INSERT INTO live_instances(item_id, kind, owner_id, channel_id, message_id, preview, backup_chat_id, backup_message_id,
			created_at, pinned, unpin_at, delete_at, cpm_price, status)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(item_id, channel_id) DO NOTHING
		 RETURNING id`,
		l.ItemID, string(l.Kind), l.OwnerID, l.ChannelID, l.MessageID, l.Preview, bChat, bMsg,
		ms(l.CreatedAt), l.Pinned, nullTime(l.UnpinAt), nullTime(l.DeleteAt), l.CPMPrice, string(l.Status),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, ferr := s.FindLive(ctx, l.ItemID, l.ChannelID)
		if ferr != nil {
			return 0, false, ferr
		}
		return existing.ID, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	l.ID = id
	return id, true, nil
}

func (s *sqlStore) GetLive(ctx context.Context, id int64) (*model.LiveInstance, error) {
	l, err := scanLive(s.queryRow(ctx, `SELECT `+liveColumns+` FROM live_instances WHERE id = ?`, id))
	return l, notFound(err)
}

func (s *sqlStore) FindLive(ctx context.Context, itemID, channelID int64) (*model.LiveInstance, error) {
	l, err := scanLive(s.queryRow(ctx,
		`SELECT `+liveColumns+` FROM live_instances WHERE item_id = ? AND channel_id = ?`, itemID, channelID))
	return l, notFound(err)
}

func (s *sqlStore) ListLiveByItem(ctx context.Context, itemID int64) ([]model.LiveInstance, error) {
	return s.listLive(ctx, `SELECT `+liveColumns+` FROM live_instances WHERE item_id = ? ORDER BY id`, itemID)
}

func (s *sqlStore) ListDueUnpins(ctx context.Context, now time.Time, limit int) ([]model.LiveInstance, error) {
	return s.listLive(ctx,
		`SELECT `+liveColumns+` FROM live_instances
		 WHERE pinned = ? AND status = ? AND unpin_at IS NOT NULL AND unpin_at <= ?
		 ORDER BY unpin_at LIMIT ?`,
		true, string(model.LiveActive), ms(now), limitOrDefault(limit))
}

func (s *sqlStore) ListDueDeletes(ctx context.Context, now time.Time, limit int) ([]model.LiveInstance, error) {
	return s.listLive(ctx,
		`SELECT `+liveColumns+` FROM live_instances
		 WHERE status = ? AND delete_at IS NOT NULL AND delete_at <= ?
		 ORDER BY delete_at LIMIT ?`,
		string(model.LiveActive), ms(now), limitOrDefault(limit))
}

func (s *sqlStore) ListReportCandidates(ctx context.Context, now time.Time, limit int) ([]model.LiveInstance, error) {
	return s.listLive(ctx,
		`SELECT `+liveColumns+` FROM live_instances
		 WHERE status = ? AND cpm_price > 0 AND (
		       (report_24h_sent = ? AND created_at <= ?)
		    OR (report_48h_sent = ? AND created_at <= ?)
		    OR (report_72h_sent = ? AND created_at <= ?))
		 ORDER BY created_at LIMIT ?`,
		string(model.LiveActive),
		false, ms(now.Add(-model.H24.Duration())),
		false, ms(now.Add(-model.H48.Duration())),
		false, ms(now.Add(-model.H72.Duration())),
		limitOrDefault(limit))
}

func (s *sqlStore) MarkUnpinned(ctx context.Context, id int64) (bool, error) {
	return s.execOne(ctx, `UPDATE live_instances SET pinned = ? WHERE id = ? AND pinned = ?`, false, id, true)
}

func (s *sqlStore) SetLiveMessage(ctx context.Context, id int64, messageID int) error {
	ok, err := s.execOne(ctx, `UPDATE live_instances SET message_id = ? WHERE id = ?`, messageID, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) RecordHorizon(ctx context.Context, id int64, h model.Horizon, views int64) (bool, error) {
	if !h.Valid() {
		return false, fmt.Errorf("invalid horizon %d", h)
	}
	// Column names come from the validated horizon, never from input.
	q := fmt.Sprintf(`UPDATE live_instances SET views_%[1]dh = ?, report_%[1]dh_sent = ?
		WHERE id = ? AND report_%[1]dh_sent = ?`, int(h))
	return s.execOne(ctx, q, views, true, id, false)
}

func (s *sqlStore) MarkDeleted(ctx context.Context, id int64, at time.Time, finalViews *int64) (bool, error) {
	return s.execOne(ctx,
		`UPDATE live_instances SET status = ?, deleted_at = ?, pinned = ?, final_views = COALESCE(?, final_views)
		 WHERE id = ? AND status = ?`,
		string(model.LiveDeleted), ms(at), false, nullInt(finalViews), id, string(model.LiveActive))
}

func (s *sqlStore) AddReceipts(ctx context.Context, rs []model.BroadcastReceipt) error {
	for _, r := range rs {
		if _, err := s.exec(ctx,
			`INSERT INTO broadcast_receipts(live_id, chat_id, message_id) VALUES(?,?,?)
			 ON CONFLICT(live_id, chat_id) DO NOTHING`,
			r.LiveID, r.ChatID, r.MessageID); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) ListReceipts(ctx context.Context, liveID int64) ([]model.BroadcastReceipt, error) {
	rows, err := s.query(ctx, `SELECT live_id, chat_id, message_id FROM broadcast_receipts WHERE live_id = ? ORDER BY chat_id`, liveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BroadcastReceipt
	for rows.Next() {
		var r model.BroadcastReceipt
		if err := rows.Scan(&r.LiveID, &r.ChatID, &r.MessageID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteReceipts(ctx context.Context, liveID int64, chatIDs []int64) error {
	for _, c := range chatIDs {
		if _, err := s.exec(ctx, `DELETE FROM broadcast_receipts WHERE live_id = ? AND chat_id = ?`, liveID, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) listLive(ctx context.Context, q string, args ...any) ([]model.LiveInstance, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LiveInstance
	for rows.Next() {
		l, err := scanLive(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func scanLive(sc scanner) (*model.LiveInstance, error) {
	var (
		l                    model.LiveInstance
		kind, status         string
		bChat, bMsg          sql.NullInt64
		created              int64
		unpinAt, deleteAt    sql.NullInt64
		v24, v48, v72, final sql.NullInt64
		deletedAt            sql.NullInt64
	)
	if err := sc.Scan(&l.ID, &l.ItemID, &kind, &l.OwnerID, &l.ChannelID, &l.MessageID, &l.Preview, &bChat, &bMsg,
		&created, &l.Pinned, &unpinAt, &deleteAt, &l.CPMPrice, &v24, &v48, &v72,
		&l.ReportSent[0], &l.ReportSent[1], &l.ReportSent[2], &final, &status, &deletedAt); err != nil {
		return nil, err
	}
	l.Kind = model.Kind(kind)
	l.Status = model.LiveStatus(status)
	if bMsg.Valid {
		l.Backup = &kit.MessageRef{ChatID: bChat.Int64, MessageID: int(bMsg.Int64)}
	}
	l.CreatedAt = time.UnixMilli(created)
	l.UnpinAt = fromNull(unpinAt)
	l.DeleteAt = fromNull(deleteAt)
	l.Views = [3]*int64{intPtr(v24), intPtr(v48), intPtr(v72)}
	l.FinalViews = intPtr(final)
	l.DeletedAt = fromNull(deletedAt)
	return &l, nil
}
