package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"postbot/internal/model"
	kit "postbot/internal/transport"
)

const itemColumns = `id, kind, owner_id, payload, story, destinations, send_at, delete_after_ms,
	pin_for_ms, cpm_price, report, backup_chat_id, backup_message_id, attempts, created_at, updated_at`

func (s *sqlStore) CreateItem(ctx context.Context, it *model.ContentItem) (int64, error) {
	if err := it.Validate(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return 0, err
	}
	story, err := json.Marshal(it.Story)
	if err != nil {
		return 0, err
	}
	dests := it.Destinations
	if dests == nil {
		dests = []int64{}
	}
	destJSON, err := json.Marshal(dests)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	var bChat, bMsg any
	if it.Backup != nil {
		bChat, bMsg = it.Backup.ChatID, it.Backup.MessageID
	}
	var id int64
	err = s.queryRow(ctx,
		`INSERT INTO content_items(kind, owner_id, payload, story, destinations, dest_count, send_at,
			delete_after_ms, pin_for_ms, cpm_price, report, backup_chat_id, backup_message_id, attempts, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`,
		string(it.Kind), it.OwnerID, string(payload), string(story), string(destJSON), len(dests), nullTime(it.SendAt),
		it.DeleteAfter.Milliseconds(), it.PinFor.Milliseconds(), it.CPMPrice, it.Report, bChat, bMsg, it.Attempts,
		ms(it.CreatedAt), ms(it.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	it.ID = id
	return id, nil
}

func (s *sqlStore) GetItem(ctx context.Context, id int64) (*model.ContentItem, error) {
	row := s.queryRow(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err != nil {
		return nil, notFound(err)
	}
	return it, nil
}

func (s *sqlStore) UpdateItemPayload(ctx context.Context, id int64, p kit.Payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ok, err := s.execOne(ctx, `UPDATE content_items SET payload = ?, updated_at = ? WHERE id = ?`, string(b), ms(time.Now()), id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) SetBackupRef(ctx context.Context, id int64, ref kit.MessageRef) (bool, error) {
	return s.execOne(ctx,
		`UPDATE content_items SET backup_chat_id = ?, backup_message_id = ?, updated_at = ?
		 WHERE id = ? AND backup_message_id IS NULL`,
		ref.ChatID, ref.MessageID, ms(time.Now()), id)
}

func (s *sqlStore) BumpItemAttempts(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.queryRow(ctx,
		`UPDATE content_items SET attempts = attempts + 1, updated_at = ? WHERE id = ? RETURNING attempts`,
		ms(time.Now()), id).Scan(&n)
	return n, notFound(err)
}

func (s *sqlStore) DeleteItem(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `DELETE FROM content_items WHERE id = ?`, id)
	return err
}

func (s *sqlStore) ListDueItems(ctx context.Context, now time.Time, limit int) ([]model.ContentItem, error) {
	rows, err := s.query(ctx,
		`SELECT `+itemColumns+` FROM content_items
		 WHERE dest_count > 0 AND (send_at IS NULL OR send_at <= ?)
		 ORDER BY id LIMIT ?`, ms(now), limitOrDefault(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ContentItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (s *sqlStore) PurgeAbandonedItems(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM content_items WHERE dest_count = 0 AND created_at < ?`, ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanItem(sc scanner) (*model.ContentItem, error) {
	var (
		it                   model.ContentItem
		kind, payload, story string
		dests                string
		sendAt               sql.NullInt64
		delMS, pinMS         int64
		bChat                sql.NullInt64
		bMsg                 sql.NullInt64
		created, updated     int64
	)
	if err := sc.Scan(&it.ID, &kind, &it.OwnerID, &payload, &story, &dests, &sendAt, &delMS,
		&pinMS, &it.CPMPrice, &it.Report, &bChat, &bMsg, &it.Attempts, &created, &updated); err != nil {
		return nil, err
	}
	it.Kind = model.Kind(kind)
	if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(story), &it.Story); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dests), &it.Destinations); err != nil {
		return nil, err
	}
	it.SendAt = fromNull(sendAt)
	it.DeleteAfter = time.Duration(delMS) * time.Millisecond
	it.PinFor = time.Duration(pinMS) * time.Millisecond
	if bMsg.Valid {
		it.Backup = &kit.MessageRef{ChatID: bChat.Int64, MessageID: int(bMsg.Int64)}
	}
	it.CreatedAt = time.UnixMilli(created)
	it.UpdatedAt = time.UnixMilli(updated)
	return &it, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 500
	}
	return n
}
