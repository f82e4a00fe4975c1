package storage

import (
	"context"
	"database/sql"
	"time"

	"postbot/internal/model"
)

const channelColumns = `chat_id, owner_id, title, handle, invite_link, subscribed, stats_24h, stats_48h, stats_72h, stats_updated_at`

func (s *sqlStore) UpsertChannel(ctx context.Context, c model.Channel) error {
	_, err := s.exec(ctx,
		`INSERT INTO channels(chat_id, owner_id, title, handle, invite_link, subscribed)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			title = excluded.title,
			handle = excluded.handle,
			invite_link = excluded.invite_link,
			subscribed = excluded.subscribed`,
		c.ChatID, c.OwnerID, c.Title, c.Handle, c.InviteLink, c.Subscribed)
	return err
}

func (s *sqlStore) GetChannel(ctx context.Context, chatID int64) (*model.Channel, error) {
	c, err := scanChannel(s.queryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE chat_id = ?`, chatID))
	return c, notFound(err)
}

func (s *sqlStore) GetChannels(ctx context.Context, chatIDs []int64) (map[int64]model.Channel, error) {
	out := make(map[int64]model.Channel, len(chatIDs))
	if len(chatIDs) == 0 {
		return out, nil
	}
	cond, args := s.d.inInt64("chat_id", chatIDs)
	rows, err := s.query(ctx, `SELECT `+channelColumns+` FROM channels WHERE `+cond, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out[c.ChatID] = *c
	}
	return out, rows.Err()
}

func (s *sqlStore) ListSubscribedChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.query(ctx, `SELECT `+channelColumns+` FROM channels WHERE subscribed = ? ORDER BY chat_id`, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateChannelStats(ctx context.Context, chatID int64, stats [3]int64, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE channels SET stats_24h = ?, stats_48h = ?, stats_72h = ?, stats_updated_at = ? WHERE chat_id = ?`,
		stats[0], stats[1], stats[2], ms(at), chatID)
	return err
}

func (s *sqlStore) GetOwner(ctx context.Context, id int64) (*model.Owner, error) {
	var o model.Owner
	err := s.queryRow(ctx, `SELECT id, exchange_rate, currency FROM owners WHERE id = ?`, id).Scan(&o.ID, &o.ExchangeRate, &o.Currency)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *sqlStore) UpsertOwner(ctx context.Context, o model.Owner) error {
	_, err := s.exec(ctx,
		`INSERT INTO owners(id, exchange_rate, currency) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET exchange_rate = excluded.exchange_rate, currency = excluded.currency`,
		o.ID, o.ExchangeRate, o.Currency)
	return err
}

func (s *sqlStore) AddAudience(ctx context.Context, audienceID int64, chatIDs []int64) error {
	for _, id := range chatIDs {
		if _, err := s.exec(ctx,
			`INSERT INTO audience_members(audience_id, chat_id) VALUES(?,?) ON CONFLICT(audience_id, chat_id) DO NOTHING`,
			audienceID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) ListAudience(ctx context.Context, audienceID int64) ([]int64, error) {
	rows, err := s.query(ctx, `SELECT chat_id FROM audience_members WHERE audience_id = ? ORDER BY chat_id`, audienceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanChannel(sc scanner) (*model.Channel, error) {
	var (
		c       model.Channel
		updated sql.NullInt64
	)
	if err := sc.Scan(&c.ChatID, &c.OwnerID, &c.Title, &c.Handle, &c.InviteLink, &c.Subscribed,
		&c.Stats[0], &c.Stats[1], &c.Stats[2], &updated); err != nil {
		return nil, err
	}
	c.StatsUpdatedAt = fromNull(updated)
	return &c, nil
}
