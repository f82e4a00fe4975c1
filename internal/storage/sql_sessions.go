package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"postbot/internal/model"
)

const sessionColumns = `id, alias, pool, proxy, status, last_error_code, last_error_at, flood_wait_until,
	last_check_at, usage_count, last_used_at, created_at`

func (s *sqlStore) CreateSession(ctx context.Context, cs *model.ClientSession) (int64, error) {
	if cs.Status == "" {
		cs.Status = model.SessionNew
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now()
	}
	var id int64
	err := s.queryRow(ctx,
		`INSERT INTO client_sessions(alias, pool, proxy, status, created_at) VALUES(?,?,?,?,?) RETURNING id`,
		cs.Alias, string(cs.Pool), cs.Proxy, string(cs.Status), ms(cs.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	cs.ID = id
	return id, nil
}

func (s *sqlStore) GetSession(ctx context.Context, id int64) (*model.ClientSession, error) {
	cs, err := scanSession(s.queryRow(ctx, `SELECT `+sessionColumns+` FROM client_sessions WHERE id = ?`, id))
	return cs, notFound(err)
}

func (s *sqlStore) ListSessions(ctx context.Context) ([]model.ClientSession, error) {
	rows, err := s.query(ctx, `SELECT `+sessionColumns+` FROM client_sessions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ClientSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cs)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateSession(ctx context.Context, id int64, u model.SessionUpdate) (bool, error) {
	q := `UPDATE client_sessions SET status = ?, last_error_code = ?, last_error_at = ?, flood_wait_until = ?,
		last_check_at = COALESCE(?, last_check_at) WHERE id = ?`
	args := []any{string(u.Status), nullStr(u.LastErrorCode), nullTime(u.LastErrorAt), nullTime(u.FloodWaitUntil), nullTime(u.CheckedAt), id}
	if len(u.From) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(u.From)), ",")
		q += ` AND status IN (` + ph + `)`
		for _, st := range u.From {
			args = append(args, string(st))
		}
	}
	return s.execOne(ctx, q, args...)
}

func (s *sqlStore) TouchSession(ctx context.Context, id int64, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE client_sessions SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`, ms(at), id)
	return err
}

func (s *sqlStore) LoadSessionData(ctx context.Context, id int64) ([]byte, error) {
	var data []byte
	err := s.queryRow(ctx, `SELECT session_data FROM client_sessions WHERE id = ?`, id).Scan(&data)
	if err != nil {
		return nil, notFound(err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *sqlStore) StoreSessionData(ctx context.Context, id int64, data []byte) error {
	ok, err := s.execOne(ctx, `UPDATE client_sessions SET session_data = ? WHERE id = ?`, data, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

const membershipColumns = `session_id, channel_id, access_hash, is_member, is_admin, can_post_messages,
	can_post_stories, preferred_for_stats, last_joined_at, last_error_code, last_error_at`

func (s *sqlStore) GetMembership(ctx context.Context, sessionID, channelID int64) (*model.ChannelMembership, error) {
	m, err := scanMembership(s.queryRow(ctx,
		`SELECT `+membershipColumns+` FROM channel_memberships WHERE session_id = ? AND channel_id = ?`, sessionID, channelID))
	return m, notFound(err)
}

func (s *sqlStore) ListMemberships(ctx context.Context, channelID int64) ([]model.ChannelMembership, error) {
	return s.listMemberships(ctx, `SELECT `+membershipColumns+` FROM channel_memberships WHERE channel_id = ? ORDER BY session_id`, channelID)
}

func (s *sqlStore) ListSessionMemberships(ctx context.Context, sessionID int64) ([]model.ChannelMembership, error) {
	return s.listMemberships(ctx, `SELECT `+membershipColumns+` FROM channel_memberships WHERE session_id = ? ORDER BY channel_id`, sessionID)
}

func (s *sqlStore) UpsertMembership(ctx context.Context, m model.ChannelMembership) error {
	_, err := s.exec(ctx,
		`INSERT INTO channel_memberships(session_id, channel_id, access_hash, is_member, is_admin, can_post_messages,
			can_post_stories, preferred_for_stats, last_joined_at, last_error_code, last_error_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(session_id, channel_id) DO UPDATE SET
			access_hash = CASE WHEN excluded.access_hash <> 0 THEN excluded.access_hash ELSE channel_memberships.access_hash END,
			is_member = excluded.is_member,
			is_admin = excluded.is_admin,
			can_post_messages = excluded.can_post_messages,
			can_post_stories = excluded.can_post_stories,
			last_joined_at = COALESCE(excluded.last_joined_at, channel_memberships.last_joined_at),
			last_error_code = excluded.last_error_code,
			last_error_at = excluded.last_error_at`,
		m.SessionID, m.ChannelID, m.AccessHash, m.IsMember, m.IsAdmin, m.CanPostMessages,
		m.CanPostStories, false, nullTime(m.LastJoinedAt), nullStr(m.LastErrorCode), nullTime(m.LastErrorAt))
	return err
}

func (s *sqlStore) ClaimPreferred(ctx context.Context, sessionID, channelID int64) (bool, error) {
	ok, err := s.execOne(ctx,
		`UPDATE channel_memberships SET preferred_for_stats = ?
		 WHERE session_id = ? AND channel_id = ?
		   AND NOT EXISTS (SELECT 1 FROM channel_memberships WHERE channel_id = ? AND preferred_for_stats = ?)`,
		true, sessionID, channelID, channelID, true)
	if isUniqueViolation(err) {
		// Lost a race with a concurrent claim; the index kept the invariant.
		return false, nil
	}
	return ok, err
}

func (s *sqlStore) DeleteSessionMemberships(ctx context.Context, sessionID int64) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM channel_memberships WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) listMemberships(ctx context.Context, q string, args ...any) ([]model.ChannelMembership, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ChannelMembership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanSession(sc scanner) (*model.ClientSession, error) {
	var (
		cs                       model.ClientSession
		pool, status             string
		code                     sql.NullString
		errAt, flood, check, use sql.NullInt64
		created                  int64
	)
	if err := sc.Scan(&cs.ID, &cs.Alias, &pool, &cs.Proxy, &status, &code, &errAt, &flood,
		&check, &cs.UsageCount, &use, &created); err != nil {
		return nil, err
	}
	cs.Pool = model.Pool(pool)
	cs.Status = model.SessionStatus(status)
	cs.LastErrorCode = code.String
	cs.LastErrorAt = fromNull(errAt)
	cs.FloodWaitUntil = fromNull(flood)
	cs.LastCheckAt = fromNull(check)
	cs.LastUsedAt = fromNull(use)
	cs.CreatedAt = time.UnixMilli(created)
	return &cs, nil
}

func scanMembership(sc scanner) (*model.ChannelMembership, error) {
	var (
		m             model.ChannelMembership
		joined, errAt sql.NullInt64
		code          sql.NullString
	)
	if err := sc.Scan(&m.SessionID, &m.ChannelID, &m.AccessHash, &m.IsMember, &m.IsAdmin, &m.CanPostMessages,
		&m.CanPostStories, &m.PreferredForStats, &joined, &code, &errAt); err != nil {
		return nil, err
	}
	m.LastJoinedAt = fromNull(joined)
	m.LastErrorCode = code.String
	m.LastErrorAt = fromNull(errAt)
	return &m, nil
}
