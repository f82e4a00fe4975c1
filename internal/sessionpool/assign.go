package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"postbot/internal/alerts"
	"postbot/internal/model"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Assign joins a usable session of pool to the channel and returns it.
//
// Candidates are ACTIVE sessions of the pool, non-members of the channel
// first, then least recently used. Each join attempt tries the public
// handle and falls back to the invite link; attempts back off linearly.
func (m *Manager) Assign(ctx context.Context, channelID int64, pool model.Pool) (*Lease, error) {
	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if ch == nil || (ch.Handle == "" && ch.InviteLink == "") {
		return nil, fmt.Errorf("%w: %d", ErrNoChannelLink, channelID)
	}

	cands, err := m.candidates(ctx, channelID, pool)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		m.alert(ctx, alerts.Alert{Type: alerts.EventNoSession, ChannelID: channelID, Code: string(pool)})
		return nil, ErrNoSession
	}

	var lastErr error
	for _, s := range cands {
		lease, err := m.join(ctx, s, ch)
		if err == nil {
			return lease, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		// A rate-limited or revoked session is out; try the next one.
		if affectsState(err) {
			continue
		}
		break
	}

	_, code, _ := Classify(lastErr)
	m.alert(ctx, alerts.Alert{
		Type:      alerts.EventJoinFailed,
		SessionID: cands[0].ID,
		ChannelID: channelID,
		Code:      code,
		Text:      fmt.Sprintf("could not join %s after %d attempts: %v", channelLabel(ch), m.cfg.JoinAttempts, lastErr),
	})
	return nil, fmt.Errorf("%w: %v", ErrJoinExhausted, lastErr)
}

func channelLabel(ch *model.Channel) string {
	if ch.Handle != "" {
		return "@" + ch.Handle
	}
	if ch.Title != "" {
		return ch.Title
	}
	return fmt.Sprint(ch.ChatID)
}

func (m *Manager) candidates(ctx context.Context, channelID int64, pool model.Pool) ([]model.ClientSession, error) {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	members, err := m.store.ListMemberships(ctx, channelID)
	if err != nil {
		return nil, err
	}
	isMember := make(map[int64]bool, len(members))
	for _, mb := range members {
		isMember[mb.SessionID] = mb.IsMember
	}

	now := m.now()
	out := sessions[:0]
	for _, s := range sessions {
		if s.Pool == pool && s.Usable(now) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := isMember[out[i].ID], isMember[out[j].ID]
		if mi != mj {
			return !mi
		}
		return lastUsed(out[i]).Before(lastUsed(out[j]))
	})
	return out, nil
}

func lastUsed(s model.ClientSession) time.Time {
	if s.LastUsedAt == nil {
		return time.Time{}
	}
	return *s.LastUsedAt
}

func (m *Manager) join(ctx context.Context, s model.ClientSession, ch *model.Channel) (*Lease, error) {
	unlock, err := m.locks.lock(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conn, err := m.dial.Conn(ctx, s)
	if err != nil {
		m.ApplyFailure(ctx, s, err)
		return nil, err
	}

	var (
		access  Access
		joinErr error
	)
	for attempt := 1; attempt <= m.cfg.JoinAttempts; attempt++ {
		access, joinErr = m.joinOnce(ctx, conn, ch)
		if joinErr == nil {
			break
		}
		m.log.Debug("join attempt failed", logx.SessionID(s.ID), logx.ChannelID(ch.ChatID), logx.Int("attempt", attempt), logx.Err(joinErr))
		if affectsState(joinErr) {
			m.ApplyFailure(ctx, s, joinErr)
			m.recordJoinError(ctx, s.ID, ch.ChatID, joinErr)
			return nil, joinErr
		}
		if attempt < m.cfg.JoinAttempts {
			if err := m.sleep(ctx, time.Duration(attempt)*m.cfg.JoinBackoff); err != nil {
				return nil, err
			}
		}
	}
	if joinErr != nil {
		m.recordJoinError(ctx, s.ID, ch.ChatID, joinErr)
		return nil, joinErr
	}
	access.ChannelID = ch.ChatID

	now := m.now()
	mb := model.ChannelMembership{
		SessionID:    s.ID,
		ChannelID:    ch.ChatID,
		AccessHash:   access.AccessHash,
		IsMember:     true,
		LastJoinedAt: &now,
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	perms, err := conn.Permissions(pctx, access)
	cancel()
	if err != nil {
		m.log.Debug("permission refresh failed", logx.SessionID(s.ID), logx.ChannelID(ch.ChatID), logx.Err(err))
	} else {
		mb.IsAdmin, mb.CanPostMessages, mb.CanPostStories = perms.IsAdmin, perms.CanPostMessages, perms.CanPostStories
	}
	if err := m.store.UpsertMembership(ctx, mb); err != nil {
		return nil, err
	}
	if _, err := m.store.ClaimPreferred(ctx, s.ID, ch.ChatID); err != nil {
		m.log.Warn("claim preferred failed", logx.SessionID(s.ID), logx.ChannelID(ch.ChatID), logx.Err(err))
	}
	m.touch(ctx, s.ID, now)
	m.log.Info("session joined channel", logx.SessionID(s.ID), logx.ChannelID(ch.ChatID), logx.Bool("stories", mb.CanPostStories))
	return &Lease{Session: s, Access: access, Conn: conn}, nil
}

func (m *Manager) joinOnce(ctx context.Context, conn Conn, ch *model.Channel) (Access, error) {
	var errs []error
	if ch.Handle != "" {
		jctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		a, err := conn.JoinHandle(jctx, ch.Handle)
		cancel()
		if err == nil {
			return a, nil
		}
		if affectsState(err) {
			return Access{}, err
		}
		errs = append(errs, err)
	}
	if ch.InviteLink != "" {
		jctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		a, err := conn.JoinInvite(jctx, ch.InviteLink)
		cancel()
		if err == nil {
			return a, nil
		}
		if affectsState(err) {
			return Access{}, err
		}
		errs = append(errs, err)
	}
	// Surface the last classified error so alerts carry a platform code.
	return Access{}, errs[len(errs)-1]
}

func (m *Manager) recordJoinError(ctx context.Context, sessionID, channelID int64, err error) {
	_, code, _ := Classify(err)
	now := m.now()
	mb, gerr := m.store.GetMembership(ctx, sessionID, channelID)
	if gerr != nil {
		mb = &model.ChannelMembership{SessionID: sessionID, ChannelID: channelID}
	}
	mb.LastErrorCode = code
	mb.LastErrorAt = &now
	if uerr := m.store.UpsertMembership(ctx, *mb); uerr != nil {
		m.log.Warn("join error not recorded", logx.SessionID(sessionID), logx.ChannelID(channelID), logx.String("code", code), logx.Err(uerr))
	}
}

func (m *Manager) touch(ctx context.Context, id int64, at time.Time) {
	if err := m.store.TouchSession(ctx, id, at); err != nil {
		m.log.Debug("session last use not recorded", logx.SessionID(id), logx.Err(err))
	}
}

// ForStats returns a session that can read the channel: the preferred
// member first, then any usable member, else a freshly assigned external session.
func (m *Manager) ForStats(ctx context.Context, channelID int64) (*Lease, error) {
	lease, err := m.pickMember(ctx, channelID, func(s model.ClientSession, mb model.ChannelMembership) bool { return true })
	if err != nil || lease != nil {
		return lease, err
	}
	return m.Assign(ctx, channelID, model.PoolExternal)
}

// ForStory returns an internal session allowed to post stories in the channel.
func (m *Manager) ForStory(ctx context.Context, channelID int64) (*Lease, error) {
	lease, err := m.pickMember(ctx, channelID, func(s model.ClientSession, mb model.ChannelMembership) bool {
		return s.Pool == model.PoolInternal && mb.CanPostStories
	})
	if err != nil || lease != nil {
		return lease, err
	}
	lease, err = m.Assign(ctx, channelID, model.PoolInternal)
	if err != nil {
		return nil, err
	}
	mb, err := m.store.GetMembership(ctx, lease.Session.ID, channelID)
	if err != nil {
		return nil, err
	}
	if !mb.CanPostStories {
		return nil, fmt.Errorf("%w in %d", ErrCannotPost, channelID)
	}
	return lease, nil
}

func (m *Manager) pickMember(ctx context.Context, channelID int64, keep func(model.ClientSession, model.ChannelMembership) bool) (*Lease, error) {
	members, err := m.store.ListMemberships(ctx, channelID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].PreferredForStats && !members[j].PreferredForStats
	})
	now := m.now()
	for _, mb := range members {
		if !mb.IsMember {
			continue
		}
		s, err := m.store.GetSession(ctx, mb.SessionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !s.Usable(now) || !keep(*s, mb) {
			continue
		}
		conn, err := m.dial.Conn(ctx, *s)
		if err != nil {
			m.ApplyFailure(ctx, *s, err)
			continue
		}
		return &Lease{Session: *s, Access: AccessOf(mb), Conn: conn}, nil
	}
	return nil, nil
}

// Views samples view counters of messages in a channel. Counters the
// platform did not return are 0.
func (m *Manager) Views(ctx context.Context, channelID int64, msgIDs []int) ([]int64, error) {
	lease, err := m.ForStats(ctx, channelID)
	if err != nil {
		return nil, err
	}
	vctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	views, err := lease.Conn.Views(vctx, lease.Access, msgIDs)
	if err != nil {
		m.ApplyFailure(ctx, lease.Session, err)
		_, code, _ := Classify(err)
		m.alert(ctx, alerts.Alert{Type: alerts.EventViewsFailed, SessionID: lease.Session.ID, ChannelID: channelID, Code: code})
		return nil, err
	}
	m.touch(ctx, lease.Session.ID, m.now())
	return views, nil
}

// History reads recent posts of a channel with their view counters.
func (m *Manager) History(ctx context.Context, channelID int64, since time.Time, limit int) ([]HistoryPost, error) {
	lease, err := m.ForStats(ctx, channelID)
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	posts, err := lease.Conn.History(hctx, lease.Access, since, limit)
	if err != nil {
		m.ApplyFailure(ctx, lease.Session, err)
		return nil, err
	}
	return posts, nil
}

// PostStory publishes a story to the channel through a permitted internal session.
func (m *Manager) PostStory(ctx context.Context, channelID int64, st Story) (int, error) {
	lease, err := m.ForStory(ctx, channelID)
	if err != nil {
		return 0, err
	}
	unlock, err := m.locks.lock(ctx, lease.Session.ID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	sctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	id, err := lease.Conn.SendStory(sctx, lease.Access, st)
	if err != nil {
		m.ApplyFailure(ctx, lease.Session, err)
		_, code, _ := Classify(err)
		m.alert(ctx, alerts.Alert{Type: alerts.EventStoryFailed, SessionID: lease.Session.ID, ChannelID: channelID, Code: code})
		return 0, err
	}
	m.touch(ctx, lease.Session.ID, m.now())
	return id, nil
}
