package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postbot/internal/alerts"
	"postbot/internal/eventbus"
	"postbot/internal/model"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Store is the persistence the manager needs.
type Store interface {
	storage.SessionStore
	GetChannel(ctx context.Context, chatID int64) (*model.Channel, error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Raise(ctx context.Context, al alerts.Alert) bool
}

type Config struct {
	JoinAttempts     int
	JoinBackoff      time.Duration
	DefaultFloodWait time.Duration
	CallTimeout      time.Duration
}

type Manager struct {
	cfg    Config
	store  Store
	dial   Dialer
	alerts Alerter
	bus    eventbus.Bus
	log    logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	locks sessionLocks
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithSleep replaces the join backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

func WithBus(bus eventbus.Bus) Option { return func(m *Manager) { m.bus = bus } }

func New(cfg Config, store Store, dial Dialer, al Alerter, log logx.Logger, opts ...Option) *Manager {
	if cfg.JoinAttempts <= 0 {
		cfg.JoinAttempts = 3
	}
	if cfg.DefaultFloodWait <= 0 {
		cfg.DefaultFloodWait = 5 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		dial:   dial,
		alerts: al,
		log:    log.Component("sessionpool"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Register adds a session in state NEW.
func (m *Manager) Register(ctx context.Context, alias string, pool model.Pool, proxy string) (*model.ClientSession, error) {
	if !pool.Valid() {
		return nil, fmt.Errorf("sessionpool: unknown pool %q", pool)
	}
	s := &model.ClientSession{
		Alias:     strings.TrimSpace(alias),
		Pool:      pool,
		Proxy:     strings.TrimSpace(proxy),
		Status:    model.SessionNew,
		CreatedAt: m.now(),
	}
	id, err := m.store.CreateSession(ctx, s)
	if err != nil {
		return nil, err
	}
	s.ID = id
	m.log.Info("session registered", logx.SessionID(id), logx.String("alias", s.Alias), logx.String("pool", string(pool)))
	return s, nil
}

func (m *Manager) List(ctx context.Context) ([]model.ClientSession, error) {
	return m.store.ListSessions(ctx)
}

// CheckHealth probes every probeable session and applies the outcome.
func (m *Manager) CheckHealth(ctx context.Context) error {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	now := m.now()
	var errs []error
	for i := range sessions {
		s := sessions[i]
		if !s.Probeable(now) {
			continue
		}
		if err := m.probe(ctx, s); err != nil && ctx.Err() == nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

// Check probes a single session regardless of its schedule.
func (m *Manager) Check(ctx context.Context, id int64) (*model.ClientSession, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == model.SessionDisabled || s.Status == model.SessionResetting {
		return s, nil
	}
	if err := m.probe(ctx, *s); err != nil {
		return nil, err
	}
	return m.store.GetSession(ctx, id)
}

// probe checks one session and records the outcome. The returned error is
// about recording, not about the probe itself.
func (m *Manager) probe(ctx context.Context, s model.ClientSession) error {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	conn, err := m.dial.Conn(pctx, s)
	if err == nil {
		err = conn.Probe(pctx)
	}
	if err != nil {
		m.log.Debug("session probe failed", logx.SessionID(s.ID), logx.Err(err))
	}
	return m.transition(ctx, s, err)
}

// transition records the outcome of a probe for s.
func (m *Manager) transition(ctx context.Context, s model.ClientSession, outcome error) error {
	u := nextState(outcome, m.now(), m.cfg.DefaultFloodWait)
	u.From = []model.SessionStatus{s.Status}
	ok, err := m.store.UpdateSession(ctx, s.ID, u)
	if err != nil || !ok {
		return err
	}
	if u.Status == model.SessionDisabled {
		m.dial.Drop(s.ID)
	}
	if s.Status != u.Status {
		m.log.Info("session state changed", logx.SessionID(s.ID), logx.String("from", string(s.Status)), logx.String("to", string(u.Status)), logx.String("code", u.LastErrorCode))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionChanged, Data: eventbus.SessionChanged{
				SessionID: s.ID, From: string(s.Status), To: string(u.Status), Code: u.LastErrorCode,
			}})
		}
	}
	if u.Status != model.SessionActive {
		m.alert(ctx, alerts.Alert{
			Type:      alerts.EventSessionState,
			SessionID: s.ID,
			Code:      u.LastErrorCode,
			Text:      fmt.Sprintf("%s (%s): %s -> %s", s.Alias, s.Pool, s.Status, u.Status),
		})
	}
	return nil
}

// ApplyFailure feeds an error from a regular operation into the state
// machine. Only rate limits and revoked authorization move the session.
func (m *Manager) ApplyFailure(ctx context.Context, s model.ClientSession, opErr error) {
	if opErr == nil || !affectsState(opErr) {
		return
	}
	if err := m.transition(context.WithoutCancel(ctx), s, opErr); err != nil {
		m.log.Warn("session transition not recorded", logx.SessionID(s.ID), logx.Err(err))
	}
}

// Reset leaves every channel the session joined, forgets its memberships
// and returns it to NEW.
func (m *Manager) Reset(ctx context.Context, id int64) error {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	ok, err := m.store.UpdateSession(ctx, id, model.SessionUpdate{
		From: []model.SessionStatus{
			model.SessionNew, model.SessionActive, model.SessionTempBlocked,
			model.SessionDisabled, model.SessionError,
		},
		Status:         model.SessionResetting,
		LastErrorCode:  s.LastErrorCode,
		LastErrorAt:    s.LastErrorAt,
		FloodWaitUntil: s.FloodWaitUntil,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sessionpool: session %d is already resetting", id)
	}

	unlock, err := m.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	members, err := m.store.ListSessionMemberships(ctx, id)
	if err != nil {
		return err
	}
	left := 0
	if s.Status != model.SessionDisabled && len(members) > 0 {
		if conn, err := m.dial.Conn(ctx, *s); err == nil {
			for _, mb := range members {
				if !mb.IsMember {
					continue
				}
				lctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
				if err := conn.Leave(lctx, AccessOf(mb)); err != nil {
					m.log.Warn("leave failed during reset", logx.SessionID(id), logx.ChannelID(mb.ChannelID), logx.Err(err))
				} else {
					left++
				}
				cancel()
			}
		} else {
			m.log.Warn("reset without connection", logx.SessionID(id), logx.Err(err))
		}
	}
	n, err := m.store.DeleteSessionMemberships(ctx, id)
	if err != nil {
		return err
	}
	m.dial.Drop(id)
	if _, err := m.store.UpdateSession(ctx, id, model.SessionUpdate{
		From:   []model.SessionStatus{model.SessionResetting},
		Status: model.SessionNew,
	}); err != nil {
		return err
	}
	m.log.Info("session reset", logx.SessionID(id), logx.Int("left", left), logx.Int64("memberships", n))
	return nil
}

func (m *Manager) alert(ctx context.Context, al alerts.Alert) {
	if m.alerts != nil {
		m.alerts.Raise(ctx, al)
	}
}
