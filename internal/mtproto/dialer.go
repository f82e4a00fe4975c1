package mtproto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"postbot/internal/model"
	"postbot/internal/sessionpool"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type Config struct {
	APIID       int
	APIHash     string
	DeviceModel string
	// Proxy is the default SOCKS5 URL for sessions without their own.
	Proxy          string
	ConnectTimeout time.Duration
}

var ErrNotConfigured = errors.New("mtproto: api_id/api_hash not configured")

// Dialer keeps one running client per session.
type Dialer struct {
	cfg   Config
	store storage.SessionStore
	log   logx.Logger

	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	conns  map[int64]*client
	wg     sync.WaitGroup
}

var _ sessionpool.Dialer = (*Dialer)(nil)

func NewDialer(cfg Config, store storage.SessionStore, log logx.Logger) *Dialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dialer{
		cfg:    cfg,
		store:  store,
		log:    log.Component("mtproto"),
		base:   base,
		cancel: cancel,
		conns:  map[int64]*client{},
	}
}

// Conn returns the running client of sess, starting it if needed.
func (d *Dialer) Conn(ctx context.Context, sess model.ClientSession) (sessionpool.Conn, error) {
	if d.cfg.APIID == 0 || d.cfg.APIHash == "" {
		return nil, ErrNotConfigured
	}
	d.mu.Lock()
	if c, ok := d.conns[sess.ID]; ok && c.alive() {
		d.mu.Unlock()
		return c, c.waitReady(ctx)
	}
	if d.base.Err() != nil {
		d.mu.Unlock()
		return nil, d.base.Err()
	}
	c, err := d.start(sess)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.conns[sess.ID] = c
	d.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	if err := c.waitReady(wctx); err != nil {
		d.Drop(sess.ID)
		return nil, wrap(err)
	}
	return c, nil
}

// start must be called with d.mu held.
func (d *Dialer) start(sess model.ClientSession) (*client, error) {
	proxyURL := sess.Proxy
	if proxyURL == "" {
		proxyURL = d.cfg.Proxy
	}
	resolver, err := proxyResolver(proxyURL)
	if err != nil {
		return nil, err
	}
	opts := telegram.Options{
		SessionStorage: &sessionStorage{store: d.store, id: sess.ID},
		Device:         telegram.DeviceConfig{DeviceModel: d.cfg.DeviceModel},
	}
	if resolver != nil {
		opts.Resolver = resolver
	}
	tc := telegram.NewClient(d.cfg.APIID, d.cfg.APIHash, opts)

	ctx, cancel := context.WithCancel(d.base)
	c := &client{
		id:     sess.ID,
		tc:     tc,
		api:    tg.NewClient(tc),
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	log := d.log.With(logx.SessionID(sess.ID))
	if p := redactProxy(proxyURL); p != "" {
		log = log.With(logx.String("proxy", p))
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(c.done)
		err := tc.Run(ctx, func(ctx context.Context) error {
			close(c.ready)
			log.Debug("client connected")
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.setErr(err)
			log.Warn("client stopped", logx.Err(err))
		}
	}()
	return c, nil
}

// Drop stops the client of a session.
func (d *Dialer) Drop(sessionID int64) {
	d.mu.Lock()
	c, ok := d.conns[sessionID]
	delete(d.conns, sessionID)
	d.mu.Unlock()
	if ok {
		c.cancel()
	}
}

// Active returns the number of running clients.
func (d *Dialer) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Close stops every client and waits for them until ctx is done.
func (d *Dialer) Close(ctx context.Context) error {
	d.mu.Lock()
	d.cancel()
	d.conns = map[int64]*client{}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mtproto: clients still running: %w", ctx.Err())
	}
}
