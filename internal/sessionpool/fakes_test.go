package sessionpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"postbot/internal/alerts"
	"postbot/internal/model"
)

type fakeConn struct {
	mu        sync.Mutex
	probeErr  error
	handleErr []error
	inviteErr []error
	access    Access
	perms     Permissions
	views     []int64
	storyID   int
	calls     []string
	left      []int64
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	if len(*errs) > 1 {
		*errs = (*errs)[1:]
	}
	return err
}

func (c *fakeConn) record(name string) {
	c.calls = append(c.calls, name)
}

func (c *fakeConn) Probe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("probe")
	return c.probeErr
}

func (c *fakeConn) JoinHandle(context.Context, string) (Access, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("handle")
	if err := pop(&c.handleErr); err != nil {
		return Access{}, err
	}
	return c.access, nil
}

func (c *fakeConn) JoinInvite(context.Context, string) (Access, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("invite")
	if err := pop(&c.inviteErr); err != nil {
		return Access{}, err
	}
	return c.access, nil
}

func (c *fakeConn) Permissions(context.Context, Access) (Permissions, error) {
	return c.perms, nil
}

func (c *fakeConn) Views(_ context.Context, _ Access, ids []int) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("views")
	out := make([]int64, len(ids))
	copy(out, c.views)
	return out, nil
}

func (c *fakeConn) Leave(_ context.Context, a Access) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, a.ChannelID)
	return nil
}

func (c *fakeConn) SendStory(context.Context, Access, Story) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("story")
	return c.storyID, nil
}

func (c *fakeConn) History(context.Context, Access, time.Time, int) ([]HistoryPost, error) {
	return nil, nil
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   map[int64]*fakeConn
	dropped []int64
}

func (d *fakeDialer) Conn(_ context.Context, s model.ClientSession) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[s.ID]
	if !ok {
		return nil, errors.New("no connection")
	}
	return c, nil
}

func (d *fakeDialer) Drop(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped = append(d.dropped, id)
}

type recAlerter struct {
	mu  sync.Mutex
	got []alerts.Alert
}

func (r *recAlerter) Raise(_ context.Context, al alerts.Alert) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, al)
	return true
}

func (r *recAlerter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, a := range r.got {
		out[i] = a.Type
	}
	return out
}
