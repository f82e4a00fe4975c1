package sessionpool

import (
	"context"
	"sync"
)

// sessionLocks serializes stateful use (join, leave, story) per session.
// An entry lives only while someone holds or waits for it.
type sessionLocks struct {
	mu sync.Mutex
	m  map[int64]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

func (l *sessionLocks) lock(ctx context.Context, id int64) (func(), error) {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[int64]*sessionLock{}
	}
	e, ok := l.m[id]
	if !ok {
		e = &sessionLock{ch: make(chan struct{}, 1)}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			l.release(id, e)
		}, nil
	case <-ctx.Done():
		l.release(id, e)
		return nil, ctx.Err()
	}
}

func (l *sessionLocks) release(id int64, e *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, id)
	}
}

func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
