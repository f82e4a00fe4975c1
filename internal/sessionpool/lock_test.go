package sessionpool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionLocksSerializeAndForget(t *testing.T) {
	t.Parallel()
	var l sessionLocks
	ctx := context.Background()

	unlock, err := l.lock(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.lock(wctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second lock err = %v, want deadline", err)
	}
	other, err := l.lock(ctx, 2)
	if err != nil {
		t.Fatalf("other session blocked: %v", err)
	}
	other()
	if n := l.size(); n != 1 {
		t.Fatalf("entries while held = %d, want 1", n)
	}

	got := make(chan struct{})
	go func() {
		u, err := l.lock(ctx, 1)
		if err == nil {
			u()
		}
		close(got)
	}()
	time.Sleep(10 * time.Millisecond)
	unlock()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	if n := l.size(); n != 0 {
		t.Fatalf("entries after release = %d, want 0", n)
	}
}
