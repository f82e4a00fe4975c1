package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// Send copies from (or sends p directly when from is zero) to every
// recipient. Sends run concurrently, bounded by the permit pool, and each
// send waits on the rate limiter and then the fixed send delay.
func (s *Service) Send(ctx context.Context, name string, from kit.MessageRef, p kit.Payload, recipients []int64) Result {
	now := time.Now()
	id := uuid.NewString()
	s.pruneStatus(now)
	s.statusMu.Lock()
	s.status[id] = &JobStatus{ID: id, Name: name, Total: len(recipients), CreatedAt: now, StartedAt: now, Running: true}
	s.statusMu.Unlock()

	log := s.log.With(logx.String("job", id), logx.String("name", name))
	log.Info("broadcast job started", logx.Int("total", len(recipients)))

	res := Result{JobID: id}
	var mu sync.Mutex
	s.each(ctx, len(recipients), func(ctx context.Context, i int) error {
		chatID := recipients[i]
		ref, err := s.sendOne(ctx, from, p, chatID)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Failed = append(res.Failed, chatID)
			if res.FirstError == nil {
				res.FirstError = err
			}
			log.Debug("broadcast send failed", logx.Int64("chat_id", chatID), logx.Err(err))
			s.markFail(id, chatID)
			return err
		}
		res.Delivered = append(res.Delivered, Delivery{ChatID: chatID, MessageID: ref.MessageID})
		s.markDone(id)
		return nil
	})
	// Recipients never attempted because ctx ended count as failed.
	if miss := len(recipients) - len(res.Delivered) - len(res.Failed); miss > 0 {
		seen := make(map[int64]bool, len(res.Delivered)+len(res.Failed))
		for _, d := range res.Delivered {
			seen[d.ChatID] = true
		}
		for _, c := range res.Failed {
			seen[c] = true
		}
		for _, c := range recipients {
			if !seen[c] {
				res.Failed = append(res.Failed, c)
				s.markFail(id, c)
			}
		}
		if res.FirstError == nil {
			res.FirstError = ctx.Err()
		}
	}
	s.finish(id)

	fields := []logx.Field{logx.Int("total", len(recipients)), logx.Int("failed", len(res.Failed)), logx.Duration("dur", time.Since(now))}
	if len(res.Failed) > 0 {
		log.Warn("broadcast job finished with failures", fields...)
	} else {
		log.Info("broadcast job finished", fields...)
	}
	return res
}

var errNotAttempted = errors.New("broadcast: delete not attempted")

// DeleteResult splits a delete pass. Settled refs need no further attempt
// because the message is gone or the bot can no longer reach it. Pending
// refs failed transiently or were never attempted.
type DeleteResult struct {
	Settled    []kit.MessageRef
	Pending    []kit.MessageRef
	FirstError error
}

// Delete removes delivered messages through the same permit pool.
func (s *Service) Delete(ctx context.Context, refs []kit.MessageRef) DeleteResult {
	_, _, ops := s.snapshot()
	var mu sync.Mutex
	var res DeleteResult
	done := make([]bool, len(refs))
	s.each(ctx, len(refs), func(ctx context.Context, i int) error {
		err := ops.Delete(ctx, refs[i])
		class := kit.Classify(err)
		mu.Lock()
		defer mu.Unlock()
		done[i] = true
		switch class {
		case kit.ClassNone, kit.ClassNotFound:
			s.statsMu.Lock()
			s.deleted++
			s.statsMu.Unlock()
		case kit.ClassPermission:
			s.log.Debug("broadcast message left in place", logx.Int64("chat_id", refs[i].ChatID), logx.Err(err))
		default:
			res.Pending = append(res.Pending, refs[i])
			if res.FirstError == nil {
				res.FirstError = err
			}
			return err
		}
		res.Settled = append(res.Settled, refs[i])
		return nil
	})
	for i, ok := range done {
		if !ok {
			res.Pending = append(res.Pending, refs[i])
		}
	}
	if len(res.Pending) > 0 && res.FirstError == nil {
		res.FirstError = ctx.Err()
		if res.FirstError == nil {
			res.FirstError = errNotAttempted
		}
	}
	return res
}

// each runs fn for indexes [0, n), bounded by the permit pool. Indexes
// skipped because ctx ended are not passed to fn.
func (s *Service) each(ctx context.Context, n int, fn func(context.Context, int) error) {
	cfg, lim, _ := s.snapshot()
	var wg sync.WaitGroup
	for k := 0; k < n; k++ {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		if err := lim.Wait(ctx); err != nil {
			s.sem.Release(1)
			break
		}
		s.addInFlight(1)
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			defer s.sem.Release(1)
			defer s.addInFlight(-1)
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in broadcast send", logx.Int("index", k), logx.Any("panic", r))
				}
			}()
			_ = fn(ctx, k)
			if cfg.SendDelay > 0 {
				// An interrupted pause also stops the acquire loop.
				_ = s.sleep(ctx, cfg.SendDelay)
			}
		}(k)
	}
	wg.Wait()
}

func (s *Service) sendOne(ctx context.Context, from kit.MessageRef, p kit.Payload, chatID int64) (kit.MessageRef, error) {
	cfg, _, ops := s.snapshot()
	to := kit.ChatTarget{ChatID: chatID}
	var last error
	for i := 0; i <= cfg.RetryMax; i++ {
		var ref kit.MessageRef
		var err error
		if from.IsZero() {
			ref, err = ops.SendPayload(ctx, to, p)
		} else {
			ref, err = ops.CopyMessage(ctx, from, to, p)
		}
		if err == nil {
			s.statsMu.Lock()
			s.sent++
			s.statsMu.Unlock()
			return ref, nil
		}
		last = err
		if !kit.Retryable(err) || i == cfg.RetryMax {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return kit.MessageRef{}, ctx.Err()
		case <-tmr.C:
		}
	}
	s.statsMu.Lock()
	s.failed++
	s.statsMu.Unlock()
	return kit.MessageRef{}, last
}

func (s *Service) addInFlight(d int64) {
	s.statsMu.Lock()
	s.inFlight += d
	s.statsMu.Unlock()
}

func (s *Service) markDone(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Done++
	}
}

func (s *Service) markFail(id string, chatID int64) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Done++
		st.Failed++
		if len(st.Failures) < 200 {
			st.Failures = append(st.Failures, chatID)
		}
	}
}

func (s *Service) finish(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.DoneAt = time.Now()
		st.Running = false
	}
}
