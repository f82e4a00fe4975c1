package broadcast

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

func New(cfg Config, ops kit.ChannelOps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = normalize(cfg)
	return &Service{
		cfg:       cfg,
		ops:       ops,
		log:       log.Component("broadcast"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		sem:       semaphore.NewWeighted(int64(cfg.Permits)),
		permits:   int64(cfg.Permits),
		sleep:     sleepCtx,
		status:    map[string]*JobStatus{},
		statusMax: 200,
		statusTTL: 24 * time.Hour,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func normalize(cfg Config) Config {
	if cfg.Permits <= 0 {
		cfg.Permits = 30
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.SendDelay < 0 {
		cfg.SendDelay = 0
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	return cfg
}

// Apply swaps rate settings. The permit count only changes on restart
// because in-flight sends hold permits of the current semaphore.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(cfg.Permits) != s.permits {
		s.log.Info("broadcast permits change requires restart", logx.Int("permits", cfg.Permits), logx.Int64("current", s.permits))
		cfg.Permits = int(s.permits)
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) snapshot() (Config, *rate.Limiter, kit.ChannelOps) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter, s.ops
}

func (s *Service) Stats() Stats {
	s.statusMu.RLock()
	jobs, running := len(s.status), 0
	for _, st := range s.status {
		if st.Running {
			running++
		}
	}
	s.statusMu.RUnlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{Jobs: jobs, Running: running, Sent: s.sent, Failed: s.failed, Deleted: s.deleted, InFlight: s.inFlight}
}

func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]int64(nil), st.Failures...)
	return cp, true
}

func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, st := range s.status {
		if !st.Running && now.Sub(st.CreatedAt) > s.statusTTL {
			delete(s.status, id)
		}
	}
	for len(s.status) > s.statusMax {
		var oldest string
		var at time.Time
		for id, st := range s.status {
			if st.Running {
				continue
			}
			if oldest == "" || st.CreatedAt.Before(at) {
				oldest, at = id, st.CreatedAt
			}
		}
		if oldest == "" {
			return
		}
		delete(s.status, oldest)
	}
}
