package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Config struct {
	// Permits bounds concurrent sends across all jobs.
	Permits    int
	SendDelay  time.Duration
	RatePerSec int
	RetryMax   int
}

type JobStatus struct {
	ID       string
	Name     string
	Total    int
	Done     int
	Failed   int
	Failures []int64
	// CreatedAt is when the job was registered, used for pruning.
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

// Delivery is one successfully delivered recipient message.
type Delivery struct {
	ChatID    int64
	MessageID int
}

// Result is the outcome of a finished job.
type Result struct {
	JobID      string
	Delivered  []Delivery
	Failed     []int64
	FirstError error
}

type Stats struct {
	Jobs     int
	Running  int
	Sent     uint64
	Failed   uint64
	Deleted  uint64
	InFlight int64
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	ops     kit.ChannelOps
	log     logx.Logger
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	permits int64
	sleep   func(ctx context.Context, d time.Duration) error

	statusMu sync.RWMutex
	status   map[string]*JobStatus
	// statusMax/statusTTL bound in-memory status retention.
	statusMax int
	statusTTL time.Duration

	statsMu  sync.Mutex
	sent     uint64
	failed   uint64
	deleted  uint64
	inFlight int64
}
