// Package alerts raises deduplicated operational alerts about session and
// channel failures.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postbot/internal/storage"
)

// Deduper lets one alert per key through per window.
//
// Keys are "<session>_<channel>_<event>_<code>". Expired keys are evicted
// lazily; when the cache is over MaxEntries the entries expiring first go.
type Deduper struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	seen    map[string]time.Time // key -> suppress until
	now     func() time.Time
	store   storage.DedupStore
	lastGC  time.Time
	allowed uint64
	muted   uint64
}

type DeduperOption func(*Deduper)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) DeduperOption { return func(d *Deduper) { d.now = now } }

// WithStore persists suppress-until marks so restarts do not re-alert.
func WithStore(st storage.DedupStore) DeduperOption { return func(d *Deduper) { d.store = st } }

func NewDeduper(window time.Duration, maxEntries int, opts ...DeduperOption) *Deduper {
	if window <= 0 {
		window = 6 * time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	d := &Deduper{window: window, max: maxEntries, seen: map[string]time.Time{}, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply changes the window for keys marked from now on. Marks already set
// keep their expiry.
func (d *Deduper) Apply(window time.Duration, maxEntries int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if window > 0 {
		d.window = window
	}
	if maxEntries > 0 {
		d.max = maxEntries
	}
}

// Key builds the composite dedup key.
func Key(eventType string, sessionID, channelID int64, code string) string {
	return fmt.Sprintf("%d_%d_%s_%s", sessionID, channelID, eventType, code)
}

// ShouldSend reports whether an alert for this key may go out now, and if
// so marks the key for the window.
func (d *Deduper) ShouldSend(eventType string, sessionID, channelID int64, code string) bool {
	key := Key(eventType, sessionID, channelID, code)
	now := d.now()

	d.mu.Lock()
	if until, ok := d.seen[key]; ok && now.Before(until) {
		d.muted++
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()

	if d.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		until, ok, err := d.store.GetDedup(ctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			d.mu.Lock()
			d.seen[key] = until
			d.muted++
			d.mu.Unlock()
			return false
		}
	}

	until := now.Add(d.window)
	d.mu.Lock()
	// Re-check: a concurrent caller may have claimed the key meanwhile.
	if u, ok := d.seen[key]; ok && now.Before(u) {
		d.muted++
		d.mu.Unlock()
		return false
	}
	d.seen[key] = until
	d.allowed++
	d.pruneLocked(now)
	d.mu.Unlock()

	if d.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = d.store.PutDedup(ctx, key, until)
		cancel()
	}
	return true
}

func (d *Deduper) pruneLocked(now time.Time) {
	if len(d.seen) <= d.max && now.Sub(d.lastGC) < time.Minute {
		return
	}
	d.lastGC = now
	for k, until := range d.seen {
		if !now.Before(until) {
			delete(d.seen, k)
		}
	}
	for len(d.seen) > d.max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range d.seen {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(d.seen, minKey)
	}
}

// Len returns the number of cached keys (expired ones included until pruned).
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Counts returns how many alerts were let through and suppressed.
func (d *Deduper) Counts() (allowed, muted uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allowed, d.muted
}
