// Package throttle rate-limits repeated per-tenant side effects and retries
// flaky network calls with a linear backoff.
package throttle

import (
	"context"
	"sync"
	"time"
)

// Kind names a throttled action.
type Kind string

const (
	About       Kind = "about"
	Story       Kind = "story"
	Presence    Kind = "presence"
	StatusView  Kind = "status_view"
	StatusReact Kind = "status_react"
)

// DefaultIntervals are the minimum gaps between two actions of a kind.
var DefaultIntervals = map[Kind]time.Duration{
	About:       time.Hour,
	Story:       24 * time.Hour,
	Presence:    5 * time.Second,
	StatusView:  10 * time.Second,
	StatusReact: 10 * time.Second,
}

// Throttler remembers when each kind last ran for one tenant.
type Throttler struct {
	mu        sync.Mutex
	intervals map[Kind]time.Duration
	last      map[Kind]time.Time
	now       func() time.Time
}

// New returns a Throttler using [DefaultIntervals] overridden by intervals.
func New(intervals map[Kind]time.Duration) *Throttler {
	merged := make(map[Kind]time.Duration, len(DefaultIntervals)+len(intervals))
	for k, v := range DefaultIntervals {
		merged[k] = v
	}
	for k, v := range intervals {
		merged[k] = v
	}
	return &Throttler{
		intervals: merged,
		last:      make(map[Kind]time.Time),
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (t *Throttler) WithClock(now func() time.Time) *Throttler {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
	return t
}

// Allow reports whether kind may run now. A true result stamps the slot
// immediately, so concurrent callers cannot both pass. Kinds without an
// interval are always allowed.
func (t *Throttler) Allow(kind Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	interval, ok := t.intervals[kind]
	if !ok || interval <= 0 {
		return true
	}
	now := t.now()
	if last, seen := t.last[kind]; seen && now.Sub(last) < interval {
		return false
	}
	t.last[kind] = now
	return true
}

// Reset forgets the last run of kind.
func (t *Throttler) Reset(kind Kind) {
	t.mu.Lock()
	delete(t.last, kind)
	t.mu.Unlock()
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real [Sleeper].
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn up to attempts times, waiting base*n after the n-th
// failure. It returns nil on the first success, otherwise the last error
// (or the context error when ctx ends while waiting).
func Retry(ctx context.Context, attempts int, base time.Duration, sleep Sleeper, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if sleep == nil {
		sleep = Sleep
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if serr := sleep(ctx, base*time.Duration(attempt)); serr != nil {
			return serr
		}
	}
	return err
}
