package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LimitExceededError is returned when a token cannot be obtained: the day
// budget is spent, or the minute wait would overrun the caller's deadline.
// Callers treat it as a transient failure.
type LimitExceededError struct {
	Scope      string // "minute" or "day"
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s window), retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// Limiter is a token bucket with two ceilings: a per-minute refill window
// (bucket capacity = burst) and a per-day counter. One instance is shared by
// reference across every worker in a run; all synchronization is internal.
type Limiter struct {
	mu        sync.Mutex
	perMinute int
	perDay    int
	burst     int
	tokens    float64
	last      time.Time
	dayCount  int
	dayStart  time.Time

	// Now and Sleep are injectable for deterministic tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a limiter with a full bucket. A burst of zero defaults the
// bucket capacity to perMinute.
func New(perMinute, perDay, burst int) *Limiter {
	if burst <= 0 {
		burst = perMinute
	}
	l := &Limiter{
		perMinute: perMinute,
		perDay:    perDay,
		burst:     burst,
		tokens:    float64(burst),
		Now:       time.Now,
		Sleep:     sleepCtx,
	}
	l.last = l.Now()
	l.dayStart = l.Now()
	return l
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

// Acquire blocks until cost tokens are available or the context is done.
// It fails fast with LimitExceededError instead of blocking when the day
// budget is spent (waiting would mean stalling until midnight, holding the
// run lock the whole time) or when a minute wait would overrun the caller's
// deadline.
func (l *Limiter) Acquire(ctx context.Context, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	for {
		wait, scope, err := l.tryTake(cost)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if scope == "day" {
			return &LimitExceededError{Scope: scope, RetryAfter: wait}
		}
		if deadline, ok := ctx.Deadline(); ok {
			if l.Now().Add(wait).After(deadline) {
				return &LimitExceededError{Scope: scope, RetryAfter: wait}
			}
		}
		if err := l.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryTake consumes tokens if available, else reports how long to wait and
// for which window.
func (l *Limiter) tryTake(cost int) (time.Duration, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now()

	// Day rollover resets the long-window counter.
	if now.YearDay() != l.dayStart.YearDay() || now.Year() != l.dayStart.Year() {
		l.dayCount = 0
		l.dayStart = now
	}

	// Refill the minute bucket proportionally to elapsed time, capped at
	// the burst capacity.
	elapsed := now.Sub(l.last)
	if elapsed > 0 {
		l.tokens += elapsed.Minutes() * float64(l.perMinute)
		if l.tokens > float64(l.burst) {
			l.tokens = float64(l.burst)
		}
		l.last = now
	}

	if l.dayCount+cost > l.perDay {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
		return midnight.Sub(now), "day", nil
	}
	if l.tokens >= float64(cost) {
		l.tokens -= float64(cost)
		l.dayCount += cost
		return 0, "", nil
	}
	missing := float64(cost) - l.tokens
	wait := time.Duration(missing / float64(l.perMinute) * float64(time.Minute))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, "minute", nil
}

// Remaining reports the day-window headroom, for diagnostics.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perDay - l.dayCount
}
