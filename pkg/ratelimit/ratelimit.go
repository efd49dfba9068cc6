// Package ratelimit implements the process-wide request budget: one
// global token bucket shared by every account plus per-account
// sub-buckets, a cap on concurrent large-body fetches, and a separate
// backfill budget. Server Retry-After responses suspend the bucket.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// DefaultGlobalRPS is the shared ceiling across all accounts.
	DefaultGlobalRPS = 10
	// DefaultLargeBodySlots bounds concurrent large-body fetches.
	DefaultLargeBodySlots = 3
	// DefaultBackfillPerMinute caps backfill message throughput.
	DefaultBackfillPerMinute = 100
)

// Limiter is the process-global rate limiter. One instance per process,
// injected by reference.
type Limiter struct {
	global   *rate.Limiter
	backfill *rate.Limiter
	bodies   *semaphore.Weighted

	mu        sync.Mutex
	perAcct   map[string]*rate.Limiter
	suspended time.Time
	acctRPS   rate.Limit
}

// New builds a limiter with the given global requests-per-second.
// Zero or negative values select the defaults.
func New(globalRPS float64) *Limiter {
	if globalRPS <= 0 {
		globalRPS = DefaultGlobalRPS
	}
	return &Limiter{
		global:   rate.NewLimiter(rate.Limit(globalRPS), 1), // no burst: a 1 s window holds at most the rate
		backfill: rate.NewLimiter(rate.Limit(float64(DefaultBackfillPerMinute)/60.0), DefaultBackfillPerMinute/10),
		bodies:   semaphore.NewWeighted(DefaultLargeBodySlots),
		perAcct:  map[string]*rate.Limiter{},
		acctRPS:  rate.Limit(globalRPS), // per-account burst fairness, not extra budget
	}
}

// Acquire blocks until n tokens are available from both the account's
// sub-bucket and the global bucket, or ctx is done. A Retry-After
// suspension delays all callers.
func (l *Limiter) Acquire(ctx context.Context, account string, n int) error {
	if n <= 0 {
		n = 1
	}
	if err := l.waitSuspension(ctx); err != nil {
		return err
	}
	if account != "" {
		if err := l.acct(account).WaitN(ctx, n); err != nil {
			return err
		}
	}
	return l.global.WaitN(ctx, n)
}

// AcquireBackfill charges the backfill budget in addition to the
// normal buckets.
func (l *Limiter) AcquireBackfill(ctx context.Context, account string, n int) error {
	if n <= 0 {
		n = 1
	}
	if err := l.backfill.WaitN(ctx, n); err != nil {
		return err
	}
	return l.Acquire(ctx, account, n)
}

// AcquireBody reserves a large-body fetch slot. Release with the
// returned func; it is safe to call once.
func (l *Limiter) AcquireBody(ctx context.Context) (release func(), err error) {
	if err := l.bodies.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { l.bodies.Release(1) }) }, nil
}

// SetRetryAfter suspends every bucket until now + d, honouring the
// server-supplied Retry-After value. Shorter suspensions never shrink a
// longer one already in place.
func (l *Limiter) SetRetryAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	if until.After(l.suspended) {
		l.suspended = until
	}
	l.mu.Unlock()
}

func (l *Limiter) waitSuspension(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := time.Until(l.suspended)
		l.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Limiter) acct(account string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perAcct[account]
	if !ok {
		lim = rate.NewLimiter(l.acctRPS, int(l.acctRPS))
		l.perAcct[account] = lim
	}
	return lim
}
