// Package ratelimit converts a request budget (N requests per fixed window)
// into a minimum inter-request interval and blocks callers until their slot
// arrives. A Limiter is owned by exactly one worker; it paces that worker's
// sequential calls and does not arbitrate across processes.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces sequential calls so that consecutive grants are at least
// window/budget apart.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// New creates a Limiter for budget requests per window. A budget or window
// of zero or less yields an unlimited limiter.
func New(budget int, window time.Duration) *Limiter {
	if budget <= 0 || window <= 0 {
		return &Limiter{
			limiter:  rate.NewLimiter(rate.Inf, 1),
			interval: 0,
		}
	}
	interval := window / time.Duration(budget)
	return &Limiter{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Acquire blocks until the next slot is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Interval returns the minimum spacing between grants.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
