// Package ratelimit provides a shared token-bucket limiter for the LLM API
// client. A single *Limiter is constructed once per run and injected into
// every concurrent trial pipeline, rather than recreated per call — there is
// exactly one limiter per upstream endpoint, so callers never reach for
// global mutable state.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate.Limiter with the two operations the
// LLM client needs: blocking acquisition and non-blocking reporting.
type Limiter struct {
	rl *rate.Limiter
}

// New creates a limiter allowing up to ratePerSecond requests per second,
// with a burst of burst requests issued back-to-back before throttling.
func New(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		return &Limiter{rl: rate.NewLimiter(rate.Inf, burst)}
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// Allow reports whether a token is available right now, consuming it if so.
func (l *Limiter) Allow() bool {
	return l.rl.Allow()
}
