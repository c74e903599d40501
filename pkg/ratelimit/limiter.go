// Package ratelimit paces outbound operations against external services.
// It wraps Uber's token bucket limiter behind a small interface so the pace
// of exchange requests can be controlled (and faked in tests) uniformly.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

// Rate describes an allowance of Limit operations per Interval.
type Rate struct {
	Limit    int
	Interval time.Duration
}

// RateLimiter blocks callers until an operation is permitted.
type RateLimiter interface {
	// Wait blocks until a token is available or the context is cancelled.
	Wait(ctx context.Context) error

	// SetLimit replaces the rate configuration at runtime.
	SetLimit(rate Rate) error
}

// uberLimiter implements RateLimiter using Uber's token bucket.
type uberLimiter struct {
	mu      sync.Mutex
	limiter ratelimit.Limiter
	rate    Rate
}

// NewTokenBucketLimiter creates a rate limiter allowing rate.Limit operations
// per rate.Interval.
func NewTokenBucketLimiter(rate Rate) RateLimiter {
	return &uberLimiter{
		limiter: ratelimit.New(perSecond(rate)),
		rate:    rate,
	}
}

func perSecond(rate Rate) int {
	rps := int(float64(rate.Limit) / rate.Interval.Seconds())
	if rps < 1 {
		rps = 1
	}
	return rps
}

// Wait implements the RateLimiter interface.
func (l *uberLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
	default:
	}
	l.mu.Lock()
	limiter := l.limiter
	l.mu.Unlock()
	limiter.Take()
	return nil
}

// SetLimit implements the RateLimiter interface.
func (l *uberLimiter) SetLimit(rate Rate) error {
	if rate.Limit <= 0 || rate.Interval <= 0 {
		return fmt.Errorf("invalid rate limit: %+v", rate)
	}
	l.mu.Lock()
	l.limiter = ratelimit.New(perSecond(rate))
	l.rate = rate
	l.mu.Unlock()
	return nil
}

// nopLimiter never blocks. Useful in tests.
type nopLimiter struct{}

// NewNopLimiter returns a limiter that always permits immediately.
func NewNopLimiter() RateLimiter { return nopLimiter{} }

func (nopLimiter) Wait(ctx context.Context) error { return ctx.Err() }
func (nopLimiter) SetLimit(Rate) error            { return nil }
