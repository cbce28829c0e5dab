// Package ratelimit provides Redis-backed pacing for the engine's
// incremental dispatch (max_changes_per_sync per interval) and for the
// scan driver's SCAN calls: each asks a Limiter before proceeding and
// waits out RetryAfter when the call is not allowed. Grounded on the
// teacher's xlimit redis backend, trimmed to the single rule this module
// needs.
package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// Result reports the outcome of a rate check.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter enforces a sliding-window rate per key, backed by a Redis
// instance shared across every replicator process so the limit holds
// cluster-wide, not just per process.
type Limiter struct {
	rate *redis_rate.Limiter
}

// New wraps rdb in a Limiter. The engine passes the source session's
// client, so the rate counters live in the source Redis.
func New(rdb redis.UniversalClient) *Limiter {
	return &Limiter{rate: redis_rate.NewLimiter(rdb)}
}

// AllowN checks whether n units may proceed under key within a limit
// requests-per-window budget with the given burst ceiling.
func (l *Limiter) AllowN(ctx context.Context, key string, limit, burst int, window time.Duration, n int) (Result, error) {
	res, err := l.rate.AllowN(ctx, key, redis_rate.Limit{Rate: limit, Burst: burst, Period: window}, n)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		ResetAt:    time.Now().Add(res.ResetAfter),
		RetryAfter: res.RetryAfter,
	}, nil
}

// Allow is AllowN with n=1, the common case of gating one batch dispatch.
func (l *Limiter) Allow(ctx context.Context, key string, limit, burst int, window time.Duration) (Result, error) {
	return l.AllowN(ctx, key, limit, burst, window, 1)
}

// Reset clears the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.rate.Reset(ctx, key)
}
