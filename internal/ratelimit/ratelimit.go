// Package ratelimit applies per-user token buckets to the allocation write
// paths. Buckets live in Redis so the limit holds across daemon replicas;
// when Redis is unreachable the limiter degrades to per-process buckets
// rather than refusing traffic.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/quizforge/quizforge/internal/config"
)

// Backend answers token bucket checks. Implementations must be safe for
// concurrent use.
type Backend interface {
	// CheckRateLimit refills the bucket for key from elapsed time, then
	// tries to take the requested tokens. It reports whether the take
	// succeeded and how many whole tokens remain.
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error)
}

// Result of a single rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time // when the bucket is full again
}

// Limiter applies one bucket shape to every key. Allocation traffic is
// keyed per user, so a single rate and burst pair covers the whole surface.
type Limiter struct {
	backend Backend
	rate    float64
	burst   int
}

// New creates a limiter from the configured per-user rate and burst.
func New(backend Backend, cfg config.RateLimitConfig) *Limiter {
	rate := float64(cfg.Rate)
	if rate <= 0 {
		rate = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rate) * 2
	}
	return &Limiter{
		backend: backend,
		rate:    rate,
		burst:   burst,
	}
}

// Allow checks whether one request is allowed for the given key.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN checks whether n requests are allowed for the given key.
func (l *Limiter) AllowN(ctx context.Context, key string, n int) (Result, error) {
	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, l.burst, l.rate, n)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	// ResetAt is when the bucket refills completely at the steady rate.
	refillSeconds := float64(l.burst-remaining) / l.rate
	resetAt := time.Now().Add(time.Duration(refillSeconds * float64(time.Second)))

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// KeyForUser returns the bucket key for a request carrying a user id.
func KeyForUser(userID string) string {
	return "user:" + userID
}

// KeyForIP returns the bucket key for requests without a user id.
func KeyForIP(ip string) string {
	return "ip:" + ip
}
