package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quizforge/quizforge/internal/logging"
)

// probeInterval throttles how often a degraded backend re-checks the primary.
const probeInterval = 5 * time.Second

// FallbackBackend serves from the primary (Redis) backend until a check
// fails, then switches to per-process buckets so allocations keep flowing.
// While degraded it periodically probes the primary and switches back once
// it answers. Local buckets count per replica, so the effective limit
// loosens during an outage; that is the fail-open contract of this limiter.
type FallbackBackend struct {
	primary   Backend
	local     *LocalTokenBucketBackend
	degraded  atomic.Bool
	probing   atomic.Bool
	lastProbe atomic.Int64 // unix nanos of the most recent probe
}

// NewFallbackBackend wraps primary with the local fail-open fallback.
func NewFallbackBackend(primary Backend) *FallbackBackend {
	return &FallbackBackend{
		primary: primary,
		local:   NewLocalTokenBucketBackend(),
	}
}

func (f *FallbackBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	if f.degraded.Load() {
		f.maybeProbe()
		return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	}

	allowed, remaining, err := f.primary.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
	if err == nil {
		return allowed, remaining, nil
	}

	logging.Op().Warn("rate limit backend error, serving from local buckets", "error", err)
	f.degraded.Store(true)
	f.lastProbe.Store(time.Now().UnixNano())
	return f.local.CheckRateLimit(ctx, key, maxTokens, refillRate, requested)
}

// maybeProbe kicks off one background recovery probe per interval. The probe
// runs detached so a request is never held up by a slow primary.
func (f *FallbackBackend) maybeProbe() {
	last := time.Unix(0, f.lastProbe.Load())
	if time.Since(last) <= probeInterval {
		return
	}
	go f.probeAndRecover(context.Background())
}

// probeAndRecover issues a zero-token check against the primary, which
// exercises the backend without denying anyone, and clears degraded mode
// when it succeeds.
func (f *FallbackBackend) probeAndRecover(ctx context.Context) {
	if !f.probing.CompareAndSwap(false, true) {
		return
	}
	defer f.probing.Store(false)

	f.lastProbe.Store(time.Now().UnixNano())

	if _, _, err := f.primary.CheckRateLimit(ctx, "probe:health", 1000, 1000, 0); err != nil {
		return
	}
	logging.Op().Info("rate limit backend recovered, resuming distributed limiting")
	f.degraded.Store(false)
}

// Degraded reports whether checks are currently served from local buckets.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

// LocalTokenBucketBackend keeps token buckets in process memory. It backs
// the degraded mode of FallbackBackend and is not shared across replicas.
type LocalTokenBucketBackend struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

type localBucket struct {
	level   float64
	touched time.Time
}

// NewLocalTokenBucketBackend creates an empty local bucket table.
func NewLocalTokenBucketBackend() *LocalTokenBucketBackend {
	return &LocalTokenBucketBackend{buckets: make(map[string]*localBucket)}
}

func (l *LocalTokenBucketBackend) CheckRateLimit(_ context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b := l.buckets[key]
	if b == nil {
		b = &localBucket{level: float64(maxTokens), touched: now}
		l.buckets[key] = b
	} else if dt := now.Sub(b.touched).Seconds(); dt > 0 {
		b.level += dt * refillRate
		if limit := float64(maxTokens); b.level > limit {
			b.level = limit
		}
		b.touched = now
	}

	if b.level < float64(requested) {
		return false, int(b.level), nil
	}
	b.level -= float64(requested)
	return true, int(b.level), nil
}
