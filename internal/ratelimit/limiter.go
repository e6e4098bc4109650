// internal/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docgen/internal/common/config"
	"docgen/internal/common/logger"
	"docgen/internal/common/metrics"

	"github.com/redis/go-redis/v9"
)

var ErrStoreUnavailable = errors.New("RATE_LIMIT_STORE_UNAVAILABLE")

// Limiter counts one request against the (identity, scope) bucket and
// compares the new count against maxRequests.
// Release gives back one counted request, never going below zero.
type Limiter interface {
	Check(ctx context.Context, identity, scope string, window time.Duration, maxRequests int) (Result, error)
	Release(ctx context.Context, identity, scope string) error
}

// NewLimiter resolves the backend once at startup. The Redis path always
// carries an in-memory fallback for store outages.
func NewLimiter(cfg config.RateLimitConfig, rdb *redis.Client, log logger.Logger) (Limiter, error) {
	memory := NewMemoryLimiter(cfg.KeyPrefix)
	switch cfg.Backend {
	case "memory":
		return memory, nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("%w: rate_limit backend is redis but no client is configured", ErrStoreUnavailable)
		}
	default:
		if rdb == nil {
			return memory, nil
		}
	}
	return NewFallbackLimiter(NewRedisLimiter(rdb, cfg.KeyPrefix), memory, log), nil
}

func bucketKey(prefix, scope, identity string) string {
	return prefix + scope + ":" + identity
}

// ==========================
// Memory limiter
// ==========================

type counter struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps fixed-window counters that reset lazily on the first
// access after their window has passed.
// sweepInterval spaces out full scans for expired counters.
const sweepInterval = time.Minute

type MemoryLimiter struct {
	mu        sync.Mutex
	prefix    string
	counters  map[string]*counter
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryLimiter(prefix string) *MemoryLimiter {
	return &MemoryLimiter{
		prefix:   prefix,
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Check(_ context.Context, identity, scope string, window time.Duration, maxRequests int) (Result, error) {
	key := bucketKey(l.prefix, scope, identity)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweep(now)
	}

	c, ok := l.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(window)}
		l.counters[key] = c
	}
	c.count++
	return newResult(c.count, maxRequests, c.resetAt), nil
}

func (l *MemoryLimiter) Release(_ context.Context, identity, scope string) error {
	key := bucketKey(l.prefix, scope, identity)

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.counters[key]; ok && c.count > 0 && l.now().Before(c.resetAt) {
		c.count--
	}
	return nil
}

// sweep drops counters whose window has ended. Callers hold l.mu.
func (l *MemoryLimiter) sweep(now time.Time) {
	for key, c := range l.counters {
		if !now.Before(c.resetAt) {
			delete(l.counters, key)
		}
	}
	l.lastSweep = now
}

// ==========================
// Redis limiter
// ==========================

// Increment and first-expiry in one round trip so concurrent instances never
// observe a counter without a TTL.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Decrement only live counters so a release never creates a key without a TTL.
var releaseScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

func (l *RedisLimiter) Check(ctx context.Context, identity, scope string, window time.Duration, maxRequests int) (Result, error) {
	key := bucketKey(l.prefix, scope, identity)
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}

	vals, err := incrScript.Run(ctx, l.client, []string{key}, windowMs).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, vals)
	}

	resetAt := l.now().Add(time.Duration(vals[1]) * time.Millisecond)
	return newResult(int(vals[0]), maxRequests, resetAt), nil
}

func (l *RedisLimiter) Release(ctx context.Context, identity, scope string) error {
	if err := releaseScript.Run(ctx, l.client, []string{bucketKey(l.prefix, scope, identity)}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ==========================
// Fallback limiter
// ==========================

// FallbackLimiter prefers the shared store and degrades to a per-process
// counter when the store errors.
type FallbackLimiter struct {
	primary   Limiter
	secondary Limiter
	logger    logger.Logger
}

func NewFallbackLimiter(primary, secondary Limiter, log logger.Logger) *FallbackLimiter {
	return &FallbackLimiter{
		primary:   primary,
		secondary: secondary,
		logger: log.WithFields(map[string]interface{}{
			"component": "rate-limiter",
		}),
	}
}

func (l *FallbackLimiter) Check(ctx context.Context, identity, scope string, window time.Duration, maxRequests int) (Result, error) {
	res, err := l.primary.Check(ctx, identity, scope, window, maxRequests)
	if err == nil {
		return res, nil
	}

	metrics.RateLimitFallbacks.Inc()
	l.logger.Warn("rate limit store unavailable, using in-memory counter", map[string]interface{}{
		"scope": scope,
		"error": err.Error(),
	})
	return l.secondary.Check(ctx, identity, scope, window, maxRequests)
}

func (l *FallbackLimiter) Release(ctx context.Context, identity, scope string) error {
	if err := l.primary.Release(ctx, identity, scope); err == nil {
		return nil
	}
	return l.secondary.Release(ctx, identity, scope)
}
