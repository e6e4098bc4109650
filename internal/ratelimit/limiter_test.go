package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"docgen/internal/common/config"
	apperrors "docgen/internal/common/errors"
	"docgen/internal/common/logger"
	"docgen/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func createTestConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Backend:   "memory",
		KeyPrefix: "test:rl:",
		Scopes: map[string]config.ScopeLimit{
			ScopeGeneration: {Window: 60 * 60 * 1000, Max: 3},
			ScopeAPI:        {Window: 60 * 1000, Max: 10},
			ScopeUpload:     {Window: 60 * 60 * 1000, Max: 2},
			ScopeJob:        {Window: 60 * 60 * 1000, Max: 5},
		},
		TierMultipliers: map[string]int{"free": 1, "starter": 2, "professional": 5, "business": 10, "enterprise": 25},
		MonthlyQuota:    map[string]int{"free": 2, "starter": 50, "enterprise": Unlimited},
		MaxPromptRunes:  map[string]int{"free": 100, "starter": 400},
	}
}

func createTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

type failingLimiter struct{ calls int }

func (f *failingLimiter) Check(context.Context, string, string, time.Duration, int) (Result, error) {
	f.calls++
	return Result{}, ErrStoreUnavailable
}

func (f *failingLimiter) Release(context.Context, string, string) error {
	return ErrStoreUnavailable
}

// ==========================
// Memory Limiter Tests
// ==========================

func TestMemoryLimiter_Monotonicity(t *testing.T) {
	l := NewMemoryLimiter("test:")
	ctx := context.Background()
	const maxRequests = 3

	prevRemaining := maxRequests
	for i := 1; i <= 6; i++ {
		res, err := l.Check(ctx, "user-1", ScopeGeneration, time.Minute, maxRequests)
		require.NoError(t, err)

		assert.Equal(t, i, res.Count)
		assert.LessOrEqual(t, res.Remaining, prevRemaining)
		assert.Equal(t, i <= maxRequests, res.Allowed, "request %d", i)
		prevRemaining = res.Remaining
	}
	assert.Zero(t, prevRemaining)
}

func TestMemoryLimiter_LazyReset(t *testing.T) {
	l := NewMemoryLimiter("test:")
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	first, _ := l.Check(ctx, "user-1", ScopeAPI, time.Minute, 1)
	assert.True(t, first.Allowed)
	assert.Equal(t, now.Add(time.Minute), first.ResetAt)

	second, _ := l.Check(ctx, "user-1", ScopeAPI, time.Minute, 1)
	assert.False(t, second.Allowed)

	now = now.Add(time.Minute)
	third, _ := l.Check(ctx, "user-1", ScopeAPI, time.Minute, 1)
	assert.True(t, third.Allowed)
	assert.Equal(t, 1, third.Count)
}

func TestMemoryLimiter_PrunesExpiredCounters(t *testing.T) {
	l := NewMemoryLimiter("test:")
	now := time.Date(2026, time.March, 30, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := l.Check(ctx, "user-1:2026-03", ScopeQuota, 48*time.Hour, 5)
	require.NoError(t, err)
	_, err = l.Check(ctx, "user-2", ScopeAPI, time.Minute, 5)
	require.NoError(t, err)
	assert.Len(t, l.counters, 2)

	// a new month starts a new quota bucket; the old ones have expired
	now = now.Add(72 * time.Hour)
	_, err = l.Check(ctx, "user-1:2026-04", ScopeQuota, 30*24*time.Hour, 5)
	require.NoError(t, err)
	assert.Len(t, l.counters, 1)
}

func TestMemoryLimiter_Release(t *testing.T) {
	l := NewMemoryLimiter("test:")
	ctx := context.Background()

	require.NoError(t, l.Release(ctx, "user-1", ScopeJob), "releasing an unknown bucket is a no-op")

	_, _ = l.Check(ctx, "user-1", ScopeJob, time.Minute, 1)
	require.NoError(t, l.Release(ctx, "user-1", ScopeJob))
	require.NoError(t, l.Release(ctx, "user-1", ScopeJob))

	res, err := l.Check(ctx, "user-1", ScopeJob, time.Minute, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiter_BucketsAreIndependent(t *testing.T) {
	l := NewMemoryLimiter("test:")
	ctx := context.Background()

	_, _ = l.Check(ctx, "user-1", ScopeAPI, time.Minute, 1)
	other, _ := l.Check(ctx, "user-2", ScopeAPI, time.Minute, 1)
	otherScope, _ := l.Check(ctx, "user-1", ScopeUpload, time.Minute, 1)

	assert.True(t, other.Allowed)
	assert.True(t, otherScope.Allowed)
}

func TestMemoryLimiter_ConcurrentChecksCountExactly(t *testing.T) {
	l := NewMemoryLimiter("test:")
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := l.Check(context.Background(), "user-1", ScopeJob, time.Minute, 20)
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, allowed)
}

// ==========================
// Redis Limiter Tests
// ==========================

func TestRedisLimiter_IncrementsWithSingleExpiry(t *testing.T) {
	mr, rdb := createTestRedis(t)
	l := NewRedisLimiter(rdb, "test:rl:")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := l.Check(ctx, "user-1", ScopeGeneration, time.Minute, 2)
		require.NoError(t, err)
		assert.Equal(t, i, res.Count)
		assert.Equal(t, i <= 2, res.Allowed)
		assert.WithinDuration(t, time.Now().Add(time.Minute), res.ResetAt, 2*time.Second)
	}

	val, err := mr.Get("test:rl:generation:user-1")
	require.NoError(t, err)
	assert.Equal(t, "3", val)
	assert.Equal(t, time.Minute, mr.TTL("test:rl:generation:user-1"))

	mr.FastForward(time.Minute + time.Second)
	res, err := l.Check(ctx, "user-1", ScopeGeneration, time.Minute, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.True(t, res.Allowed)
}

func TestRedisLimiter_Release(t *testing.T) {
	mr, rdb := createTestRedis(t)
	l := NewRedisLimiter(rdb, "test:rl:")
	ctx := context.Background()

	require.NoError(t, l.Release(ctx, "user-1", ScopeQuota))
	assert.False(t, mr.Exists("test:rl:quota:user-1"), "release never creates a counter")

	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, "user-1", ScopeQuota, time.Hour, 5)
		require.NoError(t, err)
	}
	require.NoError(t, l.Release(ctx, "user-1", ScopeQuota))

	val, err := mr.Get("test:rl:quota:user-1")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
	assert.Equal(t, time.Hour, mr.TTL("test:rl:quota:user-1"))
}

func TestRedisLimiter_StoreDownReturnsError(t *testing.T) {
	mr, rdb := createTestRedis(t)
	mr.Close()

	_, err := NewRedisLimiter(rdb, "test:rl:").Check(context.Background(), "user-1", ScopeAPI, time.Minute, 5)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

// ==========================
// Fallback Limiter Tests
// ==========================

func TestFallbackLimiter_UsesMemoryWhenStoreFails(t *testing.T) {
	primary := &failingLimiter{}
	l := NewFallbackLimiter(primary, NewMemoryLimiter("test:"), logger.NewTestLogger(t))
	ctx := context.Background()

	first, err := l.Check(ctx, "user-1", ScopeAPI, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := l.Check(ctx, "user-1", ScopeAPI, time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, second.Allowed, "memory counter still enforces the ceiling")
	assert.Equal(t, 2, primary.calls)
}

func TestFallbackLimiter_RecoversWhenRedisStops(t *testing.T) {
	mr, rdb := createTestRedis(t)
	l, err := NewLimiter(config.RateLimitConfig{Backend: "redis", KeyPrefix: "test:rl:"}, rdb, logger.NewTestLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	res, err := l.Check(ctx, "user-1", ScopeAPI, time.Minute, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	mr.Close()
	res, err = l.Check(ctx, "user-1", ScopeAPI, time.Minute, 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Count, "in-memory counter starts fresh")
}

func TestNewLimiter_Backends(t *testing.T) {
	_, rdb := createTestRedis(t)
	log := logger.NewTestLogger(t)

	memory, err := NewLimiter(config.RateLimitConfig{Backend: "auto"}, nil, log)
	require.NoError(t, err)
	assert.IsType(t, &MemoryLimiter{}, memory)

	auto, err := NewLimiter(config.RateLimitConfig{Backend: "auto"}, rdb, log)
	require.NoError(t, err)
	assert.IsType(t, &FallbackLimiter{}, auto)

	_, err = NewLimiter(config.RateLimitConfig{Backend: "redis"}, nil, log)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

// ==========================
// Policy and Guard Tests
// ==========================

func TestPolicy_TierLadder(t *testing.T) {
	p := NewPolicy(createTestConfig())

	tests := []struct {
		tier models.Tier
		want int
	}{
		{models.TierFree, 3},
		{models.TierStarter, 6},
		{models.TierProfessional, 15},
		{models.TierBusiness, 30},
		{models.TierEnterprise, 75},
		{models.Tier("unknown"), 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			window, limit, ok := p.Limit(tt.tier, ScopeGeneration)
			require.True(t, ok)
			assert.Equal(t, time.Hour, window)
			assert.Equal(t, tt.want, limit)
		})
	}

	_, _, ok := p.Limit(models.TierFree, "nope")
	assert.False(t, ok)
	assert.Equal(t, 400, p.MaxPromptRunes(models.TierStarter))
	assert.Equal(t, 100, p.MaxPromptRunes(models.TierBusiness), "missing tier falls back to free")
}

func TestGuard_RateLimitedCarriesResetAt(t *testing.T) {
	g := NewGuard(NewMemoryLimiter("test:"), NewPolicy(createTestConfig()), logger.NewTestLogger(t))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Allow(ctx, "user-1", models.TierFree, ScopeUpload)
		require.NoError(t, err)
	}

	res, err := g.Allow(ctx, "user-1", models.TierFree, ScopeUpload)
	require.Error(t, err)
	assert.False(t, res.Allowed)

	stdErr, ok := apperrors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeRateLimited, stdErr.Code)
	resetAt, ok := stdErr.ResetAt()
	require.True(t, ok)
	assert.True(t, resetAt.After(time.Now()))
}

func TestGuard_MonthlyQuota(t *testing.T) {
	g := NewGuard(NewMemoryLimiter("test:"), NewPolicy(createTestConfig()), logger.NewTestLogger(t))
	g.now = func() time.Time { return time.Date(2026, time.March, 30, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Allow(ctx, "user-1", models.TierFree, ScopeQuota)
		require.NoError(t, err)
	}

	_, err := g.Allow(ctx, "user-1", models.TierFree, ScopeQuota)
	require.Error(t, err)
	stdErr, _ := apperrors.AsStandardError(err)
	assert.Equal(t, apperrors.ErrCodeQuotaExceeded, stdErr.Code)
	resetAt, _ := stdErr.ResetAt()
	assert.Equal(t, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), resetAt)

	// a new month starts a new bucket
	g.now = func() time.Time { return time.Date(2026, time.April, 1, 0, 0, 1, 0, time.UTC) }
	_, err = g.Allow(ctx, "user-1", models.TierFree, ScopeQuota)
	assert.NoError(t, err)
}

func TestGuard_UnlimitedQuotaNeverCounts(t *testing.T) {
	primary := &failingLimiter{}
	g := NewGuard(primary, NewPolicy(createTestConfig()), logger.NewTestLogger(t))

	res, err := g.Allow(context.Background(), "user-1", models.TierEnterprise, ScopeQuota)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, Unlimited, res.Limit)
	assert.Zero(t, primary.calls)
}

func TestGuard_LimiterErrorIsInternal(t *testing.T) {
	g := NewGuard(&failingLimiter{}, NewPolicy(createTestConfig()), logger.NewTestLogger(t))

	_, err := g.Allow(context.Background(), "user-1", models.TierFree, ScopeAPI)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.CodeOf(err))
}
