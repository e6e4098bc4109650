package render

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docgen/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Doubles
// ==========================

type fakeBrowser struct {
	launcher *fakeLauncher
	delay    time.Duration
	fail     error
	dead     atomic.Bool
	closed   atomic.Bool
	prints   atomic.Int32
}

func (b *fakeBrowser) PrintPDF(ctx context.Context, html string, opts PageOptions) ([]byte, error) {
	b.prints.Add(1)
	n := b.launcher.active.Add(1)
	defer b.launcher.active.Add(-1)
	b.launcher.observe(n)

	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.fail != nil {
		return nil, b.fail
	}
	return []byte("%PDF-1.7 fake"), nil
}

func (b *fakeBrowser) Alive() bool { return !b.dead.Load() && !b.closed.Load() }

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	browsers []*fakeBrowser
	delay    time.Duration
	fail     error
	err      error

	active atomic.Int32
	peak   atomic.Int32
}

func (l *fakeLauncher) Launch(ctx context.Context) (Browser, error) {
	if l.err != nil {
		return nil, l.err
	}
	b := &fakeBrowser{launcher: l, delay: l.delay, fail: l.fail}
	l.mu.Lock()
	l.browsers = append(l.browsers, b)
	l.mu.Unlock()
	return b, nil
}

func (l *fakeLauncher) observe(n int32) {
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (l *fakeLauncher) launched() []*fakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeBrowser(nil), l.browsers...)
}

// ==========================
// Test Helper Functions
// ==========================

func createTestPoolConfig() *PoolConfig {
	return &PoolConfig{
		Size:                2,
		MaxRendersPerWorker: 50,
		MaxAge:              time.Hour,
		IdleTimeout:         time.Hour,
		AcquireTimeout:      5 * time.Second,
		RenderTimeout:       5 * time.Second,
	}
}

func createTestPool(t *testing.T, cfg *PoolConfig, launcher Launcher) *Pool {
	t.Helper()
	pool, err := NewPool(cfg, launcher, logger.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

// ==========================
// Core Functionality Tests
// ==========================

func TestPool_NeverExceedsSize(t *testing.T) {
	cfg := createTestPoolConfig()
	cfg.Size = 3
	launcher := &fakeLauncher{delay: 20 * time.Millisecond}
	pool := createTestPool(t, cfg, launcher)

	const jobs = 20
	var wg sync.WaitGroup
	errs := make(chan error, jobs)
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pdf, err := pool.Render(context.Background(), "<p>x</p>", PageOptions{})
			if err == nil && string(pdf[:5]) != "%PDF-" {
				err = errors.New("not a pdf")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, launcher.peak.Load(), int32(3))
	assert.LessOrEqual(t, len(launcher.launched()), 3, "workers are reused")

	stats := pool.Stats()
	assert.Equal(t, int64(jobs), stats.Renders)
	assert.LessOrEqual(t, stats.PeakInUse, 3)
	assert.Zero(t, stats.InUse)
}

func TestPool_ReusesIdleWorker(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := createTestPool(t, createTestPoolConfig(), launcher)

	for i := 0; i < 3; i++ {
		_, err := pool.Render(context.Background(), "<p>x</p>", PageOptions{})
		require.NoError(t, err)
	}

	require.Len(t, launcher.launched(), 1)
	assert.Equal(t, int32(3), launcher.launched()[0].prints.Load())
	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestPool_RecyclesAfterMaxRenders(t *testing.T) {
	cfg := createTestPoolConfig()
	cfg.MaxRendersPerWorker = 2
	launcher := &fakeLauncher{}
	pool := createTestPool(t, cfg, launcher)

	for i := 0; i < 5; i++ {
		_, err := pool.Render(context.Background(), "<p>x</p>", PageOptions{})
		require.NoError(t, err)
	}

	browsers := launcher.launched()
	require.Len(t, browsers, 3)
	assert.True(t, browsers[0].closed.Load())
	assert.True(t, browsers[1].closed.Load())
	assert.False(t, browsers[2].closed.Load())
	assert.Equal(t, int64(2), pool.Stats().Retired)
}

func TestPool_RecyclesAfterMaxAge(t *testing.T) {
	cfg := createTestPoolConfig()
	cfg.MaxAge = time.Minute
	launcher := &fakeLauncher{}
	pool := createTestPool(t, cfg, launcher)

	now := time.Now()
	pool.now = func() time.Time { return now }

	_, err := pool.Render(context.Background(), "<p>x</p>", PageOptions{})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = pool.Render(context.Background(), "<p>x</p>", PageOptions{})
	require.NoError(t, err)

	browsers := launcher.launched()
	require.Len(t, browsers, 2)
	assert.True(t, browsers[0].closed.Load())
}

func TestPool_ReaperClosesIdleWorkers(t *testing.T) {
	cfg := createTestPoolConfig()
	cfg.IdleTimeout = time.Minute
	launcher := &fakeLauncher{}
	pool := createTestPool(t, cfg, launcher)

	now := time.Now()
	pool.now = func() time.Time { return now }

	_, err := pool.Render(context.Background(), "<p>x</p>", PageOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, pool.Stats().Idle)

	now = now.Add(2 * time.Minute)
	pool.reapOnce()

	assert.Zero(t, pool.Stats().Idle)
	assert.True(t, launcher.launched()[0].closed.Load())
}

// ==========================
// Failure Handling Tests
// ==========================

func TestPool_CrashedWorkerIsReplaced(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := createTestPool(t, createTestPoolConfig(), launcher)

	_, err := pool.Render(context.Background(), "<p>x</p>", PageOptions{})
	require.NoError(t, err)

	first := launcher.launched()[0]
	first.dead.Store(true)

	_, err = pool.Render(context.Background(), "<p>x</p>", PageOptions{})
	require.NoError(t, err)

	browsers := launcher.launched()
	require.Len(t, browsers, 2)
	assert.True(t, first.closed.Load())
	assert.Equal(t, int64(1), pool.Stats().Crashed)
}

func TestPool_ContextExpiryDestroysWorker(t *testing.T) {
	cfg := createTestPoolConfig()
	cfg.Size = 1
	launcher := &fakeLauncher{delay: time.Hour}
	pool := createTestPool(t, cfg, launcher)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := pool.Render(ctx, "<p>x</p>", PageOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRenderFailed)

	assert.True(t, launcher.launched()[0].closed.Load())
	stats := pool.Stats()
	assert.Zero(t, stats.InUse, "slot is reclaimed")
	assert.Zero(t, stats.Idle)

	// the single slot is free again
	launcher.delay = 0
	_, err = pool.Render(context.Background(), "<p>x</p>", PageOptions{})
	require.NoError(t, err)
}

func TestPool_AcquireTimeout(t *testing.T) {
	cfg := createTestPoolConfig()
	cfg.Size = 1
	cfg.AcquireTimeout = 20 * time.Millisecond
	launcher := &fakeLauncher{delay: 300 * time.Millisecond}
	pool := createTestPool(t, cfg, launcher)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = pool.Render(context.Background(), "<p>slow</p>", PageOptions{})
	}()
	<-started
	require.Eventually(t, func() bool { return pool.Stats().InUse == 1 }, time.Second, 5*time.Millisecond)

	_, err := pool.Render(context.Background(), "<p>x</p>", PageOptions{})
	assert.ErrorIs(t, err, ErrAcquireTimeout)
}

func TestPool_LaunchFailure(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("chrome not found")}
	pool := createTestPool(t, createTestPoolConfig(), launcher)

	err := pool.Warm(context.Background())
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Zero(t, pool.Stats().InUse)
}

func TestPool_RenderErrorKeepsHealthyWorker(t *testing.T) {
	launcher := &fakeLauncher{fail: errors.New("bad markup")}
	pool := createTestPool(t, createTestPoolConfig(), launcher)

	_, err := pool.Render(context.Background(), "<p>x</p>", PageOptions{})
	assert.ErrorIs(t, err, ErrRenderFailed)
	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestPool_Close(t *testing.T) {
	launcher := &fakeLauncher{}
	pool, err := NewPool(createTestPoolConfig(), launcher, logger.NewTestLogger(t))
	require.NoError(t, err)

	require.NoError(t, pool.Warm(context.Background()))
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	assert.True(t, launcher.launched()[0].closed.Load())
	_, err = pool.Render(context.Background(), "<p>x</p>", PageOptions{})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewPool_Validation(t *testing.T) {
	cfg := createTestPoolConfig()
	cfg.Size = 0
	_, err := NewPool(cfg, &fakeLauncher{}, logger.NewTestLogger(t))
	assert.Error(t, err)

	_, err = NewPool(createTestPoolConfig(), nil, logger.NewTestLogger(t))
	assert.Error(t, err)
}
