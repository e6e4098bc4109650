// internal/render/pool.go
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docgen/internal/common/logger"
	"docgen/internal/common/metrics"

	"github.com/google/uuid"
)

var (
	ErrPoolClosed     = errors.New("RENDER_POOL_CLOSED")
	ErrAcquireTimeout = errors.New("RENDER_ACQUIRE_TIMEOUT")
	ErrLaunchFailed   = errors.New("RENDER_LAUNCH_FAILED")
	ErrRenderFailed   = errors.New("RENDER_FAILED")
)

const (
	retireMaxRenders = "max_renders"
	retireMaxAge     = "max_age"
	retireIdle       = "idle"
	retireCrashed    = "crashed"
	retireAbandoned  = "abandoned"
	retireShutdown   = "shutdown"
)

type worker struct {
	id         string
	browser    Browser
	createdAt  time.Time
	lastUsedAt time.Time
	renders    int
}

// Pool leases at most Size browser workers at a time. Callers beyond that
// wait for a free slot.
type Pool struct {
	config   *PoolConfig
	launcher Launcher
	logger   logger.Logger
	now      func() time.Time

	slots chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	idle   []*worker
	closed bool
	stats  PoolStats
}

func NewPool(config *PoolConfig, launcher Launcher, log logger.Logger) (*Pool, error) {
	if config.Size <= 0 {
		return nil, fmt.Errorf("render pool size must be positive, got %d", config.Size)
	}
	if launcher == nil {
		return nil, errors.New("render pool requires a launcher")
	}

	p := &Pool{
		config:   config,
		launcher: launcher,
		logger: log.WithFields(map[string]interface{}{
			"component": "render-pool",
			"size":      config.Size,
		}),
		now:   time.Now,
		slots: make(chan struct{}, config.Size),
		done:  make(chan struct{}),
	}
	p.stats.Size = config.Size

	if config.IdleTimeout > 0 || config.MaxAge > 0 {
		p.wg.Add(1)
		go p.reap()
	}
	return p, nil
}

// Warm launches one worker and parks it idle. Startup uses it to find out
// whether a browser engine is available at all.
func (p *Pool) Warm(ctx context.Context) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	w, err := p.take(ctx)
	if err != nil {
		return err
	}
	p.giveBack(w)
	return nil
}

// Render prints html on a leased worker. If ctx expires mid-render the
// worker is destroyed instead of being waited on.
func (p *Pool) Render(ctx context.Context, html string, opts PageOptions) ([]byte, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	w, err := p.take(ctx)
	if err != nil {
		return nil, err
	}

	renderCtx := ctx
	if p.config.RenderTimeout > 0 {
		var cancel context.CancelFunc
		renderCtx, cancel = context.WithTimeout(ctx, p.config.RenderTimeout)
		defer cancel()
	}

	type printed struct {
		pdf []byte
		err error
	}
	resultCh := make(chan printed, 1)
	go func() {
		pdf, err := w.browser.PrintPDF(renderCtx, html, opts)
		resultCh <- printed{pdf, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			switch {
			case renderCtx.Err() != nil:
				p.destroy(w, retireAbandoned)
			case !w.browser.Alive():
				p.destroy(w, retireCrashed)
			default:
				p.giveBack(w)
			}
			return nil, fmt.Errorf("%w: %v", ErrRenderFailed, res.err)
		}
		w.renders++
		w.lastUsedAt = p.now()
		p.mu.Lock()
		p.stats.Renders++
		p.mu.Unlock()
		p.giveBack(w)
		return res.pdf, nil

	case <-renderCtx.Done():
		p.logger.Warn("render did not finish in time, destroying worker", map[string]interface{}{
			"worker": w.id,
		})
		p.destroy(w, retireAbandoned)
		return nil, fmt.Errorf("%w: %v", ErrRenderFailed, renderCtx.Err())
	}
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Idle = len(p.idle)
	return s
}

// Close stops the reaper and closes idle workers. Workers still leased are
// closed when their render returns.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	var errs []error
	for _, w := range idle {
		if err := p.closeWorker(w, retireShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) acquire(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}

	var timeout <-chan time.Time
	if p.config.AcquireTimeout > 0 {
		timer := time.NewTimer(p.config.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return ErrAcquireTimeout
	case <-p.done:
		return ErrPoolClosed
	}

	p.mu.Lock()
	p.stats.InUse++
	if p.stats.InUse > p.stats.PeakInUse {
		p.stats.PeakInUse = p.stats.InUse
	}
	inUse := p.stats.InUse
	p.mu.Unlock()
	metrics.PoolWorkersInUse.Set(float64(inUse))
	return nil
}

func (p *Pool) release() {
	p.mu.Lock()
	p.stats.InUse--
	inUse := p.stats.InUse
	p.mu.Unlock()
	metrics.PoolWorkersInUse.Set(float64(inUse))
	<-p.slots
}

// take hands out the most recently used idle worker, launching a new one
// when none is usable. Must be called while holding a slot.
func (p *Pool) take(ctx context.Context) (*worker, error) {
	for {
		p.mu.Lock()
		n := len(p.idle)
		if n == 0 {
			p.mu.Unlock()
			break
		}
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()

		if reason := p.expired(w); reason != "" {
			p.destroy(w, reason)
			continue
		}
		if !w.browser.Alive() {
			p.destroy(w, retireCrashed)
			continue
		}
		return w, nil
	}

	browser, err := p.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	now := p.now()
	w := &worker{
		id:         uuid.NewString(),
		browser:    browser,
		createdAt:  now,
		lastUsedAt: now,
	}

	p.mu.Lock()
	p.stats.Launched++
	p.mu.Unlock()

	p.logger.Debug("launched render worker", map[string]interface{}{"worker": w.id})
	return w, nil
}

func (p *Pool) giveBack(w *worker) {
	if reason := p.expired(w); reason != "" {
		p.destroy(w, reason)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(w, retireShutdown)
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

func (p *Pool) expired(w *worker) string {
	now := p.now()
	switch {
	case p.config.MaxRendersPerWorker > 0 && w.renders >= p.config.MaxRendersPerWorker:
		return retireMaxRenders
	case p.config.MaxAge > 0 && now.Sub(w.createdAt) >= p.config.MaxAge:
		return retireMaxAge
	case p.config.IdleTimeout > 0 && now.Sub(w.lastUsedAt) >= p.config.IdleTimeout:
		return retireIdle
	}
	return ""
}

func (p *Pool) destroy(w *worker, reason string) {
	if err := p.closeWorker(w, reason); err != nil {
		p.logger.Warn("failed to close render worker", map[string]interface{}{
			"worker": w.id,
			"reason": reason,
			"error":  err.Error(),
		})
	}
}

func (p *Pool) closeWorker(w *worker, reason string) error {
	p.mu.Lock()
	if reason == retireCrashed || reason == retireAbandoned {
		p.stats.Crashed++
	} else {
		p.stats.Retired++
	}
	p.mu.Unlock()
	metrics.PoolWorkersRetired.WithLabelValues(reason).Inc()

	p.logger.Debug("retiring render worker", map[string]interface{}{
		"worker":  w.id,
		"reason":  reason,
		"renders": w.renders,
	})
	return w.browser.Close()
}

func (p *Pool) reap() {
	defer p.wg.Done()

	interval := p.config.IdleTimeout
	if interval <= 0 || (p.config.MaxAge > 0 && p.config.MaxAge < interval) {
		interval = p.config.MaxAge
	}
	interval /= 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	var keep []*worker
	var stale []*worker
	var reasons []string
	for _, w := range p.idle {
		if reason := p.expired(w); reason != "" {
			stale = append(stale, w)
			reasons = append(reasons, reason)
			continue
		}
		keep = append(keep, w)
	}
	p.idle = keep
	p.mu.Unlock()

	for i, w := range stale {
		p.destroy(w, reasons[i])
	}
}
