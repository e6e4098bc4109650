// internal/cache/cache.go
package cache

import (
	"context"
	"time"

	"docgen/internal/common/logger"
	"docgen/internal/common/metrics"
)

// ContentCache maps request fingerprints to generated markup.
type ContentCache struct {
	store  Store
	ttl    time.Duration
	dedupe *Deduper[string]
	logger logger.Logger
}

func New(cfg *Config, store Store, log logger.Logger) *ContentCache {
	return &ContentCache{
		store:  store,
		ttl:    cfg.TTL,
		dedupe: NewDeduper[string](cfg.DedupeTimeout),
		logger: log.WithFields(map[string]interface{}{
			"component": "content-cache",
			"backend":   store.Backend(),
		}),
	}
}

// Get treats store failures as misses; the pipeline regenerates instead of failing.
func (c *ContentCache) Get(ctx context.Context, fingerprint string) (string, bool) {
	markup, ok, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("cache lookup failed", map[string]interface{}{
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
		return "", false
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return "", false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return markup, true
}

// Set stores markup. A non-positive ttl uses the configured default.
func (c *ContentCache) Set(ctx context.Context, fingerprint, markup string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.store.Set(ctx, fingerprint, markup, ttl); err != nil {
		c.logger.Warn("cache write failed", map[string]interface{}{
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
		return err
	}
	return nil
}

func (c *ContentCache) Invalidate(ctx context.Context, fingerprint string) error {
	return c.store.Delete(ctx, fingerprint)
}

// Dedupe runs fn once for all concurrent callers using key.
func (c *ContentCache) Dedupe(ctx context.Context, key string, fn func(context.Context) (string, error)) (string, bool, error) {
	val, shared, err := c.dedupe.Do(ctx, key, fn)
	if shared {
		metrics.DedupeShared.Inc()
	}
	return val, shared, err
}

func (c *ContentCache) Backend() string {
	return c.store.Backend()
}
