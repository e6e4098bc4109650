// internal/cache/config.go
package cache

import (
	"time"

	"docgen/internal/common/config"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Backend    string
	TTL        time.Duration
	KeyPrefix  string
	MaxEntries int
	// DedupeTimeout bounds a shared upstream call once it is detached from its
	// callers. It matches the job deadline so key failover and retries fit in it.
	DedupeTimeout time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	return &Config{
		Backend:       cfg.Cache.Backend,
		TTL:           config.GetDuration(cfg.Cache.TTL),
		KeyPrefix:     cfg.Cache.KeyPrefix,
		MaxEntries:    cfg.Cache.MaxEntries,
		DedupeTimeout: config.GetDuration(cfg.Pipeline.JobTimeout),
	}
}
