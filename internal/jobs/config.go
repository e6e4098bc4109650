// internal/jobs/config.go
package jobs

import (
	"time"

	"docgen/internal/common/config"
)

type Config struct {
	QueueBackend string
	QueueSize    int
	QueueKey     string
	PollTimeout  time.Duration
	UsePostgres  bool
}

func LoadConfig(cfg *config.Config) *Config {
	return &Config{
		QueueBackend: cfg.Pipeline.QueueBackend,
		QueueSize:    cfg.Pipeline.QueueSize,
		QueueKey:     "docgen:jobs:queue",
		PollTimeout:  time.Second,
		UsePostgres:  cfg.Database.Postgres.Enabled,
	}
}
