// internal/pipeline/config.go
package pipeline

import (
	"time"

	"docgen/internal/common/config"
)

// AllowedImageTypes are the MIME types accepted for an inlined source image.
var AllowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

type Config struct {
	JobTimeout    time.Duration
	Workers       int
	MaxImageBytes int
	Batch         BatchLimits
}

func LoadConfig(cfg *config.Config) *Config {
	return &Config{
		JobTimeout:    config.GetDuration(cfg.Pipeline.JobTimeout),
		Workers:       cfg.Pipeline.Workers,
		MaxImageBytes: cfg.Pipeline.MaxImageBytes,
		Batch: BatchLimits{
			MaxJobs: cfg.Pipeline.MaxJobsPerInvocation,
			MaxWall: config.GetDuration(cfg.Pipeline.MaxInvocationTime),
		},
	}
}
