// internal/markup/config.go
package markup

import (
	"time"

	"docgen/internal/common/config"
)

type Config struct {
	Model           string
	Timeout         time.Duration
	MaxRetries      int
	Temperature     float64
	MaxOutputTokens int
	KeyCooldown     time.Duration
	BypassAIForRTL  bool
	RTLBypassRatio  float64
}

func LoadConfig(cfg *config.Config) *Config {
	return &Config{
		Model:           cfg.GenAI.Model,
		Timeout:         config.GetDuration(cfg.GenAI.Timeout),
		MaxRetries:      cfg.GenAI.MaxRetries,
		Temperature:     cfg.GenAI.Temperature,
		MaxOutputTokens: cfg.GenAI.MaxOutputTokens,
		KeyCooldown:     config.GetDuration(cfg.GenAI.KeyCooldown),
		BypassAIForRTL:  cfg.GenAI.BypassAIForRTL,
		RTLBypassRatio:  cfg.GenAI.RTLBypassRatio,
	}
}
