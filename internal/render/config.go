// internal/render/config.go
package render

import (
	"strings"
	"time"

	"docgen/internal/common/config"
)

const (
	FormatA4     = "A4"
	FormatLetter = "Letter"
)

type PoolConfig struct {
	Size                int
	MaxRendersPerWorker int
	MaxAge              time.Duration
	IdleTimeout         time.Duration
	AcquireTimeout      time.Duration
	RenderTimeout       time.Duration
}

type LaunchConfig struct {
	BrowserBin string
	NoSandbox  bool
}

// PageOptions describes the printed page.
type PageOptions struct {
	Format    string
	Landscape bool
	MarginMM  float64
}

func LoadPoolConfig(cfg *config.Config) *PoolConfig {
	r := cfg.Render
	return &PoolConfig{
		Size:                r.PoolSize,
		MaxRendersPerWorker: r.MaxRendersPerWorker,
		MaxAge:              config.GetDuration(r.MaxAge),
		IdleTimeout:         config.GetDuration(r.IdleTimeout),
		AcquireTimeout:      config.GetDuration(r.AcquireTimeout),
		RenderTimeout:       config.GetDuration(r.RenderTimeout),
	}
}

func LoadLaunchConfig(cfg *config.Config) *LaunchConfig {
	return &LaunchConfig{
		BrowserBin: cfg.Render.BrowserBin,
		NoSandbox:  cfg.Render.NoSandbox,
	}
}

func LoadPageOptions(cfg *config.Config) PageOptions {
	return PageOptions{
		Format:   cfg.Render.PageFormat,
		MarginMM: cfg.Render.MarginMM,
	}.Normalize()
}

// Normalize fills unset values with A4 portrait and 15mm margins.
func (o PageOptions) Normalize() PageOptions {
	switch strings.ToLower(strings.TrimSpace(o.Format)) {
	case "letter":
		o.Format = FormatLetter
	default:
		o.Format = FormatA4
	}
	if o.MarginMM <= 0 {
		o.MarginMM = 15
	}
	return o
}

// SizeMM returns the page width and height in millimetres.
func (o PageOptions) SizeMM() (float64, float64) {
	w, h := 210.0, 297.0
	if o.Format == FormatLetter {
		w, h = 215.9, 279.4
	}
	if o.Landscape {
		return h, w
	}
	return w, h
}

func mmToInches(mm float64) float64 {
	return mm / 25.4
}
