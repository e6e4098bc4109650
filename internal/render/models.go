package render

import (
	"context"

	"docgen/internal/models"
	"docgen/internal/script"
)

// Document is everything composed into the printed page.
type Document struct {
	Title     string
	Body      string
	Profile   script.Profile
	Image     *models.SourceImage
	Watermark bool
	Brand     models.BrandContext
}

// Browser is one headless engine process leased by the pool.
type Browser interface {
	PrintPDF(ctx context.Context, html string, opts PageOptions) ([]byte, error)
	Alive() bool
	Close() error
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

type PoolStats struct {
	Size      int   `json:"size"`
	InUse     int   `json:"inUse"`
	Idle      int   `json:"idle"`
	PeakInUse int   `json:"peakInUse"`
	Launched  int64 `json:"launched"`
	Retired   int64 `json:"retired"`
	Crashed   int64 `json:"crashed"`
	Renders   int64 `json:"renders"`
}
