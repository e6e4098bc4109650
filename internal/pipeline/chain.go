// internal/pipeline/chain.go
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	apperrors "docgen/internal/common/errors"
	"docgen/internal/common/logger"
	"docgen/internal/common/metrics"
	"docgen/internal/models"
	"docgen/internal/render"
)

const (
	StrategyBrowserPool = "browser-pool"
	StrategyDirectPDF   = "direct-pdf"
)

var errNotPDF = errors.New("output is not a PDF")

// RenderStrategy is one way of turning a document into PDF bytes.
type RenderStrategy struct {
	Name   string
	Render func(ctx context.Context, doc render.Document) ([]byte, error)
}

// Chain tries strategies in order until one yields a PDF.
type Chain struct {
	strategies []RenderStrategy
	logger     logger.Logger
}

func NewChain(log logger.Logger, strategies ...RenderStrategy) *Chain {
	return &Chain{
		strategies: strategies,
		logger: log.WithFields(map[string]interface{}{
			"component": "render-chain",
		}),
	}
}

// BuildChain puts the browser pool first when one exists, then the direct
// drawing path.
func BuildChain(pool *render.Pool, page render.PageOptions, degraded *render.DegradedRenderer, log logger.Logger) *Chain {
	var strategies []RenderStrategy
	if pool != nil {
		strategies = append(strategies, BrowserPoolStrategy(pool, page))
	}
	strategies = append(strategies, DirectPDFStrategy(degraded))
	return NewChain(log, strategies...)
}

func BrowserPoolStrategy(pool *render.Pool, page render.PageOptions) RenderStrategy {
	return RenderStrategy{
		Name: StrategyBrowserPool,
		Render: func(ctx context.Context, doc render.Document) ([]byte, error) {
			return pool.Render(ctx, render.Compose(doc), page)
		},
	}
}

func DirectPDFStrategy(r *render.DegradedRenderer) RenderStrategy {
	return RenderStrategy{
		Name: StrategyDirectPDF,
		Render: func(_ context.Context, doc render.Document) ([]byte, error) {
			return r.Render(doc)
		},
	}
}

func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name
	}
	return names
}

// Render returns the PDF and the name of the strategy that produced it.
// Expiry of ctx stops the chain with TIMEOUT; exhausting it is RENDER_FAILURE.
func (c *Chain) Render(ctx context.Context, doc render.Document) ([]byte, string, error) {
	var errs []error
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return nil, "", apperrors.NewTimeoutError(string(models.StageFormattingDocument), err)
		}

		pdf, err := s.Render(ctx, doc)
		if err == nil && !bytes.HasPrefix(pdf, []byte("%PDF-")) {
			err = errNotPDF
		}
		if err != nil {
			metrics.Renders.WithLabelValues(s.Name, "error").Inc()
			c.logger.Warn("render strategy failed", map[string]interface{}{
				"strategy": s.Name,
				"error":    err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}

		metrics.Renders.WithLabelValues(s.Name, "ok").Inc()
		return pdf, s.Name, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, "", apperrors.NewTimeoutError(string(models.StageFormattingDocument), err)
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no render strategy configured"))
	}
	return nil, "", apperrors.NewRenderFailureError(errors.Join(errs...))
}
