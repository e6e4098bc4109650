// internal/markup/generator.go
package markup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "docgen/internal/common/errors"
	"docgen/internal/common/logger"
	"docgen/internal/common/metrics"
	"docgen/internal/models"
	"docgen/internal/script"

	"google.golang.org/genai"
)

var ErrGenerationFailed = errors.New("MARKUP_GENERATION_FAILED")

const systemInstruction = `You turn a user's request into the body of a printable document.
Reply with semantic HTML body content only: headings, paragraphs, lists, tables.
Do not include <html>, <head>, <body>, <script>, <style>, or markdown fences.
Write in the language of the request and reproduce every name, number and
non-Latin passage exactly as given.`

// Generator turns prompts into markup. It never fails the pipeline for an
// AI problem; only expiry of the caller's context is returned as an error.
type Generator struct {
	config *Config
	ring   *KeyRing
	logger logger.Logger
}

func NewGenerator(config *Config, ring *KeyRing, log logger.Logger) *Generator {
	return &Generator{
		config: config,
		ring:   ring,
		logger: log.WithFields(map[string]interface{}{
			"component": "markup-generator",
			"model":     config.Model,
		}),
	}
}

func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	profile := req.Profile
	if len(profile.FontStack) == 0 {
		profile = script.Detect(req.Prompt)
	}

	if g.config.BypassAIForRTL && profile.IsRTL && script.RTLRatio(req.Prompt) >= g.config.RTLBypassRatio {
		return g.fallback(req, profile, ReasonRTLBypass, nil), nil
	}
	if g.ring.Len() == 0 {
		return g.fallback(req, profile, ReasonMissingCredentials, nil), nil
	}

	raw, err := g.complete(ctx, g.buildPrompt(req, profile))
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.NewTimeoutError(string(models.StageGeneratingContent), ctx.Err())
		}
		if errors.Is(err, ErrMalformedResponse) {
			return g.fallback(req, profile, ReasonMalformedResponse, err), nil
		}
		return g.fallback(req, profile, ReasonUpstreamUnavailable, err), nil
	}

	body, err := Sanitize(raw)
	if err != nil {
		return g.fallback(req, profile, ReasonMalformedResponse, err), nil
	}

	result := &Result{Markup: body, Source: SourceAI, Model: g.config.Model}

	// A script is lost once none of its letters survive, judged per script.
	if lost := script.LostRTLRuns(req.Prompt, TextContent(body)); len(lost) > 0 {
		result.Markup = body + "\n" + PreservedSection(lost, profile)
		result.ScriptLossRecovered = true
		g.logger.Warn("model output dropped right-to-left text, appended original", map[string]interface{}{
			"tier": string(req.Tier),
			"runs": len(lost),
		})
	}

	metrics.MarkupGenerations.WithLabelValues(string(SourceAI), "").Inc()
	return result, nil
}

func (g *Generator) fallback(req Request, profile script.Profile, reason string, cause error) *Result {
	fields := map[string]interface{}{
		"reason": reason,
		"tier":   string(req.Tier),
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	g.logger.Warn("using templated markup", fields)
	metrics.MarkupGenerations.WithLabelValues(string(SourceFallback), reason).Inc()

	return &Result{
		Markup: FallbackBody(req.Prompt, req.Brand, profile),
		Source: SourceFallback,
		Reason: reason,
	}
}

// complete tries each key in ring order, retrying each with exponential
// backoff before moving on.
func (g *Generator) complete(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Temperature:       genai.Ptr(float32(g.config.Temperature)),
		MaxOutputTokens:   int32(g.config.MaxOutputTokens),
	}

	var lastErr error
	for _, slot := range g.ring.order() {
		for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
			if attempt > 0 {
				backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}

			text, err := g.call(ctx, slot, prompt, cfg)
			if err == nil {
				g.ring.markHealthy(slot)
				return text, nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if errors.Is(err, ErrMalformedResponse) {
				return "", err
			}
			lastErr = err
		}

		g.ring.markFailed(slot)
		g.logger.Warn("genai key failed, trying next", map[string]interface{}{
			"key":   slot.name,
			"error": lastErr.Error(),
		})
	}

	return "", fmt.Errorf("%w: %v", ErrGenerationFailed, lastErr)
}

func (g *Generator) call(ctx context.Context, slot *keySlot, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	callCtx := ctx
	if g.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	resp, err := slot.model.GenerateContent(callCtx, g.config.Model, genai.Text(prompt), cfg)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", ErrMalformedResponse)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty text", ErrMalformedResponse)
	}
	return text, nil
}

func (g *Generator) buildPrompt(req Request, profile script.Profile) string {
	var parts []string

	parts = append(parts, "Request:")
	parts = append(parts, req.Prompt)

	if req.Brand.CompanyName != "" {
		parts = append(parts, fmt.Sprintf("\nIssuing company: %s", req.Brand.CompanyName))
	}
	if len(profile.Scripts) > 0 {
		names := make([]string, len(profile.Scripts))
		for i, s := range profile.Scripts {
			names[i] = string(s)
		}
		parts = append(parts, fmt.Sprintf("\nScripts present: %s. Keep that text unchanged.", strings.Join(names, ", ")))
	}

	switch req.Tier {
	case models.TierFree, models.TierStarter:
		parts = append(parts, "\nKeep the document to about one page.")
	default:
		parts = append(parts, "\nUse as many sections and tables as the content needs.")
	}

	return strings.Join(parts, "\n")
}
