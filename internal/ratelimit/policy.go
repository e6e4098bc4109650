// internal/ratelimit/policy.go
package ratelimit

import (
	"context"
	"time"

	"docgen/internal/common/config"
	apperrors "docgen/internal/common/errors"
	"docgen/internal/common/logger"
	"docgen/internal/common/metrics"
	"docgen/internal/models"
)

// Policy derives numeric ceilings from the tier supplied by billing.
type Policy struct {
	scopes         map[string]config.ScopeLimit
	multipliers    map[string]int
	monthlyQuota   map[string]int
	maxPromptRunes map[string]int
}

func NewPolicy(cfg config.RateLimitConfig) *Policy {
	return &Policy{
		scopes:         cfg.Scopes,
		multipliers:    cfg.TierMultipliers,
		monthlyQuota:   cfg.MonthlyQuota,
		maxPromptRunes: cfg.MaxPromptRunes,
	}
}

// Limit returns the window and ceiling of scope for tier. Unknown tiers get
// the free ceiling.
func (p *Policy) Limit(tier models.Tier, scope string) (time.Duration, int, bool) {
	base, ok := p.scopes[scope]
	if !ok {
		return 0, 0, false
	}
	m := p.multipliers[string(tier)]
	if m <= 0 {
		m = 1
	}
	return config.GetDuration(base.Window), base.Max * m, true
}

// MonthlyQuota is the tier's document allowance, Unlimited when uncapped.
func (p *Policy) MonthlyQuota(tier models.Tier) int {
	q, ok := p.monthlyQuota[string(tier)]
	if !ok {
		return p.monthlyQuota[string(models.TierFree)]
	}
	return q
}

// MaxPromptRunes bounds prompt length for tier.
func (p *Policy) MaxPromptRunes(tier models.Tier) int {
	n, ok := p.maxPromptRunes[string(tier)]
	if !ok {
		return p.maxPromptRunes[string(models.TierFree)]
	}
	return n
}

// Guard applies the policy through a limiter and turns rejections into
// typed admission errors.
type Guard struct {
	limiter Limiter
	policy  *Policy
	logger  logger.Logger
	now     func() time.Time
}

func NewGuard(limiter Limiter, policy *Policy, log logger.Logger) *Guard {
	return &Guard{
		limiter: limiter,
		policy:  policy,
		logger: log.WithFields(map[string]interface{}{
			"component": "rate-guard",
		}),
		now: time.Now,
	}
}

func (g *Guard) Policy() *Policy {
	return g.policy
}

// Allow counts one request in scope. Rejections are RATE_LIMITED, or
// QUOTA_EXCEEDED for the monthly quota scope.
func (g *Guard) Allow(ctx context.Context, identity string, tier models.Tier, scope string) (Result, error) {
	if scope == ScopeQuota {
		return g.allowQuota(ctx, identity, tier)
	}

	window, limit, ok := g.policy.Limit(tier, scope)
	if !ok {
		return Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited}, nil
	}

	res, err := g.limiter.Check(ctx, identity, scope, window, limit)
	if err != nil {
		return Result{}, apperrors.NewInternalError(err)
	}
	g.record(scope, res.Allowed)
	if !res.Allowed {
		g.logger.Info("request rate limited", map[string]interface{}{
			"identity": identity,
			"tier":     string(tier),
			"scope":    scope,
			"limit":    res.Limit,
			"resetAt":  res.ResetAt,
		})
		return res, apperrors.NewRateLimitedError(scope, res.Limit, res.Remaining, res.ResetAt)
	}
	return res, nil
}

func (g *Guard) allowQuota(ctx context.Context, identity string, tier models.Tier) (Result, error) {
	quota := g.policy.MonthlyQuota(tier)
	if quota == Unlimited {
		return Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited}, nil
	}

	now := g.now().UTC()
	bucket, nextMonth := quotaBucket(identity, now)
	res, err := g.limiter.Check(ctx, bucket, ScopeQuota, nextMonth.Sub(now), quota)
	if err != nil {
		return Result{}, apperrors.NewInternalError(err)
	}
	g.record(ScopeQuota, res.Allowed)
	if !res.Allowed {
		g.logger.Info("monthly quota exhausted", map[string]interface{}{
			"identity": identity,
			"tier":     string(tier),
			"quota":    quota,
		})
		return res, apperrors.NewQuotaExceededError(string(tier), quota, nextMonth)
	}
	return res, nil
}

// ReleaseQuota returns the document counted by an admitted quota check, for
// requests rejected by a later scope.
func (g *Guard) ReleaseQuota(ctx context.Context, identity string, tier models.Tier) {
	if g.policy.MonthlyQuota(tier) == Unlimited {
		return
	}
	bucket, _ := quotaBucket(identity, g.now().UTC())
	if err := g.limiter.Release(ctx, bucket, ScopeQuota); err != nil {
		g.logger.Warn("could not release quota", map[string]interface{}{
			"identity": identity,
			"error":    err.Error(),
		})
	}
}

// quotaBucket keys the quota by calendar month and returns when it resets.
func quotaBucket(identity string, now time.Time) (string, time.Time) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return identity + ":" + monthStart.Format("2006-01"), monthStart.AddDate(0, 1, 0)
}

func (g *Guard) record(scope string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	metrics.RateLimitDecisions.WithLabelValues(scope, decision).Inc()
}
