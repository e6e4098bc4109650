// internal/ratelimit/models.go
package ratelimit

import "time"

// Scopes with distinct ceilings.
const (
	ScopeGeneration = "generation"
	ScopeAPI        = "api"
	ScopeUpload     = "upload"
	ScopeJob        = "job"
	ScopeQuota      = "quota"
)

// Unlimited marks a ceiling that is never enforced.
const Unlimited = -1

// Result is the outcome of one counted request.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

func newResult(count, maxRequests int, resetAt time.Time) Result {
	remaining := maxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= maxRequests,
		Limit:     maxRequests,
		Count:     count,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
