// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgen_jobs_completed_total",
			Help: "Total number of generation jobs completed",
		},
		[]string{"tier", "render_strategy"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgen_jobs_failed_total",
			Help: "Total number of generation jobs failed",
		},
		[]string{"tier", "error_kind"},
	)

	JobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgen_jobs_rejected_total",
			Help: "Total number of generation requests rejected at admission",
		},
		[]string{"error_kind"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docgen_job_duration_seconds",
			Help:    "End-to-end duration of generation jobs in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docgen_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docgen_jobs_active",
			Help: "Number of jobs currently being processed",
		},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgen_cache_lookups_total",
			Help: "Content cache lookups by result",
		},
		[]string{"result"},
	)

	DedupeShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docgen_dedupe_shared_total",
			Help: "Callers that received the result of an in-flight identical request",
		},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgen_ratelimit_decisions_total",
			Help: "Rate limiter decisions by scope",
		},
		[]string{"scope", "decision"},
	)

	RateLimitFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docgen_ratelimit_store_fallbacks_total",
			Help: "Checks served by the in-memory limiter after an external store failure",
		},
	)

	MarkupGenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgen_markup_generations_total",
			Help: "Markup generations by source and fallback reason",
		},
		[]string{"source", "reason"},
	)

	Renders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgen_renders_total",
			Help: "Render attempts by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	PoolWorkersInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docgen_render_pool_in_use",
			Help: "Render workers currently leased",
		},
	)

	PoolWorkersRetired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docgen_render_pool_workers_retired_total",
			Help: "Render workers closed by reason",
		},
		[]string{"reason"},
	)

	NotifierSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docgen_notifier_subscribers",
			Help: "Open job status subscriptions",
		},
	)
)
