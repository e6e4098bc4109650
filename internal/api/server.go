// internal/api/server.go
package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	apperrors "docgen/internal/common/errors"
	"docgen/internal/common/logger"
	"docgen/internal/pipeline"
	"docgen/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Config struct {
	MaxBodyBytes      int64
	HeartbeatInterval time.Duration
	ReadinessTimeout  time.Duration
}

// Server exposes the generation pipeline over HTTP.
type Server struct {
	config       *Config
	orchestrator *pipeline.Orchestrator
	guard        *ratelimit.Guard
	errors       *apperrors.ErrorHandler
	checks       map[string]ReadinessCheck
	logger       logger.Logger
}

func NewServer(config *Config, orchestrator *pipeline.Orchestrator, guard *ratelimit.Guard, checks map[string]ReadinessCheck, log logger.Logger) *Server {
	log = log.WithFields(map[string]interface{}{"component": "http-api"})
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = orchestrator.Notifier().HeartbeatInterval()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 15 * time.Second
	}
	if config.ReadinessTimeout <= 0 {
		config.ReadinessTimeout = 2 * time.Second
	}
	return &Server{
		config:       config,
		orchestrator: orchestrator,
		guard:        guard,
		errors:       apperrors.NewErrorHandler(log),
		checks:       checks,
		logger:       log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, Identity, AccessLog(s.logger))

	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.RateLimit)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.CreateJob)
			r.Get("/{id}", s.GetJob)
			r.Get("/{id}/stream", s.StreamJob)
			r.Get("/{id}/result", s.DownloadResult)
		})
		r.Get("/results/*", s.DownloadHandle)
	})

	return r
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready runs every readiness check and reports 503 if any fails.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.ReadinessTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "ready"
	if status != http.StatusOK {
		overall = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{"status": overall, "checks": results})
}
