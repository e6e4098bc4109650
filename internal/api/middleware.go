// internal/api/middleware.go
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docgen/internal/common/logger"
	"docgen/internal/models"
	"docgen/internal/ratelimit"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey string

const identityKey ctxKey = "identity"

// Identity tags the request with the caller's identity: the gateway's user
// id, otherwise the client address.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), identityKey, identityOf(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityOf(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
		return "user:" + id
	}
	return "ip:" + clientIP(r)
}

// IdentityFrom returns the identity set by Identity.
func IdentityFrom(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey).(string); ok {
		return id
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	return r.RemoteAddr
}

// tierOf resolves the tier limits are derived from. The gateway header sets
// the ceiling (free when absent); a body tier may only ask for a lower one.
// An unknown body tier is passed through so validation can reject it.
func tierOf(r *http.Request, bodyTier string) models.Tier {
	ceiling := models.TierFree
	if t, ok := models.ParseTier(r.Header.Get(HeaderTier)); ok {
		ceiling = t
	}
	if bodyTier == "" {
		return ceiling
	}
	requested, ok := models.ParseTier(bodyTier)
	if !ok {
		return models.Tier(bodyTier)
	}
	if requested.Rank() > ceiling.Rank() {
		return ceiling
	}
	return requested
}

// RateLimit counts every request against the api scope of its identity.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.guard.Allow(r.Context(), IdentityFrom(r.Context()), tierOf(r, ""), ratelimit.ScopeAPI)
		if err != nil {
			s.errors.HandleHTTPError(w, r, err)
			return
		}
		if res.Limit != ratelimit.Unlimited {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		next.ServeHTTP(w, r)
	})
}

// AccessLog writes one line per request through the service logger.
func AccessLog(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info("http request", map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     status,
				"bytes":      ww.BytesWritten(),
				"durationMs": time.Since(start).Milliseconds(),
				"requestId":  middleware.GetReqID(r.Context()),
				"identity":   IdentityFrom(r.Context()),
			})
		})
	}
}
