// internal/common/errors/handler.go
package errors

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// ErrorHandler writes errors as JSON responses with standardized status codes
type ErrorHandler struct {
	logger Logger
	now    func() time.Time
}

type Logger interface {
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

type errorResponse struct {
	Error *StandardError `json:"error"`
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger, now: time.Now}
}

// HandleHTTPError normalizes err, sets rate-limit headers for admission
// rejections and writes the JSON body.
func (h *ErrorHandler) HandleHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	stdErr := h.normalizeError(err)
	status := HTTPStatus(stdErr.Code)

	h.setRateLimitHeaders(w, stdErr)
	h.logError(r, stdErr, status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: stdErr})
}

// normalizeError ensures we always have a StandardError
func (h *ErrorHandler) normalizeError(err error) *StandardError {
	if stdErr, ok := AsStandardError(err); ok {
		return stdErr
	}
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: h.now().UTC(),
	}
}

func (h *ErrorHandler) setRateLimitHeaders(w http.ResponseWriter, stdErr *StandardError) {
	if stdErr.Code != ErrCodeRateLimited && stdErr.Code != ErrCodeQuotaExceeded {
		return
	}
	if limit, ok := stdErr.Metadata["limit"].(int); ok {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	}
	remaining := 0
	if r, ok := stdErr.Metadata["remaining"].(int); ok {
		remaining = r
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

	resetAt, ok := stdErr.ResetAt()
	if !ok {
		return
	}
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(resetAt, h.now())))
}

// RetryAfterSeconds rounds the wait up to whole seconds, at least one.
func RetryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func (h *ErrorHandler) logError(r *http.Request, stdErr *StandardError, status int) {
	fields := map[string]interface{}{
		"method":        r.Method,
		"path":          r.URL.Path,
		"status":        status,
		"errorCode":     string(stdErr.Code),
		"message":       stdErr.Message,
		"details":       stdErr.Details,
		"retryable":     stdErr.Retryable,
		"errorCategory": GetErrorCategory(stdErr.Code),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields)
		return
	}
	h.logger.Warn("request rejected", fields)
}
