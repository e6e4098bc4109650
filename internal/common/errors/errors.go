// Package errors provides the standardized failure taxonomy of the generation pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Admission errors are returned synchronously by createJob; no job is created.
const (
	ErrCodeRateLimited   ErrorCode = "RATE_LIMITED"
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
)

// Execution errors end a job in the failed state.
const (
	ErrCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrCodeRenderFailure       ErrorCode = "RENDER_FAILURE"
	ErrCodeTimeout             ErrorCode = "TIMEOUT"
	ErrCodeStorageFailure      ErrorCode = "STORAGE_FAILURE"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// Lookup errors.
const (
	ErrCodeJobNotFound    ErrorCode = "JOB_NOT_FOUND"
	ErrCodeResultNotFound ErrorCode = "RESULT_NOT_FOUND"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// WithMetadata attaches a metadata value and returns the same error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ResetAt returns the rate-limit reset time carried by the error, if any.
func (e *StandardError) ResetAt() (time.Time, bool) {
	if e.Metadata == nil {
		return time.Time{}, false
	}
	t, ok := e.Metadata["resetAt"].(time.Time)
	return t, ok
}

// ==========================
// 2. Error Constructors
// ==========================

// NewRateLimitedError reports a rejected request and when the window resets.
func NewRateLimitedError(scope string, limit, remaining int, resetAt time.Time) *StandardError {
	return &StandardError{
		Code:      ErrCodeRateLimited,
		Message:   "Too many requests, please retry later",
		Details:   fmt.Sprintf("scope: %s, limit: %d", scope, limit),
		Retryable: true,
		Metadata: map[string]interface{}{
			"scope":     scope,
			"limit":     limit,
			"remaining": remaining,
			"resetAt":   resetAt.UTC(),
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewQuotaExceededError reports an exhausted tier quota.
func NewQuotaExceededError(tier string, quota int, resetAt time.Time) *StandardError {
	return &StandardError{
		Code:      ErrCodeQuotaExceeded,
		Message:   "Document quota for your plan is exhausted",
		Details:   fmt.Sprintf("tier: %s, quota: %d", tier, quota),
		Retryable: false,
		Metadata: map[string]interface{}{
			"tier":    tier,
			"limit":   quota,
			"resetAt": resetAt.UTC(),
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidInputError creates a non-retryable validation error.
func NewInvalidInputError(field, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidInput,
		Message:   "Request is invalid",
		Details:   details,
		Retryable: false,
		Metadata:  map[string]interface{}{"field": field},
		Timestamp: time.Now().UTC(),
	}
}

// NewUpstreamUnavailableError wraps an AI service failure.
func NewUpstreamUnavailableError(service string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeUpstreamUnavailable,
		Message:   fmt.Sprintf("Upstream service '%s' unavailable", service),
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewRenderFailureError is raised once every render strategy has failed.
func NewRenderFailureError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeRenderFailure,
		Message:   "Document could not be rendered",
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewTimeoutError reports an exceeded deadline.
func NewTimeoutError(stage string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeTimeout,
		Message:   "Document generation timed out",
		Details:   fmt.Sprintf("stage: %s, error: %s", stage, errDetails(err)),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewStorageFailureError reports that rendered bytes could not be stored or read.
func NewStorageFailureError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStorageFailure,
		Message:   "Document could not be stored",
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Internal error",
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewJobNotFoundError creates a non-retryable lookup error.
func NewJobNotFoundError(jobID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeJobNotFound,
		Message:   "Job not found",
		Details:   fmt.Sprintf("jobId: %s", jobID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewResultNotFoundError creates a non-retryable lookup error.
func NewResultNotFoundError(handle string) *StandardError {
	return &StandardError{
		Code:      ErrCodeResultNotFound,
		Message:   "Result not found",
		Details:   fmt.Sprintf("handle: %s", handle),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func errDetails(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ==========================
// 3. Utility Functions
// ==========================

// AsStandardError unwraps err into a *StandardError when one is in the chain.
func AsStandardError(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// CodeOf returns the error code of err, INTERNAL_ERROR for foreign errors.
func CodeOf(err error) ErrorCode {
	if stdErr, ok := AsStandardError(err); ok {
		return stdErr.Code
	}
	return ErrCodeInternal
}

// HTTPStatus maps an error code to the status returned by the API.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeRateLimited, ErrCodeQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeJobNotFound, ErrCodeResultNotFound:
		return http.StatusNotFound
	case ErrCodeUpstreamUnavailable:
		return http.StatusBadGateway
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsAdmissionError reports codes that reject a request before a job exists.
func IsAdmissionError(code ErrorCode) bool {
	switch code {
	case ErrCodeRateLimited, ErrCodeQuotaExceeded, ErrCodeInvalidInput:
		return true
	default:
		return false
	}
}

// IsRetryableErrorCode reports whether a caller may retry (or regenerate) after code.
func IsRetryableErrorCode(code ErrorCode) bool {
	switch code {
	case ErrCodeRateLimited,
		ErrCodeUpstreamUnavailable,
		ErrCodeRenderFailure,
		ErrCodeTimeout,
		ErrCodeStorageFailure,
		ErrCodeInternal:
		return true
	default:
		return false
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "RATE") || strings.Contains(codeStr, "QUOTA"):
		return "ADMISSION"
	case strings.Contains(codeStr, "INVALID"):
		return "VALIDATION"
	case strings.Contains(codeStr, "UPSTREAM"):
		return "AI"
	case strings.Contains(codeStr, "RENDER"):
		return "RENDER"
	case strings.Contains(codeStr, "STORAGE") || strings.Contains(codeStr, "RESULT"):
		return "STORAGE"
	case strings.Contains(codeStr, "TIMEOUT"):
		return "TIMEOUT"
	case strings.Contains(codeStr, "NOT_FOUND"):
		return "LOOKUP"
	default:
		return "OTHER"
	}
}
