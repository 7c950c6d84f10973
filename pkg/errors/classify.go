package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorCode represents a classified pipeline error.
type ErrorCode string

const (
	ErrRateLimit          ErrorCode = "rate_limit"
	ErrServerError        ErrorCode = "server_error"
	ErrServiceUnavailable ErrorCode = "service_unavailable"
	ErrTimeout            ErrorCode = "timeout"
	ErrConnectionReset    ErrorCode = "connection_reset"
	ErrBadRequest         ErrorCode = "bad_request"
	ErrAuthFailed         ErrorCode = "auth_failed"
	ErrProviderRejected   ErrorCode = "provider_rejected"
	ErrContextCancelled   ErrorCode = "context_cancelled"
	ErrParseError         ErrorCode = "parse_error"
	ErrConfigMissing      ErrorCode = "config_missing"
	ErrProcessingError    ErrorCode = "processing_error"
)

// PipelineError is a classified failure of one pipeline stage.
type PipelineError struct {
	Code    ErrorCode
	Stage   string
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// ClassifyError inspects an error and returns a *PipelineError with the appropriate code.
// Typed errors are checked first, then HTTP status codes, then network conditions,
// and finally message patterns for errors that arrive as plain strings.
func ClassifyError(err error, stage string) *PipelineError {
	if err == nil {
		return nil
	}

	var existing *PipelineError
	if errors.As(err, &existing) {
		return existing
	}

	pe := &PipelineError{Stage: stage, Cause: err, Message: err.Error()}

	var ce *ConfigError
	if errors.As(err, &ce) {
		pe.Code = ErrConfigMissing
		return pe
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		pe.Code = ErrParseError
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		pe.Code = ErrTimeout
		pe.Message = "operation timed out"
		return pe
	}
	if errors.Is(err, context.Canceled) {
		pe.Code = ErrContextCancelled
		pe.Message = "operation cancelled"
		return pe
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) && provErr.StatusCode > 0 {
		pe.Code = codeForStatus(provErr.StatusCode)
		return pe
	}

	if errors.Is(err, syscall.ECONNRESET) {
		pe.Code = ErrConnectionReset
		return pe
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		pe.Code = ErrTimeout
		return pe
	}

	pe.Code = codeForMessage(strings.ToLower(err.Error()))
	return pe
}

func codeForStatus(status int) ErrorCode {
	switch status {
	case http.StatusTooManyRequests:
		return ErrRateLimit
	case http.StatusInternalServerError:
		return ErrServerError
	case http.StatusServiceUnavailable:
		return ErrServiceUnavailable
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthFailed
	default:
		return ErrProviderRejected
	}
}

func codeForMessage(lower string) ErrorCode {
	switch {
	case strings.Contains(lower, "connection reset"), strings.Contains(lower, "econnreset"):
		return ErrConnectionReset
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"), strings.Contains(lower, "etimedout"):
		return ErrTimeout
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"), strings.Contains(lower, "status 429"):
		return ErrRateLimit
	case strings.Contains(lower, "service unavailable"), strings.Contains(lower, "status 503"):
		return ErrServiceUnavailable
	case strings.Contains(lower, "internal server error"), strings.Contains(lower, "status 500"):
		return ErrServerError
	default:
		return ErrProcessingError
	}
}

// IsErrorRetryable returns true if the error is transient and worth retrying.
func IsErrorRetryable(err error) bool {
	pe := ClassifyError(err, "")
	if pe == nil {
		return false
	}
	return IsRetryable(pe.Code)
}

// TypeTag returns a short exception-type tag for err, e.g. "rate_limit/*errors.ProviderError".
// fmt.Errorf wrappers and PipelineError are peeled off to reach the concrete type.
func TypeTag(err error) string {
	if err == nil {
		return ""
	}
	code := ClassifyError(err, "").Code
	inner := err
	for isWrapper(inner) {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return fmt.Sprintf("%s/%T", code, inner)
}

func isWrapper(err error) bool {
	if _, ok := err.(*PipelineError); ok {
		return true
	}
	return fmt.Sprintf("%T", err) == "*fmt.wrapError"
}
