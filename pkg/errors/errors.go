// Package errors provides the domain error types shared across the minutes service.
//
// Sentinel errors describe common domain conditions and are checked with errors.Is.
// Typed errors (ConfigError, ParseError, ProviderError, PipelineError) carry the
// detail needed by the retry wrapper and by the session state machine when it
// records ai_error.
//
// Usage:
//
//	import merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
//
//	if merrors.IsNotFound(err) {
//	    // respond 404
//	}
package errors

import (
	"errors"
	"fmt"
)

// Domain errors.
var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the row changed underneath the caller, e.g. a lost
	// compare-and-swap on ai_status.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized indicates the request lacks a valid shared secret or token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidState indicates the operation is not valid for the current session state.
	ErrInvalidState = errors.New("invalid state")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnauthorized reports whether any error in err's chain is ErrUnauthorized.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// ConfigError reports a required configuration value that is absent.
type ConfigError struct {
	Name string
}

func (e *ConfigError) Error() string {
	return "Missing " + e.Name
}

// Missing returns a ConfigError for the named setting.
func Missing(name string) error {
	return &ConfigError{Name: name}
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ParseError reports a provider response that did not decode into the
// expected result type. Callers treat it as "no data produced".
type ParseError struct {
	Stage string
	Raw   string
	Cause error
}

const maxRawInError = 200

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > maxRawInError {
		raw = raw[:maxRawInError] + "..."
	}
	if raw == "" {
		return fmt.Sprintf("parse %s response: %v", e.Stage, e.Cause)
	}
	return fmt.Sprintf("parse %s response: %v (raw: %q)", e.Stage, e.Cause, raw)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// IsParseError reports whether err is, or wraps, a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// ProviderError is a non-2xx response from a third-party API.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}
