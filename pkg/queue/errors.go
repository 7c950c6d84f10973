package queue

import (
	"errors"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
)

// Queue errors.
var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMessageNotFound    = errors.New("message not found")
	ErrQueueClosed        = errors.New("queue is closed")
	ErrInvalidMessage     = errors.New("invalid message")

	errVisibilityTimeout = errors.New("visibility timeout exceeded")
)

// ErrorCategory categorizes handler errors for retry decisions.
type ErrorCategory string

const (
	// ErrorCategoryTransient indicates a temporary error that should be retried.
	ErrorCategoryTransient ErrorCategory = "transient"
	// ErrorCategoryPermanent indicates an error that will not be resolved by retry.
	ErrorCategoryPermanent ErrorCategory = "permanent"
)

// ProcessingError wraps a handler error with its category.
type ProcessingError struct {
	Category ErrorCategory
	Code     string
	Err      error
}

func (e *ProcessingError) Error() string {
	return string(e.Category) + " " + e.Code + ": " + e.Err.Error()
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should trigger a retry.
func (e *ProcessingError) IsRetryable() bool {
	return e.Category == ErrorCategoryTransient
}

// Permanent marks err as not worth retrying.
func Permanent(code string, err error) error {
	return &ProcessingError{Category: ErrorCategoryPermanent, Code: code, Err: err}
}

// Transient marks err as worth retrying.
func Transient(code string, err error) error {
	return &ProcessingError{Category: ErrorCategoryTransient, Code: code, Err: err}
}

// Categorize decides whether a handler error is retried. Explicit
// ProcessingErrors keep their category; domain errors describing bad input
// or state are permanent; anything else is assumed transient.
func Categorize(err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	code := string(merrors.ClassifyError(err, "").Code)
	switch {
	case merrors.IsNotFound(err), merrors.IsValidation(err), merrors.IsInvalidState(err),
		merrors.IsConfigError(err), merrors.IsUnauthorized(err):
		return &ProcessingError{Category: ErrorCategoryPermanent, Code: code, Err: err}
	default:
		return &ProcessingError{Category: ErrorCategoryTransient, Code: code, Err: err}
	}
}
