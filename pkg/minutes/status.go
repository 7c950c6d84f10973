package minutes

import (
	"fmt"
	"time"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
)

// AIStatus is the state of a session's AI processing.
type AIStatus string

const (
	StatusReady      AIStatus = "ready"
	StatusQueued     AIStatus = "queued"
	StatusProcessing AIStatus = "processing"
	StatusDone       AIStatus = "done"
	StatusError      AIStatus = "error"
	StatusSkipped    AIStatus = "skipped"
)

// transitions lists the allowed next states. error re-enters the pipeline on manual retry.
var transitions = map[AIStatus][]AIStatus{
	StatusReady:      {StatusQueued, StatusProcessing},
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusDone, StatusError, StatusSkipped},
	StatusError:      {StatusQueued, StatusProcessing},
}

// ClaimableStatuses are the states from which a pipeline run may start.
var ClaimableStatuses = []AIStatus{StatusReady, StatusQueued, StatusError}

// Valid reports whether s is a known status.
func (s AIStatus) Valid() bool {
	switch s {
	case StatusReady, StatusQueued, StatusProcessing, StatusDone, StatusError, StatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition happens from s.
func (s AIStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusSkipped || s == StatusError
}

// CanTransition reports whether from -> to is an allowed move.
func CanTransition(from, to AIStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an ErrInvalidState error when from -> to is not allowed.
func CheckTransition(from, to AIStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("ai_status %s -> %s: %w", from, to, merrors.ErrInvalidState)
}

// CanClaim reports whether a run may claim a session in s whose current claim,
// if any, was taken at claimedAt. A processing claim taken before staleBefore
// is abandoned; a zero staleBefore never treats a claim as abandoned.
func CanClaim(s AIStatus, claimedAt *time.Time, staleBefore time.Time) bool {
	if IsClaimable(s) {
		return true
	}
	if s != StatusProcessing || staleBefore.IsZero() {
		return false
	}
	return claimedAt == nil || claimedAt.Before(staleBefore)
}

// IsClaimable reports whether a pipeline run may start from s.
func IsClaimable(s AIStatus) bool {
	for _, c := range ClaimableStatuses {
		if c == s {
			return true
		}
	}
	return false
}
