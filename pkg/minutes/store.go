package minutes

import (
	"context"
	"time"
)

// StatusUpdate is a write of a session's ai_status and its companions.
type StatusUpdate struct {
	SessionID   string
	Status      AIStatus
	Error       string     // ai_error, cleared when empty
	ProcessedAt *time.Time // ai_processed_at, left unchanged when nil
}

// Store is the relational store the minutes pipeline reads and writes.
// Lookups of absent rows return an error wrapping errors.ErrNotFound.
type Store interface {
	GetMeeting(ctx context.Context, meetingID string) (*Meeting, error)
	ListAttendees(ctx context.Context, meetingID string) ([]Attendee, error)
	ListAgendaItems(ctx context.Context, meetingID string) ([]AgendaItem, error)

	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, meetingID string) ([]Session, error)
	// CreateSession inserts s. It returns ErrConflict when the meeting
	// already has an open session.
	CreateSession(ctx context.Context, s *Session) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// ClaimForProcessing moves a session to processing only if its current
	// status is one of ClaimableStatuses, or it is processing under a claim
	// taken before staleBefore. A zero staleBefore never takes over a claim.
	// It returns ErrConflict otherwise.
	ClaimForProcessing(ctx context.Context, sessionID string, staleBefore time.Time) error
	UpdateStatus(ctx context.Context, u StatusUpdate) error
	SaveTranscript(ctx context.Context, sessionID, transcript string) error
	SetPDFPath(ctx context.Context, sessionID, path string) error
	RecordEmail(ctx context.Context, sessionID string, r EmailResult) error
	TouchReminder(ctx context.Context, sessionID string, at time.Time) error

	// UpsertAgendaNotes writes one row per entry keyed by (session, agenda item).
	UpsertAgendaNotes(ctx context.Context, sessionID string, notes map[string]string) error
	ListAgendaNotes(ctx context.Context, sessionID string) (map[string]string, error)

	AddRecording(ctx context.Context, r *Recording) error
	// ListRecordings returns the session's recordings in upload order.
	ListRecordings(ctx context.Context, sessionID string) ([]Recording, error)

	ListOpenTasks(ctx context.Context, meetingID string) ([]Task, error)
	// EnsureTaskColumn returns the named column, creating it at max(position)+1 if absent.
	EnsureTaskColumn(ctx context.Context, name string) (*TaskColumn, error)
	// InsertTasks appends tasks to their column and writes a TaskEvent per task.
	InsertTasks(ctx context.Context, tasks []Task, actor string) error
}
