// Package minutes holds the meeting-minutes domain: sessions and their AI
// status machine, agenda notes, recordings, action-item tasks, and the pure
// transcript chunking and note merging rules used by the pipeline.
package minutes

import "time"

// Meeting is a recurring meeting that owns agenda items and sessions.
type Meeting struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Location    string     `json:"location,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Attendee receives the minutes email.
type Attendee struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// AgendaItem is a standing discussion topic of a meeting, stable across sessions.
type AgendaItem struct {
	ID          string `json:"id"`
	MeetingID   string `json:"meeting_id"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Position    int    `json:"position"`
}

// Session is one recording/minutes cycle of a meeting. A session with a nil
// EndedAt is the meeting's current session.
type Session struct {
	ID                  string     `json:"id"`
	MeetingID           string     `json:"meeting_id"`
	StartedAt           time.Time  `json:"started_at"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	AIStatus            AIStatus   `json:"ai_status"`
	AIError             string     `json:"ai_error,omitempty"`
	AIProcessedAt       *time.Time `json:"ai_processed_at,omitempty"`
	// ProcessingStartedAt is when the current or last run claimed the session.
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	Transcript          string     `json:"transcript,omitempty"`
	PDFPath             string     `json:"pdf_path,omitempty"`
	ReferenceLink       string     `json:"reference_link,omitempty"`
	EmailStatus         string     `json:"email_status,omitempty"`
	EmailSentAt         *time.Time `json:"email_sent_at,omitempty"`
	EmailSentBy         string     `json:"email_sent_by,omitempty"`
	EmailError          string     `json:"email_error,omitempty"`
	LastReminderSentAt  *time.Time `json:"last_reminder_sent_at,omitempty"`
}

// DateLayout formats meeting dates in documents and email subjects.
const DateLayout = "2006-01-02"

// IsOpen reports whether the session has not ended.
func (s *Session) IsOpen() bool {
	return s.EndedAt == nil
}

// AgendaNote is the note text for one agenda item in one session.
type AgendaNote struct {
	SessionID    string    `json:"session_id"`
	AgendaItemID string    `json:"agenda_item_id"`
	Notes        string    `json:"notes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Recording is an uploaded audio segment of a session. Immutable once stored.
type Recording struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	StoragePath     string    `json:"storage_path"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// Priority of a task.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityNormal Priority = "Normal"
	PriorityLow    Priority = "Low"
)

// Task statuses the pipeline cares about.
const (
	TaskStatusOpen      = "Open"
	TaskStatusCompleted = "Completed"
)

// ActionItemsColumn is the Kanban column AI-extracted tasks are placed in.
const ActionItemsColumn = "Action Items"

// ActionItemNote is attached to every AI-extracted task.
const ActionItemNote = "Extracted from meeting transcript by AI"

// TaskColumn is a Kanban column.
type TaskColumn struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// Task is a Kanban card.
type Task struct {
	ID        string     `json:"id"`
	MeetingID string     `json:"meeting_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	ColumnID  string     `json:"column_id"`
	Title     string     `json:"title"`
	Status    string     `json:"status"`
	Priority  Priority   `json:"priority"`
	Owner     string     `json:"owner"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	Position  int        `json:"position"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// TaskEvent is an audit row appended on every task mutation.
type TaskEvent struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"task_id"`
	EventType string                 `json:"event_type"`
	Actor     string                 `json:"actor"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// EmailResult is the bookkeeping written after a manual resend.
type EmailResult struct {
	Status string
	SentAt time.Time
	SentBy string
	Error  string
}

// Email statuses recorded on a session.
const (
	EmailStatusSent   = "sent"
	EmailStatusFailed = "error"
)

// ChangeRecord is the session row carried by a change notification.
type ChangeRecord struct {
	ID            string   `json:"id"`
	MeetingID     string   `json:"meeting_id"`
	AIStatus      AIStatus `json:"ai_status"`
	RecordingPath string   `json:"recording_path,omitempty"`
}

// ChangeEvent is a database change notification for a session row, as
// delivered by the webhook and the session change stream.
type ChangeEvent struct {
	Type      string        `json:"type,omitempty"`
	Table     string        `json:"table,omitempty"`
	Record    *ChangeRecord `json:"record"`
	OldRecord *ChangeRecord `json:"old_record,omitempty"`
}
