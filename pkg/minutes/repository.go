package minutes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
)

const pgUniqueViolation = "23505"

// Repository is the PostgreSQL implementation of Store.
type Repository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new minutes repository.
func NewRepository(pool *pgxpool.Pool, logger logging.Logger) *Repository {
	return &Repository{
		pool:   pool,
		logger: logger.With(logging.F("component", "minutes_repository")),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, merrors.ErrNotFound)
}

// GetMeeting returns a meeting by id.
func (r *Repository) GetMeeting(ctx context.Context, meetingID string) (*Meeting, error) {
	var m Meeting
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, title, location, scheduled_at, created_at
		FROM meetings WHERE id = $1`, meetingID).
		Scan(&m.ID, &m.Title, &m.Location, &m.ScheduledAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("meeting", meetingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting: %w", err)
	}
	return &m, nil
}

// ListAttendees returns the meeting's attendees ordered by email.
func (r *Repository) ListAttendees(ctx context.Context, meetingID string) ([]Attendee, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT email, name FROM meeting_attendees
		WHERE meeting_id = $1 ORDER BY email`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendees: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Attendee, error) {
		var a Attendee
		err := row.Scan(&a.Email, &a.Name)
		return a, err
	})
}

// ListAgendaItems returns the meeting's agenda in display order.
func (r *Repository) ListAgendaItems(ctx context.Context, meetingID string) ([]AgendaItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, meeting_id::text, code, title, description, position
		FROM agenda_items WHERE meeting_id = $1
		ORDER BY position, code`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agenda items: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (AgendaItem, error) {
		var a AgendaItem
		err := row.Scan(&a.ID, &a.MeetingID, &a.Code, &a.Title, &a.Description, &a.Position)
		return a, err
	})
}

const sessionColumns = `
	id::text, meeting_id::text, started_at, ended_at, ai_status, ai_error, ai_processed_at,
	processing_started_at, transcript, pdf_path, reference_link, email_status, email_sent_at, email_sent_by,
	email_error, last_reminder_sent_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	var status string
	var aiError, transcript, pdfPath, refLink, emailStatus, emailSentBy, emailError *string
	err := row.Scan(
		&s.ID, &s.MeetingID, &s.StartedAt, &s.EndedAt, &status, &aiError, &s.AIProcessedAt,
		&s.ProcessingStartedAt, &transcript, &pdfPath, &refLink, &emailStatus, &s.EmailSentAt, &emailSentBy,
		&emailError, &s.LastReminderSentAt,
	)
	if err != nil {
		return s, err
	}
	s.AIStatus = AIStatus(status)
	s.AIError = deref(aiError)
	s.Transcript = deref(transcript)
	s.PDFPath = deref(pdfPath)
	s.ReferenceLink = deref(refLink)
	s.EmailStatus = deref(emailStatus)
	s.EmailSentBy = deref(emailSentBy)
	s.EmailError = deref(emailError)
	return s, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM meeting_sessions WHERE id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// ListSessions returns every session of a meeting, newest first.
func (r *Repository) ListSessions(ctx context.Context, meetingID string) ([]Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM meeting_sessions WHERE meeting_id = $1 ORDER BY started_at DESC`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		return scanSession(row)
	})
}

// CreateSession inserts a new open session. The partial unique index on
// open sessions turns a concurrent second insert into ErrConflict.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	if s.AIStatus == "" {
		s.AIStatus = StatusReady
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO meeting_sessions (id, meeting_id, started_at, ended_at, ai_status, reference_link)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.MeetingID, s.StartedAt, s.EndedAt, string(s.AIStatus), nullable(s.ReferenceLink))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("meeting %s already has an open session: %w", s.MeetingID, merrors.ErrConflict)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// EndSession sets ended_at on an open session.
func (r *Repository) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE meeting_sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`,
		sessionID, endedAt)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, sessionID)
	}
	return nil
}

// ClaimForProcessing is a compare-and-swap on ai_status. A stale processing
// claim left behind by a crashed run is taken over.
func (r *Repository) ClaimForProcessing(ctx context.Context, sessionID string, staleBefore time.Time) error {
	claimable := make([]string, len(ClaimableStatuses))
	for i, s := range ClaimableStatuses {
		claimable[i] = string(s)
	}
	var stale *time.Time
	if !staleBefore.IsZero() {
		stale = &staleBefore
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE meeting_sessions
		SET ai_status = 'processing', ai_error = NULL, processing_started_at = NOW()
		WHERE id = $1 AND (
			ai_status = ANY($2)
			OR ($3::timestamptz IS NOT NULL AND ai_status = 'processing'
				AND (processing_started_at IS NULL OR processing_started_at < $3))
		)`,
		sessionID, claimable, stale)
	if err != nil {
		return fmt.Errorf("failed to claim session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, sessionID)
	}
	return nil
}

func (r *Repository) missingOrConflict(ctx context.Context, sessionID string) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT ai_status FROM meeting_sessions WHERE id = $1`, sessionID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("session", sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to read session status: %w", err)
	}
	return fmt.Errorf("session %s is %s: %w", sessionID, status, merrors.ErrConflict)
}

// UpdateStatus writes ai_status, ai_error and optionally ai_processed_at.
func (r *Repository) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE meeting_sessions
		SET ai_status = $2, ai_error = $3, ai_processed_at = COALESCE($4, ai_processed_at)
		WHERE id = $1`,
		u.SessionID, string(u.Status), nullable(u.Error), u.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("session", u.SessionID)
	}
	return nil
}

// SaveTranscript stores the concatenated transcript.
func (r *Repository) SaveTranscript(ctx context.Context, sessionID, transcript string) error {
	return r.execOne(ctx, "save transcript", sessionID,
		`UPDATE meeting_sessions SET transcript = $2 WHERE id = $1`, transcript)
}

// SetPDFPath records where the rendered PDF was stored.
func (r *Repository) SetPDFPath(ctx context.Context, sessionID, path string) error {
	return r.execOne(ctx, "set pdf path", sessionID,
		`UPDATE meeting_sessions SET pdf_path = $2 WHERE id = $1`, path)
}

// RecordEmail writes manual-send bookkeeping.
func (r *Repository) RecordEmail(ctx context.Context, sessionID string, res EmailResult) error {
	return r.execOne(ctx, "record email", sessionID, `
		UPDATE meeting_sessions
		SET email_status = $2, email_sent_at = $3, email_sent_by = $4, email_error = $5
		WHERE id = $1`,
		res.Status, res.SentAt, nullable(res.SentBy), nullable(res.Error))
}

// TouchReminder records the last automatic send.
func (r *Repository) TouchReminder(ctx context.Context, sessionID string, at time.Time) error {
	return r.execOne(ctx, "touch reminder", sessionID,
		`UPDATE meeting_sessions SET last_reminder_sent_at = $2 WHERE id = $1`, at)
}

func (r *Repository) execOne(ctx context.Context, op, sessionID, sql string, args ...interface{}) error {
	tag, err := r.pool.Exec(ctx, sql, append([]interface{}{sessionID}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("session", sessionID)
	}
	return nil
}

// UpsertAgendaNotes writes all notes in one batch; later writes win per key.
func (r *Repository) UpsertAgendaNotes(ctx context.Context, sessionID string, notes map[string]string) error {
	if len(notes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for itemID, text := range notes {
		batch.Queue(`
			INSERT INTO agenda_notes (session_id, agenda_item_id, notes, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (session_id, agenda_item_id)
			DO UPDATE SET notes = EXCLUDED.notes, updated_at = EXCLUDED.updated_at`,
			sessionID, itemID, text)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert agenda notes: %w", err)
	}
	return nil
}

// ListAgendaNotes returns agenda item id -> notes for a session.
func (r *Repository) ListAgendaNotes(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT agenda_item_id::text, notes FROM agenda_notes WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agenda notes: %w", err)
	}
	defer rows.Close()

	notes := make(map[string]string)
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("failed to scan agenda note: %w", err)
		}
		notes[id] = text
	}
	return notes, rows.Err()
}

// AddRecording inserts a recording row.
func (r *Repository) AddRecording(ctx context.Context, rec *Recording) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recordings (id, session_id, storage_path, duration_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.SessionID, rec.StoragePath, rec.DurationSeconds, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add recording: %w", err)
	}
	return nil
}

// ListRecordings returns a session's recordings oldest first.
func (r *Repository) ListRecordings(ctx context.Context, sessionID string) ([]Recording, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, session_id::text, storage_path, duration_seconds, created_at
		FROM recordings WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Recording, error) {
		var rec Recording
		err := row.Scan(&rec.ID, &rec.SessionID, &rec.StoragePath, &rec.DurationSeconds, &rec.CreatedAt)
		return rec, err
	})
}

// ListOpenTasks returns the meeting's tasks that are not Completed.
func (r *Repository) ListOpenTasks(ctx context.Context, meetingID string) ([]Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, COALESCE(meeting_id::text, ''), COALESCE(session_id::text, ''), column_id::text,
		       title, status, priority, owner, due_date, position, notes, created_at
		FROM tasks
		WHERE meeting_id = $1 AND status <> $2
		ORDER BY due_date NULLS LAST, created_at`, meetingID, TaskStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list open tasks: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Task, error) {
		var t Task
		var priority string
		err := row.Scan(&t.ID, &t.MeetingID, &t.SessionID, &t.ColumnID, &t.Title, &t.Status,
			&priority, &t.Owner, &t.DueDate, &t.Position, &t.Notes, &t.CreatedAt)
		t.Priority = Priority(priority)
		return t, err
	})
}

// EnsureTaskColumn creates the column at max(position)+1 when absent.
func (r *Repository) EnsureTaskColumn(ctx context.Context, name string) (*TaskColumn, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_columns (id, name, position)
		SELECT $1, $2, COALESCE(MAX(position), -1) + 1 FROM task_columns
		ON CONFLICT (name) DO NOTHING`, uuid.NewString(), name)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure task column: %w", err)
	}

	var col TaskColumn
	err = r.pool.QueryRow(ctx,
		`SELECT id::text, name, position FROM task_columns WHERE name = $1`, name).
		Scan(&col.ID, &col.Name, &col.Position)
	if err != nil {
		return nil, fmt.Errorf("failed to read task column: %w", err)
	}
	return &col, nil
}

// InsertTasks appends tasks after the column's last card and audits each insert.
func (r *Repository) InsertTasks(ctx context.Context, tasks []Task, actor string) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint: errcheck

	positions := make(map[string]int)
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Status == "" {
			t.Status = TaskStatusOpen
		}
		if t.Priority == "" {
			t.Priority = PriorityNormal
		}

		next, ok := positions[t.ColumnID]
		if !ok {
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(position), -1) + 1 FROM tasks WHERE column_id = $1`, t.ColumnID).
				Scan(&next); err != nil {
				return fmt.Errorf("failed to read column position: %w", err)
			}
		}
		t.Position = next
		positions[t.ColumnID] = next + 1

		err := tx.QueryRow(ctx, `
			INSERT INTO tasks (id, meeting_id, session_id, column_id, title, status, priority, owner, due_date, position, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at`,
			t.ID, nullable(t.MeetingID), nullable(t.SessionID), t.ColumnID, t.Title, t.Status,
			string(t.Priority), t.Owner, t.DueDate, t.Position, t.Notes).Scan(&t.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert task %q: %w", t.Title, err)
		}

		payload, err := json.Marshal(map[string]interface{}{
			"title":    t.Title,
			"owner":    t.Owner,
			"priority": t.Priority,
			"column":   t.ColumnID,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal task event: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_events (id, task_id, event_type, actor, payload)
			VALUES ($1, $2, 'created', $3, $4)`,
			uuid.NewString(), t.ID, actor, payload); err != nil {
			return fmt.Errorf("failed to insert task event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tasks: %w", err)
	}
	r.logger.Debug("tasks inserted", logging.F("count", len(tasks)), logging.F("actor", actor))
	return nil
}
