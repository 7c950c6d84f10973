package minutes

import (
	"context"
	"fmt"
	"strings"
	"time"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
)

// Dispatcher hands a queued session to the asynchronous pipeline.
type Dispatcher interface {
	DispatchProcess(ctx context.Context, meetingID, sessionID string) error
}

// StatusView is what the meeting page polls after concluding a meeting.
type StatusView struct {
	SessionID   string     `json:"session_id"`
	AIStatus    AIStatus   `json:"ai_status"`
	AIError     string     `json:"ai_error,omitempty"`
	ProcessedAt *time.Time `json:"ai_processed_at,omitempty"`
	PDFPath     string     `json:"pdf_path,omitempty"`
	EmailStatus string     `json:"email_status,omitempty"`
}

// Service implements the session lifecycle around the pipeline: starting a
// session, attaching recordings and concluding the meeting.
type Service struct {
	store      Store
	dispatcher Dispatcher
	logger     logging.Logger
	now        func() time.Time
}

// NewService creates a session lifecycle service.
func NewService(store Store, dispatcher Dispatcher, logger logging.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.With(logging.F("component", "minutes_service")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// StartSession returns the meeting's open session, creating one if none exists.
func (s *Service) StartSession(ctx context.Context, meetingID, referenceLink string) (*Session, error) {
	if _, err := s.store.GetMeeting(ctx, meetingID); err != nil {
		return nil, err
	}

	if open, err := s.openSession(ctx, meetingID); err != nil || open != nil {
		return open, err
	}

	sess := &Session{
		MeetingID:     meetingID,
		StartedAt:     s.now(),
		AIStatus:      StatusReady,
		ReferenceLink: referenceLink,
	}
	err := s.store.CreateSession(ctx, sess)
	if merrors.IsConflict(err) {
		// lost the race to a concurrent start
		return s.openSession(ctx, meetingID)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("session started", logging.F("meeting_id", meetingID), logging.F("session_id", sess.ID))
	return sess, nil
}

func (s *Service) openSession(ctx context.Context, meetingID string) (*Session, error) {
	sessions, err := s.store.ListSessions(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	return OpenSession(sessions), nil
}

// AttachRecording records an uploaded segment against an open session.
func (s *Service) AttachRecording(ctx context.Context, sessionID, storagePath string, durationSeconds int) (*Recording, error) {
	if strings.TrimSpace(storagePath) == "" {
		return nil, fmt.Errorf("storage path is required: %w", merrors.ErrValidation)
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsOpen() {
		return nil, fmt.Errorf("session %s has ended: %w", sessionID, merrors.ErrInvalidState)
	}

	rec := &Recording{
		SessionID:       sessionID,
		StoragePath:     storagePath,
		DurationSeconds: durationSeconds,
		CreatedAt:       s.now(),
	}
	if err := s.store.AddRecording(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ConcludeSession ends the session. When a recording is attached the session
// moves to queued and is handed to the pipeline.
func (s *Service) ConcludeSession(ctx context.Context, meetingID, sessionID string) (*StatusView, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.MeetingID != meetingID {
		return nil, fmt.Errorf("session %s does not belong to meeting %s: %w", sessionID, meetingID, merrors.ErrValidation)
	}

	if sess.IsOpen() {
		if err := s.store.EndSession(ctx, sessionID, s.now()); err != nil {
			return nil, err
		}
	}

	recs, err := s.store.ListRecordings(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		s.logger.Info("session concluded without recording", logging.F("session_id", sessionID))
		return s.SessionStatus(ctx, sessionID)
	}

	if err := CheckTransition(sess.AIStatus, StatusQueued); err != nil {
		return nil, err
	}
	if err := s.store.UpdateStatus(ctx, StatusUpdate{SessionID: sessionID, Status: StatusQueued}); err != nil {
		return nil, err
	}
	if err := s.dispatcher.DispatchProcess(ctx, meetingID, sessionID); err != nil {
		return nil, fmt.Errorf("failed to dispatch session %s: %w", sessionID, err)
	}

	s.logger.Info("session queued", logging.F("session_id", sessionID), logging.F("recordings", len(recs)))
	return s.SessionStatus(ctx, sessionID)
}

// SessionStatus returns the polling view of a session.
func (s *Service) SessionStatus(ctx context.Context, sessionID string) (*StatusView, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		SessionID:   sess.ID,
		AIStatus:    sess.AIStatus,
		AIError:     sess.AIError,
		ProcessedAt: sess.AIProcessedAt,
		PDFPath:     sess.PDFPath,
		EmailStatus: sess.EmailStatus,
	}, nil
}

// UpdateNote writes a manual note during a live meeting.
func (s *Service) UpdateNote(ctx context.Context, sessionID, agendaItemID, text string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	items, err := s.store.ListAgendaItems(ctx, sess.MeetingID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ID == agendaItemID {
			return s.store.UpsertAgendaNotes(ctx, sessionID, map[string]string{agendaItemID: text})
		}
	}
	return fmt.Errorf("agenda item %s: %w", agendaItemID, merrors.ErrNotFound)
}
