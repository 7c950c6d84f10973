package pipeline

import (
	"context"
	"fmt"
	"time"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/notify"
	"github.com/otherjamesbrown/minutes-admin/pkg/observability"
	"github.com/otherjamesbrown/minutes-admin/pkg/pdf"
	"github.com/otherjamesbrown/minutes-admin/pkg/storage"
)

// FinalizeResult is the outcome of a finalize job.
type FinalizeResult struct {
	SessionID string         `json:"sessionId"`
	PDFPath   string         `json:"pdfPath"`
	Pages     int            `json:"pages"`
	Bytes     int            `json:"bytes"`
	Email     *notify.Result `json:"email,omitempty"`
	EmailErr  string         `json:"emailError,omitempty"`
}

// Finalize renders the minutes PDF of a processed session, stores it and
// emails it to the attendees. Render, upload and path errors are returned so
// the job can be retried; email failures are only logged. ai_status is never
// changed here.
func (o *Orchestrator) Finalize(ctx context.Context, meetingID, sessionID string) (*FinalizeResult, error) {
	ctx, span := o.tracer.StartFinalizeSpan(ctx, sessionID)
	defer span.End()
	helper := observability.NewSpanHelper(span)
	start := time.Now()

	ctx = logging.ContextWithSession(ctx, meetingID, sessionID)
	log := o.logger.WithContext(ctx)

	result, err := o.finalize(ctx, log, meetingID, sessionID)
	helper.SetDuration(time.Since(start).Milliseconds())
	if err != nil {
		helper.SetError(err, merrors.TypeTag(err), merrors.IsErrorRetryable(err))
		log.Error("finalize failed", logging.Err(err))
		return nil, err
	}
	helper.SetSuccess()
	return result, nil
}

func (o *Orchestrator) finalize(ctx context.Context, log logging.Logger, meetingID, sessionID string) (*FinalizeResult, error) {
	doc, err := o.loadDocument(ctx, meetingID, sessionID)
	if err != nil {
		return nil, err
	}

	var rendered *pdf.Result
	err = o.stage(ctx, &doc.Session, observability.StageRender, func(ctx context.Context) error {
		var err error
		rendered, err = o.deps.Renderer.Render(*doc)
		if err != nil {
			return fmt.Errorf("render minutes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.deps.Metrics.RecordPDF(len(rendered.Bytes))

	key := PDFKey(meetingID, sessionID)
	if err := o.deps.PDFs.Upload(ctx, key, rendered.Bytes, storage.ContentTypePDF); err != nil {
		return nil, fmt.Errorf("upload minutes pdf: %w", err)
	}
	if err := o.deps.Store.SetPDFPath(ctx, sessionID, key); err != nil {
		return nil, fmt.Errorf("record pdf path: %w", err)
	}
	doc.Session.PDFPath = key
	log.Info("minutes pdf stored", logging.F("pdf_path", key), logging.F("pages", rendered.Pages))

	result := &FinalizeResult{
		SessionID: sessionID,
		PDFPath:   key,
		Pages:     rendered.Pages,
		Bytes:     len(rendered.Bytes),
	}

	if o.deps.Notifier == nil {
		return result, nil
	}
	_ = o.stage(ctx, &doc.Session, observability.StageNotify, func(ctx context.Context) error {
		sent, err := o.deps.Notifier.Notify(ctx, notify.Notification{
			Meeting:   doc.Meeting,
			Session:   doc.Session,
			Attendees: doc.Attendees,
			PDF:       rendered.Bytes,
			PDFPath:   key,
		})
		if err != nil {
			result.EmailErr = err.Error()
			log.Error("minutes email failed", logging.Err(err))
			return err
		}
		result.Email = sent
		return nil
	})
	return result, nil
}

// loadDocument gathers everything shown in the PDF. The previous session is
// the latest ended session of the meeting that started before this one.
func (o *Orchestrator) loadDocument(ctx context.Context, meetingID, sessionID string) (*pdf.Document, error) {
	sess, err := o.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.MeetingID != meetingID {
		return nil, fmt.Errorf("session %s does not belong to meeting %s: %w", sessionID, meetingID, merrors.ErrValidation)
	}
	meeting, err := o.deps.Store.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	attendees, err := o.deps.Store.ListAttendees(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("load attendees: %w", err)
	}
	tasks, err := o.deps.Store.ListOpenTasks(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("load open tasks: %w", err)
	}
	agenda, err := o.deps.Store.ListAgendaItems(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("load agenda: %w", err)
	}
	notes, err := o.deps.Store.ListAgendaNotes(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	sessions, err := o.deps.Store.ListSessions(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	doc := &pdf.Document{
		Meeting:   *meeting,
		Session:   *sess,
		Attendees: attendees,
		Tasks:     tasks,
		Agenda:    agenda,
		Notes:     notes,
		Location:  o.opts.Location,
	}
	if prev := minutes.PreviousSession(sessions, *sess); prev != nil {
		prevNotes, err := o.deps.Store.ListAgendaNotes(ctx, prev.ID)
		if err != nil {
			return nil, fmt.Errorf("load previous notes: %w", err)
		}
		doc.Previous = prev
		doc.PreviousNotes = prevNotes
	}
	return doc, nil
}

// Resend emails an already rendered PDF again.
func (o *Orchestrator) Resend(ctx context.Context, meetingID, sessionID, sentBy string) (*notify.Result, error) {
	if meetingID == "" || sessionID == "" {
		return nil, fmt.Errorf("meetingId and sessionId are required: %w", merrors.ErrValidation)
	}
	if o.deps.Notifier == nil {
		return nil, merrors.Missing("RESEND_API_KEY")
	}
	return o.deps.Notifier.Resend(ctx, meetingID, sessionID, sentBy)
}

// SignedURL returns a long-lived download link for a session's PDF.
func (o *Orchestrator) SignedURL(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("sessionId is required: %w", merrors.ErrValidation)
	}
	sess, err := o.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.PDFPath == "" {
		return "", fmt.Errorf("session %s has no pdf: %w", sessionID, merrors.ErrNotFound)
	}
	if o.deps.Signer == nil {
		return "", merrors.Missing("SIGNING_SECRET")
	}
	return o.deps.Signer.SignedURL(o.opts.PDFBucket, sess.PDFPath)
}
