// Package pipeline runs the minutes pipeline for a session: transcription,
// summarization and action-item extraction, followed by the asynchronous
// finalize step that renders the PDF and emails attendees.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/notify"
	"github.com/otherjamesbrown/minutes-admin/pkg/observability"
	"github.com/otherjamesbrown/minutes-admin/pkg/pdf"
	"github.com/otherjamesbrown/minutes-admin/pkg/storage"
)

// maxStackInError bounds the stack trace stored in ai_error.
const maxStackInError = 1500

// Skip reasons recorded in the run result.
const (
	SkipEmptyTranscript = "empty transcript"
	SkipNoAgenda        = "no agenda items"
)

// Transcriber turns a session's recordings into one transcript.
type Transcriber interface {
	TranscribeSession(ctx context.Context, recordings []minutes.Recording) (string, error)
}

// Summarizer produces one note per agenda item from a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, agenda []minutes.AgendaItem, transcript string) (map[string]string, error)
}

// ActionExtractor files action items found in a transcript. It never fails.
type ActionExtractor interface {
	ExtractAndStore(ctx context.Context, sess *minutes.Session, transcript string) int
}

// Renderer renders the minutes document.
type Renderer interface {
	Render(doc pdf.Document) (*pdf.Result, error)
}

// Notifier emails rendered minutes.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) (*notify.Result, error)
	Resend(ctx context.Context, meetingID, sessionID, sentBy string) (*notify.Result, error)
}

// LinkSigner issues signed download links.
type LinkSigner interface {
	SignedURL(bucket, key string) (string, error)
}

// FinalizeDispatcher hands a processed session to the finalize step.
type FinalizeDispatcher interface {
	DispatchFinalize(ctx context.Context, meetingID, sessionID string) error
}

// Request identifies the session a run is for. RecordingPath, when set,
// restricts transcription to that one recording. Force takes over a session
// left in processing regardless of the claim's age.
type Request struct {
	MeetingID     string `json:"meetingId"`
	SessionID     string `json:"sessionId"`
	RecordingPath string `json:"recordingPath,omitempty"`
	Force         bool   `json:"force,omitempty"`
}

// Validate checks the required identifiers.
func (r Request) Validate() error {
	if strings.TrimSpace(r.MeetingID) == "" || strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("meetingId and sessionId are required: %w", merrors.ErrValidation)
	}
	return nil
}

// RunResult is the outcome of a pipeline run.
type RunResult struct {
	SessionID    string           `json:"sessionId"`
	Status       minutes.AIStatus `json:"status"`
	SkipReason   string           `json:"skipReason,omitempty"`
	Error        string           `json:"error,omitempty"`
	ErrorCode    string           `json:"errorCode,omitempty"`
	Suggestion   string           `json:"suggestion,omitempty"`
	Transcript   int              `json:"transcriptChars"`
	AgendaItems  int              `json:"agendaItems"`
	ActionItems  int              `json:"actionItems"`
	FinalizeSent bool             `json:"finalizeQueued"`
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store       minutes.Store
	Transcriber Transcriber
	Summarizer  Summarizer
	Extractor   ActionExtractor
	Renderer    Renderer
	PDFs        storage.Blobs
	Notifier    Notifier
	Signer      LinkSigner
	Finalize    FinalizeDispatcher
	Events      *observability.EventEmitter
	Metrics     *observability.Metrics
	Logger      logging.Logger
}

// DefaultProcessingLease is shorter than the pipeline queue's visibility
// timeout, so a job redelivered after a worker crash can reclaim its session.
const DefaultProcessingLease = 20 * time.Minute

// Options tunes an Orchestrator.
type Options struct {
	// ProcessingLease is how long a processing claim is honored before
	// another run may take it over. Zero means DefaultProcessingLease; a
	// negative lease never expires.
	ProcessingLease time.Duration
	// PDFBucket is the bucket PDFs are uploaded to, for signed links.
	PDFBucket string
	// Location renders dates in documents; UTC when nil.
	Location *time.Location
}

// Orchestrator drives the session state machine.
type Orchestrator struct {
	deps   Deps
	opts   Options
	tracer *observability.Tracer
	logger logging.Logger
	now    func() time.Time
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		tracer: observability.NewTracer(),
		logger: deps.Logger.With(logging.F("component", "minutes_pipeline")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PDFKey is the storage key of a session's rendered minutes.
func PDFKey(meetingID, sessionID string) string {
	return fmt.Sprintf("minutes/%s/%s.pdf", meetingID, sessionID)
}

// Run executes the pipeline for a session. Only one run per session can be
// in flight: a session that is not ready, queued or error yields ErrConflict,
// unless it is processing under a claim older than the lease or req.Force is set.
//
// Once the session is claimed, failures are recorded on the session and
// returned in the result rather than as an error; the returned error is
// reserved for requests that never started.
func (o *Orchestrator) Run(ctx context.Context, req Request) (result *RunResult, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sess, err := o.deps.Store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.MeetingID != req.MeetingID {
		return nil, fmt.Errorf("session %s does not belong to meeting %s: %w", req.SessionID, req.MeetingID, merrors.ErrValidation)
	}
	if err := o.deps.Store.ClaimForProcessing(ctx, req.SessionID, o.staleBefore(req)); err != nil {
		return nil, err
	}
	takenOver := sess.AIStatus == minutes.StatusProcessing
	sess.AIStatus = minutes.StatusProcessing

	ctx, span := o.tracer.StartRunSpan(ctx, req.MeetingID, req.SessionID)
	defer span.End()
	helper := observability.NewSpanHelper(span)
	start := time.Now()

	ctx = logging.ContextWithSession(ctx, req.MeetingID, req.SessionID)
	log := o.logger.WithContext(ctx)
	if takenOver {
		log.Warn("took over abandoned processing claim", logging.F("forced", req.Force))
	}
	log.Info("pipeline run started")

	result = &RunResult{SessionID: req.SessionID}
	defer func() {
		if r := recover(); r != nil {
			o.fail(ctx, log, sess, result, fmt.Errorf("pipeline panic: %v", r))
		}
		helper.SetDuration(time.Since(start).Milliseconds())
		if result.Status == minutes.StatusError {
			helper.SetError(fmt.Errorf("%s", result.Error), "pipeline", false)
		} else {
			helper.SetSuccess()
		}
		o.deps.Metrics.RecordRun(string(result.Status))
		o.emitRun(ctx, sess, result)
		err = nil
	}()

	if runErr := o.run(ctx, log, sess, req, result); runErr != nil {
		o.fail(ctx, log, sess, result, runErr)
	}
	return result, nil
}

// staleBefore is the cutoff before which a processing claim counts as abandoned.
func (o *Orchestrator) staleBefore(req Request) time.Time {
	now := o.now()
	if req.Force {
		return now.Add(time.Second)
	}
	lease := o.opts.ProcessingLease
	switch {
	case lease == 0:
		lease = DefaultProcessingLease
	case lease < 0:
		return time.Time{}
	}
	return now.Add(-lease)
}

func (o *Orchestrator) run(ctx context.Context, log logging.Logger, sess *minutes.Session, req Request, result *RunResult) error {
	recordings, err := o.recordings(ctx, req)
	if err != nil {
		return err
	}

	var transcript string
	err = o.stage(ctx, sess, observability.StageTranscribe, func(ctx context.Context) error {
		var err error
		transcript, err = o.deps.Transcriber.TranscribeSession(ctx, recordings)
		return err
	})
	if err != nil {
		return err
	}
	result.Transcript = len(transcript)
	if err := o.deps.Store.SaveTranscript(ctx, sess.ID, transcript); err != nil {
		log.Warn("failed to persist transcript", logging.Err(err))
	}

	if strings.TrimSpace(transcript) == "" {
		o.skip(ctx, log, sess, result, SkipEmptyTranscript)
		return nil
	}

	agenda, err := o.deps.Store.ListAgendaItems(ctx, sess.MeetingID)
	if err != nil {
		return fmt.Errorf("load agenda: %w", err)
	}
	result.AgendaItems = len(agenda)
	if len(agenda) == 0 {
		o.skip(ctx, log, sess, result, SkipNoAgenda)
		return nil
	}

	var notes map[string]string
	err = o.stage(ctx, sess, observability.StageSummarize, func(ctx context.Context) error {
		var err error
		notes, err = o.deps.Summarizer.Summarize(ctx, agenda, transcript)
		if err != nil {
			return err
		}
		return o.deps.Store.UpsertAgendaNotes(ctx, sess.ID, notes)
	})
	if err != nil {
		return err
	}

	// Extraction swallows its own failures.
	_ = o.stage(ctx, sess, observability.StageExtract, func(ctx context.Context) error {
		result.ActionItems = o.deps.Extractor.ExtractAndStore(ctx, sess, transcript)
		return nil
	})

	processed := o.now()
	result.Status = minutes.StatusDone
	o.setStatus(ctx, log, minutes.StatusUpdate{SessionID: sess.ID, Status: minutes.StatusDone, ProcessedAt: &processed})
	log.Info("pipeline run done",
		logging.F("agenda_items", len(agenda)),
		logging.F("action_items", result.ActionItems))

	if o.deps.Finalize != nil {
		if err := o.deps.Finalize.DispatchFinalize(ctx, sess.MeetingID, sess.ID); err != nil {
			log.Error("failed to queue finalize", logging.Err(err))
		} else {
			result.FinalizeSent = true
		}
	}
	return nil
}

// recordings returns the single requested recording, or every recording of
// the session in upload order.
func (o *Orchestrator) recordings(ctx context.Context, req Request) ([]minutes.Recording, error) {
	if req.RecordingPath != "" {
		return []minutes.Recording{{SessionID: req.SessionID, StoragePath: req.RecordingPath}}, nil
	}
	recs, err := o.deps.Store.ListRecordings(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load recordings: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("session %s has no recordings: %w", req.SessionID, merrors.ErrValidation)
	}
	return recs, nil
}

// stage runs fn inside a stage span, recording its latency and event.
func (o *Orchestrator) stage(ctx context.Context, sess *minutes.Session, name string, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.StartStageSpan(ctx, name)
	defer span.End()
	helper := observability.NewSpanHelper(span)

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	helper.SetDuration(elapsed.Milliseconds())
	o.deps.Metrics.RecordStage(name, elapsed.Seconds())

	status := observability.StageStatusCompleted
	if err != nil {
		status = observability.StageStatusFailed
		classified := merrors.ClassifyError(err, name)
		helper.SetError(err, string(classified.Code), merrors.IsRetryable(classified.Code))
	} else {
		helper.SetSuccess()
	}
	o.emitStage(ctx, sess, name, status, elapsed)
	return err
}

func (o *Orchestrator) skip(ctx context.Context, log logging.Logger, sess *minutes.Session, result *RunResult, reason string) {
	result.Status = minutes.StatusSkipped
	result.SkipReason = reason
	processed := o.now()
	o.setStatus(ctx, log, minutes.StatusUpdate{SessionID: sess.ID, Status: minutes.StatusSkipped, ProcessedAt: &processed})
	log.Info("pipeline run skipped", logging.F("reason", reason))
}

func (o *Orchestrator) fail(ctx context.Context, log logging.Logger, sess *minutes.Session, result *RunResult, err error) {
	code := merrors.ClassifyError(err, "").Code
	result.Status = minutes.StatusError
	result.Error = err.Error()
	result.ErrorCode = string(code)
	result.Suggestion = merrors.GetSuggestedAction(code)
	log.Error("pipeline run failed", logging.Err(err), logging.F("error_type", merrors.TypeTag(err)))
	o.setStatus(ctx, log, minutes.StatusUpdate{
		SessionID: sess.ID,
		Status:    minutes.StatusError,
		Error:     FormatAIError(err, debug.Stack()),
	})
}

// setStatus persists a status change. A failed write is logged and the run
// carries on; the next run or an operator can repair it.
func (o *Orchestrator) setStatus(ctx context.Context, log logging.Logger, u minutes.StatusUpdate) {
	if err := o.deps.Store.UpdateStatus(context.WithoutCancel(ctx), u); err != nil {
		log.Error("failed to persist ai_status", logging.F("status", string(u.Status)), logging.Err(err))
	}
}

// FormatAIError renders the operator-facing ai_error: the message, the
// error type tag and a truncated stack.
func FormatAIError(err error, stack []byte) string {
	var sb strings.Builder
	sb.WriteString(err.Error())
	sb.WriteString(" [")
	sb.WriteString(merrors.TypeTag(err))
	sb.WriteString("]")
	if len(stack) > 0 {
		s := string(stack)
		if len(s) > maxStackInError {
			s = s[:maxStackInError] + "\n..."
		}
		sb.WriteString("\n")
		sb.WriteString(s)
	}
	return sb.String()
}

func (o *Orchestrator) emitStage(ctx context.Context, sess *minutes.Session, stage, status string, elapsed time.Duration) {
	event := observability.NewStageEvent(sess.MeetingID, sess.ID, stage, status, elapsed.Milliseconds())
	if err := o.deps.Events.EmitStage(ctx, event); err != nil {
		o.logger.Debug("failed to emit stage event", logging.F("stage", stage), logging.Err(err))
	}
}

func (o *Orchestrator) emitRun(ctx context.Context, sess *minutes.Session, result *RunResult) {
	event := observability.NewRunEvent(sess.MeetingID, sess.ID, string(result.Status), result.Error)
	if err := o.deps.Events.EmitRun(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Debug("failed to emit run event", logging.Err(err))
	}
}
