package pipeline

import (
	"context"
	"fmt"
	"time"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/observability"
	"github.com/otherjamesbrown/minutes-admin/pkg/queue"
	"github.com/otherjamesbrown/minutes-admin/pkg/workers"
)

// Triggers that start a pipeline run.
const (
	TriggerConclude = "conclude"
	TriggerWebhook  = "webhook"
	TriggerNATS     = "nats"
	TriggerAPI      = "api"
	TriggerCLI      = "cli"
)

// QueueDispatcher enqueues pipeline and finalize jobs.
type QueueDispatcher struct {
	pipeline queue.Queue
	finalize queue.Queue
	logger   logging.Logger
	now      func() time.Time
}

var (
	_ minutes.Dispatcher = (*QueueDispatcher)(nil)
	_ FinalizeDispatcher = (*QueueDispatcher)(nil)
)

// NewQueueDispatcher creates a dispatcher over the two job queues.
func NewQueueDispatcher(pipeline, finalize queue.Queue, logger logging.Logger) *QueueDispatcher {
	return &QueueDispatcher{
		pipeline: pipeline,
		finalize: finalize,
		logger:   logger.With(logging.F("component", "dispatcher")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DispatchProcess queues a run for a concluded session.
func (d *QueueDispatcher) DispatchProcess(ctx context.Context, meetingID, sessionID string) error {
	return d.Dispatch(ctx, Request{MeetingID: meetingID, SessionID: sessionID}, TriggerConclude)
}

// Dispatch queues a pipeline run.
func (d *QueueDispatcher) Dispatch(ctx context.Context, req Request, trigger string) error {
	if err := req.Validate(); err != nil {
		return err
	}
	priority := queue.PriorityNormal
	if trigger == TriggerCLI {
		priority = queue.PriorityLow
	}
	id, err := d.pipeline.Enqueue(ctx, &queue.ProcessMessage{
		MeetingID:     req.MeetingID,
		SessionID:     req.SessionID,
		RecordingPath: req.RecordingPath,
		Trigger:       trigger,
		Priority:      priority,
		QueuedAt:      d.now(),
		Trace:         observability.InjectTraceContext(ctx),
	})
	if err != nil {
		return fmt.Errorf("enqueue pipeline run: %w", err)
	}
	d.logger.Info("pipeline run queued",
		logging.F("message_id", id),
		logging.F("session_id", req.SessionID),
		logging.F("trigger", trigger))
	return nil
}

// DispatchFinalize queues the PDF and email step of a processed session.
func (d *QueueDispatcher) DispatchFinalize(ctx context.Context, meetingID, sessionID string) error {
	id, err := d.finalize.Enqueue(ctx, &queue.FinalizeMessage{
		MeetingID: meetingID,
		SessionID: sessionID,
		Priority:  queue.PriorityHigh,
		QueuedAt:  d.now(),
		Trace:     observability.InjectTraceContext(ctx),
	})
	if err != nil {
		return fmt.Errorf("enqueue finalize: %w", err)
	}
	d.logger.Debug("finalize queued", logging.F("message_id", id), logging.F("session_id", sessionID))
	return nil
}

// ProcessHandler consumes pipeline jobs. A job for a session another run
// already claimed is acknowledged: the other run owns the outcome. A claim
// older than the processing lease is taken over, so a job redelivered after
// a worker crash resumes the session. Runs join the enqueuer's trace.
func ProcessHandler(o *Orchestrator) workers.MessageHandler {
	return func(ctx context.Context, msg queue.Message) error {
		pm, ok := msg.(*queue.ProcessMessage)
		if !ok {
			return queue.Permanent("unexpected_message", fmt.Errorf("%w: %s", queue.ErrUnknownMessageType, msg.GetMessageType()))
		}
		ctx = observability.ContextWithTraceHeaders(ctx, pm.Trace)
		_, err := o.Run(ctx, Request{
			MeetingID:     pm.MeetingID,
			SessionID:     pm.SessionID,
			RecordingPath: pm.RecordingPath,
		})
		if merrors.IsConflict(err) {
			o.logger.Info("session already claimed, dropping duplicate job", logging.F("session_id", pm.SessionID))
			return nil
		}
		return err
	}
}

// FinalizeHandler consumes finalize jobs.
func FinalizeHandler(o *Orchestrator) workers.MessageHandler {
	return func(ctx context.Context, msg queue.Message) error {
		fm, ok := msg.(*queue.FinalizeMessage)
		if !ok {
			return queue.Permanent("unexpected_message", fmt.Errorf("%w: %s", queue.ErrUnknownMessageType, msg.GetMessageType()))
		}
		_, err := o.Finalize(observability.ContextWithTraceHeaders(ctx, fm.Trace), fm.MeetingID, fm.SessionID)
		return err
	}
}

// ChangeTrigger starts runs from session change records, delivered either by
// the database webhook or the NATS subscriber.
type ChangeTrigger struct {
	store      minutes.Store
	dispatcher *QueueDispatcher
	trigger    string
	logger     logging.Logger
}

// NewChangeTrigger creates a change trigger. trigger labels the source.
func NewChangeTrigger(store minutes.Store, dispatcher *QueueDispatcher, trigger string, logger logging.Logger) *ChangeTrigger {
	return &ChangeTrigger{
		store:      store,
		dispatcher: dispatcher,
		trigger:    trigger,
		logger:     logger.With(logging.F("component", "change_trigger"), logging.F("trigger", trigger)),
	}
}

// HandleSessionChange queues a run when the record's ai_status is queued and
// ignores every other change.
func (t *ChangeTrigger) HandleSessionChange(ctx context.Context, event minutes.ChangeEvent) (bool, error) {
	rec := event.Record
	if rec == nil || rec.ID == "" {
		return false, fmt.Errorf("change record has no session id: %w", merrors.ErrValidation)
	}
	if rec.AIStatus != minutes.StatusQueued {
		t.logger.Debug("ignoring session change",
			logging.F("session_id", rec.ID),
			logging.F("ai_status", string(rec.AIStatus)))
		return false, nil
	}

	meetingID := rec.MeetingID
	if meetingID == "" {
		sess, err := t.store.GetSession(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		meetingID = sess.MeetingID
	}

	req := Request{MeetingID: meetingID, SessionID: rec.ID, RecordingPath: rec.RecordingPath}
	if err := t.dispatcher.Dispatch(ctx, req, t.trigger); err != nil {
		return false, err
	}
	return true, nil
}
