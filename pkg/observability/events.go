// Package observability provides event schemas, metrics, and tracing for the
// minutes pipeline.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subjects stage events are published on.
const (
	SubjectStageCompleted = "minutes.events.stage_completed"
	SubjectRunFinished    = "minutes.events.run_finished"
)

// Stage names
const (
	StageTranscribe = "transcribe"
	StageSummarize  = "summarize"
	StageExtract    = "extract_actions"
	StageRender     = "render_pdf"
	StageNotify     = "notify"
)

// StageStatus values
const (
	StageStatusCompleted = "completed"
	StageStatusFailed    = "failed"
	StageStatusSkipped   = "skipped"
)

// StageEvent is emitted after each pipeline stage.
type StageEvent struct {
	EventID    string    `json:"event_id"`
	MeetingID  string    `json:"meeting_id"`
	SessionID  string    `json:"session_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewStageEvent creates a stage event with a generated ID.
func NewStageEvent(meetingID, sessionID, stage, status string, durationMs int64) *StageEvent {
	return &StageEvent{
		EventID:    uuid.New().String(),
		MeetingID:  meetingID,
		SessionID:  sessionID,
		Stage:      stage,
		Status:     status,
		DurationMs: durationMs,
		Timestamp:  time.Now(),
	}
}

// RunEvent is emitted when a pipeline run reaches a terminal status.
type RunEvent struct {
	EventID   string    `json:"event_id"`
	MeetingID string    `json:"meeting_id"`
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRunEvent creates a run event with a generated ID.
func NewRunEvent(meetingID, sessionID, status, errMsg string) *RunEvent {
	return &RunEvent{
		EventID:   uuid.New().String(),
		MeetingID: meetingID,
		SessionID: sessionID,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
}

// Publisher publishes serialized events on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// EventEmitter publishes pipeline events. A nil publisher drops events.
type EventEmitter struct {
	publisher Publisher
}

// NewEventEmitter creates an emitter over the given publisher.
func NewEventEmitter(publisher Publisher) *EventEmitter {
	return &EventEmitter{publisher: publisher}
}

// EmitStage publishes a stage event.
func (e *EventEmitter) EmitStage(ctx context.Context, event *StageEvent) error {
	if event.TraceID == "" {
		event.TraceID = GetTraceID(ctx)
	}
	return e.emit(ctx, SubjectStageCompleted, event)
}

// EmitRun publishes a run event.
func (e *EventEmitter) EmitRun(ctx context.Context, event *RunEvent) error {
	if event.TraceID == "" {
		event.TraceID = GetTraceID(ctx)
	}
	return e.emit(ctx, SubjectRunFinished, event)
}

func (e *EventEmitter) emit(ctx context.Context, subject string, event interface{}) error {
	if e == nil || e.publisher == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return e.publisher.Publish(ctx, subject, data)
}
