package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name for pipeline spans.
const TracerName = "minutes"

// Span attribute keys
const (
	AttrMeetingID  = "meeting_id"
	AttrSessionID  = "session_id"
	AttrStage      = "stage"
	AttrOperation  = "operation"
	AttrModel      = "model"
	AttrChunk      = "chunk"
	AttrChunks     = "chunks"
	AttrDurationMs = "duration_ms"
	AttrErrorType  = "error_type"
	AttrRetryable  = "retryable"
)

// Span names
const (
	SpanPipelineRun = "minutes.pipeline.run"
	SpanFinalize    = "minutes.finalize"
	SpanLLMCall     = "minutes.llm_call"
	SpanSummarize   = "minutes.summarize_chunk"
)

// Tracer wraps the global OpenTelemetry tracer.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// StartRunSpan starts the root span of one pipeline run.
func (t *Tracer) StartRunSpan(ctx context.Context, meetingID, sessionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanPipelineRun,
		trace.WithAttributes(
			attribute.String(AttrMeetingID, meetingID),
			attribute.String(AttrSessionID, sessionID),
		),
	)
}

// StartFinalizeSpan starts the root span of a render-and-notify run.
func (t *Tracer) StartFinalizeSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanFinalize,
		trace.WithAttributes(attribute.String(AttrSessionID, sessionID)),
	)
}

// StartStageSpan starts a span for one pipeline stage.
func (t *Tracer) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("minutes.stage.%s", stage),
		trace.WithAttributes(attribute.String(AttrStage, stage)),
	)
}

// StartChunkSpan starts a span for summarizing chunk index of total.
func (t *Tracer) StartChunkSpan(ctx context.Context, index, total int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanSummarize,
		trace.WithAttributes(
			attribute.Int(AttrChunk, index),
			attribute.Int(AttrChunks, total),
		),
	)
}

// StartLLMSpan starts a span for a provider call.
func (t *Tracer) StartLLMSpan(ctx context.Context, operation, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanLLMCall,
		trace.WithAttributes(
			attribute.String(AttrOperation, operation),
			attribute.String(AttrModel, model),
		),
	)
}

// SpanHelper provides convenient methods for working with the current span.
type SpanHelper struct {
	span trace.Span
}

// NewSpanHelper creates a new span helper for the given span.
func NewSpanHelper(span trace.Span) *SpanHelper {
	return &SpanHelper{span: span}
}

// SetDuration sets the duration attribute.
func (h *SpanHelper) SetDuration(durationMs int64) {
	h.span.SetAttributes(attribute.Int64(AttrDurationMs, durationMs))
}

// SetError records an error on the span.
func (h *SpanHelper) SetError(err error, errorType string, retryable bool) {
	h.span.SetStatus(codes.Error, err.Error())
	h.span.SetAttributes(
		attribute.String(AttrErrorType, errorType),
		attribute.Bool(AttrRetryable, retryable),
	)
	h.span.RecordError(err)
}

// SetSuccess marks the span as successful.
func (h *SpanHelper) SetSuccess() {
	h.span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span.
func (h *SpanHelper) AddEvent(name string, attrs ...attribute.KeyValue) {
	h.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// GetSpanID returns the span ID from the context.
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasSpanID() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}

// ContextWithTraceHeaders returns ctx carrying the remote span described by
// headers written by InjectTraceContext, so spans started from it join the
// enqueuer's trace. Missing or malformed headers leave ctx unchanged.
func ContextWithTraceHeaders(ctx context.Context, headers map[string]string) context.Context {
	traceID, err := trace.TraceIDFromHex(headers["trace_id"])
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(headers["span_id"])
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

// InjectTraceContext extracts trace identifiers for queue message metadata.
func InjectTraceContext(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	if traceID := GetTraceID(ctx); traceID != "" {
		headers["trace_id"] = traceID
	}
	if spanID := GetSpanID(ctx); spanID != "" {
		headers["span_id"] = spanID
	}
	return headers
}
