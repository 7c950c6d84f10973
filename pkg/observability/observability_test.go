package observability

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace"
)

func TestNewStageEvent(t *testing.T) {
	event := NewStageEvent("m1", "s1", StageSummarize, StageStatusCompleted, 45)

	if event.EventID == "" {
		t.Error("EventID should be generated")
	}
	if event.SessionID != "s1" {
		t.Errorf("SessionID = %s, want s1", event.SessionID)
	}
	if event.Stage != StageSummarize {
		t.Errorf("Stage = %s, want %s", event.Stage, StageSummarize)
	}
	if event.DurationMs != 45 {
		t.Errorf("DurationMs = %d, want 45", event.DurationMs)
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

type capturePublisher struct {
	subjects []string
	payloads [][]byte
}

func (p *capturePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestEventEmitter(t *testing.T) {
	pub := &capturePublisher{}
	emitter := NewEventEmitter(pub)

	if err := emitter.EmitStage(context.Background(), NewStageEvent("m1", "s1", StageTranscribe, StageStatusCompleted, 10)); err != nil {
		t.Fatalf("EmitStage: %v", err)
	}
	if err := emitter.EmitRun(context.Background(), NewRunEvent("m1", "s1", "done", "")); err != nil {
		t.Fatalf("EmitRun: %v", err)
	}

	if len(pub.subjects) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.subjects))
	}
	if pub.subjects[0] != SubjectStageCompleted || pub.subjects[1] != SubjectRunFinished {
		t.Errorf("subjects = %v", pub.subjects)
	}

	var decoded RunEvent
	if err := json.Unmarshal(pub.payloads[1], &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Status != "done" {
		t.Errorf("Status = %s, want done", decoded.Status)
	}
}

func TestEventEmitter_NilPublisher(t *testing.T) {
	var emitter *EventEmitter
	if err := emitter.EmitRun(context.Background(), NewRunEvent("m1", "s1", "done", "")); err != nil {
		t.Errorf("nil emitter should drop events, got %v", err)
	}
	if err := NewEventEmitter(nil).EmitStage(context.Background(), NewStageEvent("m1", "s1", StageNotify, StageStatusSkipped, 0)); err != nil {
		t.Errorf("nil publisher should drop events, got %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRun("done")
	m.RecordRun("done")
	m.RecordAIOperation("summarize", "success", 1.5)
	m.RecordAIRetry("summarize")
	m.RecordEmail("auto", "sent")
	m.RecordQueueDepth("minutes:pipeline", 3)

	if got := testutil.ToFloat64(m.PipelineRunsTotal.WithLabelValues("done")); got != 2 {
		t.Errorf("pipeline runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AIRetriesTotal.WithLabelValues("summarize")); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EmailsTotal.WithLabelValues("auto", "sent")); got != 1 {
		t.Errorf("emails = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("minutes:pipeline")); got != 3 {
		t.Errorf("queue depth = %v, want 3", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRun("done")
	m.RecordStage("summarize", 1)
	m.RecordAIOperation("summarize", "success", 1)
	m.RecordEmail("auto", "sent")
	m.RecordDLQItem("q", "permanent")
}

func TestInjectTraceContext_NoSpan(t *testing.T) {
	headers := InjectTraceContext(context.Background())
	if len(headers) != 0 {
		t.Errorf("headers = %v, want empty", headers)
	}
}

func TestTraceHeaders_RoundTrip(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0xf7, 0x65, 0x19, 0x16, 0xcd, 0x43, 0xdd},
		SpanID:     trace.SpanID{0xb7, 0xad, 0x6b, 0x71},
		TraceFlags: trace.FlagsSampled,
	})
	headers := InjectTraceContext(trace.ContextWithSpanContext(context.Background(), sc))
	if headers["trace_id"] != sc.TraceID().String() || headers["span_id"] != sc.SpanID().String() {
		t.Fatalf("headers = %v", headers)
	}

	ctx := ContextWithTraceHeaders(context.Background(), headers)
	if got := GetTraceID(ctx); got != sc.TraceID().String() {
		t.Errorf("trace id = %q, want %q", got, sc.TraceID().String())
	}
	if !trace.SpanContextFromContext(ctx).IsRemote() {
		t.Error("restored span context should be remote")
	}
}

func TestContextWithTraceHeaders_Malformed(t *testing.T) {
	ctx := context.Background()
	for _, headers := range []map[string]string{nil, {"trace_id": "zz", "span_id": "01"}} {
		if got := ContextWithTraceHeaders(ctx, headers); got != ctx {
			t.Errorf("headers %v changed the context", headers)
		}
	}
}
