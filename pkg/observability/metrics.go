package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "minutes"

// Metrics holds the Prometheus collectors for the minutes pipeline.
// All Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	// Pipeline metrics
	PipelineRunsTotal *prometheus.CounterVec
	StageSeconds      *prometheus.HistogramVec

	// AI metrics
	AIOperationsTotal *prometheus.CounterVec
	AILatencySeconds  *prometheus.HistogramVec
	AIRetriesTotal    *prometheus.CounterVec
	ActionItemsTotal  prometheus.Counter

	// Delivery metrics
	EmailsTotal *prometheus.CounterVec
	PDFBytes    prometheus.Histogram

	// Queue metrics
	QueueItemsTotal *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	DLQItemsTotal   *prometheus.CounterVec
}

// DefaultMetrics registers metrics on the default registry.
func DefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// NewMetrics creates and registers the pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PipelineRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "pipeline_runs_total",
				Help:      "Pipeline runs by final session status",
			},
			[]string{"status"},
		),
		StageSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "stage_seconds",
				Help:      "Latency per pipeline stage",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		AIOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "ai_operations_total",
				Help:      "Provider calls by operation and outcome",
			},
			[]string{"operation", "status"},
		),
		AILatencySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "ai_latency_seconds",
				Help:      "Provider call latency",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30, 60, 120},
			},
			[]string{"operation"},
		),
		AIRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "ai_retries_total",
				Help:      "Provider call retries",
			},
			[]string{"operation"},
		),
		ActionItemsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "action_items_total",
				Help:      "Tasks created from transcripts",
			},
		),
		EmailsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "emails_total",
				Help:      "Minutes emails by kind (auto, resend) and outcome",
			},
			[]string{"kind", "status"},
		),
		PDFBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "pdf_bytes",
				Help:      "Size of rendered minutes PDFs",
				Buckets:   prometheus.ExponentialBuckets(4096, 2, 10),
			},
		),
		QueueItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "queue_items_total",
				Help:      "Jobs entering each queue",
			},
			[]string{"queue"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "queue_depth",
				Help:      "Current queue depth",
			},
			[]string{"queue"},
		),
		DLQItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "dlq_items_total",
				Help:      "Jobs moved to the dead letter queue",
			},
			[]string{"queue", "error_type"},
		),
	}
}

// RecordRun records a finished pipeline run.
func (m *Metrics) RecordRun(status string) {
	if m == nil {
		return
	}
	m.PipelineRunsTotal.WithLabelValues(status).Inc()
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordAIOperation records a provider call.
func (m *Metrics) RecordAIOperation(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.AIOperationsTotal.WithLabelValues(operation, status).Inc()
	m.AILatencySeconds.WithLabelValues(operation).Observe(seconds)
}

// RecordAIRetry records a retried provider call.
func (m *Metrics) RecordAIRetry(operation string) {
	if m == nil {
		return
	}
	m.AIRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordActionItems adds extracted tasks.
func (m *Metrics) RecordActionItems(n int) {
	if m == nil {
		return
	}
	m.ActionItemsTotal.Add(float64(n))
}

// RecordEmail records a send attempt.
func (m *Metrics) RecordEmail(kind, status string) {
	if m == nil {
		return
	}
	m.EmailsTotal.WithLabelValues(kind, status).Inc()
}

// RecordPDF records the size of a rendered document.
func (m *Metrics) RecordPDF(size int) {
	if m == nil {
		return
	}
	m.PDFBytes.Observe(float64(size))
}

// RecordQueueEnqueue records a job entering a queue.
func (m *Metrics) RecordQueueEnqueue(queue string) {
	if m == nil {
		return
	}
	m.QueueItemsTotal.WithLabelValues(queue).Inc()
}

// RecordQueueDepth sets the current depth of a queue.
func (m *Metrics) RecordQueueDepth(queue string, depth float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(depth)
}

// RecordDLQItem records a job moved to the dead letter queue.
func (m *Metrics) RecordDLQItem(queue, errorType string) {
	if m == nil {
		return
	}
	m.DLQItemsTotal.WithLabelValues(queue, errorType).Inc()
}
