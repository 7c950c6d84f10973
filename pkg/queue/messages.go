// Package queue provides the job queues that hand sessions between the
// trigger surface and the pipeline workers.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue names.
const (
	PipelineQueue = "minutes:pipeline"
	FinalizeQueue = "minutes:finalize"
)

// Priority levels for queue messages.
type Priority int

const (
	PriorityLow    Priority = 0 // Manual re-runs from the CLI
	PriorityNormal Priority = 1 // Conclude-meeting and webhook triggers
	PriorityHigh   Priority = 2 // Finalize after a successful run
)

// MessageType identifies the type of queue message.
type MessageType string

const (
	MessageTypeProcess  MessageType = "process"
	MessageTypeFinalize MessageType = "finalize"
)

// Message is the base interface for all queue messages.
type Message interface {
	GetMeetingID() string
	GetSessionID() string
	GetPriority() Priority
	GetMessageType() MessageType
}

// ProcessMessage asks for a full pipeline run over a session.
type ProcessMessage struct {
	MeetingID     string            `json:"meeting_id"`
	SessionID     string            `json:"session_id"`
	RecordingPath string            `json:"recording_path,omitempty"`
	Trigger       string            `json:"trigger"` // conclude, webhook, nats, api, cli
	Priority      Priority          `json:"priority"`
	QueuedAt      time.Time         `json:"queued_at"`
	// Trace carries the enqueuer's trace and span ids.
	Trace         map[string]string `json:"trace,omitempty"`
}

func (m *ProcessMessage) GetMeetingID() string        { return m.MeetingID }
func (m *ProcessMessage) GetSessionID() string        { return m.SessionID }
func (m *ProcessMessage) GetPriority() Priority       { return m.Priority }
func (m *ProcessMessage) GetMessageType() MessageType { return MessageTypeProcess }

// FinalizeMessage asks for the PDF render and email of a processed session.
type FinalizeMessage struct {
	MeetingID string            `json:"meeting_id"`
	SessionID string            `json:"session_id"`
	Priority  Priority          `json:"priority"`
	QueuedAt  time.Time         `json:"queued_at"`
	Trace     map[string]string `json:"trace,omitempty"`
}

func (m *FinalizeMessage) GetMeetingID() string        { return m.MeetingID }
func (m *FinalizeMessage) GetSessionID() string        { return m.SessionID }
func (m *FinalizeMessage) GetPriority() Priority       { return m.Priority }
func (m *FinalizeMessage) GetMessageType() MessageType { return MessageTypeFinalize }

// QueuedMessage wraps a message with queue metadata.
type QueuedMessage struct {
	ID           string          `json:"id"`
	Message      json.RawMessage `json:"message"`
	MessageType  MessageType     `json:"message_type"`
	Priority     Priority        `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAfter time.Time       `json:"visible_after,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// ParseMessage decodes the payload according to its message type.
func (qm *QueuedMessage) ParseMessage() (Message, error) {
	switch qm.MessageType {
	case MessageTypeProcess:
		var msg ProcessMessage
		if err := json.Unmarshal(qm.Message, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case MessageTypeFinalize:
		var msg FinalizeMessage
		if err := json.Unmarshal(qm.Message, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		return nil, ErrUnknownMessageType
	}
}

func wrap(id string, msg Message, now time.Time) (*QueuedMessage, error) {
	if msg.GetSessionID() == "" {
		return nil, ErrInvalidMessage
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &QueuedMessage{
		ID:          id,
		Message:     raw,
		MessageType: msg.GetMessageType(),
		Priority:    msg.GetPriority(),
		EnqueuedAt:  now,
	}, nil
}

// Queue is a durable at-least-once job queue.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Enqueue adds a message and returns its id.
	Enqueue(ctx context.Context, msg Message) (string, error)

	// Dequeue returns up to maxMessages, waiting at most timeout for the first.
	// Dequeued messages stay invisible until acked, nacked or their
	// visibility timeout passes.
	Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error)

	// Ack removes a processed message.
	Ack(ctx context.Context, messageID string) error

	// Nack schedules a failed message for another attempt after a backoff,
	// or dead-letters it once its retries are used up.
	Nack(ctx context.Context, messageID string, cause error) error

	// MoveToDeadLetter parks a message that must not be retried.
	MoveToDeadLetter(ctx context.Context, messageID string, reason string) error

	// Depth returns the number of messages waiting, delayed ones included.
	Depth(ctx context.Context) (int64, error)

	// Close releases the queue.
	Close() error
}

// Config configures queue behavior.
type Config struct {
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
	Backoff           RetryPolicy   `yaml:"backoff"`
}

// DefaultConfigs returns the configuration of each queue.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		PipelineQueue: {
			Name:              PipelineQueue,
			VisibilityTimeout: 30 * time.Minute, // transcription of a long meeting is slow
			MaxRetries:        3,
			RetentionPeriod:   7 * 24 * time.Hour,
			Backoff:           DefaultRetryPolicy(),
		},
		FinalizeQueue: {
			Name:              FinalizeQueue,
			VisibilityTimeout: 5 * time.Minute,
			MaxRetries:        5,
			RetentionPeriod:   7 * 24 * time.Hour,
			Backoff:           DefaultRetryPolicy(),
		},
	}
}

var (
	_ Message = (*ProcessMessage)(nil)
	_ Message = (*FinalizeMessage)(nil)
)
