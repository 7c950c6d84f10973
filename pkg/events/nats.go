// Package events connects the minutes service to NATS JetStream: it consumes
// session change records as an alternative to the database webhook, and
// publishes pipeline stage events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/observability"
)

const (
	drainTimeout   = 10 * time.Second
	consumerName   = "minutes-session-changes"
	fetchWait      = 5 * time.Second
	redeliverDelay = 10 * time.Second
)

// Connect dials NATS and returns the connection with a JetStream context.
func Connect(url string, logger logging.Logger) (*nats.Conn, jetstream.JetStream, error) {
	log := logger.With(logging.F("component", "nats"))
	nc, err := nats.Connect(url,
		nats.Name("minutes-admin"),
		nats.DrainTimeout(drainTimeout),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			if s != nil {
				log.Error("async NATS error", logging.F("subject", s.Subject), logging.Err(err))
				return
			}
			log.Error("async NATS error outside subscription", logging.Err(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", logging.Err(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates the stream holding session changes and
// pipeline events.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, subjects ...string) error {
	if len(subjects) == 0 {
		subjects = []string{"minutes.>"}
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "Meeting minutes session changes and pipeline events",
		Subjects:    subjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	return nil
}

// ChangeHandler acts on a session change. It reports whether the change
// started work.
type ChangeHandler interface {
	HandleSessionChange(ctx context.Context, event minutes.ChangeEvent) (bool, error)
}

// SubscriberConfig configures the change-record consumer.
type SubscriberConfig struct {
	Stream     string
	Subject    string
	MaxDeliver int
	AckWait    time.Duration
}

// Subscriber consumes session change records from a durable pull consumer.
// Several replicas share the consumer and compete for messages.
type Subscriber struct {
	js      jetstream.JetStream
	cfg     SubscriberConfig
	handler ChangeHandler
	logger  logging.Logger
}

// NewSubscriber creates a subscriber.
func NewSubscriber(js jetstream.JetStream, cfg SubscriberConfig, handler ChangeHandler, logger logging.Logger) *Subscriber {
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = 3
	}
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	return &Subscriber{
		js:      js,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(logging.F("component", "session_subscriber"), logging.F("subject", cfg.Subject)),
	}
}

// Run fetches and handles messages until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: s.cfg.Subject,
		MaxDeliver:    s.cfg.MaxDeliver,
		AckWait:       s.cfg.AckWait,
		MaxAckPending: 100,
		Description:   "Starts the minutes pipeline for queued sessions",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer on %s: %w", s.cfg.Stream, err)
	}

	s.logger.Info("session change subscriber started")
	for ctx.Err() == nil {
		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, jetstream.ErrNoMessages) || ctx.Err() != nil {
				continue
			}
			s.logger.Error("error fetching messages from consumer", logging.Err(err))
			continue
		}
		for msg := range batch.Messages() {
			s.handle(ctx, msg)
		}
	}
	return nil
}

// ackable is the part of jetstream.Msg the subscriber uses.
type ackable interface {
	Data() []byte
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Outcome of handling one message.
type Outcome string

const (
	OutcomeStarted  Outcome = "started"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
	OutcomeRetry    Outcome = "retry"
)

func (s *Subscriber) handle(ctx context.Context, msg ackable) Outcome {
	outcome := s.dispatch(ctx, msg.Data())

	var err error
	switch outcome {
	case OutcomeRetry:
		err = msg.NakWithDelay(redeliverDelay)
	case OutcomeRejected:
		err = msg.Term()
	default:
		err = msg.Ack()
	}
	if err != nil {
		s.logger.Error("failed to settle JetStream message", logging.F("outcome", string(outcome)), logging.Err(err))
	}
	return outcome
}

func (s *Subscriber) dispatch(ctx context.Context, data []byte) Outcome {
	var event minutes.ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil || event.Record == nil {
		s.logger.Warn("dropping malformed session change", logging.F("bytes", len(data)))
		return OutcomeRejected
	}

	started, err := s.handler.HandleSessionChange(ctx, event)
	switch {
	case err == nil && started:
		return OutcomeStarted
	case err == nil:
		return OutcomeIgnored
	case merrors.IsValidation(err), merrors.IsNotFound(err):
		s.logger.Warn("rejected session change", logging.F("session_id", event.Record.ID), logging.Err(err))
		return OutcomeRejected
	default:
		s.logger.Warn("session change failed, will redeliver", logging.F("session_id", event.Record.ID), logging.Err(err))
		return OutcomeRetry
	}
}

// streamPublisher is the publish half of jetstream.JetStream.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher publishes pipeline events to JetStream.
type Publisher struct {
	js streamPublisher
}

var _ observability.Publisher = (*Publisher)(nil)

// NewPublisher wraps a JetStream context.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// Publish sends data on subject and waits for the stream acknowledgement.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}
