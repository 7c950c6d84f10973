package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/minutes-admin/pkg/observability"
)

// Redis key prefixes
const (
	keyPrefixQueue      = "queue:"      // Ready messages (sorted set by priority, then age)
	keyPrefixDelayed    = "delayed:"    // Nacked messages waiting out their backoff
	keyPrefixProcessing = "processing:" // Dequeued messages by visibility deadline
	keyPrefixMessage    = "msg:"        // Message data
	keyPrefixDLQ        = "dlq:"        // Dead letter queue
)

// pollInterval is how often an empty queue is re-checked during Dequeue.
const pollInterval = 100 * time.Millisecond

// RedisQueue implements Queue using Redis sorted sets.
type RedisQueue struct {
	client  redis.UniversalClient
	name    string
	config  Config
	metrics *observability.Metrics
	now     func() time.Time
}

// NewRedisQueue creates a Redis-backed queue. metrics may be nil.
func NewRedisQueue(client redis.UniversalClient, config Config, metrics *observability.Metrics) *RedisQueue {
	return &RedisQueue{
		client:  client,
		name:    config.Name,
		config:  config,
		metrics: metrics,
		now:     time.Now,
	}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (q *RedisQueue) queueKey() string      { return keyPrefixQueue + q.name }
func (q *RedisQueue) delayedKey() string    { return keyPrefixDelayed + q.name }
func (q *RedisQueue) processingKey() string { return keyPrefixProcessing + q.name }
func (q *RedisQueue) dlqKey() string        { return keyPrefixDLQ + q.name }
func (q *RedisQueue) msgKey(id string) string {
	return keyPrefixMessage + q.name + ":" + id
}

// readyScore orders by priority (highest first under ZPOPMIN), then by age.
func readyScore(p Priority, at time.Time) float64 {
	return float64(-p)*1e15 + float64(at.UnixMilli())
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.name
}

// Enqueue adds a message to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) (string, error) {
	now := q.now()
	qm, err := wrap(uuid.New().String(), msg, now)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	data, err := json.Marshal(qm)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queued message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(qm.ID), data, q.config.RetentionPeriod)
	pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: readyScore(qm.Priority, now), Member: qm.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	q.metrics.RecordQueueEnqueue(q.name)
	return qm.ID, nil
}

// Dequeue retrieves messages from the queue.
func (q *RedisQueue) Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	deadline := q.now().Add(timeout)

	var messages []*QueuedMessage
	for len(messages) < maxMessages {
		if err := q.promoteDue(ctx); err != nil {
			return messages, err
		}

		result, err := q.client.ZPopMin(ctx, q.queueKey(), 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return messages, fmt.Errorf("failed to pop from queue: %w", err)
		}
		if len(result) == 0 {
			if len(messages) > 0 || !q.now().Before(deadline) {
				return messages, nil
			}
			select {
			case <-time.After(pollInterval):
				continue
			case <-ctx.Done():
				return messages, ctx.Err()
			}
		}

		messageID, _ := result[0].Member.(string)
		qm, err := q.load(ctx, messageID)
		if errors.Is(err, ErrMessageNotFound) {
			// data expired past the retention period
			continue
		}
		if err != nil {
			return messages, err
		}

		qm.VisibleAfter = q.now().Add(q.config.VisibilityTimeout)
		data, _ := json.Marshal(qm)
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.msgKey(messageID), data, q.config.RetentionPeriod)
		pipe.ZAdd(ctx, q.processingKey(), redis.Z{
			Score:  float64(qm.VisibleAfter.UnixNano()),
			Member: messageID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return messages, fmt.Errorf("failed to move to processing: %w", err)
		}

		messages = append(messages, qm)
	}
	return messages, nil
}

// promoteDue moves delayed messages whose backoff has passed back to the ready set.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := q.now()
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixNano(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed messages: %w", err)
	}

	for _, id := range due {
		// ZREM decides the winner when several workers promote at once.
		removed, err := q.client.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return fmt.Errorf("failed to promote message: %w", err)
		}
		if removed == 0 {
			continue
		}
		qm, err := q.load(ctx, id)
		if err != nil {
			continue
		}
		if err := q.client.ZAdd(ctx, q.queueKey(), redis.Z{Score: readyScore(qm.Priority, now), Member: id}).Err(); err != nil {
			return fmt.Errorf("failed to promote message: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, messageID string) (*QueuedMessage, error) {
	data, err := q.client.Get(ctx, q.msgKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message data: %w", err)
	}
	var qm QueuedMessage
	if err := json.Unmarshal(data, &qm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &qm, nil
}

// Ack acknowledges successful processing of a message.
func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), messageID)
	pipe.Del(ctx, q.msgKey(messageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack records a failed attempt and either delays the message or dead-letters it.
func (q *RedisQueue) Nack(ctx context.Context, messageID string, cause error) error {
	qm, err := q.load(ctx, messageID)
	if err != nil {
		return err
	}
	qm.RetryCount++
	if cause != nil {
		qm.LastError = cause.Error()
	}

	decision := DecideRetry(q.config, cause, qm.RetryCount)
	if !decision.ShouldRetry {
		return q.deadLetter(ctx, qm, decision.Reason, Categorize(cause))
	}

	qm.VisibleAfter = q.now().Add(decision.Backoff)
	data, _ := json.Marshal(qm)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), messageID)
	pipe.Set(ctx, q.msgKey(messageID), data, q.config.RetentionPeriod)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(qm.VisibleAfter.UnixNano()), Member: messageID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// MoveToDeadLetter moves a message to the dead letter queue.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, messageID string, reason string) error {
	qm, err := q.load(ctx, messageID)
	if err != nil {
		return err
	}
	return q.deadLetter(ctx, qm, reason, nil)
}

// DeadLetter is an entry of the dead letter queue.
type DeadLetter struct {
	Message   QueuedMessage `json:"message"`
	Reason    string        `json:"reason"`
	MovedAt   time.Time     `json:"moved_at"`
	QueueName string        `json:"queue_name"`
}

func (q *RedisQueue) deadLetter(ctx context.Context, qm *QueuedMessage, reason string, cause *ProcessingError) error {
	now := q.now()
	entry, _ := json.Marshal(DeadLetter{Message: *qm, Reason: reason, MovedAt: now, QueueName: q.name})

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), qm.ID)
	pipe.ZRem(ctx, q.delayedKey(), qm.ID)
	pipe.Del(ctx, q.msgKey(qm.ID))
	pipe.ZAdd(ctx, q.dlqKey(), redis.Z{Score: float64(now.UnixNano()), Member: string(entry)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move to DLQ: %w", err)
	}

	errorType := "unknown"
	if cause != nil {
		errorType = string(cause.Category)
	}
	q.metrics.RecordDLQItem(q.name, errorType)
	return nil
}

// DeadLetters returns up to limit dead-lettered entries, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	raw, err := q.client.ZRevRange(ctx, q.dlqKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Depth returns the number of ready and delayed messages.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.queueKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	depth := ready.Val() + delayed.Val()
	q.metrics.RecordQueueDepth(q.name, float64(depth))
	return depth, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

// RecoverStaleMessages returns messages whose visibility timeout expired to
// the queue, dead-lettering those out of retries. It returns how many were
// recovered. Called periodically by the worker pool.
func (q *RedisQueue) RecoverStaleMessages(ctx context.Context) (int, error) {
	stale, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixNano(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find stale messages: %w", err)
	}

	recovered := 0
	for _, id := range stale {
		if _, err := q.load(ctx, id); errors.Is(err, ErrMessageNotFound) {
			q.client.ZRem(ctx, q.processingKey(), id)
			continue
		}
		if err := q.Nack(ctx, id, errVisibilityTimeout); err != nil {
			continue
		}
		recovered++
	}
	return recovered, nil
}

var _ Queue = (*RedisQueue)(nil)
