package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/minutes-admin/pkg/observability"
)

// MemoryQueue is an in-process Queue with the same delivery, backoff and
// dead-letter rules as RedisQueue. Messages do not survive a restart.
type MemoryQueue struct {
	mu         sync.Mutex
	config     Config
	metrics    *observability.Metrics
	now        func() time.Time
	ready      []*QueuedMessage
	delayed    map[string]*QueuedMessage
	processing map[string]*QueuedMessage
	dead       []DeadLetter
	signal     chan struct{}
	closed     bool
}

// NewMemoryQueue creates an in-memory queue. metrics may be nil.
func NewMemoryQueue(config Config, metrics *observability.Metrics) *MemoryQueue {
	return &MemoryQueue{
		config:     config,
		metrics:    metrics,
		now:        time.Now,
		delayed:    make(map[string]*QueuedMessage),
		processing: make(map[string]*QueuedMessage),
		signal:     make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *MemoryQueue) Name() string {
	return q.config.Name
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue adds a message to the queue.
func (q *MemoryQueue) Enqueue(_ context.Context, msg Message) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	qm, err := wrap(uuid.New().String(), msg, q.now())
	if err != nil {
		return "", err
	}
	q.push(qm)
	q.metrics.RecordQueueEnqueue(q.config.Name)
	q.notify()
	return qm.ID, nil
}

// push inserts into the ready list keeping priority, then FIFO, order.
func (q *MemoryQueue) push(qm *QueuedMessage) {
	i := sort.Search(len(q.ready), func(i int) bool {
		return q.ready[i].Priority < qm.Priority
	})
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = qm
}

// Dequeue retrieves messages from the queue.
func (q *MemoryQueue) Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if msgs := q.take(maxMessages); len(msgs) > 0 {
			return msgs, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.signal:
		case <-time.After(pollInterval):
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) take(max int) []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for id, qm := range q.delayed {
		if !qm.VisibleAfter.After(now) {
			delete(q.delayed, id)
			q.push(qm)
		}
	}

	var out []*QueuedMessage
	for len(out) < max && len(q.ready) > 0 {
		qm := q.ready[0]
		q.ready = q.ready[1:]
		qm.VisibleAfter = now.Add(q.config.VisibilityTimeout)
		q.processing[qm.ID] = qm
		cp := *qm
		out = append(out, &cp)
	}
	return out
}

// Ack acknowledges successful processing of a message.
func (q *MemoryQueue) Ack(_ context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[messageID]; !ok {
		return ErrMessageNotFound
	}
	delete(q.processing, messageID)
	return nil
}

// Nack records a failed attempt and either delays the message or dead-letters it.
func (q *MemoryQueue) Nack(_ context.Context, messageID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nackLocked(messageID, cause)
}

func (q *MemoryQueue) nackLocked(messageID string, cause error) error {
	qm, ok := q.processing[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	delete(q.processing, messageID)
	qm.RetryCount++
	if cause != nil {
		qm.LastError = cause.Error()
	}

	decision := DecideRetry(q.config, cause, qm.RetryCount)
	if !decision.ShouldRetry {
		q.deadLetterLocked(qm, decision.Reason, Categorize(cause))
		return nil
	}
	qm.VisibleAfter = q.now().Add(decision.Backoff)
	q.delayed[qm.ID] = qm
	return nil
}

// MoveToDeadLetter moves a message to the dead letter queue.
func (q *MemoryQueue) MoveToDeadLetter(_ context.Context, messageID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	qm, ok := q.processing[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	delete(q.processing, messageID)
	q.deadLetterLocked(qm, reason, nil)
	return nil
}

func (q *MemoryQueue) deadLetterLocked(qm *QueuedMessage, reason string, cause *ProcessingError) {
	q.dead = append(q.dead, DeadLetter{Message: *qm, Reason: reason, MovedAt: q.now(), QueueName: q.config.Name})
	errorType := "unknown"
	if cause != nil {
		errorType = string(cause.Category)
	}
	q.metrics.RecordDLQItem(q.config.Name, errorType)
}

// DeadLetters returns dead-lettered entries, newest first.
func (q *MemoryQueue) DeadLetters(_ context.Context, limit int64) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []DeadLetter
	for i := len(q.dead) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		out = append(out, q.dead[i])
	}
	return out, nil
}

// Depth returns the number of ready and delayed messages.
func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := int64(len(q.ready) + len(q.delayed))
	q.metrics.RecordQueueDepth(q.config.Name, float64(depth))
	return depth, nil
}

// RecoverStaleMessages nacks messages whose visibility timeout has expired.
func (q *MemoryQueue) RecoverStaleMessages(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	recovered := 0
	for id, qm := range q.processing {
		if qm.VisibleAfter.After(now) {
			continue
		}
		if err := q.nackLocked(id, errVisibilityTimeout); err == nil {
			recovered++
		}
	}
	return recovered, nil
}

// Close stops further enqueues and wakes blocked consumers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
