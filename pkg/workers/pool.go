// Package workers runs pools of queue consumers for the pipeline and
// finalize jobs.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/queue"
)

// WorkerStatus represents the worker's current status.
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusHealthy  WorkerStatus = "healthy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusStopped  WorkerStatus = "stopped"
)

// MessageHandler processes a queue message. A returned error nacks the
// message; the queue decides between redelivery and the dead letter queue.
type MessageHandler func(ctx context.Context, msg queue.Message) error

// Config configures a pool.
type Config struct {
	Name            string        `yaml:"name"`
	Count           int           `yaml:"count"`
	BatchSize       int           `yaml:"batch_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RecoverInterval time.Duration `yaml:"recover_interval"`
}

// DefaultConfig returns a pool configuration for the named queue.
func DefaultConfig(name string, count int) Config {
	timeout := 25 * time.Minute
	if name == queue.FinalizeQueue {
		timeout = 4 * time.Minute
	}
	return Config{
		Name:            name,
		Count:           count,
		BatchSize:       1,
		PollInterval:    time.Second,
		HandlerTimeout:  timeout,
		ShutdownTimeout: 30 * time.Second,
		RecoverInterval: time.Minute,
	}
}

// staleRecoverer is implemented by queues that can requeue expired deliveries.
type staleRecoverer interface {
	RecoverStaleMessages(ctx context.Context) (int, error)
}

// Worker is a single consumer goroutine.
type Worker struct {
	ID      string
	config  Config
	queue   queue.Queue
	handler MessageHandler
	logger  logging.Logger

	status       atomic.Value
	lastActivity atomic.Int64

	ProcessedCount atomic.Int64
	FailedCount    atomic.Int64
}

func newWorker(config Config, q queue.Queue, handler MessageHandler, logger logging.Logger) *Worker {
	w := &Worker{
		ID:      uuid.New().String(),
		config:  config,
		queue:   q,
		handler: handler,
	}
	w.logger = logger.With(logging.F("worker_id", w.ID))
	w.status.Store(WorkerStatusStarting)
	return w
}

// Status returns the worker's current status.
func (w *Worker) Status() WorkerStatus {
	return w.status.Load().(WorkerStatus)
}

// LastActivity returns when the worker last picked up a message.
func (w *Worker) LastActivity() time.Time {
	ns := w.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (w *Worker) run(ctx context.Context) {
	w.status.Store(WorkerStatusHealthy)
	defer w.status.Store(WorkerStatusStopped)

	for ctx.Err() == nil {
		messages, err := w.queue.Dequeue(ctx, w.config.BatchSize, w.config.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("dequeue failed", logging.Err(err))
			select {
			case <-time.After(w.config.PollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, qm := range messages {
			w.process(ctx, qm)
		}
	}
}

// process handles one message. It runs to completion even if the pool is
// stopping, so a delivered job is never abandoned half way.
func (w *Worker) process(ctx context.Context, qm *queue.QueuedMessage) {
	w.lastActivity.Store(time.Now().UnixNano())
	// acks must land after shutdown starts
	bg := context.WithoutCancel(ctx)

	msg, err := qm.ParseMessage()
	if err != nil {
		if derr := w.queue.MoveToDeadLetter(bg, qm.ID, fmt.Sprintf("parse error: %v", err)); derr != nil {
			w.logger.Error("failed to dead-letter message", logging.F("message_id", qm.ID), logging.Err(derr))
		}
		w.FailedCount.Add(1)
		return
	}

	log := w.logger.With(
		logging.F("message_id", qm.ID),
		logging.F("message_type", string(qm.MessageType)),
		logging.F("session_id", msg.GetSessionID()),
		logging.F("attempt", qm.RetryCount+1))

	hctx := bg
	if w.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(bg, w.config.HandlerTimeout)
		defer cancel()
	}

	if err := w.handle(hctx, msg); err != nil {
		log.Warn("job failed", logging.Err(err))
		if nerr := w.queue.Nack(bg, qm.ID, err); nerr != nil {
			log.Error("failed to nack message", logging.Err(nerr))
		}
		w.FailedCount.Add(1)
		return
	}

	if err := w.queue.Ack(bg, qm.ID); err != nil {
		log.Error("failed to ack message", logging.Err(err))
	}
	w.ProcessedCount.Add(1)
}

// handle runs the handler, turning a panic into an error.
func (w *Worker) handle(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = queue.Permanent("panic", fmt.Errorf("handler panic: %v", r))
		}
	}()
	return w.handler(ctx, msg)
}

// Pool manages the workers consuming one queue.
type Pool struct {
	Config  Config
	queue   queue.Queue
	handler MessageHandler
	logger  logging.Logger

	mu      sync.RWMutex
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(config Config, q queue.Queue, handler MessageHandler, logger logging.Logger) *Pool {
	if config.Count < 1 {
		config.Count = 1
	}
	if config.BatchSize < 1 {
		config.BatchSize = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Pool{
		Config:  config,
		queue:   q,
		handler: handler,
		logger:  logger.With(logging.F("component", "worker_pool"), logging.F("queue", config.Name)),
	}
}

// Start launches the workers and the stale-message recovery loop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.Config.Count; i++ {
		w := newWorker(p.Config, p.queue, p.handler, p.logger)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}

	if r, ok := p.queue.(staleRecoverer); ok && p.Config.RecoverInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.recoverLoop(ctx, r)
		}()
	}

	p.logger.Info("worker pool started", logging.F("workers", p.Config.Count))
}

func (p *Pool) recoverLoop(ctx context.Context, r staleRecoverer) {
	ticker := time.NewTicker(p.Config.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.RecoverStaleMessages(ctx); err != nil {
				p.logger.Warn("stale message recovery failed", logging.Err(err))
			} else if n > 0 {
				p.logger.Info("recovered stale messages", logging.F("count", n))
			}
			if _, err := p.queue.Depth(ctx); err != nil {
				p.logger.Debug("queue depth unavailable", logging.Err(err))
			}
		}
	}
}

// Stop signals the workers and waits for in-flight jobs, up to ShutdownTimeout.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return
	}
	p.cancel()
	for _, w := range p.workers {
		w.status.Store(WorkerStatusDraining)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := p.Config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(timeout):
		p.logger.Warn("worker pool stop timed out", logging.F("timeout", timeout.String()))
	}
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{Name: p.Config.Name, WorkerCount: len(p.workers)}
	for _, w := range p.workers {
		if w.Status() == WorkerStatusHealthy {
			stats.ActiveCount++
		}
		stats.Processed += w.ProcessedCount.Load()
		stats.Failed += w.FailedCount.Load()
	}
	return stats
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Name        string `json:"name"`
	WorkerCount int    `json:"worker_count"`
	ActiveCount int    `json:"active_count"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
}

// Manager starts and stops several pools together.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewManager creates an empty pool manager.
func NewManager() *Manager {
	return &Manager{pools: make(map[string]*Pool)}
}

// Register adds a pool, keyed by its queue name.
func (m *Manager) Register(pool *Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[pool.Config.Name] = pool
}

// Get returns the pool consuming the named queue.
func (m *Manager) Get(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[name]
	return pool, ok
}

// StartAll starts all registered pools.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pool := range m.pools {
		pool.Start(ctx)
	}
}

// StopAll stops all registered pools concurrently.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, pool := range m.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Stop()
		}(pool)
	}
	wg.Wait()
}

// AllStats returns statistics for all pools.
func (m *Manager) AllStats() map[string]PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]PoolStats, len(m.pools))
	for name, pool := range m.pools {
		stats[name] = pool.Stats()
	}
	return stats
}
