// Package cmd provides the minutesctl commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/minutes-admin/config"
	"github.com/otherjamesbrown/minutes-admin/migrations"
	"github.com/otherjamesbrown/minutes-admin/pkg/ai"
	"github.com/otherjamesbrown/minutes-admin/pkg/api"
	"github.com/otherjamesbrown/minutes-admin/pkg/db"
	"github.com/otherjamesbrown/minutes-admin/pkg/events"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/notify"
	"github.com/otherjamesbrown/minutes-admin/pkg/observability"
	"github.com/otherjamesbrown/minutes-admin/pkg/pdf"
	"github.com/otherjamesbrown/minutes-admin/pkg/pipeline"
	"github.com/otherjamesbrown/minutes-admin/pkg/queue"
	"github.com/otherjamesbrown/minutes-admin/pkg/retry"
	"github.com/otherjamesbrown/minutes-admin/pkg/storage"
	"github.com/otherjamesbrown/minutes-admin/pkg/workers"
)

// ServiceName identifies the service in logs, metrics and /version.
const ServiceName = "minutes-admin"

// App holds the wired components of one process.
type App struct {
	Config *config.Config
	Logger logging.Logger

	Pool       *pgxpool.Pool
	Store      minutes.Store
	Recordings storage.Blobs
	PDFs       storage.Blobs
	Signer     *storage.Signer

	Redis         *redis.Client
	PipelineQueue queue.Queue
	FinalizeQueue queue.Queue
	Dispatcher    *pipeline.QueueDispatcher

	NATS      *nats.Conn
	JetStream jetstream.JetStream

	Metrics      *observability.Metrics
	Orchestrator *pipeline.Orchestrator
	Sessions     *minutes.Service
}

// AppOptions selects optional parts of the wiring.
type AppOptions struct {
	// InlineFinalize runs finalize in the calling process right after a
	// successful run instead of queueing it.
	InlineFinalize bool
	// WithNATS connects to NATS when a URL is configured.
	WithNATS bool
	// Role tags every log line, e.g. "api" or "worker".
	Role string
}

// NewApp loads no configuration itself: cfg must already be validated.
func NewApp(ctx context.Context, cfg *config.Config, logger logging.Logger, opts AppOptions) (*App, error) {
	app := &App{Config: cfg, Logger: logger}
	if err := app.init(ctx, opts); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// startupRetry waits out dependencies that come up after the service.
var startupRetry = retry.Policy{
	MaxAttempts:  5,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
	Retryable:    func(error) bool { return true },
}

func (a *App) init(ctx context.Context, opts AppOptions) error {
	cfg := a.Config
	a.Metrics = observability.DefaultMetrics()

	pool, err := db.ConnectWithRetry(ctx, db.ConfigFromURL(cfg.DatabaseURL), startupRetry)
	if err != nil {
		return err
	}
	a.Pool = pool
	if _, err := db.RegisterPoolStatsCollector(prometheus.DefaultRegisterer, pool, "minutes", ServiceName); err != nil {
		a.Logger.Warn("failed to register pool stats collector", logging.Err(err))
	}
	a.Store = minutes.NewRepository(pool, a.Logger)

	s3Client, err := storage.NewS3Client(ctx, storage.Config{
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		UsePathStyle:    cfg.Storage.UsePathStyle,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
	})
	if err != nil {
		return err
	}
	a.Recordings = storage.NewS3Store(s3Client, cfg.Storage.RecordingsBucket, a.Logger)
	a.PDFs = storage.NewS3Store(s3Client, cfg.Storage.PDFBucket, a.Logger)
	a.Signer = storage.NewSigner(cfg.Storage.SigningSecret, cfg.AppBaseURL, cfg.Storage.SignedURLTTL)

	if err := a.initQueues(ctx); err != nil {
		return err
	}

	var publisher observability.Publisher
	if opts.WithNATS && cfg.NATS.URL != "" {
		nc, js, err := events.Connect(cfg.NATS.URL, a.Logger)
		if err != nil {
			return err
		}
		a.NATS, a.JetStream = nc, js
		// JetStream can lag the NATS connection on a cold start.
		err = retry.DoErr(ctx, startupRetry, func(ctx context.Context) error {
			return events.EnsureStream(ctx, js, cfg.NATS.Stream)
		})
		if err != nil {
			return err
		}
		publisher = events.NewPublisher(js)
	}

	providerRetry := retry.Policy{
		MaxAttempts:  cfg.Pipeline.RetryAttempts,
		InitialDelay: cfg.Pipeline.RetryDelay,
	}
	llm := ai.NewClient(ai.Config{
		APIKey:             cfg.LLM.APIKey,
		BaseURL:            cfg.LLM.BaseURL,
		Model:              cfg.LLM.Model,
		TranscriptionModel: cfg.LLM.TranscriptionModel,
		Timeout:            cfg.LLM.Timeout,
		Retry:              providerRetry,
	}, a.Logger, a.Metrics)

	mailer := notify.NewMailClient(notify.MailConfig{
		APIKey:  cfg.Mail.APIKey,
		BaseURL: cfg.Mail.BaseURL,
		Timeout: cfg.LLM.Timeout,
		Retry:   providerRetry,
	}, a.Logger)
	notifier := notify.NewNotifier(mailer, a.Store, a.PDFs, a.Signer, notify.Options{
		From:       cfg.Mail.From,
		PDFBucket:  cfg.Storage.PDFBucket,
		MeetingURL: cfg.MeetingURL,
	}, a.Logger, a.Metrics)

	deps := pipeline.Deps{
		Store:       a.Store,
		Transcriber: ai.NewTranscriber(llm, a.Recordings, a.Logger),
		Summarizer:  ai.NewSummarizer(llm, a.Logger, cfg.Pipeline.ChunkSize, cfg.Pipeline.MaxChunks),
		Extractor:   ai.NewExtractor(llm, a.Store, a.Logger, a.Metrics),
		Renderer:    pdf.NewRenderer(),
		PDFs:        a.PDFs,
		Notifier:    notifier,
		Signer:      a.Signer,
		Finalize:    a.Dispatcher,
		Events:      observability.NewEventEmitter(publisher),
		Metrics:     a.Metrics,
		Logger:      a.Logger,
	}
	inline := &inlineFinalizer{}
	if opts.InlineFinalize {
		deps.Finalize = inline
	}
	a.Orchestrator = pipeline.New(deps, pipeline.Options{
		PDFBucket:       cfg.Storage.PDFBucket,
		ProcessingLease: cfg.Pipeline.ProcessingLease,
	})
	inline.orch = a.Orchestrator

	a.Sessions = minutes.NewService(a.Store, a.Dispatcher, a.Logger)
	return nil
}

// initQueues uses Redis when configured and in-process queues otherwise.
func (a *App) initQueues(ctx context.Context) error {
	cfgs := queue.DefaultConfigs()
	if a.Config.RedisURL == "" {
		a.Logger.Info("REDIS_URL not set, using in-process queues")
		a.PipelineQueue = queue.NewMemoryQueue(cfgs[queue.PipelineQueue], a.Metrics)
		a.FinalizeQueue = queue.NewMemoryQueue(cfgs[queue.FinalizeQueue], a.Metrics)
	} else {
		client, err := queue.NewRedisClient(ctx, a.Config.RedisURL)
		if err != nil {
			return err
		}
		a.Redis = client
		a.PipelineQueue = queue.NewRedisQueue(client, cfgs[queue.PipelineQueue], a.Metrics)
		a.FinalizeQueue = queue.NewRedisQueue(client, cfgs[queue.FinalizeQueue], a.Metrics)
	}
	a.Dispatcher = pipeline.NewQueueDispatcher(a.PipelineQueue, a.FinalizeQueue, a.Logger)
	return nil
}

// Workers builds the pipeline and finalize pools.
func (a *App) Workers() *workers.Manager {
	m := workers.NewManager()
	m.Register(workers.NewPool(
		workers.DefaultConfig(queue.PipelineQueue, a.Config.Pipeline.PipelineWorkers),
		a.PipelineQueue, pipeline.ProcessHandler(a.Orchestrator), a.Logger))
	m.Register(workers.NewPool(
		workers.DefaultConfig(queue.FinalizeQueue, a.Config.Pipeline.FinalizeWorkers),
		a.FinalizeQueue, pipeline.FinalizeHandler(a.Orchestrator), a.Logger))
	return m
}

// ChangeTrigger builds the trigger used by the webhook and NATS paths.
func (a *App) ChangeTrigger(source string) *pipeline.ChangeTrigger {
	return pipeline.NewChangeTrigger(a.Store, a.Dispatcher, source, a.Logger)
}

// ReadyChecks lists the dependencies /readyz checks.
func (a *App) ReadyChecks() map[string]api.ReadyCheck {
	checks := map[string]api.ReadyCheck{
		"database": func(ctx context.Context) error {
			if status := db.Check(ctx, a.Pool, migrations.FS); !status.Healthy {
				return fmt.Errorf("%s", status.Error)
			}
			return nil
		},
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	if a.NATS != nil {
		checks["nats"] = func(context.Context) error {
			if !a.NATS.IsConnected() {
				return fmt.Errorf("nats status %s", a.NATS.Status())
			}
			return nil
		}
	}
	return checks
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	if a.NATS != nil {
		if err := a.NATS.Drain(); err != nil {
			a.Logger.Warn("failed to drain NATS connection", logging.Err(err))
		}
	}
	for _, q := range []queue.Queue{a.PipelineQueue, a.FinalizeQueue} {
		if q != nil {
			_ = q.Close()
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	db.Close(a.Pool)
}

// inlineFinalizer finalizes in-process, for one-shot CLI runs.
type inlineFinalizer struct {
	orch *pipeline.Orchestrator
}

func (f *inlineFinalizer) DispatchFinalize(ctx context.Context, meetingID, sessionID string) error {
	_, err := f.orch.Finalize(ctx, meetingID, sessionID)
	return err
}
