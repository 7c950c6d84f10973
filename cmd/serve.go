package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/minutes-admin/pkg/api"
	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/events"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/pipeline"
	"github.com/otherjamesbrown/minutes-admin/pkg/storage"
)

// NewServeCommand creates the serve command.
func NewServeCommand(open AppOpener) *cobra.Command {
	var (
		addr      string
		noWorkers bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the minutes HTTP API.

Serves the pipeline triggers under /api/minutes, the session lifecycle routes,
signed PDF downloads at /files and the operational endpoints /livez, /readyz,
/version and /metrics.

Unless --no-workers is given the pipeline and finalize worker pools run in the
same process. --no-workers requires REDIS_URL, so that separate minutesctl
worker processes consume the jobs this API queues. When NATS_URL is set,
session change records published on NATS_SUBJECT are consumed as well.`,
		Example: `  minutesctl serve
  minutesctl serve --addr :9090 --no-workers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := open(cmd.Context(), AppOptions{WithNATS: true, Role: "api"})
			if err != nil {
				return err
			}
			defer app.Close()
			if err := checkWorkerMode(app, noWorkers); err != nil {
				return err
			}
			if addr == "" {
				addr = app.Config.HTTPAddr
			}
			return runServe(cmd.Context(), app, addr, !noWorkers)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from HTTP_ADDR)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Do not run queue workers in this process")
	return cmd
}

// checkWorkerMode rejects --no-workers over in-process queues: nothing else
// could consume the jobs, and they would be lost.
func checkWorkerMode(app *App, noWorkers bool) error {
	if noWorkers && app.Redis == nil {
		return fmt.Errorf("--no-workers requires REDIS_URL, the in-process queues have no other consumer: %w", merrors.ErrValidation)
	}
	return nil
}

func runServe(ctx context.Context, app *App, addr string, withWorkers bool) error {
	server := api.NewServer(api.Deps{
		Pipeline: app.Orchestrator,
		Sessions: app.Sessions,
		Changes:  app.ChangeTrigger(pipeline.TriggerWebhook),
		Verifier: app.Signer,
		Buckets: map[string]storage.Blobs{
			app.Config.Storage.PDFBucket: app.PDFs,
		},
		Ready:  app.ReadyChecks(),
		Logger: app.Logger,
	}, api.Options{
		WebhookSecret: app.Config.WebhookSecret,
		ServiceName:   ServiceName,
	})
	if app.Config.WebhookSecret == "" {
		app.Logger.Warn("WEBHOOK_SECRET not set, webhook route is unauthenticated")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(ctx, addr) })
	if withWorkers {
		startBackground(ctx, g, app)
	}
	return g.Wait()
}

// startBackground runs the worker pools and the NATS subscriber until ctx
// is cancelled.
func startBackground(ctx context.Context, g *errgroup.Group, app *App) {
	manager := app.Workers()
	manager.StartAll(ctx)
	g.Go(func() error {
		<-ctx.Done()
		manager.StopAll()
		return nil
	})

	if app.JetStream == nil {
		return
	}
	sub := events.NewSubscriber(app.JetStream, events.SubscriberConfig{
		Stream:  app.Config.NATS.Stream,
		Subject: app.Config.NATS.Subject,
	}, app.ChangeTrigger(pipeline.TriggerNATS), app.Logger)
	g.Go(func() error {
		if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
			app.Logger.Error("session subscriber stopped", logging.Err(err))
			return err
		}
		return nil
	})
}
