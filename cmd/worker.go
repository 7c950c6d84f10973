package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/minutes-admin/pkg/api"
)

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(open AppOpener) *cobra.Command {
	var healthAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the queue workers",
		Long: `Run the pipeline and finalize worker pools without the HTTP API.

Workers consume minutes:pipeline and minutes:finalize. With REDIS_URL unset
the queues are in-process, so a standalone worker only makes sense with Redis.

A small health server exposes /livez, /readyz, /version and /metrics.`,
		Example: `  minutesctl worker
  minutesctl worker --health-addr :8081`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := open(cmd.Context(), AppOptions{WithNATS: true, Role: "worker"})
			if err != nil {
				return err
			}
			defer app.Close()
			if app.Redis == nil {
				app.Logger.Warn("REDIS_URL not set, worker only sees its own in-process queues")
			}
			return runWorker(cmd.Context(), app, healthAddr)
		},
	}
	cmd.Flags().StringVar(&healthAddr, "health-addr", ":8081", "Health server listen address, empty to disable")
	return cmd
}

func runWorker(ctx context.Context, app *App, healthAddr string) error {
	g, ctx := errgroup.WithContext(ctx)
	if healthAddr != "" {
		health := api.NewHealthServer(app.ReadyChecks(), app.Logger, api.Options{ServiceName: ServiceName})
		g.Go(func() error { return health.ListenAndServe(ctx, healthAddr) })
	}
	startBackground(ctx, g, app)
	return g.Wait()
}
