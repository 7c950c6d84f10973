package cmd

import (
	"context"
	"os"

	"github.com/otherjamesbrown/minutes-admin/config"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
)

// AppOpener loads configuration and wires an App. Commands take one so
// tests can replace it.
type AppOpener func(ctx context.Context, opts AppOptions) (*App, error)

// OpenApp is the production AppOpener. A missing required variable fails
// here, before any connection is made.
func OpenApp(ctx context.Context, opts AppOptions) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewApp(ctx, cfg, NewLogger(cfg, opts.Role), opts)
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config, role string) logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:       logging.Level(cfg.Log.Level),
		ServiceName: ServiceName,
		Role:        role,
		Environment: cfg.Environment,
		JSONFormat:  cfg.Log.JSON || cfg.IsProduction(),
		Output:      os.Stderr,
	})
}
