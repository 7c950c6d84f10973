package cmd

import (
	"context"
	"fmt"
	"io"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/minutes-admin/migrations"
	"github.com/otherjamesbrown/minutes-admin/pkg/db"
)

// DbCommandDeps holds the dependencies for database commands.
type DbCommandDeps struct {
	Migrations  fs.FS
	ConnectToDB func(context.Context) (*pgxpool.Pool, error)
	Out         io.Writer
}

// DefaultDbDeps returns the default dependencies for production use.
// Only DATABASE_URL (or the DB_* variables) is needed, not the full service
// configuration.
func DefaultDbDeps() *DbCommandDeps {
	return &DbCommandDeps{
		Migrations: migrations.FS,
		ConnectToDB: func(ctx context.Context) (*pgxpool.Pool, error) {
			return db.Connect(ctx, db.ConfigFromEnv())
		},
	}
}

// NewDbCommand creates the root db command with all subcommands.
func NewDbCommand() *cobra.Command {
	return newDbCommand(DefaultDbDeps())
}

func newDbCommand(deps *DbCommandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Database management commands for the minutes service.

The db command connects directly to PostgreSQL. It requires DATABASE_URL or
the DB_* environment variables to be set.

Migrations are compiled into the binary and applied in version order. Each
applied version is recorded in the schema_migrations table.

Examples:
  # Show migration status
  minutesctl db status

  # Apply all pending migrations
  minutesctl db migrate

  # Preview migrations without applying
  minutesctl db migrate --dry-run`,
		Aliases: []string{"database", "migrations"},
	}

	cmd.AddCommand(newDbMigrateCommand(deps))
	cmd.AddCommand(newDbStatusCommand(deps))
	return cmd
}

func newDbMigrateCommand(deps *DbCommandDeps) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending database migrations.

Each migration runs in its own transaction. If one fails it is rolled back
and no further migrations are attempted.`,
		Example: `  minutesctl db migrate
  minutesctl db migrate --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbMigrate(cmd.Context(), deps, outWriter(cmd, deps.Out), dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be applied without executing")
	return cmd
}

func newDbStatusCommand(deps *DbCommandDeps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show database migration status",
		Long: `Show the current state of database migrations.

Displays three categories of migrations:
  - Applied: migrations that have been applied and are still compiled in
  - Pending: migrations that have not been applied yet
  - Drift: migrations that were applied but are no longer compiled in`,
		Example: `  minutesctl db status
  minutesctl db status --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := ParseOutputFormat(output)
			if err != nil {
				return err
			}
			return runDbStatus(cmd.Context(), deps, outWriter(cmd, deps.Out), format)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func runDbMigrate(ctx context.Context, deps *DbCommandDeps, w io.Writer, dryRun bool) error {
	pool, err := deps.ConnectToDB(ctx)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	status, err := db.GetMigrationStatus(ctx, pool, deps.Migrations)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}
	if len(status.Pending) == 0 {
		fmt.Fprintln(w, "No pending migrations.")
		return nil
	}

	fmt.Fprintf(w, "Pending migrations (%d):\n", len(status.Pending))
	for _, m := range status.Pending {
		fmt.Fprintf(w, "  %s\n", m.Name)
	}
	if dryRun {
		fmt.Fprintln(w, "\nDry run mode: no migrations applied.")
		return nil
	}

	result, err := db.RunMigrations(ctx, pool, deps.Migrations)
	if err != nil {
		if result != nil && len(result.Applied) > 0 {
			fmt.Fprintln(w, "\nApplied before failure:")
			for _, v := range result.Applied {
				fmt.Fprintf(w, "  \033[32m✓\033[0m %s\n", v)
			}
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Fprintf(w, "\n\033[32mApplied %d migration(s):\033[0m\n", len(result.Applied))
	for _, v := range result.Applied {
		fmt.Fprintf(w, "  \033[32m✓\033[0m %s\n", v)
	}
	return nil
}

func runDbStatus(ctx context.Context, deps *DbCommandDeps, w io.Writer, format OutputFormat) error {
	pool, err := deps.ConnectToDB(ctx)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	status, err := db.GetMigrationStatus(ctx, pool, deps.Migrations)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}
	if format == OutputFormatText {
		return writeMigrationStatusText(w, status)
	}
	return WriteOutput(w, format, status)
}

func writeMigrationStatusText(w io.Writer, status *db.MigrationStatus) error {
	section := func(title string, entries []db.MigrationStatusEntry) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(w, "%s (%d):\n", title, len(entries))
		for _, m := range entries {
			appliedAt := "-"
			if m.AppliedAt != nil {
				appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "  %-26s %-33s %s\n", truncate(m.Version, 26), truncate(m.Name, 33), appliedAt)
		}
		fmt.Fprintln(w)
	}
	section("\033[32mApplied Migrations\033[0m", status.Applied)
	section("\033[33mPending Migrations\033[0m", status.Pending)
	section("\033[31mDrift - applied but not compiled in\033[0m", status.Drift)

	if len(status.Applied) == 0 && len(status.Pending) == 0 && len(status.Drift) == 0 {
		fmt.Fprintln(w, "No migrations found.")
		return nil
	}
	fmt.Fprintf(w, "Summary: %d applied, %d pending", len(status.Applied), len(status.Pending))
	if len(status.Drift) > 0 {
		fmt.Fprintf(w, ", %d drift", len(status.Drift))
	}
	fmt.Fprintln(w)
	return nil
}
