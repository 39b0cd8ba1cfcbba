// Package migrate builds the "jobs migrate" command for the database backend.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/jobqueue/pkg/config"
	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/migrate"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/store"
)

// ConfigLoader loads configuration and a logger from the parsed flags.
type ConfigLoader func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error)

// SQLOpener opens the jobs database. Tests replace it with sqlmock.
type SQLOpener func(cfg config.JobsDatabaseConfig, log logger.Logger) (store.SQLAdapter, error)

// CommandOptions configures the migrate command.
type CommandOptions struct {
	ServiceName string
	LoadConfig  ConfigLoader
	Open        SQLOpener
}

// NewCommand returns "migrate" with up, down and status subcommands. It
// returns nil when no config loader is provided.
func NewCommand(opts CommandOptions) *cobra.Command {
	if opts.LoadConfig == nil {
		return nil
	}
	if opts.Open == nil {
		opts.Open = store.NewSQLAdapter
	}

	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the jobs table schema (database backend)",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", migrate.DefaultTimeout, "migration timeout")

	run := func(direction migrate.Direction) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			steps := 1
			if direction == migrate.DirectionDown && len(args) > 0 {
				parsed, err := strconv.Atoi(args[0])
				if err != nil || parsed <= 0 {
					return fmt.Errorf("invalid down steps %q", args[0])
				}
				steps = parsed
			}
			cfg, log, err := opts.LoadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			result, err := Run(cmd.Context(), cfg, log, opts, direction, steps, timeout)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply pending migrations", Args: cobra.NoArgs, RunE: run(migrate.DirectionUp)},
		&cobra.Command{Use: "down [steps]", Short: "Revert applied migrations", Args: cobra.MaximumNArgs(1), RunE: run(migrate.DirectionDown)},
		&cobra.Command{Use: "status", Short: "Show applied and pending migrations", Args: cobra.NoArgs, RunE: run(migrate.DirectionStatus)},
	)
	return cmd
}

// Run opens the jobs database and executes one migration direction against
// the configured jobs table.
func Run(ctx context.Context, cfg *config.Config, log logger.Logger, opts CommandOptions, direction migrate.Direction, steps int, timeout time.Duration) (migrate.Result, error) {
	if cfg == nil {
		return migrate.Result{}, errors.New("config is required")
	}
	if cfg.Jobs.Backend != config.JobsBackendDatabase {
		return migrate.Result{}, fmt.Errorf("migrate requires jobs.backend=%s, got %q", config.JobsBackendDatabase, cfg.Jobs.Backend)
	}
	if opts.Open == nil {
		opts.Open = store.NewSQLAdapter
	}
	adapter, err := opts.Open(cfg.Jobs.Database, log)
	if err != nil {
		return migrate.Result{}, fmt.Errorf("open jobs database: %w", err)
	}
	defer func() {
		if closeErr := adapter.Close(); closeErr != nil {
			log.Warn("failed to close jobs database", "error", closeErr)
		}
	}()

	table := cfg.Jobs.Database.Table
	if table == "" {
		table = jobs.DefaultDatabaseTable
	}
	migrator, err := jobs.NewMigrator(adapter.DB(), adapter.Dialect(), table)
	if err != nil {
		return migrate.Result{}, err
	}

	log = log.With("table", table, "dialect", adapter.Dialect(), "direction", string(direction))
	result, err := migrate.Execute(ctx, migrator.Operations(), direction, steps, timeout)
	if err != nil {
		log.Error("migration failed", "error", err, "completed", result.Count)
		return result, err
	}
	if direction != migrate.DirectionStatus {
		log.Info("migration finished", "count", result.Count)
	}
	return result, nil
}

func printResult(out io.Writer, result migrate.Result) {
	switch result.Direction {
	case migrate.DirectionUp:
		fmt.Fprintf(out, "applied %d migration(s)\n", result.Count)
	case migrate.DirectionDown:
		fmt.Fprintf(out, "reverted %d migration(s)\n", result.Count)
	case migrate.DirectionStatus:
		if result.Status == nil {
			return
		}
		for _, v := range result.Status.AppliedVersions {
			fmt.Fprintf(out, "applied  %04d\n", v)
		}
		for _, p := range result.Status.Pending {
			fmt.Fprintf(out, "pending  %04d  %s\n", p.Version, p.Name)
		}
	}
}
