package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/jobqueue/pkg/config"
	"github.com/nimburion/jobqueue/pkg/health"
	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/metrics"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
	"github.com/nimburion/jobqueue/pkg/server"
	"github.com/nimburion/jobqueue/pkg/version"
)

const (
	defaultHealthTimeout   = 5 * time.Second
	tracerShutdownTimeout  = 5 * time.Second
	defaultFailedListLimit = 50
)

// runtime opens the backends a command needs from the loaded configuration.
type runtime struct {
	opts       ServiceCommandOptions
	loadConfig func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error)
}

// backends is an opened engine and limiter pair.
type backends struct {
	engine  jobs.Engine
	limiter Limiter
	log     logger.Logger
}

func (b *backends) Close() {
	if b.limiter != nil {
		if err := b.limiter.Close(); err != nil {
			b.log.Warn("failed to close rate limiter", "error", err)
		}
	}
	if b.engine != nil {
		if err := b.engine.Close(); err != nil {
			b.log.Warn("failed to close jobs engine", "error", err)
		}
	}
}

func (rt *runtime) openBackends(ctx context.Context, cfg *config.Config, log logger.Logger, withLimiter bool) (*backends, error) {
	engine, err := rt.opts.EngineFactory(ctx, cfg.Jobs, rt.opts.Registry, log)
	if err != nil {
		return nil, fmt.Errorf("open jobs engine: %w", err)
	}
	b := &backends{engine: engine, log: log}
	if !withLimiter {
		return b, nil
	}
	limiter, err := rt.opts.LimiterFactory(cfg.Jobs.RateLimiter, cfg.Jobs.Redis, log)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open rate limiter: %w", err)
	}
	b.limiter = limiter
	return b, nil
}

func (b *backends) healthRegistry(timeout time.Duration) *health.Registry {
	registry := health.NewRegistry()
	registry.MustRegister(jobs.NewEngineHealthChecker("", b.engine, timeout))
	if b.limiter != nil {
		registry.MustRegister(health.NewAdapterChecker("jobs-rate-limiter", b.limiter, timeout).WithDegradedAfter(timeout / 2))
	}
	return registry
}

func (rt *runtime) workerCommand() *cobra.Command {
	var (
		once        bool
		maxAttempts int
		retryAfter  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued jobs until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rt.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer CloseLogger(log)

			if cmd.Flags().Changed("max-attempts") {
				cfg.Jobs.Retry.MaxAttempts = maxAttempts
			}
			if cmd.Flags().Changed("retry-after") {
				cfg.Jobs.Retry.RetryAfter = retryAfter
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return rt.runWorker(ctx, cfg, log, once)
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	cmd.Flags().StringSlice("queue", nil, "queues to consume in priority order (repeatable)")
	cmd.Flags().Duration("sleep", jobs.DefaultWorkerSleep, "pause after a pass that found no jobs")
	cmd.Flags().Duration("cooldown", 0, "stop after running this long (0 runs until stopped)")
	cmd.Flags().BoolVar(&once, "once", false, "process the jobs that are due and exit")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", jobs.DefaultWorkerMaxAttempts, "attempts before a job is marked failed")
	cmd.Flags().DurationVar(&retryAfter, "retry-after", jobs.DefaultWorkerRetryAfter, "delay before a failed attempt is retried")
	return cmd
}

func (rt *runtime) runWorker(ctx context.Context, cfg *config.Config, log logger.Logger, once bool) error {
	info := version.Current(cfg.Service.Name)

	shutdownTracing, err := startTracing(ctx, cfg, info)
	if err != nil {
		return err
	}
	defer shutdownTracing(log)

	b, err := rt.openBackends(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer b.Close()

	worker, err := jobs.NewWorker(b.engine, rt.opts.Registry, b.limiter, jobs.WorkerConfig{
		Queues:      resolveWorkerQueues(cfg.Jobs.Queues, cfg.Jobs.DefaultQueue),
		Sleep:       cfg.Jobs.Worker.Sleep,
		Cooldown:    cfg.Jobs.Worker.Cooldown,
		MaxAttempts: cfg.Jobs.Retry.MaxAttempts,
		RetryAfter:  cfg.Jobs.Retry.RetryAfter,
	}, log)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	if once {
		processed, err := worker.RunOnce(ctx)
		log.Info("jobs worker pass finished", "processed", processed)
		return err
	}

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	served := rt.serveManagement(serveCtx, cfg, log, b, info)
	defer func() {
		cancelServe()
		<-served
	}()

	return worker.Run(ctx)
}

// serveManagement starts /health, /ready and /metrics when a metrics address
// is configured. The returned channel closes once the server has stopped.
func (rt *runtime) serveManagement(ctx context.Context, cfg *config.Config, log logger.Logger, b *backends, info version.Info) <-chan struct{} {
	done := make(chan struct{})
	address := strings.TrimSpace(cfg.Observability.MetricsAddress)
	if address == "" {
		close(done)
		return done
	}

	collectors := append(jobs.Collectors(), metrics.NewBuildInfoCollector(info))
	mgmt := server.NewManagementServer(
		server.Config{Address: address, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second},
		log,
		b.healthRegistry(defaultHealthTimeout),
		metrics.NewRegistry(collectors...),
		info,
	)
	go func() {
		defer close(done)
		if err := mgmt.Start(ctx); err != nil {
			log.Error("management server stopped", "error", err)
		}
	}()
	return done
}

func startTracing(ctx context.Context, cfg *config.Config, info version.Info) (func(logger.Logger), error) {
	noop := func(logger.Logger) {}
	if !cfg.Observability.TracingEnabled {
		return noop, nil
	}
	serviceName := cfg.Observability.ServiceName
	if serviceName == "" {
		serviceName = cfg.Service.Name
	}
	provider, err := tracing.NewProvider(ctx, tracing.ProviderConfig{
		ServiceName:    serviceName,
		ServiceVersion: info.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Insecure:       cfg.Observability.TracingInsecure,
	})
	if err != nil {
		return noop, fmt.Errorf("create tracer provider: %w", err)
	}
	return func(log logger.Logger) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to flush traces", "error", err)
		}
	}, nil
}

func (rt *runtime) dispatchCommand() *cobra.Command {
	var (
		queue string
		delay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dispatch <job> [payload-json]",
		Short: "Queue a registered job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := rt.opts.Registry.Resolve(args[0])
			if err != nil {
				return err
			}
			payload := json.RawMessage("{}")
			if len(args) > 1 {
				payload = json.RawMessage(args[1])
			}

			cfg, log, err := rt.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer CloseLogger(log)

			b, err := rt.openBackends(cmd.Context(), cfg, log, false)
			if err != nil {
				return err
			}
			defer b.Close()

			dispatcher, err := jobs.NewDispatcher(b.engine, jobs.DispatcherConfig{DefaultQueue: cfg.Jobs.DefaultQueue}, log)
			if err != nil {
				return err
			}
			var options []jobs.DispatchOption
			if queue != "" {
				options = append(options, jobs.OnQueue(queue))
			}
			if cmd.Flags().Changed("delay") {
				options = append(options, jobs.WithDelay(delay))
			}
			if err := dispatcher.Dispatch(cmd.Context(), job, payload, options...); err != nil {
				return fmt.Errorf("dispatch %s: %w", job.Name(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dispatched %s\n", job.Name())
			return nil
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	cmd.Flags().StringVar(&queue, "on-queue", "", "queue override")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes due")
	return cmd
}

func (rt *runtime) failedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and recover failed jobs",
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})

	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, store jobs.FailedJobStore, log logger.Logger) error) error {
		cfg, log, err := rt.loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		defer CloseLogger(log)
		b, err := rt.openBackends(cmd.Context(), cfg, log, false)
		if err != nil {
			return err
		}
		defer b.Close()
		store, ok := jobs.AsFailedJobStore(b.engine)
		if !ok {
			return fmt.Errorf("%w: backend %q does not keep failed jobs", jobs.ErrUnsupported, b.engine.Name())
		}
		return fn(cmd.Context(), store, log)
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List failed jobs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store jobs.FailedJobStore, _ logger.Logger) error {
				records, err := store.ListFailed(ctx, limit)
				if err != nil {
					return err
				}
				return writeFailedTable(cmd.OutOrStdout(), records)
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", defaultFailedListLimit, "maximum number of jobs to list")

	retryCmd := &cobra.Command{
		Use:   "retry <id>...",
		Short: "Queue failed jobs again with a fresh attempt count",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store jobs.FailedJobStore, log logger.Logger) error {
				return eachID(args, func(id string) error {
					if err := store.RetryFailed(ctx, id); err != nil {
						return err
					}
					log.Info("failed job queued for retry", "job_id", id)
					return nil
				})
			})
		},
	}

	forgetCmd := &cobra.Command{
		Use:   "forget <id>...",
		Short: "Delete failed jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store jobs.FailedJobStore, log logger.Logger) error {
				return eachID(args, func(id string) error {
					if err := store.ForgetFailed(ctx, id); err != nil {
						return err
					}
					log.Info("failed job deleted", "job_id", id)
					return nil
				})
			})
		},
	}

	cmd.AddCommand(listCmd, retryCmd, forgetCmd)
	return cmd
}

func eachID(ids []string, fn func(id string) error) error {
	var errs []error
	for _, id := range ids {
		if err := fn(id); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func writeFailedTable(out io.Writer, records []*jobs.Record) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHANDLER\tQUEUE\tATTEMPTS\tFAILED AT\tEXCEPTION")
	for _, rec := range records {
		failedAt := "-"
		if rec.FailedAt != nil {
			failedAt = rec.FailedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", rec.ID, rec.Handler, rec.Queue, rec.Attempts, failedAt, firstLine(rec.Exception))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxLen = 120
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}

func (rt *runtime) healthcheckCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the jobs engine and rate limiter store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rt.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer CloseLogger(log)

			b, err := rt.openBackends(cmd.Context(), cfg, log, true)
			if err != nil {
				return err
			}
			defer b.Close()

			result := b.healthRegistry(timeout).Check(cmd.Context())
			out := cmd.OutOrStdout()
			for _, check := range result.Checks {
				line := fmt.Sprintf("%-20s %-10s %s", check.Name, check.Status, check.Duration.Round(time.Millisecond))
				if check.Error != "" {
					line += "  " + check.Error
				}
				fmt.Fprintln(out, strings.TrimRight(line, " "))
			}
			if !result.IsHealthy() {
				return errUnhealthy
			}
			return nil
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	cmd.Flags().DurationVar(&timeout, "timeout", defaultHealthTimeout, "per-check timeout")
	return cmd
}

func resolveWorkerQueues(configured []string, defaultQueue string) []string {
	queues := make([]string, 0, len(configured)+1)
	for _, queue := range configured {
		if trimmed := strings.TrimSpace(queue); trimmed != "" {
			queues = append(queues, trimmed)
		}
	}
	if len(queues) > 0 {
		return queues
	}
	if trimmed := strings.TrimSpace(defaultQueue); trimmed != "" {
		return []string{trimmed}
	}
	return []string{jobs.DefaultQueue}
}
