// Package cli builds the command line of a job queue process: the worker,
// failed job maintenance, schema migrations, health checks and config
// inspection.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	climigrate "github.com/nimburion/jobqueue/pkg/cli/migrate"
	"github.com/nimburion/jobqueue/pkg/config"
	"github.com/nimburion/jobqueue/pkg/jobs"
	jobsfactory "github.com/nimburion/jobqueue/pkg/jobs/factory"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/version"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
)

// CommandPolicy tells deployment tooling how a command is meant to run.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyOnce      CommandPolicy = "once"
	PolicyMigration CommandPolicy = "migration"
	PolicyRun       CommandPolicy = "run"
	PolicyOnDemand  CommandPolicy = "on_demand"
	PolicyScheduled CommandPolicy = "scheduled"
)

// Limiter is a rate limiter that owns a connection.
type Limiter interface {
	jobs.Limiter
	HealthCheck(ctx context.Context) error
	Close() error
}

// EngineFactory opens the configured jobs engine.
type EngineFactory func(ctx context.Context, cfg config.JobsConfig, resolver jobs.Resolver, log logger.Logger) (jobs.Engine, error)

// LimiterFactory opens the configured rate limiter store.
type LimiterFactory func(cfg config.JobsRateLimiterConfig, jobsRedis config.JobsRedisConfig, log logger.Logger) (Limiter, error)

// ServiceCommandOptions configures the process command line.
type ServiceCommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Required: the jobs this process can dispatch and run.
	Registry *jobs.Registry

	// Optional: custom config validation, run after the built-in validation.
	ValidateConfig func(cfg *config.Config) error

	// Optional: additional custom commands.
	CustomCommands []*cobra.Command

	// Optional: override how engines and limiters are opened (tests, custom
	// backends).
	EngineFactory  EngineFactory
	LimiterFactory LimiterFactory
}

// NewServiceCommand creates the root command with jobs, healthcheck, config
// and version subcommands.
func NewServiceCommand(opts ServiceCommandOptions) *cobra.Command {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "APP"
	}
	if opts.Registry == nil {
		opts.Registry = jobs.NewRegistry()
	}
	if opts.EngineFactory == nil {
		opts.EngineFactory = jobsfactory.NewEngine
	}
	if opts.LimiterFactory == nil {
		opts.LimiterFactory = defaultLimiterFactory
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	var (
		cfgPath             string
		secretFilePath      string
		serviceNameOverride string
	)
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets <PREFIX>_SECRETS_FILE)")
	rootCmd.PersistentFlags().StringVar(&serviceNameOverride, "service-name", "", "service name override")
	rootCmd.PersistentFlags().String("backend", "", "jobs backend override (sync, null, memory, database, redis, mongodb, sqs, rabbitmq)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")

	loadConfig := func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(
			cfgPath,
			opts.EnvPrefix,
			secretFilePath,
			opts.ValidateConfig,
			flags,
			opts.Name,
			serviceNameOverride,
		)
	}
	rt := &runtime{opts: opts, loadConfig: loadConfig}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	}
	SetCommandPolicies(versionCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(rt.healthcheckCommand())

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Job queue commands",
	}
	SetCommandPolicies(jobsCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	jobsCmd.AddCommand(rt.workerCommand(), rt.dispatchCommand(), rt.failedCommand())
	if migrateCmd := climigrate.NewCommand(climigrate.CommandOptions{
		ServiceName: opts.Name,
		LoadConfig:  loadConfig,
	}); migrateCmd != nil {
		SetCommandPolicies(migrateCmd, map[string]CommandPolicy{"migration": PolicyMigration})
		for _, subcommand := range migrateCmd.Commands() {
			policy := PolicyRun
			if subcommand.Name() == "down" {
				policy = PolicyOnce
			}
			SetCommandPolicies(subcommand, map[string]CommandPolicy{"migration": policy})
		}
		jobsCmd.AddCommand(migrateCmd)
	}
	rootCmd.AddCommand(jobsCmd)

	rootCmd.AddCommand(configCommand(opts, &cfgPath, &secretFilePath, &serviceNameOverride))

	for _, customCmd := range opts.CustomCommands {
		ensureDefaultPolicy(customCmd)
		rootCmd.AddCommand(customCmd)
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	for _, subCmd := range rootCmd.Commands() {
		if subCmd != nil && subCmd.Name() == "completion" {
			SetCommandPolicies(subCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
			break
		}
	}

	return rootCmd
}

func configCommand(opts ServiceCommandOptions, cfgPath, secretFilePath, serviceNameOverride *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	SetCommandPolicies(configCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	load := func(flags *pflag.FlagSet) (*config.Config, *config.Config, error) {
		if err := applySecretFileFlag(opts.EnvPrefix, *secretFilePath); err != nil {
			return nil, nil, err
		}
		cfg, secrets, err := config.NewViperLoader(*cfgPath, opts.EnvPrefix).
			WithServiceNameDefault(opts.Name).
			WithFlags(flags).
			LoadWithSecrets()
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		applyResolvedServiceName(cfg, opts.Name, *serviceNameOverride)
		return cfg, secrets, nil
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			if opts.ValidateConfig != nil {
				if err := opts.ValidateConfig(cfg); err != nil {
					return fmt.Errorf("custom validation failed: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
	SetCommandPolicies(validateCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(validateCmd)

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secrets, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			if !showSecrets {
				cfg = cfg.Redacted(secrets)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	SetCommandPolicies(showCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	configCmd.AddCommand(showCmd)

	return configCmd
}

// SetCommandPolicies stores policies as command annotations using the
// "policies." prefix.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		delete(cmd.Annotations, key)
	}
	for context, policy := range policies {
		trimmedContext := strings.TrimSpace(context)
		if trimmedContext == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+trimmedContext] = string(policy)
	}
}

// GetCommandPolicies returns command policies from annotations.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		if !strings.HasPrefix(key, policiesAnnotationPrefix) {
			continue
		}
		context := strings.TrimPrefix(key, policiesAnnotationPrefix)
		if strings.TrimSpace(context) == "" {
			continue
		}
		out[context] = value
	}
	return out
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd == nil {
		return
	}
	if len(GetCommandPolicies(cmd)) == 0 {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	}
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// LoadConfigAndLogger loads, validates and logs the effective configuration,
// then builds the process logger. Close the logger with CloseLogger.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix,
	secretFilePath string,
	customValidator func(*config.Config) error,
	flags *pflag.FlagSet,
	defaultServiceName string,
	serviceNameOverride string,
) (*config.Config, logger.Logger, error) {
	if envPrefix == "" {
		envPrefix = "APP"
	}
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg, secrets, err := config.NewViperLoader(cfgPath, envPrefix).
		WithServiceNameDefault(defaultServiceName).
		WithFlags(flags).
		LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	applyResolvedServiceName(cfg, defaultServiceName, serviceNameOverride)

	if customValidator != nil {
		if err := customValidator(cfg); err != nil {
			return nil, nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}

	base, err := logger.NewZapLogger(logger.Config{
		Level:   logger.LogLevel(cfg.Observability.LogLevel),
		Format:  logger.LogFormat(cfg.Observability.LogFormat),
		Service: cfg.Service.Name,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	var log logger.Logger = base
	if async := cfg.Observability.AsyncLogging; async.Enabled {
		log = logger.WrapAsync(base, logger.AsyncConfig{
			Enabled:      true,
			QueueSize:    async.QueueSize,
			WorkerCount:  async.WorkerCount,
			DropWhenFull: async.DropWhenFull,
		})
	}

	logConfigIfDebug(log, cfg.Redacted(secrets))
	return cfg, log, nil
}

// CloseLogger drains an async logger and flushes the underlying sink.
func CloseLogger(log logger.Logger) {
	if closer, ok := log.(interface{ Close() }); ok {
		closer.Close()
	}
	if counter, ok := log.(interface{ Dropped() uint64 }); ok && counter.Dropped() > 0 {
		log.Warn("async logger dropped entries", "dropped", counter.Dropped())
	}
	if syncer, ok := log.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

// Execute runs the command and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if code := Run(cmd); code != 0 {
		os.Exit(code)
	}
}

// Run executes the command and returns the process exit code, leaving the
// exit to the caller so deferred cleanup can run first.
func Run(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return 1
	}
	return 0
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", fmt.Sprintf("%+v", *cfg))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return "APP"
	}
	return strings.ToUpper(trimmed)
}

func applyResolvedServiceName(cfg *config.Config, defaultServiceName, serviceNameOverride string) {
	if cfg == nil {
		return
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "jobqueue"
}

func defaultLimiterFactory(cfg config.JobsRateLimiterConfig, jobsRedis config.JobsRedisConfig, log logger.Logger) (Limiter, error) {
	limiter, err := jobsfactory.NewLimiter(cfg, jobsRedis, log)
	if err != nil {
		return nil, err
	}
	return limiter, nil
}

var errUnhealthy = errors.New("one or more checks are unhealthy")
