// Command jobqueue runs the job queue worker with a small set of built-in
// jobs. Applications embed pkg/cli with their own registry instead.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/nimburion/jobqueue/pkg/cli"
	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

// echoJob logs its message. Useful to check a deployment end to end.
type echoJob struct {
	jobs.Base
	log logger.Logger
}

func (j *echoJob) Name() string { return "debug.echo" }

func (j *echoJob) Handle(ctx context.Context, payload jobs.Payload) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := payload.Decode(&body); err != nil {
		return jobs.FailPermanently(err.Error())
	}
	if strings.TrimSpace(body.Message) == "" {
		return jobs.FailPermanently("message is required")
	}
	j.log.WithContext(ctx).Info("echo", "message", body.Message, "attempt", j.Attempts())
	return nil
}

// RateLimit keeps a misbehaving producer from flooding the logs.
func (j *echoJob) RateLimit() *jobs.RateLimit {
	return &jobs.RateLimit{Limit: 100, Seconds: 1}
}

func newRegistry(log logger.Logger) *jobs.Registry {
	registry := jobs.NewRegistry()
	registry.MustRegister(func() jobs.Job { return &echoJob{log: log} })
	registry.MustRegister(func() jobs.Job {
		return jobs.NewJobFunc("debug.fail", func(context.Context, jobs.Payload) error {
			return fmt.Errorf("debug.fail always fails")
		})
	})
	return registry
}

func main() {
	log, err := logger.NewZapLogger(logger.DefaultConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	code := cli.Run(cli.NewServiceCommand(cli.ServiceCommandOptions{
		Name:        "jobqueue",
		Description: "Background job queue worker",
		EnvPrefix:   "JOBQUEUE",
		Registry:    newRegistry(log.With("component", "jobs")),
	}))
	_ = log.Sync()
	os.Exit(code)
}
