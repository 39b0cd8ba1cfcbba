package jobs

import (
	"context"
	"time"
)

// NullEngine discards every job. Useful to switch queueing off entirely.
type NullEngine struct{}

// NewNullEngine creates a NullEngine.
func NewNullEngine() *NullEngine { return &NullEngine{} }

func (NullEngine) AddJob(context.Context, string, []byte, time.Duration, string) error { return nil }

func (NullEngine) FetchNextJob(context.Context, string) (*Record, error) { return nil, nil }

func (NullEngine) DeleteJob(context.Context, *Record) error { return nil }

func (NullEngine) MarkFailedJob(context.Context, *Record, error) error { return nil }

func (NullEngine) Release(context.Context, *Record, time.Duration) error { return nil }

func (NullEngine) ReleaseWithoutIncrement(context.Context, *Record, time.Duration) error {
	return nil
}

func (NullEngine) Name() string { return BackendNull }

func (NullEngine) HealthCheck(context.Context) error { return nil }

func (NullEngine) Close() error { return nil }
