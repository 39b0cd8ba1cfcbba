// Package tracing starts OpenTelemetry spans around job dispatch, job
// execution, engine claims and rate limiter calls.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nimburion/jobqueue/pkg/jobs"

// Operation names a traced step of a job's life.
type Operation string

const (
	// OperationDispatch is a job being written to a queue.
	OperationDispatch Operation = "dispatch"
	// OperationProcess is a worker running a claimed job.
	OperationProcess Operation = "process"
	// OperationClaim is an engine reserving the next due job.
	OperationClaim Operation = "claim"
	// OperationThrottle is a rate limiter attempt.
	OperationThrottle Operation = "throttle"
)

// Attribute keys set on job spans.
const (
	AttrBackend     = attribute.Key("jobs.backend")
	AttrQueue       = attribute.Key("jobs.queue")
	AttrHandler     = attribute.Key("jobs.handler")
	AttrJobID       = attribute.Key("jobs.id")
	AttrAttempts    = attribute.Key("jobs.attempts")
	AttrPayloadSize = attribute.Key("jobs.payload_size")
	AttrTable       = attribute.Key("jobs.table")
	AttrLimiterKey  = attribute.Key("jobs.limiter_key")
)

// Option adds attributes to a span started with Start.
type Option func(*spanConfig)

type spanConfig struct {
	attrs  []attribute.KeyValue
	target string
}

func (c *spanConfig) add(kv attribute.KeyValue) { c.attrs = append(c.attrs, kv) }

// WithBackend records the engine or limiter backend name.
func WithBackend(name string) Option {
	return func(c *spanConfig) {
		if name != "" {
			c.add(AttrBackend.String(name))
		}
	}
}

// WithQueue records the queue and uses it in the span name.
func WithQueue(queue string) Option {
	return func(c *spanConfig) {
		if queue != "" {
			c.add(AttrQueue.String(queue))
			c.target = queue
		}
	}
}

// WithHandler records the registered job name.
func WithHandler(name string) Option {
	return func(c *spanConfig) { c.add(AttrHandler.String(name)) }
}

// WithJobID records the engine assigned job id.
func WithJobID(id string) Option {
	return func(c *spanConfig) {
		if id != "" {
			c.add(AttrJobID.String(id))
		}
	}
}

// WithAttempts records the attempt counter of the claimed record.
func WithAttempts(n int) Option {
	return func(c *spanConfig) { c.add(AttrAttempts.Int(n)) }
}

// WithPayloadSize records the encoded payload length in bytes.
func WithPayloadSize(n int) Option {
	return func(c *spanConfig) { c.add(AttrPayloadSize.Int(n)) }
}

// WithTable records the jobs table and uses it in the span name.
func WithTable(table string) Option {
	return func(c *spanConfig) {
		if table != "" {
			c.add(AttrTable.String(table))
			c.target = table
		}
	}
}

// WithLimiterKey records the rate limiter key.
func WithLimiterKey(key string) Option {
	return func(c *spanConfig) {
		if key != "" {
			c.add(AttrLimiterKey.String(key))
		}
	}
}

func spanKind(op Operation) trace.SpanKind {
	switch op {
	case OperationDispatch:
		return trace.SpanKindProducer
	case OperationProcess:
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindClient
	}
}

// Start opens a span named "jobs <operation> [queue|table]" on the global
// tracer provider.
func Start(ctx context.Context, op Operation, opts ...Option) (context.Context, trace.Span) {
	cfg := spanConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	name := "jobs " + string(op)
	if cfg.target != "" {
		name += " " + cfg.target
	}
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(spanKind(op)),
		trace.WithAttributes(cfg.attrs...),
	)
}

// RecordError marks span as failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span as completed.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Finish records err, or success when err is nil, and ends span.
func Finish(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}
