package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultRabbitMQOperationTimeout = 30 * time.Second

var _ Engine = (*RabbitMQEngine)(nil)

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// RabbitMQEngineConfig configures the RabbitMQ engine.
type RabbitMQEngineConfig struct {
	URL              string
	FailedQueue      string
	OperationTimeout time.Duration
	Clock            Clock
}

func (c *RabbitMQEngineConfig) normalize() {
	if strings.TrimSpace(c.FailedQueue) == "" {
		c.FailedQueue = DefaultFailedQueue
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRabbitMQOperationTimeout
	}
}

// RabbitMQEngine hands queueing to RabbitMQ. Jobs are published to a durable
// queue named after the job queue through the default exchange. A claim is a
// basic.get with manual acknowledgement; the delivery tag travels in
// Record.Reservation. Delays use per-delay holding queues whose expired
// messages dead-letter back into the target queue.
type RabbitMQEngine struct {
	conn    *amqp.Connection
	channel amqpChannel
	log     logger.Logger
	config  RabbitMQEngineConfig

	mu       sync.Mutex
	declared map[string]struct{}
	closed   bool
}

// NewRabbitMQEngine dials the broker and opens a dedicated channel.
func NewRabbitMQEngine(cfg RabbitMQEngineConfig, log logger.Logger) (*RabbitMQEngine, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq URL is required")
	}
	cfg.normalize()

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create rabbitmq channel: %w", err)
	}
	engine, err := newRabbitMQEngineWithChannel(ch, cfg, log)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	engine.conn = conn
	return engine, nil
}

func newRabbitMQEngineWithChannel(ch amqpChannel, cfg RabbitMQEngineConfig, log logger.Logger) (*RabbitMQEngine, error) {
	if ch == nil {
		return nil, errors.New("rabbitmq channel is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &RabbitMQEngine{channel: ch, log: log, config: cfg, declared: map[string]struct{}{}}, nil
}

func (e *RabbitMQEngine) AddJob(ctx context.Context, handler string, payload []byte, delay time.Duration, queue string) error {
	if err := validateNewRecord(handler, payload); err != nil {
		return err
	}
	env := newBrokerEnvelope(strings.TrimSpace(handler), payload, queue, e.config.Clock.now(), delay)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.publishLocked(ctx, env, normalizeDelay(delay))
}

func (e *RabbitMQEngine) FetchNextJob(_ context.Context, queue string) (*Record, error) {
	queue = normalizeQueue(queue)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, jobsError(ErrClosed, "rabbitmq engine is closed")
	}
	if err := e.declareLocked(queue, nil); err != nil {
		return nil, err
	}

	delivery, ok, err := e.channel.Get(queue, false)
	if err != nil {
		return nil, fmt.Errorf("get rabbitmq message: %w", err)
	}
	if !ok {
		return nil, nil
	}

	env, err := decodeBrokerEnvelope(delivery.Body)
	if err != nil {
		e.log.Error("jobs rabbitmq rejecting malformed message", "queue", queue, "message_id", delivery.MessageId, "error", err)
		if nackErr := e.channel.Nack(delivery.DeliveryTag, false, false); nackErr != nil {
			return nil, fmt.Errorf("reject rabbitmq message: %w", nackErr)
		}
		return nil, nil
	}
	rec := env.record(strconv.FormatUint(delivery.DeliveryTag, 10), 1)
	rec.Queue = queue
	return rec, nil
}

func (e *RabbitMQEngine) DeleteJob(_ context.Context, rec *Record) error {
	tag, err := deliveryTag(rec)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("ack rabbitmq message: %w", err)
	}
	return nil
}

func (e *RabbitMQEngine) MarkFailedJob(ctx context.Context, rec *Record, cause error) error {
	tag, err := deliveryTag(rec)
	if err != nil {
		return err
	}
	failedAt := e.config.Clock.now()
	env := envelopeFromRecord(rec, rec.Attempts, rec.ScheduledAt)
	env.Queue = e.config.FailedQueue
	env.Exception = exceptionText(cause)
	env.FailedAt = &failedAt

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.publishLocked(ctx, env, 0); err != nil {
		return err
	}
	if err := e.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("ack rabbitmq message: %w", err)
	}
	return nil
}

func (e *RabbitMQEngine) Release(ctx context.Context, rec *Record, delay time.Duration) error {
	if rec == nil {
		return requireClaimed(rec)
	}
	return e.republish(ctx, rec, delay, rec.Attempts)
}

func (e *RabbitMQEngine) ReleaseWithoutIncrement(ctx context.Context, rec *Record, delay time.Duration) error {
	if rec == nil {
		return requireClaimed(rec)
	}
	return e.republish(ctx, rec, delay, rec.Attempts-1)
}

func (e *RabbitMQEngine) republish(ctx context.Context, rec *Record, delay time.Duration, attempts int) error {
	tag, err := deliveryTag(rec)
	if err != nil {
		return err
	}
	delay = normalizeDelay(delay)
	env := envelopeFromRecord(rec, attempts, e.config.Clock.now().Add(delay))

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.publishLocked(ctx, env, delay); err != nil {
		return err
	}
	if err := e.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("ack rabbitmq message: %w", err)
	}
	return nil
}

func (e *RabbitMQEngine) Name() string { return BackendRabbitMQ }

func (e *RabbitMQEngine) HealthCheck(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return jobsError(ErrClosed, "rabbitmq engine is closed")
	}
	if e.conn != nil && e.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

func (e *RabbitMQEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.channel.Close()
	if e.conn != nil {
		err = errors.Join(err, e.conn.Close())
	}
	return err
}

func (e *RabbitMQEngine) publishLocked(ctx context.Context, env brokerEnvelope, delay time.Duration) error {
	if e.closed {
		return jobsError(ErrClosed, "rabbitmq engine is closed")
	}
	if err := e.declareLocked(env.Queue, nil); err != nil {
		return err
	}
	routingKey := env.Queue
	if delay > 0 {
		routingKey = delayQueueName(env.Queue, delay)
		ttl := delay.Milliseconds()
		if err := e.declareLocked(routingKey, amqp.Table{
			"x-message-ttl":             ttl,
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": env.Queue,
			"x-expires":                 ttl + time.Minute.Milliseconds(),
		}); err != nil {
			return err
		}
	}

	body, err := env.encode()
	if err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	err = e.channel.PublishWithContext(opCtx, "", routingKey, false, false, amqp.Publishing{
		MessageId:    env.ID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.config.Clock.now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish rabbitmq message: %w", err)
	}
	return nil
}

func (e *RabbitMQEngine) declareLocked(name string, args amqp.Table) error {
	if _, ok := e.declared[name]; ok {
		return nil
	}
	if _, err := e.channel.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare rabbitmq queue %q: %w", name, err)
	}
	e.declared[name] = struct{}{}
	return nil
}

func delayQueueName(queue string, delay time.Duration) string {
	return queue + ".delay." + strconv.FormatInt(delay.Milliseconds(), 10)
}

func deliveryTag(rec *Record) (uint64, error) {
	if err := requireClaimed(rec); err != nil {
		return 0, err
	}
	tag, err := strconv.ParseUint(strings.TrimSpace(rec.Reservation), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid delivery tag %q", ErrInvalidArgument, rec.Reservation)
	}
	return tag, nil
}
