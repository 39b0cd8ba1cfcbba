package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

const (
	defaultSQSOperationTimeout = 30 * time.Second
	defaultSQSVisibility       = 60 * time.Second

	sqsMaxDelay = 15 * time.Minute
)

var _ Engine = (*SQSEngine)(nil)

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSEngineConfig configures the SQS engine. Queue names map to SQS queue
// names; URLs are resolved once and cached.
type SQSEngineConfig struct {
	Region            string
	Endpoint          string
	AccessKeyID       string
	SecretAccessKey   string
	SessionToken      string
	QueuePrefix       string
	VisibilityTimeout time.Duration
	FailedQueue       string
	OperationTimeout  time.Duration
	Clock             Clock
}

func (c *SQSEngineConfig) normalize() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultSQSOperationTimeout
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultSQSVisibility
	}
	if strings.TrimSpace(c.FailedQueue) == "" {
		c.FailedQueue = DefaultFailedQueue
	}
}

// SQSEngine hands queueing to Amazon SQS. A claim is a receive with a
// visibility timeout; the receipt handle travels in Record.Reservation.
// Delays beyond the SQS maximum are honoured by republishing early
// deliveries with the remaining delay.
type SQSEngine struct {
	client sqsAPI
	log    logger.Logger
	config SQSEngineConfig

	mu        sync.RWMutex
	queueURLs map[string]string
}

// NewSQSEngine loads AWS configuration and builds an SQS client.
func NewSQSEngine(cfg SQSEngineConfig, log logger.Logger) (*SQSEngine, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("aws region is required")
	}
	cfg.normalize()

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return newSQSEngineWithClient(sqs.NewFromConfig(awsCfg, opts...), cfg, log)
}

func newSQSEngineWithClient(client sqsAPI, cfg SQSEngineConfig, log logger.Logger) (*SQSEngine, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &SQSEngine{client: client, log: log, config: cfg, queueURLs: map[string]string{}}, nil
}

func (e *SQSEngine) AddJob(ctx context.Context, handler string, payload []byte, delay time.Duration, queue string) error {
	if err := validateNewRecord(handler, payload); err != nil {
		return err
	}
	env := newBrokerEnvelope(strings.TrimSpace(handler), payload, queue, e.config.Clock.now(), delay)
	return e.publish(ctx, env.Queue, env, normalizeDelay(delay))
}

func (e *SQSEngine) FetchNextJob(ctx context.Context, queue string) (*Record, error) {
	queue = normalizeQueue(queue)
	queueURL, err := e.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	out, err := e.client.ReceiveMessage(opCtx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(queueURL),
		MaxNumberOfMessages:         1,
		VisibilityTimeout:           int32(e.config.VisibilityTimeout / time.Second),
		WaitTimeSeconds:             0,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("receive sqs message: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	msg := out.Messages[0]
	receipt := aws.ToString(msg.ReceiptHandle)

	env, err := decodeBrokerEnvelope([]byte(aws.ToString(msg.Body)))
	if err != nil {
		e.log.Error("jobs sqs dropping malformed message", "queue", queue, "message_id", aws.ToString(msg.MessageId), "error", err)
		return nil, e.deleteMessage(ctx, queueURL, receipt)
	}

	if wait := env.ScheduledAt.Sub(e.config.Clock.now()); wait > 0 {
		return nil, e.postpone(ctx, queueURL, receipt, env, wait)
	}

	deliveries, _ := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	rec := env.record(receipt, deliveries)
	rec.Queue = queue
	return rec, nil
}

func (e *SQSEngine) DeleteJob(ctx context.Context, rec *Record) error {
	queueURL, err := e.claimedQueueURL(ctx, rec)
	if err != nil {
		return err
	}
	return e.deleteMessage(ctx, queueURL, rec.Reservation)
}

// MarkFailedJob republishes the job to the failed queue and removes the
// original message.
func (e *SQSEngine) MarkFailedJob(ctx context.Context, rec *Record, cause error) error {
	queueURL, err := e.claimedQueueURL(ctx, rec)
	if err != nil {
		return err
	}
	failedAt := e.config.Clock.now()
	env := envelopeFromRecord(rec, rec.Attempts, rec.ScheduledAt)
	env.Exception = exceptionText(cause)
	env.FailedAt = &failedAt
	if err := e.publish(ctx, e.config.FailedQueue, env, 0); err != nil {
		return err
	}
	return e.deleteMessage(ctx, queueURL, rec.Reservation)
}

func (e *SQSEngine) Release(ctx context.Context, rec *Record, delay time.Duration) error {
	if rec == nil {
		return requireClaimed(rec)
	}
	return e.republish(ctx, rec, delay, rec.Attempts)
}

func (e *SQSEngine) ReleaseWithoutIncrement(ctx context.Context, rec *Record, delay time.Duration) error {
	if rec == nil {
		return requireClaimed(rec)
	}
	return e.republish(ctx, rec, delay, rec.Attempts-1)
}

// republish sends a fresh message carrying the attempt count, so receive
// counts of the old message do not leak into the next claim.
func (e *SQSEngine) republish(ctx context.Context, rec *Record, delay time.Duration, attempts int) error {
	queueURL, err := e.claimedQueueURL(ctx, rec)
	if err != nil {
		return err
	}
	delay = normalizeDelay(delay)
	env := envelopeFromRecord(rec, attempts, e.config.Clock.now().Add(delay))
	if err := e.publish(ctx, env.Queue, env, delay); err != nil {
		return err
	}
	return e.deleteMessage(ctx, queueURL, rec.Reservation)
}

func (e *SQSEngine) Name() string { return BackendSQS }

// HealthCheck resolves the default queue URL.
func (e *SQSEngine) HealthCheck(ctx context.Context) error {
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	_, err := e.client.GetQueueUrl(opCtx, &sqs.GetQueueUrlInput{QueueName: aws.String(e.sqsQueueName(DefaultQueue))})
	return err
}

func (e *SQSEngine) Close() error { return nil }

func (e *SQSEngine) publish(ctx context.Context, queue string, env brokerEnvelope, delay time.Duration) error {
	queueURL, err := e.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	body, err := env.encode()
	if err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	_, err = e.client.SendMessage(opCtx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(min(delay, sqsMaxDelay) / time.Second),
	})
	if err != nil {
		return fmt.Errorf("send sqs message: %w", err)
	}
	return nil
}

// postpone swaps an early delivery for a fresh message so the receive count
// of the next claim only reflects real executions.
func (e *SQSEngine) postpone(ctx context.Context, queueURL, receipt string, env brokerEnvelope, wait time.Duration) error {
	if err := e.publish(ctx, env.Queue, env, wait); err != nil {
		return err
	}
	return e.deleteMessage(ctx, queueURL, receipt)
}

func (e *SQSEngine) deleteMessage(ctx context.Context, queueURL, receipt string) error {
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	_, err := e.client.DeleteMessage(opCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("delete sqs message: %w", err)
	}
	return nil
}

func (e *SQSEngine) claimedQueueURL(ctx context.Context, rec *Record) (string, error) {
	if err := requireClaimed(rec); err != nil {
		return "", err
	}
	if strings.TrimSpace(rec.Reservation) == "" {
		return "", jobsError(ErrInvalidArgument, "sqs receipt handle is required")
	}
	return e.queueURL(ctx, normalizeQueue(rec.Queue))
}

func (e *SQSEngine) queueURL(ctx context.Context, queue string) (string, error) {
	e.mu.RLock()
	cached, ok := e.queueURLs[queue]
	e.mu.RUnlock()
	if ok {
		return cached, nil
	}

	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	out, err := e.client.GetQueueUrl(opCtx, &sqs.GetQueueUrlInput{QueueName: aws.String(e.sqsQueueName(queue))})
	if err != nil {
		return "", fmt.Errorf("resolve sqs queue %q: %w", queue, err)
	}
	resolved := aws.ToString(out.QueueUrl)

	e.mu.Lock()
	e.queueURLs[queue] = resolved
	e.mu.Unlock()
	return resolved, nil
}

func (e *SQSEngine) sqsQueueName(queue string) string {
	// SQS names allow alphanumerics, hyphens and underscores only.
	name := strings.NewReplacer(".", "-", ":", "-").Replace(strings.TrimSpace(e.config.QueuePrefix) + queue)
	return name
}
