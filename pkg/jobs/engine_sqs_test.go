package jobs

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsSent struct {
	url   string
	body  string
	delay int32
}

// fakeSQS keeps one pending message list per queue URL.
type fakeSQS struct {
	mu       sync.Mutex
	missing  map[string]bool
	lookups  int
	pending  map[string][]types.Message
	sent     []sqsSent
	deleted  []string
	receives map[string]int
	nextID   int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{
		missing:  map[string]bool{},
		pending:  map[string][]types.Message{},
		receives: map[string]int{},
	}
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	name := aws.ToString(in.QueueName)
	if f.missing[name] {
		return nil, &types.QueueDoesNotExist{Message: aws.String("no queue " + name)}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/" + name)}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	receipt := "receipt-" + strconv.Itoa(f.nextID)
	url := aws.ToString(in.QueueUrl)
	f.sent = append(f.sent, sqsSent{url: url, body: aws.ToString(in.MessageBody), delay: in.DelaySeconds})
	f.pending[url] = append(f.pending[url], types.Message{
		MessageId:     aws.String("msg-" + strconv.Itoa(f.nextID)),
		ReceiptHandle: aws.String(receipt),
		Body:          in.MessageBody,
	})
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-" + strconv.Itoa(f.nextID))}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := aws.ToString(in.QueueUrl)
	queue := f.pending[url]
	if len(queue) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	msg := queue[0]
	f.pending[url] = queue[1:]
	receipt := aws.ToString(msg.ReceiptHandle)
	f.receives[receipt]++
	msg.Attributes = map[string]string{
		string(types.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(f.receives[receipt]),
	}
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{msg}}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func newFakeSQSEngine(t *testing.T, client *fakeSQS, clock *fakeClock) *SQSEngine {
	t.Helper()
	engine, err := newSQSEngineWithClient(client, SQSEngineConfig{QueuePrefix: "app-", Clock: clock.Now}, &testLogger{})
	if err != nil {
		t.Fatalf("newSQSEngineWithClient() error = %v", err)
	}
	return engine
}

func TestNewSQSEngine_Validation(t *testing.T) {
	if _, err := NewSQSEngine(SQSEngineConfig{}, &testLogger{}); err == nil {
		t.Fatal("expected region error")
	}
	if _, err := NewSQSEngine(SQSEngineConfig{Region: "eu-west-1"}, nil); err == nil {
		t.Fatal("expected logger error")
	}
	if _, err := newSQSEngineWithClient(nil, SQSEngineConfig{}, &testLogger{}); err == nil {
		t.Fatal("expected client error")
	}
}

func TestSQSEngine_QueueNames(t *testing.T) {
	engine := newFakeSQSEngine(t, newFakeSQS(), newFakeClock())
	if got := engine.sqsQueueName("jobs.failed"); got != "app-jobs-failed" {
		t.Fatalf("unexpected sqs queue name %q", got)
	}
	if engine.config.FailedQueue != DefaultFailedQueue || engine.config.VisibilityTimeout != defaultSQSVisibility {
		t.Fatalf("unexpected defaults %+v", engine.config)
	}
}

func TestSQSEngine_AddFetchDelete(t *testing.T) {
	client := newFakeSQS()
	clock := newFakeClock()
	engine := newFakeSQSEngine(t, client, clock)
	ctx := context.Background()

	if err := engine.AddJob(ctx, "mail.send", []byte(`{"to":"ops@example.com"}`), 0, "emails"); err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}
	if len(client.sent) != 1 || client.sent[0].url != "https://sqs.local/app-emails" {
		t.Fatalf("unexpected sends %+v", client.sent)
	}

	rec := fetch(t, engine, "emails")
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.Handler != "mail.send" || rec.Attempts != 1 || rec.Status != StatusQueued || rec.Reservation != "receipt-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if string(rec.Payload) != `{"to":"ops@example.com"}` {
		t.Fatalf("unexpected payload %s", rec.Payload)
	}

	if err := engine.DeleteJob(ctx, rec); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "receipt-1" {
		t.Fatalf("unexpected deletes %v", client.deleted)
	}
	if client.lookups != 1 {
		t.Fatalf("expected queue url cached after the first lookup, got %d lookups", client.lookups)
	}
	if rec := fetch(t, engine, "emails"); rec != nil {
		t.Fatalf("expected empty queue, got %+v", rec)
	}
}

// redeliver puts a received but undeleted message back, as SQS does when its
// visibility timeout expires.
func (f *fakeSQS) redeliver(url string, msg types.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.Attributes = nil
	f.pending[url] = append(f.pending[url], msg)
}

func TestSQSEngine_LongDelayRepublishesEarlyDelivery(t *testing.T) {
	client := newFakeSQS()
	clock := newFakeClock()
	engine := newFakeSQSEngine(t, client, clock)

	if err := engine.AddJob(context.Background(), "digest.send", []byte(`{}`), time.Hour, ""); err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}
	if got := client.sent[0].delay; got != int32(sqsMaxDelay/time.Second) {
		t.Fatalf("expected delay capped at the sqs maximum, got %d", got)
	}

	clock.Advance(15 * time.Minute)
	if rec := fetch(t, engine, ""); rec != nil {
		t.Fatalf("expected early delivery postponed, got %+v", rec)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "receipt-1" {
		t.Fatalf("expected the early message deleted, got %v", client.deleted)
	}
	if len(client.sent) != 2 || client.sent[1].delay != int32(sqsMaxDelay/time.Second) {
		t.Fatalf("expected a capped republish for the remaining 45m, got %+v", client.sent)
	}

	clock.Advance(15 * time.Minute)
	if rec := fetch(t, engine, ""); rec != nil {
		t.Fatalf("expected second early delivery postponed, got %+v", rec)
	}
	env, err := decodeBrokerEnvelope([]byte(client.sent[2].body))
	if err != nil {
		t.Fatalf("decodeBrokerEnvelope() error = %v", err)
	}
	if env.Attempts != 0 || !env.ScheduledAt.Equal(newFakeClock().Now().Add(time.Hour)) {
		t.Fatalf("postponing must keep the envelope unchanged, got %+v", env)
	}

	clock.Advance(30 * time.Minute)
	rec := fetch(t, engine, "")
	if rec == nil || rec.Handler != "digest.send" || rec.Attempts != 1 {
		t.Fatalf("first real claim must count one attempt, got %+v", rec)
	}
}

func TestSQSEngine_RedeliveryCountsAsAttempt(t *testing.T) {
	client := newFakeSQS()
	engine := newFakeSQSEngine(t, client, newFakeClock())
	addJob(t, engine, "sync.crm", 0, "")

	url := "https://sqs.local/app-default"
	first := client.pending[url][0]
	if rec := fetch(t, engine, ""); rec == nil || rec.Attempts != 1 {
		t.Fatalf("expected first claim, got %+v", rec)
	}

	// the worker died before deleting or releasing the message
	client.redeliver(url, first)
	rec := fetch(t, engine, "")
	if rec == nil || rec.Attempts != 2 || rec.Reservation != "receipt-1" {
		t.Fatalf("expected redelivery counted as a second attempt, got %+v", rec)
	}
}

func TestSQSEngine_ReleaseRepublishesWithAttempts(t *testing.T) {
	client := newFakeSQS()
	clock := newFakeClock()
	engine := newFakeSQSEngine(t, client, clock)
	ctx := context.Background()
	addJob(t, engine, "sync.crm", 0, "")

	rec := fetch(t, engine, "")
	if err := engine.Release(ctx, rec, 30*time.Second); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if client.deleted[0] != "receipt-1" {
		t.Fatalf("expected the claimed message deleted, got %v", client.deleted)
	}
	if client.sent[1].delay != 30 {
		t.Fatalf("expected 30s delay, got %d", client.sent[1].delay)
	}

	clock.Advance(30 * time.Second)
	rec = fetch(t, engine, "")
	if rec == nil || rec.Attempts != 2 || rec.Reservation != "receipt-2" {
		t.Fatalf("expected second claim counting 2 attempts, got %+v", rec)
	}

	if err := engine.ReleaseWithoutIncrement(ctx, rec, 0); err != nil {
		t.Fatalf("ReleaseWithoutIncrement() error = %v", err)
	}
	rec = fetch(t, engine, "")
	if rec == nil || rec.Attempts != 2 {
		t.Fatalf("release without increment must not count the claim, got %+v", rec)
	}
}

func TestSQSEngine_MarkFailedMovesToFailedQueue(t *testing.T) {
	client := newFakeSQS()
	clock := newFakeClock()
	engine := newFakeSQSEngine(t, client, clock)
	addJob(t, engine, "invoice.charge", 0, "billing")

	rec := fetch(t, engine, "billing")
	if err := engine.MarkFailedJob(context.Background(), rec, errors.New("card declined")); err != nil {
		t.Fatalf("MarkFailedJob() error = %v", err)
	}
	failed := client.sent[len(client.sent)-1]
	if failed.url != "https://sqs.local/app-jobs-failed" {
		t.Fatalf("expected failed queue, got %s", failed.url)
	}
	env, err := decodeBrokerEnvelope([]byte(failed.body))
	if err != nil {
		t.Fatalf("decodeBrokerEnvelope() error = %v", err)
	}
	if env.Exception != "card declined" || env.FailedAt == nil || env.Attempts != 1 || env.Queue != "billing" {
		t.Fatalf("unexpected failed envelope %+v", env)
	}
}

func TestSQSEngine_MalformedMessageIsDropped(t *testing.T) {
	client := newFakeSQS()
	engine := newFakeSQSEngine(t, client, newFakeClock())
	client.pending["https://sqs.local/app-default"] = []types.Message{{
		MessageId:     aws.String("junk"),
		ReceiptHandle: aws.String("receipt-junk"),
		Body:          aws.String("not json"),
	}}

	if rec := fetch(t, engine, ""); rec != nil {
		t.Fatalf("expected malformed message skipped, got %+v", rec)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "receipt-junk" {
		t.Fatalf("expected malformed message deleted, got %v", client.deleted)
	}
}

func TestSQSEngine_Errors(t *testing.T) {
	client := newFakeSQS()
	client.missing["app-ghost"] = true
	engine := newFakeSQSEngine(t, client, newFakeClock())
	ctx := context.Background()

	if _, err := engine.FetchNextJob(ctx, "ghost"); err == nil || !strings.Contains(err.Error(), `resolve sqs queue "ghost"`) {
		t.Fatalf("expected resolve error, got %v", err)
	}
	if err := engine.DeleteJob(ctx, &Record{ID: "x"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected missing receipt error, got %v", err)
	}
	if err := engine.Release(ctx, nil, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
