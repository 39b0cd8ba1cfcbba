package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultMongoOperationTimeout = 5 * time.Second

var (
	_ Engine         = (*MongoEngine)(nil)
	_ FailedJobStore = (*MongoEngine)(nil)
)

// MongoEngineConfig configures the MongoDB engine.
type MongoEngineConfig struct {
	OperationTimeout time.Duration
	Clock            Clock
}

func (c *MongoEngineConfig) normalize() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultMongoOperationTimeout
	}
}

type mongoJobDocument struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Handler     string             `bson:"handler"`
	Payload     string             `bson:"payload"`
	Queue       string             `bson:"queue"`
	Status      string             `bson:"status"`
	Attempts    int                `bson:"attempts"`
	Exception   string             `bson:"exception,omitempty"`
	CreatedAt   time.Time          `bson:"created_at"`
	ScheduledAt time.Time          `bson:"scheduled_at"`
	FailedAt    *time.Time         `bson:"failed_at,omitempty"`
}

func (d mongoJobDocument) record() *Record {
	rec := &Record{
		ID:          d.ID.Hex(),
		Handler:     d.Handler,
		Payload:     []byte(d.Payload),
		Queue:       d.Queue,
		Status:      Status(d.Status),
		Attempts:    d.Attempts,
		Exception:   d.Exception,
		CreatedAt:   d.CreatedAt.UTC(),
		ScheduledAt: d.ScheduledAt.UTC(),
	}
	if d.FailedAt != nil {
		failedAt := d.FailedAt.UTC()
		rec.FailedAt = &failedAt
	}
	return rec
}

// MongoEngine stores one document per job and claims with FindOneAndUpdate,
// which MongoDB applies atomically per document.
type MongoEngine struct {
	collection *mongo.Collection
	log        logger.Logger
	config     MongoEngineConfig
}

// NewMongoEngine wraps a collection. Call EnsureIndexes once at deploy time.
func NewMongoEngine(collection *mongo.Collection, cfg MongoEngineConfig, log logger.Logger) (*MongoEngine, error) {
	if collection == nil {
		return nil, errors.New("mongodb collection is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &MongoEngine{collection: collection, log: log, config: cfg}, nil
}

// EnsureIndexes creates the claim and failed-listing indexes.
func (e *MongoEngine) EnsureIndexes(ctx context.Context) error {
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	_, err := e.collection.Indexes().CreateMany(opCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "queue", Value: 1}, {Key: "scheduled_at", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "failed_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create job indexes: %w", err)
	}
	return nil
}

func (e *MongoEngine) AddJob(ctx context.Context, handler string, payload []byte, delay time.Duration, queue string) error {
	if err := validateNewRecord(handler, payload); err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	now := e.config.Clock.now()
	_, err := e.collection.InsertOne(opCtx, mongoJobDocument{
		Handler:     strings.TrimSpace(handler),
		Payload:     string(payload),
		Queue:       normalizeQueue(queue),
		Status:      string(StatusNew),
		CreatedAt:   now,
		ScheduledAt: now.Add(normalizeDelay(delay)),
	})
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (e *MongoEngine) FetchNextJob(ctx context.Context, queue string) (*Record, error) {
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	filter := claimFilter(queue, e.config.Clock.now())
	update := bson.M{
		"$set": bson.M{"status": string(StatusQueued)},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "scheduled_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var doc mongoJobDocument
	err := e.collection.FindOneAndUpdate(opCtx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return doc.record(), nil
}

func claimFilter(queue string, now time.Time) bson.M {
	filter := bson.M{
		"status":       string(StatusNew),
		"scheduled_at": bson.M{"$lte": now},
	}
	if queue = strings.TrimSpace(queue); queue != "" {
		filter["queue"] = queue
	}
	return filter
}

func (e *MongoEngine) DeleteJob(ctx context.Context, rec *Record) error {
	id, err := mongoRecordID(rec)
	if err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	if _, err := e.collection.DeleteOne(opCtx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete job %s: %w", rec.ID, err)
	}
	return nil
}

func (e *MongoEngine) MarkFailedJob(ctx context.Context, rec *Record, cause error) error {
	id, err := mongoRecordID(rec)
	if err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	_, err = e.collection.UpdateOne(opCtx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":    string(StatusFailed),
		"exception": exceptionText(cause),
		"failed_at": e.config.Clock.now(),
	}})
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", rec.ID, err)
	}
	return nil
}

func (e *MongoEngine) Release(ctx context.Context, rec *Record, delay time.Duration) error {
	return e.release(ctx, rec, delay, 0)
}

func (e *MongoEngine) ReleaseWithoutIncrement(ctx context.Context, rec *Record, delay time.Duration) error {
	return e.release(ctx, rec, delay, -1)
}

func (e *MongoEngine) release(ctx context.Context, rec *Record, delay time.Duration, attemptsDelta int) error {
	id, err := mongoRecordID(rec)
	if err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"status":       string(StatusNew),
		"scheduled_at": e.config.Clock.now().Add(normalizeDelay(delay)),
	}}
	if attemptsDelta != 0 {
		update["$inc"] = bson.M{"attempts": attemptsDelta}
	}
	result, err := e.collection.UpdateOne(opCtx, bson.M{"_id": id, "status": string(StatusQueued)}, update)
	if err != nil {
		return fmt.Errorf("release job %s: %w", rec.ID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: job %s is not queued", ErrConflict, rec.ID)
	}
	return nil
}

func (e *MongoEngine) ListFailed(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	cursor, err := e.collection.Find(opCtx, bson.M{"status": string(StatusFailed)}, options.Find().
		SetSort(bson.D{{Key: "failed_at", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer cursor.Close(opCtx)

	var docs []mongoJobDocument
	if err := cursor.All(opCtx, &docs); err != nil {
		return nil, fmt.Errorf("decode failed jobs: %w", err)
	}
	records := make([]*Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, doc.record())
	}
	return records, nil
}

func (e *MongoEngine) RetryFailed(ctx context.Context, id string) error {
	objectID, err := primitive.ObjectIDFromHex(strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("%w: invalid job id %q", ErrInvalidArgument, id)
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	result, err := e.collection.UpdateOne(opCtx,
		bson.M{"_id": objectID, "status": string(StatusFailed)},
		bson.M{
			"$set":   bson.M{"status": string(StatusNew), "attempts": 0, "scheduled_at": e.config.Clock.now()},
			"$unset": bson.M{"exception": "", "failed_at": ""},
		})
	if err != nil {
		return fmt.Errorf("retry failed job %s: %w", id, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: failed job %s", ErrNotFound, id)
	}
	return nil
}

func (e *MongoEngine) ForgetFailed(ctx context.Context, id string) error {
	objectID, err := primitive.ObjectIDFromHex(strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("%w: invalid job id %q", ErrInvalidArgument, id)
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	result, err := e.collection.DeleteOne(opCtx, bson.M{"_id": objectID, "status": string(StatusFailed)})
	if err != nil {
		return fmt.Errorf("forget failed job %s: %w", id, err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: failed job %s", ErrNotFound, id)
	}
	return nil
}

func (e *MongoEngine) Name() string { return BackendMongoDB }

func (e *MongoEngine) HealthCheck(ctx context.Context) error {
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	return e.collection.Database().Client().Ping(opCtx, nil)
}

// Close is a no-op: the client belongs to the store adapter.
func (e *MongoEngine) Close() error { return nil }

func mongoRecordID(rec *Record) (primitive.ObjectID, error) {
	if err := requireClaimed(rec); err != nil {
		return primitive.NilObjectID, err
	}
	id, err := primitive.ObjectIDFromHex(strings.TrimSpace(rec.ID))
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: invalid job id %q", ErrInvalidArgument, rec.ID)
	}
	return id, nil
}
