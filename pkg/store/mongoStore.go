package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-fulfillment/pkg/apperrors"
	"github.com/zoff-tech/go-fulfillment/schema"
)

const (
	outboxCollection   = "outbox"
	ledgerCollection   = "request_ledger"
	entitiesCollection = "entities"
)

// EnsureIndexes creates the unique indexes the mongo backend relies on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	unique := options.Index().SetUnique(true)
	if _, err := db.Collection(outboxCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}, {Key: "id", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("creating outbox indexes: %w", err)
	}
	if _, err := db.Collection(ledgerCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("creating ledger indexes: %w", err)
	}
	return nil
}

// MongoTxManager runs fn in a session transaction; it needs a replica set.
type MongoTxManager struct {
	client *mongo.Client
}

func NewMongoTxManager(client *mongo.Client) *MongoTxManager {
	return &MongoTxManager{client: client}
}

func (m *MongoTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	ctx, span, started := startSpan(ctx, "mongodb", "WithTx")
	defer func() {
		addDBStatsToSpan(span, "transaction", 0, started)
		endSpan(span, err)
	}()

	session, err := m.client.StartSession()
	if err != nil {
		return transient(err, "start session")
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

type MongoRepository struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection(outboxCollection), now: func() time.Time { return time.Now().UTC() }}
}

func (r *MongoRepository) Append(ctx context.Context, events ...*schema.OutboxEvent) error {
	if mongo.SessionFromContext(ctx) == nil {
		return ErrNoTransaction
	}
	docs := make([]interface{}, 0, len(events))
	for _, event := range events {
		if err := event.Validate(); err != nil {
			return err
		}
		docs = append(docs, event)
	}
	_, err := r.coll.InsertMany(ctx, docs)
	return transient(err, "append outbox events")
}

// FetchPending scans unpublished rows oldest first and claims the head of each
// aggregate with a conditional update, so concurrent relays never share a row.
func (r *MongoRepository) FetchPending(ctx context.Context, batchSize int) (claimed []*schema.OutboxEvent, err error) {
	ctx, span, started := startSpan(ctx, "mongodb", "FetchPending")
	defer func() { endSpan(span, err) }()

	open, err := r.find(ctx, bson.M{"status": bson.M{"$ne": schema.StatusPublished}}, 0)
	if err != nil {
		return nil, err
	}
	now := r.now()
	for _, event := range claimable(open, now, batchSize) {
		res, err := r.coll.UpdateOne(ctx,
			bson.M{"id": event.ID, "status": schema.StatusNotPublished},
			bson.M{"$set": bson.M{"status": schema.StatusInProgress, "updated_at": now}})
		if err != nil {
			return nil, transient(err, "claim outbox event")
		}
		if res.ModifiedCount == 0 {
			continue
		}
		event.Status = schema.StatusInProgress
		event.UpdatedAt = now
		claimed = append(claimed, event)
	}
	addDBStatsToSpan(span, "FetchPending", len(claimed), started)
	return claimed, nil
}

func (r *MongoRepository) MarkPublished(ctx context.Context, eventID string) error {
	now := r.now()
	return r.updateOne(ctx, eventID, true,
		bson.M{"id": eventID, "status": schema.StatusInProgress},
		bson.M{"$set": bson.M{"status": schema.StatusPublished, "published_at": now, "updated_at": now, "last_error": ""}})
}

func (r *MongoRepository) SetStatus(ctx context.Context, eventID string, status schema.Status) error {
	return r.updateOne(ctx, eventID, false,
		bson.M{"id": eventID},
		bson.M{"$set": bson.M{"status": status, "updated_at": r.now()}})
}

func (r *MongoRepository) SetStatusAndIncrementRetry(ctx context.Context, eventID string, status schema.Status, nextAttemptAt time.Time, lastErr string) error {
	return r.updateOne(ctx, eventID, false,
		bson.M{"id": eventID},
		bson.M{
			"$set": bson.M{"status": status, "next_attempt_at": nextAttemptAt, "last_error": lastErr, "updated_at": r.now()},
			"$inc": bson.M{"retry_count": 1},
		})
}

func (r *MongoRepository) ReleaseExpired(ctx context.Context, lockExpiration time.Duration) (int64, error) {
	now := r.now()
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"status": schema.StatusInProgress, "updated_at": bson.M{"$lt": now.Add(-lockExpiration)}},
		bson.M{"$set": bson.M{"status": schema.StatusNotPublished, "updated_at": now}})
	if err != nil {
		return 0, transient(err, "release expired claims")
	}
	return res.ModifiedCount, nil
}

func (r *MongoRepository) ListByStatus(ctx context.Context, status schema.Status, limit int) ([]*schema.OutboxEvent, error) {
	return r.find(ctx, bson.M{"status": status}, int64(limit))
}

func (r *MongoRepository) Requeue(ctx context.Context, eventID string) error {
	now := r.now()
	return r.updateOne(ctx, eventID, true,
		bson.M{"id": eventID, "status": schema.StatusFailed},
		bson.M{"$set": bson.M{"status": schema.StatusNotPublished, "retry_count": 0, "last_error": "", "next_attempt_at": now, "updated_at": now}})
}

func (r *MongoRepository) updateOne(ctx context.Context, eventID string, mustMatch bool, filter, update bson.M) error {
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return transient(err, "update outbox event "+eventID)
	}
	if mustMatch && res.MatchedCount == 0 {
		return notFound("outbox event", eventID)
	}
	return nil
}

func (r *MongoRepository) find(ctx context.Context, filter bson.M, limit int64) ([]*schema.OutboxEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, transient(err, "find outbox events")
	}
	var events []*schema.OutboxEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, transient(err, "decode outbox events")
	}
	for _, event := range events {
		if event.Headers == nil {
			event.Headers = map[string]string{}
		}
	}
	return events, nil
}

// MongoLedger stores request records with a unique index on request_id.
type MongoLedger struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoLedger(db *mongo.Database) *MongoLedger {
	return &MongoLedger{coll: db.Collection(ledgerCollection), now: func() time.Time { return time.Now().UTC() }}
}

func (l *MongoLedger) Begin(ctx context.Context, requestID, commandType, owner string) (bool, *schema.RequestRecord, error) {
	for attempt := 0; attempt < beginAttempts; attempt++ {
		now := l.now()
		_, err := l.coll.InsertOne(ctx, &schema.RequestRecord{
			RequestID:   requestID,
			CommandType: commandType,
			Status:      schema.RequestInProgress,
			Owner:       owner,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err == nil {
			return true, nil, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return false, nil, transient(err, "ledger begin")
		}
		record, err := l.Get(ctx, requestID)
		if err == nil {
			return false, record, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return false, nil, err
		}
	}
	return false, nil, fmt.Errorf("ledger begin %s: %w: record released during begin", requestID, apperrors.ErrTransientStore)
}

func (l *MongoLedger) Get(ctx context.Context, requestID string) (*schema.RequestRecord, error) {
	var record schema.RequestRecord
	err := l.coll.FindOne(ctx, bson.M{"request_id": requestID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("request", requestID)
	}
	if err != nil {
		return nil, transient(err, "ledger get")
	}
	return &record, nil
}

func (l *MongoLedger) Complete(ctx context.Context, requestID, owner string, result []byte) error {
	if result == nil {
		result = []byte{}
	}
	res, err := l.coll.UpdateOne(ctx,
		bson.M{"request_id": requestID, "owner": owner, "status": schema.RequestInProgress},
		bson.M{"$set": bson.M{"status": schema.RequestCompleted, "result": result, "updated_at": l.now()}})
	if err != nil {
		return transient(err, "ledger complete")
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("complete %s: %w", requestID, ErrLeaseLost)
	}
	return nil
}

func (l *MongoLedger) Release(ctx context.Context, requestID, owner string) error {
	_, err := l.coll.DeleteOne(ctx, bson.M{"request_id": requestID, "owner": owner, "status": schema.RequestInProgress})
	return transient(err, "ledger release")
}

func (l *MongoLedger) Reclaim(ctx context.Context, requestID, newOwner string, staleBefore time.Time) (bool, error) {
	res, err := l.coll.UpdateOne(ctx,
		bson.M{"request_id": requestID, "status": schema.RequestInProgress, "updated_at": bson.M{"$lt": staleBefore}},
		bson.M{"$set": bson.M{"owner": newOwner, "updated_at": l.now()}})
	if err != nil {
		return false, transient(err, "ledger reclaim")
	}
	return res.ModifiedCount == 1, nil
}

func (l *MongoLedger) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*schema.RequestRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}).SetLimit(int64(limit))
	cursor, err := l.coll.Find(ctx, bson.M{"status": schema.RequestInProgress, "updated_at": bson.M{"$lt": olderThan}}, opts)
	if err != nil {
		return nil, transient(err, "list stuck requests")
	}
	var records []*schema.RequestRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, transient(err, "list stuck requests")
	}
	return records, nil
}

func (l *MongoLedger) PurgeCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.coll.DeleteMany(ctx, bson.M{"status": schema.RequestCompleted, "updated_at": bson.M{"$lt": olderThan}})
	if err != nil {
		return 0, transient(err, "purge ledger")
	}
	return res.DeletedCount, nil
}

type mongoEntity struct {
	Key       string    `bson:"_id"`
	Kind      string    `bson:"kind"`
	ID        string    `bson:"id"`
	Body      string    `bson:"body"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoEntities stores versioned JSON documents keyed by kind/id.
type MongoEntities struct {
	coll *mongo.Collection
}

func NewMongoEntities(db *mongo.Database) *MongoEntities {
	return &MongoEntities{coll: db.Collection(entitiesCollection)}
}

func (e *MongoEntities) Load(ctx context.Context, kind, id string, dst any) (int64, error) {
	var doc mongoEntity
	err := e.coll.FindOne(ctx, bson.M{"_id": entityKey(kind, id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, notFound(kind, id)
	}
	if err != nil {
		return 0, transient(err, "load "+kind)
	}
	if err := json.Unmarshal([]byte(doc.Body), dst); err != nil {
		return 0, fmt.Errorf("decoding %s %s: %w", kind, id, err)
	}
	return doc.Version, nil
}

func (e *MongoEntities) Save(ctx context.Context, kind, id string, src any, expectedVersion int64) (int64, error) {
	if mongo.SessionFromContext(ctx) == nil {
		return 0, ErrNoTransaction
	}
	body, err := json.Marshal(src)
	if err != nil {
		return 0, fmt.Errorf("encoding %s %s: %w", kind, id, err)
	}
	key := entityKey(kind, id)
	now := time.Now().UTC()
	conflict := fmt.Errorf("%s %s at version %d: %w", kind, id, expectedVersion, ErrVersionConflict)

	if expectedVersion == 0 {
		_, err := e.coll.InsertOne(ctx, mongoEntity{Key: key, Kind: kind, ID: id, Body: string(body), Version: 1, UpdatedAt: now})
		if mongo.IsDuplicateKeyError(err) {
			return 0, conflict
		}
		if err != nil {
			return 0, transient(err, "save "+kind)
		}
		return 1, nil
	}

	res, err := e.coll.UpdateOne(ctx,
		bson.M{"_id": key, "version": expectedVersion},
		bson.M{"$set": bson.M{"body": string(body), "updated_at": now}, "$inc": bson.M{"version": 1}})
	if err != nil {
		return 0, transient(err, "save "+kind)
	}
	if res.MatchedCount == 0 {
		return 0, conflict
	}
	return expectedVersion + 1, nil
}
