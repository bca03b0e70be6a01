// Package mongo provides a MongoDB saga.Repository.
//
// Usage:
//
//	store, err := mongo.NewStore(ctx, &mongo.Config{
//	    URI:        "mongodb://localhost:27017",
//	    Database:   "orders",
//	    Collection: "order_sagas",
//	    SagaType:   "Order",
//	}, func() saga.Instance { return &OrderState{} })
//
// One document per instance, keyed by correlationId and tagged with sagaType
// so machines can share a collection. Optimistic concurrency
// rides on a conditional update: the replace matches (correlationId, version)
// and bumps version by one, so a lost race surfaces as zero matched documents
// and maps to saga.ErrVersionConflict. Archived instances keep their document
// with archivedAt stamped; a TTL index expires them after the configured
// retention.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/saga"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config for the MongoDB store.
type Config struct {
	URI        string
	Database   string
	Collection string

	// SagaType tags every document and scopes every query, so several
	// machines can share one collection.
	SagaType string

	// ArchiveRetention bounds how long archived documents stay queryable.
	// Zero keeps them forever (no TTL index).
	ArchiveRetention time.Duration

	ConnectTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		URI:            "mongodb://localhost:27017",
		Database:       "caravan",
		Collection:     "sagas",
		ConnectTimeout: 10 * time.Second,
	}
}

// document is the persisted shape. The instance state travels as raw JSON in
// data so user fields round-trip without a registered schema.
type document struct {
	CorrelationID string     `bson:"correlationId"`
	SagaType      string     `bson:"sagaType"`
	CurrentState  string     `bson:"currentState"`
	Version       int        `bson:"version"`
	Data          string     `bson:"data"`
	CreatedAt     time.Time  `bson:"createdAt"`
	UpdatedAt     time.Time  `bson:"updatedAt"`
	ArchivedAt    *time.Time `bson:"archivedAt,omitempty"`
}

// Store implements saga.Repository on a MongoDB collection.
type Store struct {
	client   *mongo.Client
	coll     *mongo.Collection
	sagaType string
	factory  saga.Factory
}

// filter scopes a query to this store's saga type.
func (s *Store) filter(m bson.M) bson.M {
	m["sagaType"] = s.sagaType
	return m
}

// NewStore connects, ensures indexes and returns the store.
func NewStore(ctx context.Context, cfg *Config, factory saga.Factory) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("sagastore/mongo: connect: %w", err)
	}
	s := &Store{
		client:   client,
		coll:     client.Database(cfg.Database).Collection(cfg.Collection),
		sagaType: cfg.SagaType,
		factory:  factory,
	}
	if err := s.ensureIndexes(ctx, cfg.ArchiveRetention); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// NewStoreWithCollection wraps an existing collection, for callers that manage
// the client themselves.
func NewStoreWithCollection(coll *mongo.Collection, sagaType string, factory saga.Factory) *Store {
	return &Store{coll: coll, sagaType: sagaType, factory: factory}
}

func (s *Store) ensureIndexes(ctx context.Context, retention time.Duration) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "correlationId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "sagaType", Value: 1}, {Key: "currentState", Value: 1}}},
	}
	if retention > 0 {
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: "archivedAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(retention / time.Second)),
		})
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("sagastore/mongo: ensure indexes: %w", err)
	}
	return nil
}

// Close disconnects the owned client. No-op for NewStoreWithCollection.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) FindByCorrelationID(ctx context.Context, id string) (saga.Instance, error) {
	var doc document
	err := s.coll.FindOne(ctx, s.filter(bson.M{
		"correlationId": id,
		"archivedAt":    bson.M{"$exists": false},
	})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sagastore/mongo: find %s: %w", id, err)
	}
	return s.decode(&doc)
}

func (s *Store) decode(doc *document) (saga.Instance, error) {
	inst := s.factory()
	if err := json.Unmarshal([]byte(doc.Data), inst); err != nil {
		return nil, fmt.Errorf("sagastore/mongo: decode instance %s: %w", doc.CorrelationID, err)
	}
	return inst, nil
}

// Save upserts with an optimistic lock on Version and increments it.
func (s *Store) Save(ctx context.Context, inst saga.Instance) error {
	emb := inst.Saga()
	if emb.CorrelationID == "" {
		return fmt.Errorf("sagastore/mongo: instance has no correlation id")
	}

	now := time.Now().UTC()
	next := emb.Version + 1
	emb.Version = next
	raw, err := json.Marshal(inst)
	if err != nil {
		emb.Version = next - 1
		return fmt.Errorf("sagastore/mongo: encode instance: %w", err)
	}

	if next == 1 {
		// First save: the unique index on correlationId rejects a phantom
		// instance racing an existing document.
		_, err := s.coll.InsertOne(ctx, document{
			CorrelationID: emb.CorrelationID,
			SagaType:      s.sagaType,
			CurrentState:  emb.CurrentState,
			Version:       next,
			Data:          string(raw),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if mongo.IsDuplicateKeyError(err) {
			emb.Version = next - 1
			return saga.ErrVersionConflict
		}
		if err != nil {
			emb.Version = next - 1
			return fmt.Errorf("sagastore/mongo: insert %s: %w", emb.CorrelationID, err)
		}
		return nil
	}

	res, err := s.coll.UpdateOne(ctx,
		s.filter(bson.M{"correlationId": emb.CorrelationID, "version": next - 1}),
		bson.M{"$set": bson.M{
			"currentState": emb.CurrentState,
			"version":      next,
			"data":         string(raw),
			"updatedAt":    now,
		}},
	)
	if err != nil {
		emb.Version = next - 1
		return fmt.Errorf("sagastore/mongo: update %s: %w", emb.CorrelationID, err)
	}
	if res.MatchedCount == 0 {
		emb.Version = next - 1
		return saga.ErrVersionConflict
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.coll.DeleteOne(ctx, s.filter(bson.M{"correlationId": id})); err != nil {
		return fmt.Errorf("sagastore/mongo: delete %s: %w", id, err)
	}
	return nil
}

// Archive soft-deletes: the document stays until the TTL index expires it but
// stops resolving by correlation id.
func (s *Store) Archive(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.coll.UpdateOne(ctx,
		s.filter(bson.M{"correlationId": id}),
		bson.M{"$set": bson.M{
			"currentState": saga.StateFinalize,
			"archivedAt":   now,
			"updatedAt":    now,
		}},
	)
	if err != nil {
		return fmt.Errorf("sagastore/mongo: archive %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("sagastore/mongo: archive unknown instance %s", id)
	}
	return nil
}

func (s *Store) FindByState(ctx context.Context, state string) ([]saga.Instance, error) {
	return s.findDocs(ctx, s.filter(bson.M{
		"currentState": state,
		"archivedAt":   bson.M{"$exists": false},
	}))
}

// Find matches instance fields inside the data document. Query keys address
// top-level JSON fields of the state struct.
func (s *Store) Find(ctx context.Context, query map[string]any) ([]saga.Instance, error) {
	docs, err := s.findDocs(ctx, s.filter(bson.M{"archivedAt": bson.M{"$exists": false}}))
	if err != nil {
		return nil, err
	}
	var out []saga.Instance
	for _, inst := range docs {
		raw, err := json.Marshal(inst)
		if err != nil {
			return nil, fmt.Errorf("sagastore/mongo: encode instance: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("sagastore/mongo: decode document: %w", err)
		}
		if matches(fields, query) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func matches(fields, query map[string]any) bool {
	for k, want := range query {
		got, ok := fields[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (s *Store) findDocs(ctx context.Context, filter bson.M) ([]saga.Instance, error) {
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("sagastore/mongo: find: %w", err)
	}
	defer cur.Close(ctx)

	var out []saga.Instance
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("sagastore/mongo: decode document: %w", err)
		}
		inst, err := s.decode(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, cur.Err()
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, s.filter(bson.M{"archivedAt": bson.M{"$exists": false}}))
	if err != nil {
		return 0, fmt.Errorf("sagastore/mongo: count: %w", err)
	}
	return n, nil
}

var _ saga.Repository = (*Store)(nil)
