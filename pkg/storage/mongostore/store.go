// Package mongostore is the MongoDB harvest sink.
//
// Layout: "identifiers" holds {_id, name, observed_at}; each aspect has a
// collection of the same name holding {_id, kind, data|text}; "no_data"
// holds {_id, tries, last_tried_at}.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Prometheus metrics for store operations.
var (
	storeOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_store_operation_duration_seconds",
		Help:    "Duration of MongoDB store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_store_errors_total",
		Help: "Total failed MongoDB store operations",
	}, []string{"operation"})
)

// Collection names.
const (
	IdentifiersCollection = "identifiers"
	NoDataCollection      = string(model.AspectNoData)
)

// bulkChunk bounds the number of writes per BulkWrite call.
const bulkChunk = 1000

// ErrEmptyPayload is returned by Upsert for payloads without content.
var ErrEmptyPayload = errors.New("empty payload")

// Config holds connection settings.
type Config struct {
	// URI is a MongoDB connection string, e.g. "mongodb://localhost:27017".
	URI string

	// Database name.
	Database string

	// Timeout bounds connect and ping.
	Timeout time.Duration
}

// DefaultConfig returns a local default configuration.
func DefaultConfig() Config {
	return Config{
		URI:      "mongodb://localhost:27017",
		Database: "harvester",
		Timeout:  10 * time.Second,
	}
}

// Store implements harvest.Sink on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger zerolog.Logger
	now    func() time.Time
}

// Connect dials MongoDB, verifies the connection and ensures indexes.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, errors.New("mongo uri and database are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := New(client.Database(cfg.Database))
	s.client = client
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	s.logger.Info().Str("database", cfg.Database).Msg("Connected to MongoDB")
	return s, nil
}

// New wraps an existing database handle.
func New(db *mongo.Database) *Store {
	return &Store{
		client: db.Client(),
		db:     db,
		logger: log.With().Str("component", "mongostore").Logger(),
		now:    time.Now,
	}
}

// EnsureIndexes creates the secondary indexes used by the scheduler queries.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.db.Collection(IdentifiersCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "observed_at", Value: 1}}},
		{Keys: bson.D{{Key: "name", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("create identifier indexes: %w", err)
	}
	if _, err := s.db.Collection(NoDataCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tries", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create no_data index: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// observe records the duration of operation and counts failures.
func observe(operation string, start time.Time, err error) {
	storeOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		storeErrorsTotal.WithLabelValues(operation).Inc()
	}
}

type identifierDoc struct {
	ID         string    `bson:"_id"`
	Name       string    `bson:"name"`
	ObservedAt time.Time `bson:"observed_at"`
}

// ListIdentifiers returns identifiers ordered by observed_at then _id,
// skipping names that match excludePattern.
func (s *Store) ListIdentifiers(ctx context.Context, excludePattern string) (out []model.Identifier, err error) {
	start := time.Now()
	defer func() { observe("list_identifiers", start, err) }()

	filter := bson.M{}
	if excludePattern != "" {
		pattern, opts := splitInlineFlags(excludePattern)
		filter["name"] = bson.M{"$not": primitive.Regex{Pattern: pattern, Options: opts}}
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "observed_at", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.db.Collection(IdentifiersCollection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find identifiers: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc identifierDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode identifier: %w", err)
		}
		out = append(out, model.Identifier{ID: model.ID(doc.ID), Name: doc.Name, ObservedAt: doc.ObservedAt})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate identifiers: %w", err)
	}
	return out, nil
}

// ListPresent returns the IDs stored in the aspect's collection.
func (s *Store) ListPresent(ctx context.Context, aspect model.Aspect) (set model.IDSet, err error) {
	start := time.Now()
	defer func() { observe("list_present", start, err) }()

	findOpts := options.Find().SetProjection(bson.M{"_id": 1})
	cur, err := s.db.Collection(string(aspect)).Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", aspect, err)
	}
	defer cur.Close(ctx)

	set = model.NewIDSet()
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s id: %w", aspect, err)
		}
		set.Add(model.ID(doc.ID))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", aspect, err)
	}
	return set, nil
}

// Upsert writes payload with $set. MongoDB leaves a document untouched when
// every field already holds the same value, so changed reflects real
// modifications only.
func (s *Store) Upsert(ctx context.Context, id model.ID, aspect model.Aspect, payload model.Payload) (changed bool, err error) {
	start := time.Now()
	defer func() { observe("upsert", start, err) }()

	if aspect == model.AspectNoData {
		return false, fmt.Errorf("aspect %s is not writable", aspect)
	}
	if payload.IsEmpty() {
		return false, ErrEmptyPayload
	}

	update := bson.M{
		"$set":         payloadFields(payload),
		"$setOnInsert": bson.M{"first_stored_at": s.now().UTC()},
	}
	res, err := s.db.Collection(string(aspect)).UpdateOne(ctx,
		bson.M{"_id": string(id)}, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, fmt.Errorf("upsert %s/%s: %w", aspect, id, err)
	}
	return res.UpsertedCount > 0 || res.ModifiedCount > 0, nil
}

// RecordEmptyAttempt increments the no-data counter of id.
func (s *Store) RecordEmptyAttempt(ctx context.Context, id model.ID) (tries int, err error) {
	start := time.Now()
	defer func() { observe("record_empty_attempt", start, err) }()

	update := bson.M{
		"$inc": bson.M{"tries": 1},
		"$set": bson.M{"last_tried_at": s.now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc struct {
		Tries int `bson:"tries"`
	}
	if err := s.db.Collection(NoDataCollection).FindOneAndUpdate(ctx, bson.M{"_id": string(id)}, update, opts).Decode(&doc); err != nil {
		return 0, fmt.Errorf("record empty attempt %s: %w", id, err)
	}
	return doc.Tries, nil
}

// EmptyAttempts returns the no-data counter of every marked ID.
func (s *Store) EmptyAttempts(ctx context.Context) (out map[model.ID]int, err error) {
	start := time.Now()
	defer func() { observe("empty_attempts", start, err) }()

	cur, err := s.db.Collection(NoDataCollection).Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"_id": 1, "tries": 1}))
	if err != nil {
		return nil, fmt.Errorf("find no_data: %w", err)
	}
	defer cur.Close(ctx)

	out = make(map[model.ID]int)
	for cur.Next(ctx) {
		var doc struct {
			ID    string `bson:"_id"`
			Tries int    `bson:"tries"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode no_data: %w", err)
		}
		out[model.ID(doc.ID)] = doc.Tries
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate no_data: %w", err)
	}
	return out, nil
}

// UpsertIdentifiers inserts unknown identifiers and refreshes known names in
// unordered bulk writes. observed_at is written with $setOnInsert only.
func (s *Store) UpsertIdentifiers(ctx context.Context, idents []model.Identifier) (inserted int, err error) {
	start := time.Now()
	defer func() { observe("upsert_identifiers", start, err) }()

	coll := s.db.Collection(IdentifiersCollection)
	models := make([]mongo.WriteModel, 0, bulkChunk)

	flush := func() error {
		if len(models) == 0 {
			return nil
		}
		res, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		if err != nil {
			return fmt.Errorf("bulk upsert identifiers: %w", err)
		}
		inserted += int(res.UpsertedCount)
		models = models[:0]
		return nil
	}

	for _, ident := range idents {
		if ident.ID == "" {
			continue
		}
		observed := ident.ObservedAt
		if observed.IsZero() {
			observed = s.now()
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": string(ident.ID)}).
			SetUpdate(bson.M{
				"$set":         bson.M{"name": ident.Name},
				"$setOnInsert": bson.M{"observed_at": observed.UTC()},
			}).
			SetUpsert(true))
		if len(models) == bulkChunk {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}
	if err := flush(); err != nil {
		return inserted, err
	}
	return inserted, nil
}
