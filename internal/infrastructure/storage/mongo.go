package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/ports"
)

const (
	discoveriesCollection = "discoveries"
	runsCollection        = "aggregation_runs"
)

// MongoStore keeps discoveries as documents keyed by record id.
type MongoStore struct {
	client      *mongo.Client
	discoveries *mongo.Collection
	runs        *mongo.Collection
}

var _ ports.Store = (*MongoStore)(nil)

// OpenMongo connects, pings and ensures indexes.
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	store := NewMongoStore(client, client.Database(database))
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// NewMongoStore wires collections of db.
func NewMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:      client,
		discoveries: db.Collection(discoveriesCollection),
		runs:        db.Collection(runsCollection),
	}
}

// EnsureIndexes creates the identity, ordering and staleness indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.discoveries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "source", Value: 1}, {Key: "sourceNativeId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "publishedAt", Value: -1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "source", Value: 1}, {Key: "fetchedAt", Value: 1}}},
		{Keys: bson.D{{Key: "tags", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create discovery indexes: %w", err)
	}
	_, err = s.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "startedAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create run indexes: %w", err)
	}
	return nil
}

// Upsert applies the merge policy in a single findAndModify: immutable
// fields are only written on insert and fetchedAt never moves back.
func (s *MongoStore) Upsert(ctx context.Context, rec domain.DiscoveryRecord) (bool, error) {
	rec.ID = domain.RecordID(rec.Key())

	update := bson.M{
		"$set": bson.M{
			"title":      rec.Title,
			"summary":    rec.Summary,
			"url":        rec.URL,
			"category":   rec.Category,
			"tags":       rec.Tags,
			"popularity": rec.Popularity,
			"imageUrl":   rec.ImageURL,
			"stale":      false,
		},
		"$setOnInsert": bson.M{
			"source":         rec.Source,
			"sourceNativeId": rec.NativeID,
			"publishedAt":    rec.PublishedAt,
		},
		"$max": bson.M{"fetchedAt": rec.FetchedAt},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before).
		SetProjection(bson.M{"_id": 1})

	var err error
	// Two concurrent upserts of a fresh id can race on insert; the loser retries as an update.
	for attempt := 0; attempt < 2; attempt++ {
		err = s.discoveries.FindOneAndUpdate(ctx, bson.M{"_id": rec.ID}, update, opts).Err()
		if !mongo.IsDuplicateKeyError(err) {
			break
		}
	}
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return true, nil
	case err != nil:
		return false, &domain.StoreWriteError{Op: "upsert", Cause: err}
	default:
		return false, nil
	}
}

// GetByKey resolves an identity key.
func (s *MongoStore) GetByKey(ctx context.Context, key domain.IdentityKey) (domain.DiscoveryRecord, error) {
	return s.Get(ctx, domain.RecordID(key))
}

// Get loads a record by id.
func (s *MongoStore) Get(ctx context.Context, id string) (domain.DiscoveryRecord, error) {
	var rec domain.DiscoveryRecord
	err := s.discoveries.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.DiscoveryRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DiscoveryRecord{}, fmt.Errorf("find discovery: %w", err)
	}
	return normalizeTimes(rec), nil
}

// Query counts matches and loads one page in canonical order.
func (s *MongoStore) Query(ctx context.Context, filter domain.Filter) (domain.Page, error) {
	query := mongoFilter(filter)
	limit := filter.EffectiveLimit()
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	total, err := s.discoveries.CountDocuments(ctx, query)
	if err != nil {
		return domain.Page{}, fmt.Errorf("count discoveries: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "publishedAt", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cursor, err := s.discoveries.Find(ctx, query, opts)
	if err != nil {
		return domain.Page{}, fmt.Errorf("find discoveries: %w", err)
	}
	records := []domain.DiscoveryRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return domain.Page{}, fmt.Errorf("decode discoveries: %w", err)
	}
	for i := range records {
		records[i] = normalizeTimes(records[i])
	}

	return domain.Page{
		Records: records,
		Total:   int(total),
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(records) < int(total),
	}, nil
}

func mongoFilter(f domain.Filter) bson.M {
	query := bson.M{}
	if len(f.Categories) > 0 {
		query["category"] = bson.M{"$in": f.Categories}
	}
	if len(f.Sources) > 0 {
		query["source"] = bson.M{"$in": f.Sources}
	}
	if len(f.Tags) > 0 {
		patterns := make([]primitive.Regex, 0, len(f.Tags))
		for _, tag := range f.Tags {
			patterns = append(patterns, primitive.Regex{Pattern: "^" + regexp.QuoteMeta(tag) + "$", Options: "i"})
		}
		query["tags"] = bson.M{"$in": patterns}
	}
	published := bson.M{}
	if !f.PublishedFrom.IsZero() {
		published["$gte"] = f.PublishedFrom
	}
	if !f.PublishedTo.IsZero() {
		published["$lte"] = f.PublishedTo
	}
	if len(published) > 0 {
		query["publishedAt"] = published
	}
	if f.Stale != nil {
		query["stale"] = *f.Stale
	}
	if text := strings.TrimSpace(f.Text); text != "" {
		pattern := primitive.Regex{Pattern: regexp.QuoteMeta(f.Text), Options: "i"}
		query["$or"] = bson.A{
			bson.M{"title": pattern},
			bson.M{"summary": pattern},
		}
	}
	return query
}

// Stats groups counts by category, source and staleness server side.
func (s *MongoStore) Stats(ctx context.Context) (domain.Stats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "category", Value: "$category"},
				{Key: "source", Value: "$source"},
				{Key: "stale", Value: "$stale"},
			}},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := s.discoveries.Aggregate(ctx, pipeline)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("aggregate stats: %w", err)
	}

	var groups []struct {
		Key struct {
			Category domain.Category `bson:"category"`
			Source   domain.Source   `bson:"source"`
			Stale    bool            `bson:"stale"`
		} `bson:"_id"`
		N int `bson:"n"`
	}
	if err := cursor.All(ctx, &groups); err != nil {
		return domain.Stats{}, fmt.Errorf("decode stats: %w", err)
	}

	st := domain.NewStats()
	for _, g := range groups {
		st.Total += g.N
		st.ByCategory[g.Key.Category] += g.N
		st.BySource[g.Key.Source] += g.N
		if g.Key.Stale {
			st.Stale += g.N
		}
	}
	return st, nil
}

// MarkStale flags records of source not fetched since cutoff.
func (s *MongoStore) MarkStale(ctx context.Context, source domain.Source, cutoff time.Time) (int, error) {
	res, err := s.discoveries.UpdateMany(ctx,
		bson.M{"source": source, "stale": false, "fetchedAt": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{"stale": true}},
	)
	if err != nil {
		return 0, &domain.StoreWriteError{Op: "mark stale", Cause: err}
	}
	return int(res.ModifiedCount), nil
}

// SaveRun replaces the run document, inserting it when new.
func (s *MongoStore) SaveRun(ctx context.Context, run domain.AggregationRun) error {
	_, err := s.runs.ReplaceOne(ctx, bson.M{"_id": run.ID}, run, options.Replace().SetUpsert(true))
	if err != nil {
		return &domain.StoreWriteError{Op: "save run", Cause: err}
	}
	return nil
}

// LatestRun returns the most recently started run.
func (s *MongoStore) LatestRun(ctx context.Context) (domain.AggregationRun, error) {
	runs, err := s.Runs(ctx, 1)
	if err != nil {
		return domain.AggregationRun{}, err
	}
	if len(runs) == 0 {
		return domain.AggregationRun{}, domain.ErrNotFound
	}
	return runs[0], nil
}

// Runs lists runs newest first; limit <= 0 returns all of them.
func (s *MongoStore) Runs(ctx context.Context, limit int) ([]domain.AggregationRun, error) {
	opts := options.Find().SetSort(bson.D{{Key: "startedAt", Value: -1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.runs.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find runs: %w", err)
	}
	runs := []domain.AggregationRun{}
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	for i := range runs {
		runs[i].StartedAt = runs[i].StartedAt.UTC()
		runs[i].FinishedAt = runs[i].FinishedAt.UTC()
	}
	return runs, nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

func normalizeTimes(rec domain.DiscoveryRecord) domain.DiscoveryRecord {
	rec.PublishedAt = rec.PublishedAt.UTC()
	rec.FetchedAt = rec.FetchedAt.UTC()
	return rec
}
