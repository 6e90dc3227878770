// Package store persists POI documents in MongoDB. Raw harvested fields
// live under their natural names; enriched fields carry the deep_ prefix so
// the two sources never collide.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/tourlytics/poipipe/internal/model"
)

// cursorRetries bounds re-issued range queries after cursor expiry.
const cursorRetries = 3

// ErrPermanent marks store failures that should abort the owning worker.
var ErrPermanent = errors.New("document store permanent failure")

// Config locates the POI collection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// EnrichmentUpdate is one buffered enrichment write, applied via BulkWrite
// so a flushed batch is atomic.
type EnrichmentUpdate struct {
	// ID is the ObjectID hex of the target document.
	ID string
	// Fields are deep_-prefixed attribute values.
	Fields map[string]any
}

// Mongo is the document-store client.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

type poiDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	model.POI `bson:",inline"`
}

// New connects, verifies reachability, and ensures indexes.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	m := &Mongo{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: logger,
	}
	m.ensureIndexes(ctx)
	return m, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongo disconnect: %w", err)
	}
	return nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) {
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "poi_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "city_id", Value: 1}}},
		{Keys: bson.D{{Key: "city", Value: 1}}},
	})
	if err != nil {
		m.logger.Warn("ensure indexes failed", zap.Error(err))
	}
}

// UpsertPOI writes a POI keyed by poi_id. An unknown poi_id creates a new
// document, so a details-stage merge for a POI that skipped the listings
// stage still lands.
func (m *Mongo) UpsertPOI(ctx context.Context, poi model.POI) error {
	filter := bson.M{"poi_id": poi.POIID}
	update := bson.M{"$set": poi}
	if _, err := m.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert poi %s: %w", poi.POIID, err)
	}
	return nil
}

// CountPOIs returns the collection size.
func (m *Mongo) CountPOIs(ctx context.Context) (int64, error) {
	n, err := m.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("count pois: %w", err)
	}
	return n, nil
}

// POIIDs returns every document id in ascending _id order. The enrichment
// coordinator slices this list into disjoint contiguous worker ranges.
func (m *Mongo) POIIDs(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := m.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list poi ids: %w", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode poi id: %w", err)
		}
		ids = append(ids, doc.ID.Hex())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate poi ids: %w", err)
	}
	return ids, nil
}

// FetchRange returns up to limit documents with after < _id <= until in
// ascending order. Each call is a fresh bounded query, so workers never
// hold a cursor across an LLM call; an expired cursor is retried with a
// re-issued query up to cursorRetries times.
func (m *Mongo) FetchRange(ctx context.Context, after, until string, limit int) ([]model.POI, error) {
	filter := bson.M{}
	idBounds := bson.M{}
	if after != "" {
		oid, err := primitive.ObjectIDFromHex(after)
		if err != nil {
			return nil, fmt.Errorf("range start %q: %w", after, err)
		}
		idBounds["$gt"] = oid
	}
	if until != "" {
		oid, err := primitive.ObjectIDFromHex(until)
		if err != nil {
			return nil, fmt.Errorf("range end %q: %w", until, err)
		}
		idBounds["$lte"] = oid
	}
	if len(idBounds) > 0 {
		filter["_id"] = idBounds
	}

	var lastErr error
	for attempt := 0; attempt < cursorRetries; attempt++ {
		pois, err := m.fetchOnce(ctx, filter, limit)
		if err == nil {
			return pois, nil
		}
		if !isCursorExpired(err) {
			return nil, err
		}
		lastErr = err
		m.logger.Warn("cursor expired, re-issuing range query",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: range query after %d cursor expiries: %v",
		ErrPermanent, cursorRetries, lastErr)
}

func (m *Mongo) fetchOnce(ctx context.Context, filter bson.M, limit int) ([]model.POI, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	defer cur.Close(ctx)

	var pois []model.POI
	for cur.Next(ctx) {
		var doc poiDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode poi: %w", err)
		}
		poi := doc.POI
		poi.ID = doc.ID.Hex()
		pois = append(pois, poi)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate range: %w", err)
	}
	return pois, nil
}

func isCursorExpired(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 43 || cmdErr.Name == "CursorNotFound"
	}
	return false
}

// BulkEnrich applies a flushed buffer of enrichment updates as one ordered
// bulk write: the batch either applies fully or reports the failure.
func (m *Mongo) BulkEnrich(ctx context.Context, updates []EnrichmentUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(updates))
	for _, u := range updates {
		oid, err := primitive.ObjectIDFromHex(u.ID)
		if err != nil {
			return fmt.Errorf("%w: bad document id %q: %v", ErrPermanent, u.ID, err)
		}
		set := bson.M{}
		for k, v := range u.Fields {
			set[k] = v
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": oid}).
			SetUpdate(bson.M{"$set": set}))
	}
	if _, err := m.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("bulk enrich %d updates: %w", len(updates), err)
	}
	return nil
}

// AllPOIs streams the full collection for export.
func (m *Mongo) AllPOIs(ctx context.Context) ([]model.POI, error) {
	return m.findPOIs(ctx, bson.M{})
}

// POIsByCityID returns one city's documents for export.
func (m *Mongo) POIsByCityID(ctx context.Context, cityID string) ([]model.POI, error) {
	return m.findPOIs(ctx, bson.M{"city_id": cityID})
}

// POIsByCityName returns one city's documents for export, matched on the
// display name.
func (m *Mongo) POIsByCityName(ctx context.Context, city string) ([]model.POI, error) {
	return m.findPOIs(ctx, bson.M{"city": city})
}

func (m *Mongo) findPOIs(ctx context.Context, filter bson.M) ([]model.POI, error) {
	opts := options.Find().SetSort(bson.D{{Key: "poi_id", Value: 1}})
	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find pois: %w", err)
	}
	defer cur.Close(ctx)

	var pois []model.POI
	for cur.Next(ctx) {
		var doc poiDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode poi: %w", err)
		}
		poi := doc.POI
		poi.ID = doc.ID.Hex()
		pois = append(pois, poi)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate pois: %w", err)
	}
	return pois, nil
}
