package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/checkpoint"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo defaults.
const (
	DefaultMongoDatabase   = "ghscrape"
	DefaultMongoCollection = "repositories"
)

// MongoConfig holds the connection settings of the Mongo mirror.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// Mongo mirrors records as documents, upserted by id.
type Mongo struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
}

// NewMongo connects, pings and ensures a unique index on id.
func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.Database == "" {
		cfg.Database = DefaultMongoDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultMongoCollection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}

	m := &Mongo{
		client:  client,
		coll:    client.Database(cfg.Database).Collection(cfg.Collection),
		timeout: cfg.Timeout,
	}

	_, err = m.coll.Indexes().CreateMany(cctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "full_name", Value: 1}}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	return m, nil
}

// mongoDocument converts rec into a document stamped with _scraped_at.
func mongoDocument(rec checkpoint.Record, now time.Time) (bson.M, error) {
	var doc bson.M
	if err := bson.UnmarshalExtJSON(rec.Raw, false, &doc); err != nil {
		return nil, fmt.Errorf("convert record %s: %w", rec.ID, err)
	}
	if _, ok := doc["id"]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoID, rec.FullName)
	}
	doc["_scraped_at"] = now.UTC()
	return doc, nil
}

// Save upserts rec by id.
func (m *Mongo) Save(ctx context.Context, rec checkpoint.Record) error {
	doc, err := mongoDocument(rec, time.Now())
	if err != nil {
		mirrorWritesTotal.WithLabelValues("mongo", "error").Inc()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err = m.coll.ReplaceOne(ctx, bson.M{"id": doc["id"]}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		mirrorWritesTotal.WithLabelValues("mongo", "error").Inc()
		return fmt.Errorf("upsert repository %s: %w", rec.ID, err)
	}
	mirrorWritesTotal.WithLabelValues("mongo", "ok").Inc()
	return nil
}

// Count returns the number of documents.
func (m *Mongo) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.coll.CountDocuments(ctx, bson.D{})
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
