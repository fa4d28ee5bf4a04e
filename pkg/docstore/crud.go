package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/coerce"
)

// Creator inserts documents.
type Creator interface {
	InsertMany(ctx context.Context, collection string, docs []bson.D) (int, error)
}

// Reader reads documents.
type Reader interface {
	CountDocuments(ctx context.Context, collection string, filter bson.D) (int64, error)
	FindOne(ctx context.Context, collection string, filter bson.D) (bson.M, error)
}

// Updater replaces documents by key, inserting those that do not exist yet.
type Updater interface {
	UpsertMany(ctx context.Context, collection string, keys []string, docs []bson.D) (int64, error)
}

// Deleter removes documents and collections.
type Deleter interface {
	DeleteMany(ctx context.Context, collection string, filter bson.D) (int64, error)
	DropCollection(ctx context.Context, collection string) error
}

// Store groups every capability. Collections implements it.
type Store interface {
	Creator
	Reader
	Updater
	Deleter
}

var _ Store = (*Collections)(nil)

// Collections is a CRUD handle bound to one database. Pass a session context
// (see Manager.WithTransaction) to run operations inside a transaction.
type Collections struct {
	db *mongo.Database
}

// NewCollections binds a handle to db.
func NewCollections(db *mongo.Database) *Collections {
	return &Collections{db: db}
}

func emptyIfNil(filter bson.D) bson.D {
	if filter == nil {
		return bson.D{}
	}
	return filter
}

// InsertMany performs an ordered insert and returns how many documents the
// server acknowledged.
func (c *Collections) InsertMany(ctx context.Context, collection string, docs []bson.D) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	res, err := c.db.Collection(collection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", collection, err)
	}
	return len(res.InsertedIDs), nil
}

// CountDocuments counts the documents matching filter; nil matches all.
func (c *Collections) CountDocuments(ctx context.Context, collection string, filter bson.D) (int64, error) {
	n, err := c.db.Collection(collection).CountDocuments(ctx, emptyIfNil(filter))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// FindOne returns the first matching document or apperrors.ErrNotFound.
func (c *Collections) FindOne(ctx context.Context, collection string, filter bson.D) (bson.M, error) {
	var doc bson.M
	err := c.db.Collection(collection).FindOne(ctx, emptyIfNil(filter)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("find in %s: %w", collection, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	return doc, nil
}

// UpsertMany replaces each document matched on keys, inserting it when no
// match exists, as one ordered bulk write. Every document must carry every key.
func (c *Collections) UpsertMany(ctx context.Context, collection string, keys []string, docs []bson.D) (int64, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("upsert into %s: no key columns", collection)
	}

	models := make([]mongo.WriteModel, 0, len(docs))
	for i, doc := range docs {
		filter, err := KeyFilter(doc, keys)
		if err != nil {
			return 0, fmt.Errorf("upsert into %s: document %d: %w", collection, i, err)
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(filter).
			SetReplacement(doc).
			SetUpsert(true))
	}

	res, err := c.db.Collection(collection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return 0, fmt.Errorf("upsert into %s: %w", collection, err)
	}
	return res.UpsertedCount + res.MatchedCount, nil
}

// DeleteMany deletes the documents matching filter; nil matches all.
func (c *Collections) DeleteMany(ctx context.Context, collection string, filter bson.D) (int64, error) {
	res, err := c.db.Collection(collection).DeleteMany(ctx, emptyIfNil(filter))
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

// DropCollection drops the collection. Dropping a missing collection succeeds.
func (c *Collections) DropCollection(ctx context.Context, collection string) error {
	if err := c.db.Collection(collection).Drop(ctx); err != nil {
		return fmt.Errorf("drop %s: %w", collection, err)
	}
	return nil
}

// KeyFilter builds an equality filter on keys from doc, in key order.
func KeyFilter(doc bson.D, keys []string) (bson.D, error) {
	filter := make(bson.D, 0, len(keys))
	for _, k := range keys {
		found := false
		for _, e := range doc {
			if e.Key == k {
				filter = append(filter, bson.E{Key: k, Value: e.Value})
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("missing key field %q", k)
		}
	}
	return filter, nil
}

// Documents converts a coerced batch into BSON documents whose fields keep
// source column order.
func Documents(batch coerce.RowBatch) []bson.D {
	docs := make([]bson.D, len(batch.Rows))
	for i, row := range batch.Rows {
		doc := make(bson.D, len(row.Columns))
		for j, col := range row.Columns {
			doc[j] = bson.E{Key: col, Value: row.Values[j].BSON()}
		}
		docs[i] = doc
	}
	return docs
}
