package docstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/audit"
	"github.com/ekaya-inc/ekaya-migrate/pkg/coerce"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/schema"
)

// ExistingMode says what PrepareCollection does with a collection that already exists.
type ExistingMode string

const (
	ExistingAppend   ExistingMode = "append"
	ExistingTruncate ExistingMode = "truncate"
	ExistingDrop     ExistingMode = "drop"
)

// WriteMode selects how batches are written.
type WriteMode string

const (
	WriteInsert WriteMode = "insert"
	WriteUpsert WriteMode = "upsert" // replace by key, needs WriteOptions.Keys
)

// WriteOptions controls one WriteBatch call.
type WriteOptions struct {
	Mode WriteMode
	Keys []string
}

// PrepareCollection makes the target collection match doc: it handles an
// existing collection per mode, creates the collection with doc's validator
// (or applies the validator with collMod when it is kept), then creates doc's
// indexes. Failures are classified the same way batch writes are.
func (m *Manager) PrepareCollection(ctx context.Context, doc *schema.Document, mode ExistingMode) error {
	name := doc.Collection
	logger := m.logger.With(zap.String("table", name))

	err := m.prepare(ctx, doc, mode, logger)
	if err != nil {
		logger.Error("Collection setup failed", zap.String("error", logging.SanitizeError(err)))
		return Classify(name, apperrors.SetupBatch, err)
	}
	return nil
}

func (m *Manager) prepare(ctx context.Context, doc *schema.Document, mode ExistingMode, logger *zap.Logger) error {
	name := doc.Collection

	names, err := m.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	exists := len(names) > 0

	if exists {
		switch mode {
		case ExistingDrop:
			if err := m.store.DropCollection(ctx, name); err != nil {
				return err
			}
			exists = false
			logger.Info("Dropped existing collection")
			m.auditor.LogCollectionReset(audit.EventCollectionDropped, m.db.Name(), name, -1)
		case ExistingTruncate:
			n, err := m.store.DeleteMany(ctx, name, nil)
			if err != nil {
				return err
			}
			logger.Info("Truncated existing collection", zap.Int64("deleted", n))
			m.auditor.LogCollectionReset(audit.EventCollectionTruncated, m.db.Name(), name, n)
		}
	}

	validator := doc.ValidatorDocument()
	if exists {
		cmd := bson.D{
			{Key: "collMod", Value: name},
			{Key: "validator", Value: validator},
		}
		if err := m.db.RunCommand(ctx, cmd).Err(); err != nil {
			return fmt.Errorf("apply validator to %s: %w", name, err)
		}
	} else {
		if err := m.db.CreateCollection(ctx, name, options.CreateCollection().SetValidator(validator)); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}

	if len(doc.Indexes) > 0 {
		created, err := m.db.Collection(name).Indexes().CreateMany(ctx, IndexModels(doc.Indexes))
		if err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, err)
		}
		logger.Debug("Indexes created", zap.Strings("indexes", created))
	}
	return nil
}

// IndexModels converts index specs into driver index models, keeping key order.
func IndexModels(specs []schema.IndexSpec) []mongo.IndexModel {
	models := make([]mongo.IndexModel, len(specs))
	for i, spec := range specs {
		models[i] = mongo.IndexModel{
			Keys:    spec.KeyDocument(),
			Options: options.Index().SetName(spec.Name).SetUnique(spec.Unique),
		}
	}
	return models
}

// WriteBatch writes one coerced batch to collection inside a transaction on a
// pooled session. Either every row of the batch is committed or none is.
// Errors are classified with Classify; a pool timeout is returned as is.
func (m *Manager) WriteBatch(ctx context.Context, collection string, batch coerce.RowBatch, opts WriteOptions) error {
	if batch.Len() == 0 {
		return nil
	}
	if opts.Mode == WriteUpsert && len(opts.Keys) == 0 {
		return &apperrors.PermanentWriteError{Table: collection, Batch: batch.Index, Err: fmt.Errorf("upsert needs key columns")}
	}
	docs := Documents(batch)

	sess, err := m.AcquireSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()

	err = m.WithTransaction(ctx, sess, func(txCtx context.Context) error {
		if opts.Mode == WriteUpsert {
			_, err := m.store.UpsertMany(txCtx, collection, opts.Keys, docs)
			return err
		}
		_, err := m.store.InsertMany(txCtx, collection, docs)
		return err
	})
	if err != nil {
		classified := Classify(collection, batch.Index, err)
		m.logger.Error("Batch write failed",
			zap.String("table", collection),
			zap.Int("batch", batch.Index),
			zap.Bool("transient", apperrors.IsTransient(classified)),
			zap.String("error", logging.SanitizeError(err)))
		return classified
	}

	m.logger.Debug("Batch committed",
		zap.String("table", collection),
		zap.Int("batch", batch.Index),
		zap.Int("rows", len(docs)))
	return nil
}

// CountDocuments counts the documents in collection matching filter.
func (m *Manager) CountDocuments(ctx context.Context, collection string, filter bson.D) (int64, error) {
	return m.store.CountDocuments(ctx, collection, filter)
}
