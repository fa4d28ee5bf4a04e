// Package transfer drives table-by-table copies from a relational source into
// the document store: schema extraction, collection setup, batched reads,
// coercion and retried transactional writes, with per-table results.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/coerce"
	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
	"github.com/ekaya-inc/ekaya-migrate/pkg/docstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/retry"
	"github.com/ekaya-inc/ekaya-migrate/pkg/schema"
)

// Source is the read side of a transfer.
type Source interface {
	datasource.SchemaExtractor
	datasource.BatchReader
	Type() string
}

// Target is the write side of a transfer. *docstore.Manager implements it.
type Target interface {
	PrepareCollection(ctx context.Context, doc *schema.Document, mode docstore.ExistingMode) error
	WriteBatch(ctx context.Context, collection string, batch coerce.RowBatch, opts docstore.WriteOptions) error
	CountDocuments(ctx context.Context, collection string, filter bson.D) (int64, error)
}

var (
	_ Source = (datasource.Source)(nil)
	_ Target = (*docstore.Manager)(nil)
)

// Settings are the transfer knobs, usually built with SettingsFromConfig.
type Settings struct {
	Concurrency         int
	Filter              func(table string) bool
	ExistingCollection  docstore.ExistingMode
	WriteMode           docstore.WriteMode
	MaxBatchesPerSecond float64
	ExactCount          bool
	VerifyCounts        bool
	TargetDatabase      string

	MaxAttempts int
	Retry       retry.Policy
}

// SettingsFromConfig maps the loaded configuration onto Settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	tr := cfg.Transfer
	return Settings{
		Concurrency:         tr.Concurrency,
		Filter:              tr.IncludeTable,
		ExistingCollection:  docstore.ExistingMode(tr.ExistingCollection),
		WriteMode:           docstore.WriteMode(tr.WriteMode),
		MaxBatchesPerSecond: tr.MaxBatchesPerSecond,
		ExactCount:          tr.ExactCount,
		VerifyCounts:        tr.VerifyCounts,
		TargetDatabase:      cfg.Target.Database,
		MaxAttempts:         cfg.Retry.MaxAttempts,
		Retry: retry.Policy{
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			JitterFactor: cfg.Retry.JitterFactor,
		},
	}
}

// Orchestrator copies tables from a Source to a Target.
type Orchestrator struct {
	source   Source
	target   Target
	settings Settings
	sink     ProgressSink
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProgressSink sets where progress is reported. Defaults to NopSink.
func WithProgressSink(sink ProgressSink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithClock replaces time.Now for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an orchestrator.
func New(source Source, target Target, settings Settings, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Concurrency < 1 {
		settings.Concurrency = 1
	}
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	if settings.ExistingCollection == "" {
		settings.ExistingCollection = docstore.ExistingAppend
	}
	if settings.WriteMode == "" {
		settings.WriteMode = docstore.WriteInsert
	}

	o := &Orchestrator{
		source:   source,
		target:   target,
		settings: settings,
		sink:     NopSink{},
		now:      time.Now,
		logger:   logger.Named("transfer"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TransferAll transfers every listed table that passes the table filter, up
// to Settings.Concurrency tables at a time. A failing table never stops the
// others. Results follow the source's table order. The error is non-nil only
// when the table list itself could not be read.
func (o *Orchestrator) TransferAll(ctx context.Context, batchSize int) (*models.RunReport, error) {
	report := models.NewRunReport(o.source.Type(), o.settings.TargetDatabase, batchSize, o.now())

	tables, err := o.source.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list source tables: %w", err)
	}

	selected := make([]string, 0, len(tables))
	for _, t := range tables {
		if o.settings.Filter == nil || o.settings.Filter(t) {
			selected = append(selected, t)
		}
	}
	o.logger.Info("Starting transfer",
		zap.String("run_id", report.RunID.String()),
		zap.Int("tables", len(selected)),
		zap.Int("skipped", len(tables)-len(selected)),
		zap.Int("batch_size", batchSize),
		zap.Int("concurrency", o.settings.Concurrency))

	results := make([]models.TransferResult, len(selected))
	var g errgroup.Group
	g.SetLimit(o.settings.Concurrency)
	for i, table := range selected {
		g.Go(func() error {
			results[i] = o.TransferTable(ctx, table, batchSize)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	report.Complete(o.now())

	o.logger.Info("Transfer finished",
		zap.String("run_id", report.RunID.String()),
		zap.Int("succeeded", report.Summary.Succeeded),
		zap.Int("partial", report.Summary.Partial),
		zap.Int("failed", report.Summary.Failed),
		zap.Int64("rows", report.Summary.RowsWritten))
	return report, nil
}

// TransferTable copies one table in batches of batchSize rows. Every batch is
// committed whole or not at all; the result counts committed rows only. The
// status is success when the cursor reached the end of the table, partial when
// it stopped after at least one committed batch and failed otherwise.
func (o *Orchestrator) TransferTable(ctx context.Context, table string, batchSize int) models.TransferResult {
	res := models.TransferResult{TableName: table, StartedAt: o.now()}
	logger := o.logger.With(zap.String("table", table))
	progress := models.NewTransferProgress(table, 0, false)

	defer finish(o.sink, table)

	fail := func(stage string, err error) models.TransferResult {
		res.RowsWritten = progress.RowsTransferred
		res.Batches = progress.BatchesCompleted
		res.Retries = progress.Retries
		res.Fail(err)
		res.Finish(o.now())
		logger.Error("Table transfer stopped",
			zap.String("stage", stage),
			zap.String("status", string(res.Status)),
			zap.Int("batch", failedBatch(stage, progress)),
			zap.Int64("rows", progress.RowsTransferred),
			zap.String("error", logging.SanitizeError(err)))
		return res
	}

	if batchSize < 1 {
		return fail("validate", fmt.Errorf("batch size must be at least 1, got %d", batchSize))
	}

	td, err := o.source.ExtractSchema(ctx, table)
	if err != nil {
		return fail("schema", err)
	}
	doc, err := schema.ToTargetSchemaDocument(td)
	if err != nil {
		return fail("schema", err)
	}

	policy := o.retryPolicy(progress, logger)
	// the cursor only advances on a successful fetch, and each page takes a
	// fresh pooled connection, so a dropped source connection can be retried
	readPolicy := policy
	readPolicy.Classify = retry.IsRetryable

	err = retry.WithRetry(ctx, func() error {
		return o.target.PrepareCollection(ctx, doc, o.settings.ExistingCollection)
	}, o.settings.MaxAttempts, policy)
	if err != nil {
		return fail("prepare", err)
	}

	progress.TotalRows, progress.TotalExact = o.countRows(ctx, td, logger)
	o.sink.Report(table, 0, progress.TotalRows)

	cursor, err := o.source.Open(ctx, td, datasource.Position{})
	if err != nil {
		return fail("open", err)
	}
	defer func() {
		if err := cursor.Close(); err != nil {
			logger.Warn("Failed to close cursor", zap.Error(err))
		}
	}()

	writeOpts := o.writeOptions(td, logger)

	var limiter *rate.Limiter
	if o.settings.MaxBatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.settings.MaxBatchesPerSecond), 1)
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail("read", err)
		}

		var raw *datasource.RawBatch
		err := retry.WithRetry(ctx, func() error {
			var err error
			raw, err = cursor.NextBatch(ctx, batchSize)
			return err
		}, o.settings.MaxAttempts, readPolicy)
		if errors.Is(err, apperrors.ErrEndOfTable) {
			break
		}
		if err != nil {
			return fail("read", err)
		}

		batch, err := coerce.CoerceBatch(td, raw.Index, raw.Rows)
		if err != nil {
			return fail("coerce", &apperrors.PermanentWriteError{Table: table, Batch: raw.Index, Err: err})
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fail("throttle", err)
			}
		}

		err = retry.WithRetry(ctx, func() error {
			return o.target.WriteBatch(ctx, td.Name(), batch, writeOpts)
		}, o.settings.MaxAttempts, policy)
		if err != nil {
			return fail("write", err)
		}

		progress.Commit(batch.Len())
		o.sink.Report(table, progress.RowsTransferred, progress.TotalRows)
		logger.Debug("Batch transferred",
			zap.Int("batch", batch.Index),
			zap.Int("rows", batch.Len()),
			zap.Int64("total_rows", progress.RowsTransferred))
	}

	res.RowsWritten = progress.RowsTransferred
	res.Batches = progress.BatchesCompleted
	res.Retries = progress.Retries

	if o.settings.VerifyCounts {
		if err := o.verify(ctx, td.Name(), progress.RowsTransferred); err != nil {
			return fail("verify", err)
		}
	}

	res.Status = models.StatusSuccess
	res.Finish(o.now())
	logger.Info("Table transferred",
		zap.Int64("rows", res.RowsWritten),
		zap.Int("batches", res.Batches),
		zap.Int("retries", res.Retries),
		zap.Int64("duration_ms", res.DurationMS))
	return res
}

// failedBatch is the 1-based index of the batch a stage failed on, or
// apperrors.SetupBatch for stages that run before the first read.
func failedBatch(stage string, progress *models.TransferProgress) int {
	switch stage {
	case "read", "coerce", "throttle", "write":
		return progress.BatchesCompleted + 1
	case "verify":
		return progress.BatchesCompleted
	}
	return apperrors.SetupBatch
}

func (o *Orchestrator) retryPolicy(progress *models.TransferProgress, logger *zap.Logger) retry.Policy {
	policy := o.settings.Retry
	policy.Classify = apperrors.IsTransient
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		progress.RecordRetry()
		logger.Warn("Retrying after transient error",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Int("batch", progress.BatchesCompleted+1),
			zap.String("error", logging.SanitizeError(err)))
	}
	return policy
}

// countRows returns the exact count when configured and available, else the
// catalog estimate.
func (o *Orchestrator) countRows(ctx context.Context, td *models.TableDescriptor, logger *zap.Logger) (int64, bool) {
	if o.settings.ExactCount {
		n, err := o.source.CountRows(ctx, td)
		if err == nil {
			return n, true
		}
		logger.Warn("Exact row count failed, using estimate", zap.String("error", logging.SanitizeError(err)))
	}
	return max(td.EstimatedRows(), 0), false
}

func (o *Orchestrator) writeOptions(td *models.TableDescriptor, logger *zap.Logger) docstore.WriteOptions {
	opts := docstore.WriteOptions{Mode: o.settings.WriteMode}
	if opts.Mode != docstore.WriteUpsert {
		return opts
	}
	opts.Keys = td.PrimaryKey()
	if len(opts.Keys) == 0 {
		logger.Warn("Table has no primary key, inserting instead of upserting")
		opts.Mode = docstore.WriteInsert
	}
	return opts
}

// verify compares the target's document count with the rows written. An
// appended collection may hold older documents, so there it only needs at
// least as many.
func (o *Orchestrator) verify(ctx context.Context, collection string, written int64) error {
	n, err := o.target.CountDocuments(ctx, collection, nil)
	if err != nil {
		return fmt.Errorf("verify document count: %w", err)
	}
	appended := o.settings.ExistingCollection == docstore.ExistingAppend
	if n == written || (appended && n > written) {
		return nil
	}
	return fmt.Errorf("verify document count: target has %d documents, %d rows were written", n, written)
}
