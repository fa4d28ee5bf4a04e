//go:build integration

package transfer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-migrate/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/ekaya-migrate/pkg/docstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/testhelpers"
)

type pipeline struct {
	source datasource.Source
	target *docstore.Manager
}

func setupPipeline(t *testing.T) *pipeline {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	db := testhelpers.GetTestDB(t)
	mongo := testhelpers.GetTestMongo(t)
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	src, err := datasource.Open(ctx, db.SourceConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	tgt, err := docstore.Connect(ctx, mongo.TargetConfig(fmt.Sprintf("transfer_%d", time.Now().UnixNano())), logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tgt.Database().Drop(context.Background())
		_ = tgt.Close(context.Background())
	})

	return &pipeline{source: src, target: tgt}
}

func (p *pipeline) orchestrator(t *testing.T, settings Settings, opts ...Option) *Orchestrator {
	t.Helper()
	settings.TargetDatabase = p.target.Database().Name()
	return New(p.source, p.target, settings, zaptest.NewLogger(t), opts...)
}

func TestIntegration_TransferTable_Orders(t *testing.T) {
	p := setupPipeline(t)
	sink := &recordingSink{}
	o := p.orchestrator(t, testSettings(), WithProgressSink(sink))

	res := o.TransferTable(context.Background(), "orders", 500)

	require.Equal(t, models.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, int64(1037), res.RowsWritten)
	assert.Equal(t, 3, res.Batches)

	ctx := context.Background()
	n, err := p.target.CountDocuments(ctx, "orders", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1037), n)

	doc, err := p.target.Store().FindOne(ctx, "orders", bson.D{{Key: "id", Value: int64(42)}})
	require.NoError(t, err)
	assert.Equal(t, "customer-8", doc["customer"])
	assert.InDelta(t, 47.25, doc["amount"], 1e-9)
	assert.Equal(t, true, doc["paid"])
	assert.IsType(t, bson.DateTime(0), doc["placed_at"])

	last := sink.reports[len(sink.reports)-1]
	assert.Equal(t, int64(1037), last.rows)
}

func TestIntegration_TransferTable_RerunWithUpsert(t *testing.T) {
	p := setupPipeline(t)
	settings := testSettings()
	settings.ExistingCollection = docstore.ExistingAppend
	settings.WriteMode = docstore.WriteUpsert
	o := p.orchestrator(t, settings)

	for range 2 {
		res := o.TransferTable(context.Background(), "line_items", 50)
		require.Equal(t, models.StatusSuccess, res.Status, res.Error)
		assert.Equal(t, int64(120), res.RowsWritten)
	}

	n, err := p.target.CountDocuments(context.Background(), "line_items", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(120), n, "upserts keyed on the composite primary key do not duplicate")
}

func TestIntegration_TransferAll(t *testing.T) {
	p := setupPipeline(t)
	settings := testSettings()
	settings.Concurrency = 2
	settings.VerifyCounts = true
	o := p.orchestrator(t, settings)

	report, err := o.TransferAll(context.Background(), 100)
	require.NoError(t, err)

	byTable := make(map[string]models.TransferResult)
	for _, r := range report.Results {
		byTable[r.TableName] = r
	}
	require.Contains(t, byTable, "orders")
	require.Contains(t, byTable, "shapes")

	assert.Equal(t, models.StatusSuccess, byTable["orders"].Status)
	assert.Equal(t, models.StatusSuccess, byTable["line_items"].Status)
	assert.Equal(t, models.StatusSuccess, byTable["audit_log"].Status, "tables without a primary key still transfer")
	assert.Equal(t, int64(250), byTable["audit_log"].RowsWritten)

	shapes := byTable["shapes"]
	assert.Equal(t, models.StatusFailed, shapes.Status)
	assert.Contains(t, shapes.Error, "polygon")
	assert.Zero(t, shapes.RowsWritten)

	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, int64(1037+120+250), report.Summary.RowsWritten)
}
