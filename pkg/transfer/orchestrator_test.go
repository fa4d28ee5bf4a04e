package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/coerce"
	"github.com/ekaya-inc/ekaya-migrate/pkg/config"
	"github.com/ekaya-inc/ekaya-migrate/pkg/docstore"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
	"github.com/ekaya-inc/ekaya-migrate/pkg/retry"
	"github.com/ekaya-inc/ekaya-migrate/pkg/schema"
)

// mockSource serves in-memory tables through the shared paged cursor.
type mockSource struct {
	mu         sync.Mutex
	tables     []string
	schemas    map[string]*models.TableDescriptor
	rows       map[string][][]any
	extractErr map[string]error
	countErr   error
	listErr    error
	readErr    map[string]error // returned by the fetch of batch readErrAt
	readErrAt  int
	readFails  int // fetches of batch readErrAt that fail; 0 means all of them
	readCalls  int
	closed     map[string]int
}

func newMockSource() *mockSource {
	return &mockSource{
		schemas:    map[string]*models.TableDescriptor{},
		rows:       map[string][][]any{},
		extractErr: map[string]error{},
		readErr:    map[string]error{},
		closed:     map[string]int{},
	}
}

func (m *mockSource) addTable(name string, pk []string, columns []models.ColumnDescriptor, rows [][]any) {
	m.tables = append(m.tables, name)
	m.schemas[name] = models.NewTableDescriptor("public", name, columns, pk, nil, int64(len(rows)))
	m.rows[name] = rows
}

// addOrders adds a table of n rows with an integer key and a text column.
func (m *mockSource) addOrders(name string, n int) {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i + 1), fmt.Sprintf("customer-%d", i+1)}
	}
	m.addTable(name, []string{"id"}, []models.ColumnDescriptor{
		{Name: "id", SourceType: "integer", Ordinal: 1},
		{Name: "customer", SourceType: "text", Nullable: true, Ordinal: 2},
	}, rows)
}

func (m *mockSource) Type() string { return "fake" }

func (m *mockSource) ListTables(context.Context) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]string(nil), m.tables...), nil
}

func (m *mockSource) ExtractSchema(_ context.Context, table string) (*models.TableDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.extractErr[table]; err != nil {
		return nil, err
	}
	td, ok := m.schemas[table]
	if !ok {
		return nil, &apperrors.SchemaExtractionError{Table: table, Err: apperrors.ErrNotFound}
	}
	return td, nil
}

func (m *mockSource) CountRows(_ context.Context, td *models.TableDescriptor) (int64, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return int64(len(m.rows[td.Name()])), nil
}

func (m *mockSource) Open(_ context.Context, td *models.TableDescriptor, pos datasource.Position) (datasource.Cursor, error) {
	m.mu.Lock()
	rows := m.rows[td.Name()]
	readErr := m.readErr[td.Name()]
	m.mu.Unlock()

	fetch := func(_ context.Context, after datasource.Position, limit int) (datasource.Page, error) {
		if readErr != nil && after.Batches+1 == m.readErrAt {
			m.mu.Lock()
			m.readCalls++
			failing := m.readFails == 0 || m.readCalls <= m.readFails
			m.mu.Unlock()
			if failing {
				return datasource.Page{}, readErr
			}
		}
		start := min(int(after.Offset), len(rows))
		end := min(start+limit, len(rows))
		return datasource.Page{Rows: rows[start:end]}, nil
	}
	return datasource.NewPagedCursor(td.Name(), pos, fetch, func() {
		m.mu.Lock()
		m.closed[td.Name()]++
		m.mu.Unlock()
	}), nil
}

// mockTarget records committed batches. writeErrs are consumed one per
// WriteBatch call on the collection; a nil entry means success.
type mockTarget struct {
	mu         sync.Mutex
	prepared   []string
	modes      []docstore.ExistingMode
	prepareErr []error
	writeErrs  map[string][]error
	calls      map[string]int
	written    map[string][]coerce.RowBatch
	writeOpts  map[string]docstore.WriteOptions
	countDelta int64
}

func newMockTarget() *mockTarget {
	return &mockTarget{
		writeErrs: map[string][]error{},
		calls:     map[string]int{},
		written:   map[string][]coerce.RowBatch{},
		writeOpts: map[string]docstore.WriteOptions{},
	}
}

func (m *mockTarget) PrepareCollection(_ context.Context, doc *schema.Document, mode docstore.ExistingMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepared = append(m.prepared, doc.Collection)
	m.modes = append(m.modes, mode)
	if len(m.prepareErr) > 0 {
		err := m.prepareErr[0]
		m.prepareErr = m.prepareErr[1:]
		return err
	}
	return nil
}

func (m *mockTarget) WriteBatch(_ context.Context, collection string, batch coerce.RowBatch, opts docstore.WriteOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[collection]++
	m.writeOpts[collection] = opts
	if errs := m.writeErrs[collection]; len(errs) > 0 {
		err := errs[0]
		m.writeErrs[collection] = errs[1:]
		if err != nil {
			return err
		}
	}
	m.written[collection] = append(m.written[collection], batch)
	return nil
}

func (m *mockTarget) CountDocuments(_ context.Context, collection string, _ bson.D) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, b := range m.written[collection] {
		n += int64(b.Len())
	}
	return n + m.countDelta, nil
}

func (m *mockTarget) batchSizes(collection string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sizes []int
	for _, b := range m.written[collection] {
		sizes = append(sizes, b.Len())
	}
	return sizes
}

type report struct {
	table       string
	rows, total int64
}

type recordingSink struct {
	mu       sync.Mutex
	reports  []report
	finished []string
}

func (s *recordingSink) Report(table string, rows, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report{table, rows, total})
}

func (s *recordingSink) Finish(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, table)
}

func testSettings() Settings {
	return Settings{
		Concurrency:        1,
		ExistingCollection: docstore.ExistingDrop,
		WriteMode:          docstore.WriteInsert,
		ExactCount:         true,
		MaxAttempts:        3,
		Retry:              retry.Policy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}
}

func transient(table string, batch int) error {
	return &apperrors.TransientWriteError{Table: table, Batch: batch, Err: errors.New("connection reset")}
}

func permanent(table string, batch int) error {
	return &apperrors.PermanentWriteError{Table: table, Batch: batch, Err: errors.New("duplicate key")}
}

func TestTransferTable_BatchesWholeTable(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 1037)
	target := newMockTarget()
	sink := &recordingSink{}
	o := New(source, target, testSettings(), zap.NewNop(), WithProgressSink(sink))

	res := o.TransferTable(context.Background(), "orders", 500)

	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Empty(t, res.Error)
	assert.Equal(t, int64(1037), res.RowsWritten)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, []int{500, 500, 37}, target.batchSizes("orders"))
	assert.Equal(t, []string{"orders"}, target.prepared)
	assert.Equal(t, []docstore.ExistingMode{docstore.ExistingDrop}, target.modes)

	assert.Equal(t, []report{
		{"orders", 0, 1037},
		{"orders", 500, 1037},
		{"orders", 1000, 1037},
		{"orders", 1037, 1037},
	}, sink.reports)
	assert.Equal(t, []string{"orders"}, sink.finished)
	assert.Equal(t, 1, source.closed["orders"])
}

func TestTransferTable_BatchesKeepCursorOrder(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 25)
	target := newMockTarget()
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 10)
	require.Equal(t, models.StatusSuccess, res.Status)

	var ids []int64
	for i, b := range target.written["orders"] {
		assert.Equal(t, i+1, b.Index)
		for _, row := range b.Rows {
			v, ok := row.Get("id")
			require.True(t, ok)
			id, _ := v.Int64()
			ids = append(ids, id)
		}
	}
	require.Len(t, ids, 25)
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}
}

func TestTransferTable_RetriesTransientWrite(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 1037)
	target := newMockTarget()
	target.writeErrs["orders"] = []error{nil, transient("orders", 2)}
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 500)

	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, int64(1037), res.RowsWritten)
	assert.Equal(t, 4, target.calls["orders"])
	assert.Equal(t, []int{500, 500, 37}, target.batchSizes("orders"))
}

func TestTransferTable_PermanentErrorAfterCommitIsPartial(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 1037)
	target := newMockTarget()
	target.writeErrs["orders"] = []error{nil, permanent("orders", 2)}
	sink := &recordingSink{}
	o := New(source, target, testSettings(), zap.NewNop(), WithProgressSink(sink))

	res := o.TransferTable(context.Background(), "orders", 500)

	assert.Equal(t, models.StatusPartial, res.Status)
	assert.Equal(t, int64(500), res.RowsWritten)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 0, res.Retries)
	assert.Contains(t, res.Error, "duplicate key")
	assert.True(t, apperrors.IsPermanent(res.Err))
	assert.Equal(t, 2, target.calls["orders"], "no retry, no further batches")
	assert.Equal(t, report{"orders", 500, 1037}, sink.reports[len(sink.reports)-1])
	assert.Equal(t, 1, source.closed["orders"])
}

func TestTransferTable_PermanentErrorOnFirstBatchIsFailed(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 1037)
	target := newMockTarget()
	target.writeErrs["orders"] = []error{permanent("orders", 1)}
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 500)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Zero(t, res.RowsWritten)
	assert.Zero(t, res.Batches)
	assert.NotEmpty(t, res.Error)
}

func TestTransferTable_RetriesExhausted(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 1037)
	target := newMockTarget()
	target.writeErrs["orders"] = []error{nil, transient("orders", 2), transient("orders", 2), transient("orders", 2)}
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 500)

	assert.Equal(t, models.StatusPartial, res.Status)
	assert.Equal(t, int64(500), res.RowsWritten)
	assert.Equal(t, 2, res.Retries)
	assert.True(t, apperrors.IsTransient(res.Err))
	assert.Equal(t, 4, target.calls["orders"])
}

func TestTransferTable_PoolTimeoutNotRetried(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 100)
	target := newMockTarget()
	target.writeErrs["orders"] = []error{&apperrors.PoolTimeoutError{Timeout: time.Second, Max: 2}}
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 50)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, 1, target.calls["orders"])
	var pte *apperrors.PoolTimeoutError
	assert.ErrorAs(t, res.Err, &pte)
}

func TestTransferTable_UnsupportedTypeFailsBeforeReading(t *testing.T) {
	source := newMockSource()
	source.addTable("shapes", []string{"id"}, []models.ColumnDescriptor{
		{Name: "id", SourceType: "integer", Ordinal: 1},
		{Name: "outline", SourceType: "polygon", Ordinal: 2},
	}, [][]any{{int64(1), "((0,0),(1,1),(1,0))"}})
	target := newMockTarget()
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "shapes", 500)

	assert.Equal(t, models.StatusFailed, res.Status)
	var ute *apperrors.UnsupportedTypeError
	require.ErrorAs(t, res.Err, &ute)
	assert.Equal(t, "polygon", ute.Type)
	assert.Empty(t, target.prepared)
	assert.Zero(t, target.calls["shapes"])
}

func TestTransferTable_SchemaExtractionError(t *testing.T) {
	source := newMockSource()
	target := newMockTarget()
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "missing", 500)

	assert.Equal(t, models.StatusFailed, res.Status)
	var see *apperrors.SchemaExtractionError
	assert.ErrorAs(t, res.Err, &see)
	assert.ErrorIs(t, res.Err, apperrors.ErrNotFound)
}

func TestTransferTable_CoercionErrorIsPermanent(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 30)
	source.rows["orders"][25][0] = "not-a-number"
	target := newMockTarget()
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 10)

	assert.Equal(t, models.StatusPartial, res.Status)
	assert.Equal(t, int64(20), res.RowsWritten)
	var pe *apperrors.PermanentWriteError
	require.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, 3, pe.Batch)
	assert.Equal(t, 2, target.calls["orders"], "the bad batch is never written")
}

func TestTransferTable_SourceReadRetried(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 1037)
	source.readErr["orders"] = errors.New("connection reset by peer")
	source.readErrAt = 2
	source.readFails = 1
	target := newMockTarget()
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 500)

	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, int64(1037), res.RowsWritten)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 2, source.readCalls, "the failed page is fetched again")
	assert.Equal(t, 3, target.calls["orders"])
}

func TestTransferTable_SourceReadRetriesExhausted(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 100)
	source.readErr["orders"] = errors.New("connection reset by peer")
	source.readErrAt = 3
	target := newMockTarget()
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 20)

	assert.Equal(t, models.StatusPartial, res.Status)
	assert.Equal(t, int64(40), res.RowsWritten)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, 3, source.readCalls)
	assert.Contains(t, res.Error, "read batch 3")
	assert.Equal(t, 1, source.closed["orders"])
}

func TestTransferTable_SourceReadPermanentError(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	source := newMockSource()
	source.addOrders("orders", 100)
	source.readErr["orders"] = errors.New(`ERROR: permission denied for table orders (SQLSTATE 42501)`)
	source.readErrAt = 3
	target := newMockTarget()
	o := New(source, target, testSettings(), zap.New(core))

	res := o.TransferTable(context.Background(), "orders", 20)

	assert.Equal(t, models.StatusPartial, res.Status)
	assert.Equal(t, int64(40), res.RowsWritten)
	assert.Zero(t, res.Retries)
	assert.Equal(t, 1, source.readCalls, "permission errors are not retried")

	stopped := recorded.FilterMessage("Table transfer stopped").All()
	require.Len(t, stopped, 1)
	assert.Equal(t, "read", stopped[0].ContextMap()["stage"])
	assert.Equal(t, int64(3), stopped[0].ContextMap()["batch"], "the batch that failed, not the last committed one")
}

func TestTransferTable_SetupFailureLogsSetupBatch(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	source := newMockSource()
	source.addOrders("orders", 10)
	target := newMockTarget()
	target.prepareErr = []error{permanent("orders", apperrors.SetupBatch)}
	o := New(source, target, testSettings(), zap.New(core))

	res := o.TransferTable(context.Background(), "orders", 500)

	assert.Equal(t, models.StatusFailed, res.Status)
	stopped := recorded.FilterMessage("Table transfer stopped").All()
	require.Len(t, stopped, 1)
	assert.Equal(t, "prepare", stopped[0].ContextMap()["stage"])
	assert.Equal(t, int64(apperrors.SetupBatch), stopped[0].ContextMap()["batch"])
}

func TestTransferTable_PrepareRetried(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 10)
	target := newMockTarget()
	target.prepareErr = []error{transient("orders", apperrors.SetupBatch)}
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 500)

	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Retries)
	assert.Len(t, target.prepared, 2)
}

func TestTransferTable_EmptyTable(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 0)
	target := newMockTarget()
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 500)

	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Zero(t, res.RowsWritten)
	assert.Zero(t, res.Batches)
	assert.Zero(t, target.calls["orders"])
	assert.Equal(t, []string{"orders"}, target.prepared)
}

func TestTransferTable_InvalidBatchSize(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 10)
	target := newMockTarget()
	o := New(source, target, testSettings(), zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 0)

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Empty(t, target.prepared)
}

func TestTransferTable_CanceledContext(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 100)
	target := newMockTarget()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := ProgressSinkFunc(func(_ string, rows, _ int64) {
		if rows >= 20 {
			cancel()
		}
	})
	o := New(source, target, testSettings(), zap.NewNop(), WithProgressSink(sink))

	res := o.TransferTable(ctx, "orders", 20)

	assert.Equal(t, models.StatusPartial, res.Status)
	assert.Equal(t, int64(20), res.RowsWritten)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestTransferTable_UpsertUsesPrimaryKey(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 5)
	source.addTable("audit_log", nil, []models.ColumnDescriptor{
		{Name: "event", SourceType: "text", Ordinal: 1},
	}, [][]any{{"login"}})
	target := newMockTarget()
	settings := testSettings()
	settings.WriteMode = docstore.WriteUpsert
	o := New(source, target, settings, zap.NewNop())

	require.Equal(t, models.StatusSuccess, o.TransferTable(context.Background(), "orders", 500).Status)
	require.Equal(t, models.StatusSuccess, o.TransferTable(context.Background(), "audit_log", 500).Status)

	assert.Equal(t, docstore.WriteOptions{Mode: docstore.WriteUpsert, Keys: []string{"id"}}, target.writeOpts["orders"])
	assert.Equal(t, docstore.WriteOptions{Mode: docstore.WriteInsert}, target.writeOpts["audit_log"])
}

func TestTransferTable_EstimateWhenCountFails(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 30)
	source.countErr = errors.New("statement timeout")
	target := newMockTarget()
	sink := &recordingSink{}
	o := New(source, target, testSettings(), zap.NewNop(), WithProgressSink(sink))

	res := o.TransferTable(context.Background(), "orders", 500)

	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, report{"orders", 0, 30}, sink.reports[0])
}

func TestTransferTable_VerifyCounts(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 30)
	target := newMockTarget()
	settings := testSettings()
	settings.VerifyCounts = true
	o := New(source, target, settings, zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 10)
	assert.Equal(t, models.StatusSuccess, res.Status)

	target2 := newMockTarget()
	target2.countDelta = -1
	o = New(source, target2, settings, zap.NewNop())

	res = o.TransferTable(context.Background(), "orders", 10)
	assert.Equal(t, models.StatusPartial, res.Status)
	assert.Contains(t, res.Error, "target has 29 documents, 30 rows were written")
}

func TestTransferTable_Throttled(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 30)
	target := newMockTarget()
	settings := testSettings()
	settings.MaxBatchesPerSecond = 1000
	o := New(source, target, settings, zap.NewNop())

	res := o.TransferTable(context.Background(), "orders", 10)
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Batches)
}

func TestTransferAll_ContinuesPastFailures(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 1037)
	source.addTable("shapes", nil, []models.ColumnDescriptor{
		{Name: "outline", SourceType: "polygon", Ordinal: 1},
	}, nil)
	source.addOrders("line_items", 120)
	target := newMockTarget()
	target.writeErrs["line_items"] = []error{nil, permanent("line_items", 2)}
	o := New(source, target, testSettings(), zap.NewNop())

	rep, err := o.TransferAll(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, rep.Results, 3)
	assert.Equal(t, "orders", rep.Results[0].TableName)
	assert.Equal(t, models.StatusSuccess, rep.Results[0].Status)
	assert.Equal(t, int64(1037), rep.Results[0].RowsWritten)
	assert.Equal(t, "shapes", rep.Results[1].TableName)
	assert.Equal(t, models.StatusFailed, rep.Results[1].Status)
	assert.Equal(t, "line_items", rep.Results[2].TableName)
	assert.Equal(t, models.StatusPartial, rep.Results[2].Status)

	assert.Equal(t, 2, rep.Failed())
	assert.Equal(t, models.RunSummary{Tables: 3, Succeeded: 1, Partial: 1, Failed: 1, RowsWritten: 1137}, rep.Summary)
	assert.Equal(t, "fake", rep.Source)
	assert.Equal(t, 100, rep.BatchSize)
	assert.False(t, rep.FinishedAt.Before(rep.StartedAt))
}

func TestTransferAll_ConcurrentKeepsTableOrder(t *testing.T) {
	source := newMockSource()
	names := []string{"a", "b", "c", "d", "e", "f"}
	for i, name := range names {
		source.addOrders(name, 10*(len(names)-i))
	}
	target := newMockTarget()
	settings := testSettings()
	settings.Concurrency = 3
	o := New(source, target, settings, zap.NewNop())

	rep, err := o.TransferAll(context.Background(), 7)
	require.NoError(t, err)

	require.Len(t, rep.Results, len(names))
	for i, name := range names {
		assert.Equal(t, name, rep.Results[i].TableName)
		assert.Equal(t, models.StatusSuccess, rep.Results[i].Status)
		assert.Equal(t, int64(10*(len(names)-i)), rep.Results[i].RowsWritten)
	}
}

func TestTransferAll_Filter(t *testing.T) {
	source := newMockSource()
	source.addOrders("orders", 10)
	source.addOrders("audit_log", 10)
	source.addOrders("line_items", 10)
	target := newMockTarget()
	settings := testSettings()
	tc := config.TransferConfig{ExcludeTables: []string{"audit_log"}}
	settings.Filter = tc.IncludeTable
	o := New(source, target, settings, zap.NewNop())

	rep, err := o.TransferAll(context.Background(), 500)
	require.NoError(t, err)

	require.Len(t, rep.Results, 2)
	assert.Equal(t, "orders", rep.Results[0].TableName)
	assert.Equal(t, "line_items", rep.Results[1].TableName)
	assert.NotContains(t, target.prepared, "audit_log")
}

func TestTransferAll_ListError(t *testing.T) {
	source := newMockSource()
	source.listErr = errors.New("permission denied")
	o := New(source, newMockTarget(), testSettings(), zap.NewNop())

	rep, err := o.TransferAll(context.Background(), 500)
	assert.Nil(t, rep)
	assert.ErrorContains(t, err, "permission denied")
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Target: config.TargetConfig{Database: "migrated"},
		Transfer: config.TransferConfig{
			Concurrency:         4,
			Tables:              []string{"orders"},
			ExistingCollection:  "truncate",
			WriteMode:           "upsert",
			MaxBatchesPerSecond: 2.5,
			ExactCount:          true,
			VerifyCounts:        true,
		},
		Retry: config.RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 8 * time.Second, Multiplier: 3, JitterFactor: 0.2},
	}

	s := SettingsFromConfig(cfg)

	assert.Equal(t, 4, s.Concurrency)
	assert.Equal(t, docstore.ExistingTruncate, s.ExistingCollection)
	assert.Equal(t, docstore.WriteUpsert, s.WriteMode)
	assert.Equal(t, 2.5, s.MaxBatchesPerSecond)
	assert.True(t, s.ExactCount)
	assert.True(t, s.VerifyCounts)
	assert.Equal(t, "migrated", s.TargetDatabase)
	assert.Equal(t, 5, s.MaxAttempts)
	assert.Equal(t, retry.Policy{InitialDelay: time.Second, MaxDelay: 8 * time.Second, Multiplier: 3, JitterFactor: 0.2}, s.Retry)
	require.NotNil(t, s.Filter)
	assert.True(t, s.Filter("orders"))
	assert.False(t, s.Filter("audit_log"))
}
