package datasource

import (
	"context"

	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// ConnectionTester tests database connectivity.
// Each implementation owns its connection and must be closed when done.
type ConnectionTester interface {
	// TestConnection verifies the database is reachable with valid credentials.
	TestConnection(ctx context.Context) error

	// Close releases the database connection.
	Close() error
}

// SchemaExtractor reads catalog metadata for user tables.
type SchemaExtractor interface {
	// ListTables returns the user tables in a stable order. System catalogs are excluded.
	ListTables(ctx context.Context) ([]string, error)

	// ExtractSchema reads columns, primary key, indexes and the estimated row count
	// of one table in a single consistent catalog read. A missing table or an
	// unreadable catalog yields *apperrors.SchemaExtractionError; a column whose
	// type has no coercion rule yields *apperrors.UnsupportedTypeError.
	ExtractSchema(ctx context.Context, table string) (*models.TableDescriptor, error)
}

// BatchReader opens resumable cursors over a table's rows.
type BatchReader interface {
	// Open returns a cursor positioned just after pos. The zero Position starts
	// at the first row.
	Open(ctx context.Context, td *models.TableDescriptor, pos Position) (Cursor, error)

	// CountRows returns the exact number of rows in the table.
	CountRows(ctx context.Context, td *models.TableDescriptor) (int64, error)
}

// Cursor pages through a table in a deterministic order.
type Cursor interface {
	// NextBatch reads up to batchSize rows. It returns apperrors.ErrEndOfTable
	// once the table is exhausted and apperrors.ErrCursorClose after Close.
	NextBatch(ctx context.Context, batchSize int) (*RawBatch, error)

	// Position is the point just after the last fully read batch.
	Position() Position

	// Close releases source-side resources. Safe to call more than once.
	Close() error
}

// Source is a complete relational source: schema extraction plus batch reads.
type Source interface {
	ConnectionTester
	SchemaExtractor
	BatchReader

	// Type returns the registered adapter type ("postgres", "mssql").
	Type() string
}
