package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/coerce"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// ListTables returns all user tables (excludes system tables). With a configured
// schema the names are bare; otherwise they are qualified as "schema.table".
func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	query := `
	SET NOCOUNT ON;
	SELECT SCHEMA_NAME(t.schema_id) AS table_schema, t.name AS table_name
	FROM sys.tables t
	WHERE t.is_ms_shipped = 0
	  AND (@schema = N'' OR SCHEMA_NAME(t.schema_id) = @schema)
	ORDER BY table_schema, table_name
	`

	rows, err := a.db.QueryContext(ctx, query, sql.Named("schema", a.config.Schema))
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var schemaName, tableName string
		if err := rows.Scan(&schemaName, &tableName); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		if a.config.Schema != "" {
			tables = append(tables, tableName)
		} else {
			tables = append(tables, schemaName+"."+tableName)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table rows: %w", err)
	}

	return tables, nil
}

// ExtractSchema reads the table's catalog entries inside one SNAPSHOT transaction.
// Databases without ALLOW_SNAPSHOT_ISOLATION fall back to REPEATABLE READ.
func (a *Adapter) ExtractSchema(ctx context.Context, table string) (*models.TableDescriptor, error) {
	schemaName, tableName := parseSchemaTable(table, a.config.Schema)

	var (
		estimated  int64
		columns    []models.ColumnDescriptor
		primaryKey []string
		indexes    []models.IndexDescriptor
	)
	read := func(tx *sql.Tx) error {
		objectID, rowsEstimate, err := lookupTable(ctx, tx, schemaName, tableName)
		if err != nil {
			return err
		}
		estimated = rowsEstimate
		if columns, err = extractColumns(ctx, tx, objectID); err != nil {
			return err
		}
		if primaryKey, err = extractPrimaryKey(ctx, tx, objectID); err != nil {
			return err
		}
		indexes, err = extractIndexes(ctx, tx, objectID)
		return err
	}

	if err := a.inCatalogTx(ctx, read); err != nil {
		return nil, &apperrors.SchemaExtractionError{Table: table, Err: err}
	}

	td := models.NewTableDescriptor(schemaName, tableName, columns, primaryKey, indexes, estimated)
	if err := coerce.ValidateTable(td); err != nil {
		return nil, err
	}

	a.logger.Debug("Extracted table schema",
		zap.String("table", td.QualifiedName()),
		zap.Int("columns", len(columns)),
		zap.Strings("primary_key", primaryKey),
		zap.Int("indexes", len(indexes)),
		zap.Int64("estimated_rows", estimated))

	return td, nil
}

// inCatalogTx runs fn in a snapshot transaction, retrying once under
// REPEATABLE READ when the database does not allow snapshot isolation.
func (a *Adapter) inCatalogTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := a.runTx(ctx, sql.LevelSnapshot, fn)
	if err == nil || !isSnapshotNotAllowed(err) {
		return err
	}
	a.logger.Warn("Snapshot isolation not enabled, reading catalog under REPEATABLE READ",
		zap.String("database", a.config.Database))
	return a.runTx(ctx, sql.LevelRepeatableRead, fn)
}

func (a *Adapter) runTx(ctx context.Context, level sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := a.db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return fmt.Errorf("begin catalog transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("end catalog transaction: %w", err)
	}
	return nil
}

// isSnapshotNotAllowed matches error 3952.
func isSnapshotNotAllowed(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "snapshot isolation")
}

// lookupTable resolves the table's object_id and its row estimate from
// sys.partitions (heap or clustered index only).
func lookupTable(ctx context.Context, tx *sql.Tx, schemaName, tableName string) (int64, int64, error) {
	query := `
	SELECT t.object_id, COALESCE(SUM(p.rows), 0)
	FROM sys.tables t
	LEFT JOIN sys.partitions p ON p.object_id = t.object_id AND p.index_id IN (0, 1)
	WHERE t.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
	GROUP BY t.object_id
	`

	var objectID, estimated int64
	err := tx.QueryRowContext(ctx, query,
		sql.Named("schema", schemaName),
		sql.Named("table", tableName),
	).Scan(&objectID, &estimated)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("table %s: %w", buildFullyQualifiedName(schemaName, tableName), apperrors.ErrNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("query table: %w", err)
	}
	return objectID, estimated, nil
}

// extractColumns resolves alias types to their base system type so the coercion
// catalogue sees e.g. nvarchar instead of a user-defined name. CLR types keep
// their own name and are rejected by validation.
func extractColumns(ctx context.Context, tx *sql.Tx, objectID int64) ([]models.ColumnDescriptor, error) {
	query := `
	SELECT
	    c.name,
	    CASE WHEN tp.is_user_defined = 1 AND tp.is_assembly_type = 0 THEN bt.name ELSE tp.name END,
	    c.is_nullable,
	    c.column_id
	FROM sys.columns c
	INNER JOIN sys.types tp ON tp.user_type_id = c.user_type_id
	LEFT JOIN sys.types bt ON bt.user_type_id = c.system_type_id
	WHERE c.object_id = @object_id
	ORDER BY c.column_id
	`

	rows, err := tx.QueryContext(ctx, query, sql.Named("object_id", objectID))
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []models.ColumnDescriptor
	for rows.Next() {
		var c models.ColumnDescriptor
		var typeName string
		if err := rows.Scan(&c.Name, &typeName, &c.Nullable, &c.Ordinal); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		c.SourceType = catalogTypeName(typeName)
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table has no readable columns")
	}
	return columns, nil
}

func extractPrimaryKey(ctx context.Context, tx *sql.Tx, objectID int64) ([]string, error) {
	query := `
	SELECT c.name
	FROM sys.indexes i
	INNER JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
	INNER JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
	WHERE i.object_id = @object_id AND i.is_primary_key = 1
	ORDER BY ic.key_ordinal
	`

	rows, err := tx.QueryContext(ctx, query, sql.Named("object_id", objectID))
	if err != nil {
		return nil, fmt.Errorf("query primary key: %w", err)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan primary key row: %w", err)
		}
		pk = append(pk, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate primary key rows: %w", err)
	}
	return pk, nil
}

// extractIndexes returns clustered and nonclustered rowstore indexes other than
// the primary key. Filtered indexes and included columns are skipped.
func extractIndexes(ctx context.Context, tx *sql.Tx, objectID int64) ([]models.IndexDescriptor, error) {
	query := `
	SELECT i.name, i.is_unique, c.name
	FROM sys.indexes i
	INNER JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
	INNER JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
	WHERE i.object_id = @object_id
	  AND i.is_primary_key = 0
	  AND i.is_hypothetical = 0
	  AND i.has_filter = 0
	  AND i.type IN (1, 2)
	  AND ic.is_included_column = 0
	ORDER BY i.name, ic.key_ordinal
	`

	rows, err := tx.QueryContext(ctx, query, sql.Named("object_id", objectID))
	if err != nil {
		return nil, fmt.Errorf("query indexes: %w", err)
	}
	defer rows.Close()

	var indexes []models.IndexDescriptor
	for rows.Next() {
		var name, column string
		var unique bool
		if err := rows.Scan(&name, &unique, &column); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		if n := len(indexes); n > 0 && indexes[n-1].Name == name {
			indexes[n-1].Columns = append(indexes[n-1].Columns, column)
			continue
		}
		indexes = append(indexes, models.IndexDescriptor{Name: name, Unique: unique, Columns: []string{column}})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index rows: %w", err)
	}
	return indexes, nil
}
