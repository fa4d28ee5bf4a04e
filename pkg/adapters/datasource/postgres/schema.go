package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/coerce"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// qualifiedTableName returns a properly quoted table reference.
// If schemaName is empty, returns just the quoted table name.
// Otherwise returns "schema"."table".
func qualifiedTableName(schemaName, tableName string) string {
	quotedTable := pgx.Identifier{tableName}.Sanitize()
	if schemaName == "" {
		return quotedTable
	}
	quotedSchema := pgx.Identifier{schemaName}.Sanitize()
	return quotedSchema + "." + quotedTable
}

// splitTableName resolves "schema.table" or a bare table name against the
// configured default schema.
func (a *Adapter) splitTableName(table string) (string, string) {
	if schemaName, tableName, ok := strings.Cut(table, "."); ok {
		return schemaName, tableName
	}
	if a.config.Schema != "" {
		return a.config.Schema, table
	}
	return DefaultSchema, table
}

// ListTables returns all user base tables. With a configured schema the names are
// bare; otherwise they are qualified as "schema.table".
func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	const query = `
		SELECT t.table_schema, t.table_name
		FROM information_schema.tables t
		WHERE t.table_type = 'BASE TABLE'
		  AND t.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		  AND ($1 = '' OR t.table_schema = $1)
		ORDER BY t.table_schema, t.table_name
	`

	rows, err := a.pool.Query(ctx, query, a.config.Schema)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var schemaName, tableName string
		if err := rows.Scan(&schemaName, &tableName); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		if a.config.Schema != "" {
			tables = append(tables, tableName)
		} else {
			tables = append(tables, schemaName+"."+tableName)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}

	return tables, nil
}

// ExtractSchema reads the table's catalog entries inside one read-only
// REPEATABLE READ transaction so columns, keys and indexes come from a single snapshot.
func (a *Adapter) ExtractSchema(ctx context.Context, table string) (*models.TableDescriptor, error) {
	schemaName, tableName := a.splitTableName(table)

	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, &apperrors.SchemaExtractionError{Table: table, Err: fmt.Errorf("begin catalog transaction: %w", err)}
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	estimated, err := estimatedRows(ctx, tx, schemaName, tableName)
	if err != nil {
		return nil, &apperrors.SchemaExtractionError{Table: table, Err: err}
	}

	columns, err := extractColumns(ctx, tx, schemaName, tableName)
	if err != nil {
		return nil, &apperrors.SchemaExtractionError{Table: table, Err: err}
	}

	primaryKey, err := extractPrimaryKey(ctx, tx, schemaName, tableName)
	if err != nil {
		return nil, &apperrors.SchemaExtractionError{Table: table, Err: err}
	}

	indexes, err := extractIndexes(ctx, tx, schemaName, tableName)
	if err != nil {
		return nil, &apperrors.SchemaExtractionError{Table: table, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &apperrors.SchemaExtractionError{Table: table, Err: fmt.Errorf("end catalog transaction: %w", err)}
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

// estimatedRows reads pg_class.reltuples and doubles as the existence check.
// Tables that were never analyzed report -1.
func estimatedRows(ctx context.Context, tx pgx.Tx, schemaName, tableName string) (int64, error) {
	const query = `
		SELECT c.reltuples::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2 AND c.relkind IN ('r', 'p')
	`

	var estimated int64
	err := tx.QueryRow(ctx, query, schemaName, tableName).Scan(&estimated)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("table %s: %w", qualifiedTableName(schemaName, tableName), apperrors.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query table statistics: %w", err)
	}
	if estimated < 0 {
		estimated = -1
	}
	return estimated, nil
}

func extractColumns(ctx context.Context, tx pgx.Tx, schemaName, tableName string) ([]models.ColumnDescriptor, error) {
	const query = `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES' as is_nullable,
			c.ordinal_position
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`

	rows, err := tx.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []models.ColumnDescriptor
	for rows.Next() {
		var c models.ColumnDescriptor
		if err := rows.Scan(&c.Name, &c.SourceType, &c.Nullable, &c.Ordinal); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s has no readable columns", qualifiedTableName(schemaName, tableName))
	}
	return columns, nil
}

// extractPrimaryKey uses pg_index.indisprimary, which also catches primary keys
// created as unique indexes by ORMs. Columns come back in key order.
func extractPrimaryKey(ctx context.Context, tx pgx.Tx, schemaName, tableName string) ([]string, error) {
	const query = `
		SELECT a.attname
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		CROSS JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord)
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE ix.indisprimary = true
		  AND n.nspname = $1
		  AND t.relname = $2
		ORDER BY k.ord
	`

	rows, err := tx.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query primary key: %w", err)
	}
	pk, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan primary key: %w", err)
	}
	return pk, nil
}

// extractIndexes returns plain column indexes other than the primary key.
// Expression and partial indexes have no document equivalent and are skipped.
func extractIndexes(ctx context.Context, tx pgx.Tx, schemaName, tableName string) ([]models.IndexDescriptor, error) {
	const query = `
		SELECT
			i.relname,
			ix.indisunique,
			array_agg(a.attname ORDER BY k.ord)::text[]
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		CROSS JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord)
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE ix.indisprimary = false
		  AND ix.indexprs IS NULL
		  AND ix.indpred IS NULL
		  AND n.nspname = $1
		  AND t.relname = $2
		GROUP BY i.relname, ix.indisunique
		ORDER BY i.relname
	`

	rows, err := tx.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query indexes: %w", err)
	}
	defer rows.Close()

	var indexes []models.IndexDescriptor
	for rows.Next() {
		var idx models.IndexDescriptor
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.Columns); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		indexes = append(indexes, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indexes: %w", err)
	}
	return indexes, nil
}
