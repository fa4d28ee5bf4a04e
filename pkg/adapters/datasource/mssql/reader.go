package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

func selectList(td *models.TableDescriptor) string {
	names := td.ColumnNames()
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = quoteName(name)
	}
	return strings.Join(quoted, ", ")
}

// buildKeysetQuery returns the page query for a table with a primary key. SQL
// Server has no row-value comparison, so (a, b) > (@k1, @k2) is expanded to
// a > @k1 OR (a = @k1 AND b > @k2).
func buildKeysetQuery(td *models.TableDescriptor, resume bool) string {
	pk := td.PrimaryKey()
	quotedKey := make([]string, len(pk))
	for i, col := range pk {
		quotedKey[i] = quoteName(col)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT TOP (@limit) %s FROM %s", selectList(td), buildFullyQualifiedName(td.Schema(), td.Name()))
	if resume {
		terms := make([]string, len(pk))
		for i := range pk {
			parts := make([]string, 0, i+1)
			for j := 0; j < i; j++ {
				parts = append(parts, fmt.Sprintf("%s = @k%d", quotedKey[j], j+1))
			}
			parts = append(parts, fmt.Sprintf("%s > @k%d", quotedKey[i], i+1))
			terms[i] = "(" + strings.Join(parts, " AND ") + ")"
		}
		fmt.Fprintf(&b, " WHERE %s", strings.Join(terms, " OR "))
	}
	fmt.Fprintf(&b, " ORDER BY %s", strings.Join(quotedKey, ", "))
	return b.String()
}

// buildOffsetQuery returns the page query for a table without a primary key,
// ordered by every orderable column so OFFSET is deterministic for a static table.
func buildOffsetQuery(td *models.TableDescriptor) string {
	var order []string
	for _, col := range td.Columns() {
		if isOrderableType(col.SourceType) {
			order = append(order, quoteName(col.Name))
		}
	}
	orderBy := "(SELECT NULL)"
	if len(order) > 0 {
		orderBy = strings.Join(order, ", ")
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s OFFSET @offset ROWS FETCH NEXT @limit ROWS ONLY",
		selectList(td), buildFullyQualifiedName(td.Schema(), td.Name()), orderBy)
}

// rowConversions lists the columns whose scanned driver values are converted
// before coercion. The converted values also bind back as keyset parameters.
type rowConversions struct {
	guids    []int
	decimals []int
}

func conversionsFor(td *models.TableDescriptor) rowConversions {
	var c rowConversions
	for i, col := range td.Columns() {
		switch col.SourceType {
		case "uniqueidentifier":
			c.guids = append(c.guids, i)
		case "decimal", "numeric", "money", "smallmoney":
			c.decimals = append(c.decimals, i)
		}
	}
	return c
}

// Open implements datasource.BatchReader. Each page runs on its own pooled
// connection; resuming needs only the returned Position.
func (a *Adapter) Open(ctx context.Context, td *models.TableDescriptor, pos datasource.Position) (datasource.Cursor, error) {
	if td == nil {
		return nil, fmt.Errorf("table descriptor is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conv := conversionsFor(td)
	keyPositions := td.PrimaryKeyPositions()

	var fetch datasource.PageFunc
	if td.HasPrimaryKey() {
		if len(pos.LastKey) > 0 && len(pos.LastKey) != len(keyPositions) {
			return nil, fmt.Errorf("resume key has %d values, primary key of %s has %d columns",
				len(pos.LastKey), td.QualifiedName(), len(keyPositions))
		}
		fetch = func(ctx context.Context, after datasource.Position, limit int) (datasource.Page, error) {
			resume := len(after.LastKey) > 0
			args := []any{sql.Named("limit", limit)}
			for i, v := range after.LastKey {
				args = append(args, sql.Named(fmt.Sprintf("k%d", i+1), v))
			}
			rows, err := a.queryRows(ctx, buildKeysetQuery(td, resume), args, conv)
			if err != nil || len(rows) == 0 {
				return datasource.Page{}, err
			}
			return datasource.Page{Rows: rows, NextKey: datasource.KeyOf(rows[len(rows)-1], keyPositions)}, nil
		}
	} else {
		a.logger.Warn("Table has no primary key, paging by OFFSET over all columns",
			zap.String("table", td.QualifiedName()))
		query := buildOffsetQuery(td)
		fetch = func(ctx context.Context, after datasource.Position, limit int) (datasource.Page, error) {
			rows, err := a.queryRows(ctx, query, []any{
				sql.Named("offset", after.Offset),
				sql.Named("limit", limit),
			}, conv)
			return datasource.Page{Rows: rows}, err
		}
	}

	a.logger.Debug("Opened cursor",
		zap.String("table", td.QualifiedName()),
		zap.Stringer("position", pos))

	return datasource.NewPagedCursor(td.QualifiedName(), pos, fetch, nil), nil
}

// queryRows runs one page query and scans every row into driver values.
func (a *Adapter) queryRows(ctx context.Context, query string, args []any, conv rowConversions) ([][]any, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		a.logger.Debug("Page query failed", zap.String("query", logging.SanitizeQuery(query)))
		return nil, fmt.Errorf("query page: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := normalizeRow(values, conv); err != nil {
			return nil, err
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page: %w", err)
	}
	return out, nil
}

// CountRows implements datasource.BatchReader.
func (a *Adapter) CountRows(ctx context.Context, td *models.TableDescriptor) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT_BIG(*) FROM %s", buildFullyQualifiedName(td.Schema(), td.Name()))
	var n int64
	if err := a.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows of %s: %w", td.QualifiedName(), err)
	}
	return n, nil
}
