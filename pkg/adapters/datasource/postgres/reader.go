package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-migrate/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// selectList returns the quoted column list in ordinal order.
func selectList(td *models.TableDescriptor) string {
	names := td.ColumnNames()
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = pgx.Identifier{name}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

// buildKeysetQuery returns the page query for a table with a primary key.
// Without resume the query starts at the first row and takes only the limit
// ($1); otherwise the key values are $1..$n and the limit is $n+1.
func buildKeysetQuery(td *models.TableDescriptor, resume bool) string {
	pk := td.PrimaryKey()
	quotedKey := make([]string, len(pk))
	params := make([]string, len(pk))
	for i, col := range pk {
		quotedKey[i] = pgx.Identifier{col}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	keyList := strings.Join(quotedKey, ", ")

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", selectList(td), qualifiedTableName(td.Schema(), td.Name()))
	limitParam := 1
	if resume {
		fmt.Fprintf(&b, " WHERE (%s) > (%s)", keyList, strings.Join(params, ", "))
		limitParam = len(pk) + 1
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT $%d", keyList, limitParam)
	return b.String()
}

// buildCtidQuery returns the page query for a table without a primary key.
// The physical row locator is appended as a trailing text column and used as the keyset.
func buildCtidQuery(td *models.TableDescriptor, resume bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, ctid::text FROM %s", selectList(td), qualifiedTableName(td.Schema(), td.Name()))
	limitParam := 1
	if resume {
		b.WriteString(" WHERE ctid > $1::tid")
		limitParam = 2
	}
	fmt.Fprintf(&b, " ORDER BY ctid LIMIT $%d", limitParam)
	return b.String()
}

// Open implements datasource.BatchReader. Every page is a separate pooled query,
// so a connection lost between batches costs nothing but a reconnect.
func (a *Adapter) Open(ctx context.Context, td *models.TableDescriptor, pos datasource.Position) (datasource.Cursor, error) {
	if td == nil {
		return nil, fmt.Errorf("table descriptor is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keyPositions := td.PrimaryKeyPositions()
	if len(pos.LastKey) > 0 && td.HasPrimaryKey() && len(pos.LastKey) != len(keyPositions) {
		return nil, fmt.Errorf("resume key has %d values, primary key of %s has %d columns",
			len(pos.LastKey), td.QualifiedName(), len(keyPositions))
	}

	var fetch datasource.PageFunc
	if td.HasPrimaryKey() {
		fetch = func(ctx context.Context, after datasource.Position, limit int) (datasource.Page, error) {
			resume := len(after.LastKey) > 0
			args := append([]any(nil), after.LastKey...)
			args = append(args, limit)
			rows, err := a.queryRows(ctx, buildKeysetQuery(td, resume), args)
			if err != nil || len(rows) == 0 {
				return datasource.Page{}, err
			}
			return datasource.Page{Rows: rows, NextKey: datasource.KeyOf(rows[len(rows)-1], keyPositions)}, nil
		}
	} else {
		a.logger.Warn("Table has no primary key, paging by physical row order",
			zap.String("table", td.QualifiedName()))
		width := len(td.ColumnNames())
		fetch = func(ctx context.Context, after datasource.Position, limit int) (datasource.Page, error) {
			resume := len(after.LastKey) > 0
			args := append([]any(nil), after.LastKey...)
			args = append(args, limit)
			rows, err := a.queryRows(ctx, buildCtidQuery(td, resume), args)
			if err != nil || len(rows) == 0 {
				return datasource.Page{}, err
			}
			last := rows[len(rows)-1][width]
			for i := range rows {
				rows[i] = rows[i][:width]
			}
			return datasource.Page{Rows: rows, NextKey: []any{last}}, nil
		}
	}

	a.logger.Debug("Opened cursor",
		zap.String("table", td.QualifiedName()),
		zap.Stringer("position", pos))

	return datasource.NewPagedCursor(td.QualifiedName(), pos, fetch, nil), nil
}

// queryRows runs one page query and returns the decoded values of every row.
func (a *Adapter) queryRows(ctx context.Context, query string, args []any) ([][]any, error) {
	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		a.logger.Debug("Page query failed", zap.String("query", logging.SanitizeQuery(query)))
		return nil, fmt.Errorf("query page: %w", err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
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
	query := fmt.Sprintf("SELECT count(*) FROM %s", qualifiedTableName(td.Schema(), td.Name()))
	var n int64
	if err := a.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows of %s: %w", td.QualifiedName(), err)
	}
	return n, nil
}
