package coerce

import (
	"errors"
	"fmt"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-migrate/pkg/models"
)

// Row maps column names to coerced values, in source column order.
type Row struct {
	Columns []string
	Values  []Value
}

// Get returns the value of the named column.
func (r Row) Get(column string) (Value, bool) {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i], true
		}
	}
	return Value{}, false
}

// Len returns the number of cells.
func (r Row) Len() int { return len(r.Values) }

// RowBatch is an ordered group of coerced rows. Index is the 1-based position
// of the batch within its table's cursor order.
type RowBatch struct {
	Index int
	Rows  []Row
}

// Len returns the number of rows in the batch.
func (b RowBatch) Len() int { return len(b.Rows) }

// CoerceRow coerces one raw source row whose cells are aligned with
// td.Columns(). Any failing cell fails the whole row; no partial row is returned.
// An unsupported column type surfaces as *apperrors.UnsupportedTypeError naming
// the table and column.
func CoerceRow(td *models.TableDescriptor, raw []any) (Row, error) {
	cols := td.Columns()
	if len(raw) != len(cols) {
		return Row{}, fmt.Errorf("row has %d values, table %s has %d columns", len(raw), td.Name(), len(cols))
	}

	row := Row{
		Columns: make([]string, len(cols)),
		Values:  make([]Value, len(cols)),
	}
	for i, col := range cols {
		v, err := Coerce(raw[i], col.SourceType)
		if err != nil {
			var ute *apperrors.UnsupportedTypeError
			if errors.As(err, &ute) {
				return Row{}, &apperrors.UnsupportedTypeError{Table: td.Name(), Column: col.Name, Type: ute.Type}
			}
			return Row{}, fmt.Errorf("column %s: %w", col.Name, err)
		}
		row.Columns[i] = col.Name
		row.Values[i] = v
	}
	return row, nil
}

// CoerceBatch coerces every raw row of a batch. The first failing row fails the
// batch; the error names the row's position within the batch.
func CoerceBatch(td *models.TableDescriptor, index int, raws [][]any) (RowBatch, error) {
	batch := RowBatch{Index: index, Rows: make([]Row, 0, len(raws))}
	for i, raw := range raws {
		row, err := CoerceRow(td, raw)
		if err != nil {
			return RowBatch{}, fmt.Errorf("row %d: %w", i, err)
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

// ValidateTable checks that every column of td has a coercion rule.
func ValidateTable(td *models.TableDescriptor) error {
	for _, col := range td.Columns() {
		if !Supported(col.SourceType) {
			return &apperrors.UnsupportedTypeError{Table: td.Name(), Column: col.Name, Type: col.SourceType}
		}
	}
	return nil
}
