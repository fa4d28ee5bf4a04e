package datasource

import "fmt"

// Position is a resumable point in a table's read order.
//
// Keyset readers store the ordering key of the last row read in LastKey (the
// primary-key values, or the physical row locator for tables without one).
// Offset readers use Offset. RowsRead and Batches count what has been handed
// out so far and are informational.
type Position struct {
	LastKey  []any `json:"last_key,omitempty" yaml:"last_key,omitempty"`
	Offset   int64 `json:"offset" yaml:"offset"`
	RowsRead int64 `json:"rows_read" yaml:"rows_read"`
	Batches  int   `json:"batches" yaml:"batches"`
}

// IsStart reports whether the position is at the beginning of the table.
func (p Position) IsStart() bool {
	return len(p.LastKey) == 0 && p.Offset == 0
}

// String renders the position for logs.
func (p Position) String() string {
	if p.IsStart() {
		return "start"
	}
	if len(p.LastKey) > 0 {
		return fmt.Sprintf("after key %v (rows=%d batches=%d)", p.LastKey, p.RowsRead, p.Batches)
	}
	return fmt.Sprintf("offset %d (rows=%d batches=%d)", p.Offset, p.RowsRead, p.Batches)
}

// clone deep-copies LastKey so callers cannot mutate cursor state.
func (p Position) clone() Position {
	if p.LastKey != nil {
		p.LastKey = append([]any(nil), p.LastKey...)
	}
	return p
}

// RawBatch is one page of driver-decoded rows in source column order.
// Index is 1-based and counts batches since the cursor's original start.
type RawBatch struct {
	Index int
	Rows  [][]any
}

// Len returns the number of rows in the batch.
func (b *RawBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}
