package datasource

import (
	"context"
	"fmt"
	"sync"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
)

// Page is the result of one PageFunc call.
type Page struct {
	Rows [][]any
	// NextKey is the ordering key of the last row in Rows. Offset readers leave it nil.
	NextKey []any
}

// PageFunc fetches up to limit rows strictly after the given position.
// Implementations must draw a fresh pooled connection per call so a dropped
// connection never invalidates the cursor.
type PageFunc func(ctx context.Context, after Position, limit int) (Page, error)

// PagedCursor is the Cursor shared by the SQL adapters. The adapter supplies the
// page query; the cursor owns batch numbering, position bookkeeping, the
// end-of-table latch and the closed state.
type PagedCursor struct {
	mu      sync.Mutex
	table   string
	fetch   PageFunc
	pos     Position
	done    bool
	closed  bool
	onClose func()
}

// NewPagedCursor creates a cursor that resumes just after start.
// onClose, if non-nil, runs once on the first Close.
func NewPagedCursor(table string, start Position, fetch PageFunc, onClose func()) *PagedCursor {
	return &PagedCursor{
		table:   table,
		fetch:   fetch,
		pos:     start.clone(),
		onClose: onClose,
	}
}

// NextBatch implements Cursor. A page shorter than batchSize marks the table as
// exhausted, so the following call returns ErrEndOfTable without another query.
func (c *PagedCursor) NextBatch(ctx context.Context, batchSize int) (*RawBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, apperrors.ErrCursorClose
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}
	if c.done {
		return nil, apperrors.ErrEndOfTable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := c.fetch(ctx, c.pos.clone(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("read batch %d of %s: %w", c.pos.Batches+1, c.table, err)
	}

	n := len(page.Rows)
	if n == 0 {
		c.done = true
		return nil, apperrors.ErrEndOfTable
	}
	if n > batchSize {
		return nil, fmt.Errorf("read batch %d of %s: got %d rows for a limit of %d", c.pos.Batches+1, c.table, n, batchSize)
	}

	c.pos.Batches++
	c.pos.RowsRead += int64(n)
	c.pos.Offset += int64(n)
	if page.NextKey != nil {
		c.pos.LastKey = append([]any(nil), page.NextKey...)
	}
	if n < batchSize {
		c.done = true
	}

	return &RawBatch{Index: c.pos.Batches, Rows: page.Rows}, nil
}

// Position implements Cursor.
func (c *PagedCursor) Position() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos.clone()
}

// Close implements Cursor.
func (c *PagedCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

// KeyOf picks the ordering key out of a row by column position.
func KeyOf(row []any, positions []int) []any {
	key := make([]any, len(positions))
	for i, p := range positions {
		key[i] = row[p]
	}
	return key
}

var _ Cursor = (*PagedCursor)(nil)
