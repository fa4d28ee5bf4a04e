package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ordersDescriptor() *TableDescriptor {
	cols := []ColumnDescriptor{
		{Name: "id", SourceType: "integer", Ordinal: 1},
		{Name: "customer_id", SourceType: "integer", Ordinal: 2},
		{Name: "total", SourceType: "numeric(12,2)", Nullable: true, Ordinal: 3},
	}
	idx := []IndexDescriptor{{Name: "orders_customer_idx", Columns: []string{"customer_id"}}}
	return NewTableDescriptor("public", "orders", cols, []string{"id"}, idx, 1037)
}

func TestTableDescriptor_Accessors(t *testing.T) {
	td := ordersDescriptor()

	assert.Equal(t, "public.orders", td.QualifiedName())
	assert.Equal(t, []string{"id", "customer_id", "total"}, td.ColumnNames())
	assert.True(t, td.HasPrimaryKey())
	assert.Equal(t, []int{0}, td.PrimaryKeyPositions())
	assert.Equal(t, int64(1037), td.EstimatedRows())

	col, ok := td.Column("total")
	assert.True(t, ok)
	assert.True(t, col.Nullable)

	_, ok = td.Column("missing")
	assert.False(t, ok)
}

func TestTableDescriptor_Immutable(t *testing.T) {
	cols := []ColumnDescriptor{{Name: "id", SourceType: "integer", Ordinal: 1}}
	pk := []string{"id"}
	idx := []IndexDescriptor{{Name: "i", Columns: []string{"id"}}}
	td := NewTableDescriptor("", "t", cols, pk, idx, -1)

	// mutating the inputs does not leak in
	cols[0].Name = "changed"
	pk[0] = "changed"
	idx[0].Columns[0] = "changed"

	// mutating returned values does not leak back
	td.Columns()[0].SourceType = "text"
	td.Indexes()[0].Columns[0] = "changed"
	td.PrimaryKey()[0] = "changed"

	assert.Equal(t, "t", td.QualifiedName())
	assert.Equal(t, "id", td.Columns()[0].Name)
	assert.Equal(t, "integer", td.Columns()[0].SourceType)
	assert.Equal(t, []string{"id"}, td.PrimaryKey())
	assert.Equal(t, []string{"id"}, td.Indexes()[0].Columns)
}
