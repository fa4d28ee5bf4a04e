package models

import (
	"slices"
)

// ColumnDescriptor describes one source column.
type ColumnDescriptor struct {
	Name       string `json:"name" yaml:"name"`
	SourceType string `json:"source_type" yaml:"source_type"`
	Nullable   bool   `json:"nullable" yaml:"nullable"`
	Ordinal    int    `json:"ordinal" yaml:"ordinal"` // 1-based position in the source table
}

// IndexDescriptor describes one source index. Columns are in key order.
type IndexDescriptor struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
	Unique  bool     `json:"unique" yaml:"unique"`
}

// TableDescriptor is the extracted shape of one source table.
// It is built once by a schema extractor and never mutated afterwards:
// the fields are unexported and every accessor returns a copy.
type TableDescriptor struct {
	schema        string
	name          string
	columns       []ColumnDescriptor
	primaryKey    []string
	indexes       []IndexDescriptor
	estimatedRows int64
}

// NewTableDescriptor copies its inputs into a new descriptor.
// primaryKey is in constraint order; estimatedRows is -1 when unknown.
func NewTableDescriptor(schema, name string, columns []ColumnDescriptor, primaryKey []string, indexes []IndexDescriptor, estimatedRows int64) *TableDescriptor {
	return &TableDescriptor{
		schema:        schema,
		name:          name,
		columns:       slices.Clone(columns),
		primaryKey:    slices.Clone(primaryKey),
		indexes:       cloneIndexes(indexes),
		estimatedRows: estimatedRows,
	}
}

func cloneIndexes(in []IndexDescriptor) []IndexDescriptor {
	if in == nil {
		return nil
	}
	out := make([]IndexDescriptor, len(in))
	for i, idx := range in {
		out[i] = IndexDescriptor{Name: idx.Name, Columns: slices.Clone(idx.Columns), Unique: idx.Unique}
	}
	return out
}

// Schema returns the source schema (namespace) the table lives in.
func (t *TableDescriptor) Schema() string { return t.schema }

// Name returns the unqualified table name. It is also the target collection name.
func (t *TableDescriptor) Name() string { return t.name }

// QualifiedName returns schema.name, or name when the schema is empty.
func (t *TableDescriptor) QualifiedName() string {
	if t.schema == "" {
		return t.name
	}
	return t.schema + "." + t.name
}

// Columns returns the columns in source ordinal order.
func (t *TableDescriptor) Columns() []ColumnDescriptor { return slices.Clone(t.columns) }

// ColumnNames returns the column names in source ordinal order.
func (t *TableDescriptor) ColumnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by name.
func (t *TableDescriptor) Column(name string) (ColumnDescriptor, bool) {
	for _, c := range t.columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDescriptor{}, false
}

// PrimaryKey returns the primary-key columns in constraint order, or nil.
func (t *TableDescriptor) PrimaryKey() []string { return slices.Clone(t.primaryKey) }

// HasPrimaryKey reports whether the table has a primary-key constraint.
func (t *TableDescriptor) HasPrimaryKey() bool { return len(t.primaryKey) > 0 }

// PrimaryKeyPositions returns the index into Columns() of each primary-key column.
func (t *TableDescriptor) PrimaryKeyPositions() []int {
	positions := make([]int, 0, len(t.primaryKey))
	for _, pk := range t.primaryKey {
		positions = append(positions, slices.IndexFunc(t.columns, func(c ColumnDescriptor) bool { return c.Name == pk }))
	}
	return positions
}

// Indexes returns the source indexes.
func (t *TableDescriptor) Indexes() []IndexDescriptor { return cloneIndexes(t.indexes) }

// EstimatedRows returns the catalog row estimate, or -1 when unknown.
func (t *TableDescriptor) EstimatedRows() int64 { return t.estimatedRows }
