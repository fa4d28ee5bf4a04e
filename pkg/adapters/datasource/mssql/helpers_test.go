package mssql

import (
	"testing"

	mssqldb "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-migrate/pkg/coerce"
)

func TestParseSchemaTable(t *testing.T) {
	tests := []struct {
		input, defaultSchema string
		schema, table        string
	}{
		{"orders", "", "dbo", "orders"},
		{"orders", "sales", "sales", "orders"},
		{"archive.orders", "sales", "archive", "orders"},
		{"[archive].[orders]", "", "archive", "orders"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			schema, table := parseSchemaTable(tt.input, tt.defaultSchema)
			assert.Equal(t, tt.schema, schema)
			assert.Equal(t, tt.table, table)
		})
	}
}

func TestQuoteName(t *testing.T) {
	assert.Equal(t, "[orders]", quoteName("orders"))
	assert.Equal(t, "[odd]]name]", quoteName("odd]name"))
	assert.Equal(t, "[dbo].[order details]", buildFullyQualifiedName("dbo", "order details"))
}

func TestCatalogTypeName(t *testing.T) {
	assert.Equal(t, "rowversion", catalogTypeName("timestamp"))
	assert.Equal(t, "datetime2", catalogTypeName("DATETIME2"))
	assert.Equal(t, "nvarchar", catalogTypeName("nvarchar"))
}

func TestNormalizeRow_UniqueIdentifier(t *testing.T) {
	// 6F9619FF-8B86-D011-B42D-00C04FC964FF as stored on the wire
	wire := []byte{0xFF, 0x19, 0x96, 0x6F, 0x86, 0x8B, 0x11, 0xD0, 0xB4, 0x2D, 0x00, 0xC0, 0x4F, 0xC9, 0x64, 0xFF}
	row := []any{int64(1), wire, nil}

	require.NoError(t, normalizeRow(row, rowConversions{guids: []int{1, 2}}))

	id, ok := row[1].(mssqldb.UniqueIdentifier)
	require.True(t, ok)
	assert.Nil(t, row[2])

	v, err := coerce.Coerce(id, "uniqueidentifier")
	require.NoError(t, err)
	s, _ := v.Str()
	assert.Equal(t, "6f9619ff-8b86-d011-b42d-00c04fc964ff", s)
}

func TestNormalizeRow_BadLength(t *testing.T) {
	row := []any{[]byte{0x01, 0x02}}
	assert.Error(t, normalizeRow(row, rowConversions{guids: []int{0}}))
}

func TestNormalizeRow_DecimalKeyBindsAsText(t *testing.T) {
	row := []any{[]byte("12345678901234567890.125"), []byte("-3.5000"), nil}

	require.NoError(t, normalizeRow(row, rowConversions{decimals: []int{0, 1, 2}}))

	d, ok := row[0].(decimal.Decimal)
	require.True(t, ok, "decimal keys must not stay []byte")
	assert.Nil(t, row[2])

	bound, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890.125", bound)
	assert.IsType(t, "", bound)

	v, err := coerce.Coerce(row[1], "money")
	require.NoError(t, err)
	f, _ := v.Float64()
	assert.InDelta(t, -3.5, f, 1e-9)
}

func TestNormalizeRow_BadDecimal(t *testing.T) {
	row := []any{[]byte("12,5")}
	assert.Error(t, normalizeRow(row, rowConversions{decimals: []int{0}}))
}
