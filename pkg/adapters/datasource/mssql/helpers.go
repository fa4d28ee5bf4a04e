package mssql

import (
	"fmt"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"
)

// parseSchemaTable parses a table name that may include schema.
// SQL Server format: [schema].[table] or schema.table
// Returns (schema, table). Falls back to defaultSchema, then "dbo".
func parseSchemaTable(tableName, defaultSchema string) (string, string) {
	// Remove brackets if present
	cleaned := strings.ReplaceAll(tableName, "[", "")
	cleaned = strings.ReplaceAll(cleaned, "]", "")

	if schema, table, ok := strings.Cut(cleaned, "."); ok {
		return schema, table
	}
	if defaultSchema != "" {
		return defaultSchema, cleaned
	}
	return DefaultSchema, cleaned
}

// quoteName quotes an identifier the way QUOTENAME() does: square brackets,
// with ] escaped as ]].
func quoteName(identifier string) string {
	escaped := strings.ReplaceAll(identifier, "]", "]]")
	return fmt.Sprintf("[%s]", escaped)
}

// buildFullyQualifiedName builds a fully qualified table name: [schema].[table]
func buildFullyQualifiedName(schema, table string) string {
	return fmt.Sprintf("%s.%s", quoteName(schema), quoteName(table))
}

// catalogTypeName maps a sys.types name onto the name the coercion catalogue
// knows. "timestamp" on SQL Server is the rowversion counter, not a date.
func catalogTypeName(sqlServerType string) string {
	if strings.EqualFold(sqlServerType, "timestamp") {
		return "rowversion"
	}
	return strings.ToLower(sqlServerType)
}

// isOrderableType reports whether a column can appear in ORDER BY.
// Legacy LOB types and xml cannot.
func isOrderableType(sqlServerType string) bool {
	switch strings.ToLower(sqlServerType) {
	case "text", "ntext", "image", "xml":
		return false
	}
	return true
}

// normalizeRow converts driver values in place.
//
// uniqueidentifier columns arrive as 16 bytes in SQL Server's mixed-endian
// order; mssqldb.UniqueIdentifier gives their canonical string form.
// decimal and money columns arrive as ASCII digits in a []byte, which would
// bind back as varbinary and compare bytewise against the key column;
// decimal.Decimal binds as its exact text and converts server-side.
func normalizeRow(row []any, conv rowConversions) error {
	for _, i := range conv.guids {
		b, ok := row[i].([]byte)
		if !ok {
			continue
		}
		var id mssqldb.UniqueIdentifier
		if err := id.Scan(b); err != nil {
			return fmt.Errorf("decode uniqueidentifier: %w", err)
		}
		row[i] = id
	}
	for _, i := range conv.decimals {
		b, ok := row[i].([]byte)
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(string(b))
		if err != nil {
			return fmt.Errorf("decode decimal: %w", err)
		}
		row[i] = d
	}
	return nil
}
