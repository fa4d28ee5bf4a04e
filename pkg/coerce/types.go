package coerce

import (
	"strings"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
)

// category groups source types that share one coercion rule.
type category int

const (
	catUnsupported category = iota
	catDecimal
	catInteger
	catFloat
	catTimestamp
	catBinary
	catBoolean
	catText
	catTimeOfDay
	catUUID
	catJSON
)

// Target BSON type names, as used in $jsonSchema validators.
const (
	BSONDouble = "double"
	BSONLong   = "long"
	BSONString = "string"
	BSONDate   = "date"
	BSONBinary = "binData"
	BSONBool   = "bool"
)

// catalogue maps normalised source type names (PostgreSQL information_schema
// data_type values and SQL Server sys.types names) to their coercion rule.
// Anything missing is unsupported.
var catalogue = map[string]category{
	// arbitrary precision, stored as double: precision beyond ~15-17
	// significant digits is lost
	"numeric":    catDecimal,
	"decimal":    catDecimal,
	"money":      catDecimal,
	"smallmoney": catDecimal,

	"smallint":    catInteger,
	"integer":     catInteger,
	"int":         catInteger,
	"bigint":      catInteger,
	"tinyint":     catInteger,
	"int2":        catInteger,
	"int4":        catInteger,
	"int8":        catInteger,
	"smallserial": catInteger,
	"serial":      catInteger,
	"bigserial":   catInteger,
	"oid":         catInteger,

	"real":             catFloat,
	"float4":           catFloat,
	"double precision": catFloat,
	"float8":           catFloat,
	"float":            catFloat,

	"date":                        catTimestamp,
	"timestamp":                   catTimestamp,
	"timestamp without time zone": catTimestamp,
	"timestamp with time zone":    catTimestamp,
	"timestamptz":                 catTimestamp,
	"datetime":                    catTimestamp,
	"datetime2":                   catTimestamp,
	"smalldatetime":               catTimestamp,
	"datetimeoffset":              catTimestamp,

	"bytea":      catBinary,
	"binary":     catBinary,
	"varbinary":  catBinary,
	"image":      catBinary,
	"rowversion": catBinary,

	"boolean": catBoolean,
	"bool":    catBoolean,
	"bit":     catBoolean,

	"text":              catText,
	"character varying": catText,
	"varchar":           catText,
	"character":         catText,
	"char":              catText,
	"bpchar":            catText,
	"nchar":             catText,
	"nvarchar":          catText,
	"ntext":             catText,
	"name":              catText,
	"xml":               catText,
	"inet":              catText,
	"cidr":              catText,
	"macaddr":           catText,
	"macaddr8":          catText,
	"interval":          catText,
	"bit varying":       catText,
	"varbit":            catText,

	"time":                   catTimeOfDay,
	"time without time zone": catTimeOfDay,
	"time with time zone":    catTimeOfDay,
	"timetz":                 catTimeOfDay,

	"uuid":             catUUID,
	"uniqueidentifier": catUUID,

	"json":  catJSON,
	"jsonb": catJSON,
}

// NormalizeType lowercases a source type name, drops type modifiers such as
// "(12,2)" or "(3)", collapses whitespace and maps "[]" suffixes to "array".
func NormalizeType(sourceType string) string {
	t := strings.ToLower(strings.TrimSpace(sourceType))
	if strings.HasSuffix(t, "[]") {
		return "array"
	}

	var b strings.Builder
	depth := 0
	for _, r := range t {
		switch {
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func lookup(sourceType string) (category, error) {
	cat, ok := catalogue[NormalizeType(sourceType)]
	if !ok {
		return catUnsupported, &apperrors.UnsupportedTypeError{Type: sourceType}
	}
	return cat, nil
}

// Supported reports whether values of sourceType can be coerced.
func Supported(sourceType string) bool {
	_, err := lookup(sourceType)
	return err == nil
}

// TargetType returns the BSON type name values of sourceType are stored as,
// or an *apperrors.UnsupportedTypeError.
func TargetType(sourceType string) (string, error) {
	cat, err := lookup(sourceType)
	if err != nil {
		return "", err
	}
	switch cat {
	case catDecimal, catFloat:
		return BSONDouble, nil
	case catInteger:
		return BSONLong, nil
	case catTimestamp:
		return BSONDate, nil
	case catBinary:
		return BSONBinary, nil
	case catBoolean:
		return BSONBool, nil
	default:
		return BSONString, nil
	}
}
