// Package coerce converts source-native cell values into tagged values that
// can be stored on the document target without loss of meaning.
package coerce

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// ErrIncompatibleValue is returned when a driver hands back a Go value the
// rule for the column's source type does not accept.
var ErrIncompatibleValue = errors.New("incompatible value")

// float64Valuer is implemented by pgtype.Numeric and pgtype.Float8.
type float64Valuer interface {
	Float64Value() (pgtype.Float8, error)
}

// int64Valuer is implemented by the pgtype integer and numeric types.
type int64Valuer interface {
	Int64Value() (pgtype.Int8, error)
}

// Coerce converts one source value of the given source type. It is pure and
// deterministic. nil (SQL NULL) yields Null() for any source type, known or
// not. Other values of unknown source types fail with
// *apperrors.UnsupportedTypeError.
func Coerce(value any, sourceType string) (Value, error) {
	if value == nil {
		return Null(), nil
	}
	cat, err := lookup(sourceType)
	if err != nil {
		return Value{}, err
	}

	var v Value
	switch cat {
	case catDecimal, catFloat:
		v, err = toFloat(value)
	case catInteger:
		v, err = toInt(value)
	case catTimestamp:
		v, err = toTimestamp(value)
	case catBinary:
		v, err = toBytes(value)
	case catBoolean:
		v, err = toBool(value)
	case catTimeOfDay:
		v, err = toTimeOfDay(value)
	case catUUID:
		v, err = toUUID(value)
	case catJSON:
		v, err = toJSON(value)
	default:
		v, err = toText(value)
	}
	if err != nil {
		return Value{}, fmt.Errorf("coerce %T as %s: %w", value, sourceType, err)
	}
	return v, nil
}

func incompatible(value any) error {
	return fmt.Errorf("%w: %T", ErrIncompatibleValue, value)
}

// unwrapValuer resolves database/sql valuers (pgtype structs, sql.Null*)
// to their driver value. ok is false when value is not a valuer.
func unwrapValuer(value any) (any, bool, error) {
	valuer, ok := value.(driver.Valuer)
	if !ok {
		return value, false, nil
	}
	inner, err := valuer.Value()
	return inner, true, err
}

func toFloat(value any) (Value, error) {
	switch v := value.(type) {
	case float64:
		return Float(v), nil
	case float32:
		// shortest decimal representation, so real 0.1 stays 0.1
		f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'g', -1, 32), 64)
		return Float(f), nil
	case int64:
		return Float(float64(v)), nil
	case int32:
		return Float(float64(v)), nil
	case int16:
		return Float(float64(v)), nil
	case int:
		return Float(float64(v)), nil
	case decimal.Decimal:
		return Float(v.InexactFloat64()), nil
	case decimal.NullDecimal:
		if !v.Valid {
			return Null(), nil
		}
		return Float(v.Decimal.InexactFloat64()), nil
	case *big.Float:
		f, _ := v.Float64()
		return Float(f), nil
	case float64Valuer:
		f, err := v.Float64Value()
		if err != nil {
			return Value{}, err
		}
		if !f.Valid {
			return Null(), nil
		}
		return Float(f.Float64), nil
	case string:
		return parseDecimal(v)
	case []byte:
		// go-mssqldb returns DECIMAL, NUMERIC and MONEY as ASCII digits
		return parseDecimal(string(v))
	}
	return Value{}, incompatible(value)
}

// parseDecimal parses decimal text, tolerating currency formatting such as
// "$1,234.56" which is how PostgreSQL renders money.
func parseDecimal(s string) (Value, error) {
	s = strings.TrimSpace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		negative := strings.HasPrefix(s, "-") || (strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")"))
		cleaned := strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == '.' {
				return r
			}
			return -1
		}, s)
		d, err = decimal.NewFromString(cleaned)
		if err != nil {
			return Value{}, fmt.Errorf("parse decimal %q: %w", s, err)
		}
		if negative {
			d = d.Neg()
		}
	}
	return Float(d.InexactFloat64()), nil
}

func toInt(value any) (Value, error) {
	switch v := value.(type) {
	case int64:
		return Int(v), nil
	case int32:
		return Int(int64(v)), nil
	case int16:
		return Int(int64(v)), nil
	case int8:
		return Int(int64(v)), nil
	case int:
		return Int(int64(v)), nil
	case uint8:
		return Int(int64(v)), nil
	case uint16:
		return Int(int64(v)), nil
	case uint32:
		return Int(int64(v)), nil
	case uint64:
		if v > math.MaxInt64 {
			return Value{}, fmt.Errorf("%d overflows int64", v)
		}
		return Int(int64(v)), nil
	case int64Valuer:
		n, err := v.Int64Value()
		if err != nil {
			return Value{}, err
		}
		if !n.Valid {
			return Null(), nil
		}
		return Int(n.Int64), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return Value{}, err
		}
		return Int(n), nil
	case []byte:
		n, err := strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
		if err != nil {
			return Value{}, err
		}
		return Int(n), nil
	}
	return Value{}, incompatible(value)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func toTimestamp(value any) (Value, error) {
	switch v := value.(type) {
	case time.Time:
		return Timestamp(v), nil
	case *time.Time:
		if v == nil {
			return Null(), nil
		}
		return Timestamp(*v), nil
	case pgtype.InfinityModifier:
		return Value{}, fmt.Errorf("%s timestamp has no target representation", v)
	case pgtype.Timestamptz:
		if !v.Valid {
			return Null(), nil
		}
		if v.InfinityModifier != pgtype.Finite {
			return Value{}, fmt.Errorf("%s timestamp has no target representation", v.InfinityModifier)
		}
		return Timestamp(v.Time), nil
	case pgtype.Timestamp:
		if !v.Valid {
			return Null(), nil
		}
		if v.InfinityModifier != pgtype.Finite {
			return Value{}, fmt.Errorf("%s timestamp has no target representation", v.InfinityModifier)
		}
		return Timestamp(v.Time), nil
	case pgtype.Date:
		if !v.Valid {
			return Null(), nil
		}
		if v.InfinityModifier != pgtype.Finite {
			return Value{}, fmt.Errorf("%s date has no target representation", v.InfinityModifier)
		}
		return Timestamp(v.Time), nil
	case string:
		return parseTimestamp(v)
	case []byte:
		return parseTimestamp(string(v))
	}
	return Value{}, incompatible(value)
}

func parseTimestamp(s string) (Value, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp(t), nil
		}
	}
	return Value{}, fmt.Errorf("parse timestamp %q", s)
}

func toBytes(value any) (Value, error) {
	switch v := value.(type) {
	case []byte:
		return Bytes(v), nil
	case string:
		return Bytes([]byte(v)), nil
	}
	return Value{}, incompatible(value)
}

func toBool(value any) (Value, error) {
	switch v := value.(type) {
	case bool:
		return Bool(v), nil
	case pgtype.Bool:
		if !v.Valid {
			return Null(), nil
		}
		return Bool(v.Bool), nil
	case pgtype.Bits:
		// PostgreSQL bit(1)
		if !v.Valid {
			return Null(), nil
		}
		if v.Len != 1 {
			return Value{}, fmt.Errorf("bit string of length %d is not a boolean", v.Len)
		}
		return Bool(v.Bytes[0]&0x80 != 0), nil
	case int64:
		return Bool(v != 0), nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "t", "y", "yes", "on":
				return Bool(true), nil
			case "f", "n", "no", "off":
				return Bool(false), nil
			}
			return Value{}, err
		}
		return Bool(b), nil
	}
	return Value{}, incompatible(value)
}

func toTimeOfDay(value any) (Value, error) {
	switch v := value.(type) {
	case time.Time:
		// go-mssqldb returns TIME as a time on 0001-01-01
		return String(v.Format("15:04:05.9999999")), nil
	case string:
		return String(v), nil
	case []byte:
		return String(string(v)), nil
	}
	return toText(value)
}

func toUUID(value any) (Value, error) {
	switch v := value.(type) {
	case [16]byte:
		return String(uuid.UUID(v).String()), nil
	case uuid.UUID:
		return String(v.String()), nil
	case pgtype.UUID:
		if !v.Valid {
			return Null(), nil
		}
		return String(uuid.UUID(v.Bytes).String()), nil
	case []byte:
		if len(v) == 16 {
			u, err := uuid.FromBytes(v)
			if err != nil {
				return Value{}, err
			}
			return String(u.String()), nil
		}
		return toUUID(string(v))
	case string:
		u, err := uuid.Parse(strings.TrimSpace(v))
		if err != nil {
			return Value{}, err
		}
		return String(u.String()), nil
	case fmt.Stringer:
		// mssql.UniqueIdentifier
		return toUUID(v.String())
	}
	return Value{}, incompatible(value)
}

// toJSON stores json/jsonb as canonical JSON text. pgx decodes JSON into Go
// values; encoding/json sorts map keys, so the text is deterministic.
func toJSON(value any) (Value, error) {
	switch v := value.(type) {
	case string:
		if !json.Valid([]byte(v)) {
			return Value{}, fmt.Errorf("invalid JSON text")
		}
		return String(v), nil
	case []byte:
		if !json.Valid(v) {
			return Value{}, fmt.Errorf("invalid JSON text")
		}
		return String(string(v)), nil
	}
	out, err := json.Marshal(value)
	if err != nil {
		return Value{}, err
	}
	return String(string(out)), nil
}

func toText(value any) (Value, error) {
	switch v := value.(type) {
	case string:
		return String(v), nil
	case []byte:
		if !utf8.Valid(v) {
			return Value{}, fmt.Errorf("text value is not valid UTF-8")
		}
		return String(string(v)), nil
	case netip.Prefix:
		return String(v.String()), nil
	case netip.Addr:
		return String(v.String()), nil
	case net.HardwareAddr:
		return String(v.String()), nil
	case *net.IPNet:
		return String(v.String()), nil
	case time.Time:
		return String(v.UTC().Format(time.RFC3339Nano)), nil
	case fmt.Stringer:
		return String(v.String()), nil
	}

	inner, ok, err := unwrapValuer(value)
	if err != nil {
		return Value{}, err
	}
	if ok {
		if inner == nil {
			return Null(), nil
		}
		return toText(inner)
	}
	return Value{}, incompatible(value)
}
