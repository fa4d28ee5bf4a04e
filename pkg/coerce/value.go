package coerce

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Kind tags a coerced cell.
type Kind uint8

const (
	KindNull Kind = iota
	KindNumber
	KindString
	KindTimestamp
	KindBytes
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindBytes:
		return "bytes"
	case KindBoolean:
		return "boolean"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is one coerced cell. The zero Value is null.
//
// Numbers keep whether they are integral so integer columns land as 64-bit
// integers on the target and decimals as doubles.
type Value struct {
	kind     Kind
	integral bool
	i        int64
	f        float64
	s        string
	t        time.Time
	b        []byte
	bo       bool
}

// Null returns the null marker.
func Null() Value { return Value{} }

// Int returns an integral number.
func Int(v int64) Value { return Value{kind: KindNumber, integral: true, i: v} }

// Float returns a floating-point number.
func Float(v float64) Value { return Value{kind: KindNumber, f: v} }

// String returns a string value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Timestamp returns a timestamp normalised to UTC.
func Timestamp(v time.Time) Value { return Value{kind: KindTimestamp, t: v.UTC()} }

// Bytes returns a byte-sequence value holding a copy of v.
func Bytes(v []byte) Value { return Value{kind: KindBytes, b: bytes.Clone(v)} }

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{kind: KindBoolean, bo: v} }

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNull() bool     { return v.kind == KindNull }
func (v Value) IsIntegral() bool { return v.kind == KindNumber && v.integral }

// Int64 returns the integral number held by v.
func (v Value) Int64() (int64, bool) {
	if !v.IsIntegral() {
		return 0, false
	}
	return v.i, true
}

// Float64 returns the number held by v, converting integral numbers.
func (v Value) Float64() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if v.integral {
		return float64(v.i), true
	}
	return v.f, true
}

// Str returns the string held by v.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Time returns the UTC timestamp held by v.
func (v Value) Time() (time.Time, bool) { return v.t, v.kind == KindTimestamp }

// ByteSlice returns a copy of the bytes held by v.
func (v Value) ByteSlice() ([]byte, bool) { return bytes.Clone(v.b), v.kind == KindBytes }

// Boolean returns the boolean held by v.
func (v Value) Boolean() (bool, bool) { return v.bo, v.kind == KindBoolean }

// Equal reports whether two values have the same kind and content.
// NaN equals NaN so that coercion stays comparable for deterministic checks.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindNumber:
		if v.integral != o.integral {
			return false
		}
		if v.integral {
			return v.i == o.i
		}
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindTimestamp:
		return v.t.Equal(o.t)
	case KindBytes:
		return bytes.Equal(v.b, o.b)
	case KindBoolean:
		return v.bo == o.bo
	}
	return false
}

// BSON returns the MongoDB-native representation of v: nil, int64, float64,
// string, bson.DateTime, bson.Binary or bool. BSON dates have millisecond
// precision, so sub-millisecond digits of a timestamp are truncated here.
func (v Value) BSON() any {
	switch v.kind {
	case KindNumber:
		if v.integral {
			return v.i
		}
		return v.f
	case KindString:
		return v.s
	case KindTimestamp:
		return bson.NewDateTimeFromTime(v.t)
	case KindBytes:
		return bson.Binary{Subtype: bson.TypeBinaryGeneric, Data: bytes.Clone(v.b)}
	case KindBoolean:
		return v.bo
	default:
		return nil
	}
}

// GoString renders v for logs and test failures.
func (v Value) GoString() string {
	switch v.kind {
	case KindNumber:
		if v.integral {
			return "Int(" + strconv.FormatInt(v.i, 10) + ")"
		}
		return "Float(" + strconv.FormatFloat(v.f, 'g', -1, 64) + ")"
	case KindString:
		return "String(" + strconv.Quote(v.s) + ")"
	case KindTimestamp:
		return "Timestamp(" + v.t.Format(time.RFC3339Nano) + ")"
	case KindBytes:
		return fmt.Sprintf("Bytes(%x)", v.b)
	case KindBoolean:
		return "Bool(" + strconv.FormatBool(v.bo) + ")"
	default:
		return "Null()"
	}
}
