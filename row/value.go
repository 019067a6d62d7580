package row

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Kind enumerates the scalar types a Value may hold.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindDecimal
	KindText
	KindBlob
	KindTimestamp
)

var kindNames = [...]string{
	KindNull:      "null",
	KindBool:      "bool",
	KindInt:       "int",
	KindUint:      "uint",
	KindFloat:     "float",
	KindDecimal:   "decimal",
	KindText:      "text",
	KindBlob:      "blob",
	KindTimestamp: "timestamp",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// IsNumeric returns true if the Kind is an integer, float, or decimal.
func (k Kind) IsNumeric() bool {
	return k == KindInt || k == KindUint || k == KindFloat || k == KindDecimal
}

// ParseKind maps a Kind name to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return Kind(k), nil
		}
	}
	return KindNull, errors.Errorf("unknown column kind %q", s)
}

// UnmarshalYAML decodes a Kind from its name.
func (k *Kind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	var kk, err = ParseKind(s)
	*k = kk
	return err
}

// MarshalYAML encodes a Kind as its name.
func (k Kind) MarshalYAML() (interface{}, error) { return k.String(), nil }

// Value is an immutable, typed scalar. The zero Value is NULL.
type Value struct {
	kind Kind
	bits uint64          // Bool, Int, Uint, Float and Timestamp (unix nanos).
	str  string          // Text and Blob.
	dec  decimal.Decimal // Decimal.
}

// Null returns the NULL Value.
func Null() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value {
	var v = Value{kind: KindBool}
	if b {
		v.bits = 1
	}
	return v
}

// Int returns a signed integer Value.
func Int(i int64) Value { return Value{kind: KindInt, bits: uint64(i)} }

// Uint returns an unsigned integer Value.
func Uint(u uint64) Value { return Value{kind: KindUint, bits: u} }

// Float returns a floating-point Value.
func Float(f float64) Value { return Value{kind: KindFloat, bits: math.Float64bits(f)} }

// Decimal returns an arbitrary-precision decimal Value.
func Decimal(d decimal.Decimal) Value { return Value{kind: KindDecimal, dec: d} }

// Text returns a string Value.
func Text(s string) Value { return Value{kind: KindText, str: s} }

// Blob returns a binary Value. The slice is copied.
func Blob(b []byte) Value { return Value{kind: KindBlob, str: string(b)} }

// Timestamp returns a timestamp Value, at nanosecond precision in UTC.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, bits: uint64(t.UnixNano())} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean of a KindBool Value.
func (v Value) AsBool() bool { return v.kind == KindBool && v.bits != 0 }

// AsInt returns the int64 of a KindInt Value.
func (v Value) AsInt() int64 { return int64(v.bits) }

// AsUint returns the uint64 of a KindUint Value.
func (v Value) AsUint() uint64 { return v.bits }

// AsFloat returns the Value as a float64. Integer and decimal kinds convert.
func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindInt:
		return float64(int64(v.bits))
	case KindUint:
		return float64(v.bits)
	case KindFloat:
		return math.Float64frombits(v.bits)
	case KindDecimal:
		var f, _ = v.dec.Float64()
		return f
	}
	return 0
}

// AsDecimal returns the Value as a decimal. Integer and float kinds convert.
func (v Value) AsDecimal() decimal.Decimal {
	switch v.kind {
	case KindInt:
		return decimal.NewFromInt(int64(v.bits))
	case KindUint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(v.bits), 0)
	case KindFloat:
		return decimal.NewFromFloat(math.Float64frombits(v.bits))
	case KindDecimal:
		return v.dec
	}
	return decimal.Zero
}

// AsText returns the string of a KindText or KindBlob Value.
func (v Value) AsText() string { return v.str }

// AsBlob returns the bytes of a KindText or KindBlob Value.
func (v Value) AsBlob() []byte { return []byte(v.str) }

// AsTime returns the time of a KindTimestamp Value.
func (v Value) AsTime() time.Time { return time.Unix(0, int64(v.bits)).UTC() }

// Size is the approximate in-memory footprint of the Value, in bytes.
func (v Value) Size() int {
	switch v.kind {
	case KindText, KindBlob:
		return valueOverhead + len(v.str)
	case KindDecimal:
		return valueOverhead + 16
	}
	return valueOverhead
}

const valueOverhead = 48

// Equal is true if Values are of the same Kind and represent the same value.
// NULL is Equal to NULL, which matches grouping semantics.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindText, KindBlob:
		return v.str == o.str
	case KindDecimal:
		return v.dec.Equal(o.dec)
	case KindFloat:
		return v.AsFloat() == o.AsFloat()
	default:
		return v.bits == o.bits
	}
}

// Compare orders Values. NULL sorts before all other values. Numeric kinds
// compare by numeric value, and other mixed kinds order by Kind.
func Compare(a, b Value) int {
	if a.kind == KindNull || b.kind == KindNull {
		return cmpInt(boolInt(b.kind == KindNull), boolInt(a.kind == KindNull))
	}
	if a.kind != b.kind {
		if a.kind.IsNumeric() && b.kind.IsNumeric() {
			return compareNumeric(a, b)
		}
		return cmpInt(int(a.kind), int(b.kind))
	}
	switch a.kind {
	case KindBool, KindUint:
		return cmpUint(a.bits, b.bits)
	case KindInt, KindTimestamp:
		return cmpInt64(int64(a.bits), int64(b.bits))
	case KindFloat:
		return cmpFloat(a.AsFloat(), b.AsFloat())
	case KindDecimal:
		return a.dec.Cmp(b.dec)
	case KindText:
		return cmpString(a.str, b.str)
	case KindBlob:
		return bytes.Compare([]byte(a.str), []byte(b.str))
	}
	panic("unreachable")
}

func compareNumeric(a, b Value) int {
	if a.kind == KindDecimal || b.kind == KindDecimal {
		return a.AsDecimal().Cmp(b.AsDecimal())
	}
	if a.kind == KindInt && b.kind == KindUint {
		if int64(a.bits) < 0 {
			return -1
		}
		return cmpUint(a.bits, b.bits)
	} else if a.kind == KindUint && b.kind == KindInt {
		return -compareNumeric(b, a)
	}
	return cmpFloat(a.AsFloat(), b.AsFloat())
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return strconv.FormatBool(v.AsBool())
	case KindInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case KindUint:
		return strconv.FormatUint(v.bits, 10)
	case KindFloat:
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	case KindDecimal:
		return v.dec.String()
	case KindText:
		return v.str
	case KindBlob:
		return fmt.Sprintf("%x", v.str)
	case KindTimestamp:
		return v.AsTime().Format(time.RFC3339Nano)
	}
	return "?"
}

// MarshalJSON encodes the Value as its natural JSON representation.
// Decimals encode as strings to retain precision, and blobs as base64.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.AsBool())
	case KindInt:
		return json.Marshal(v.AsInt())
	case KindUint:
		return json.Marshal(v.bits)
	case KindFloat:
		return json.Marshal(v.AsFloat())
	case KindDecimal:
		return json.Marshal(v.dec.String())
	case KindText:
		return json.Marshal(v.str)
	case KindBlob:
		return json.Marshal([]byte(v.str))
	case KindTimestamp:
		return json.Marshal(v.AsTime().Format(time.RFC3339Nano))
	}
	return nil, errors.Errorf("cannot marshal Value of kind %v", v.kind)
}

// FromJSON converts a decoded JSON scalar into a Value of the given Kind.
// A JSON null always maps to NULL.
func FromJSON(raw json.RawMessage, kind Kind) (Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Null(), nil
	}
	var err error
	switch kind {
	case KindBool:
		var b bool
		if err = json.Unmarshal(raw, &b); err == nil {
			return Bool(b), nil
		}
	case KindInt:
		var i int64
		if err = json.Unmarshal(raw, &i); err == nil {
			return Int(i), nil
		}
	case KindUint:
		var u uint64
		if err = json.Unmarshal(raw, &u); err == nil {
			return Uint(u), nil
		}
	case KindFloat:
		var f float64
		if err = json.Unmarshal(raw, &f); err == nil {
			return Float(f), nil
		}
	case KindDecimal:
		var d decimal.Decimal
		if err = d.UnmarshalJSON(raw); err == nil {
			return Decimal(d), nil
		}
	case KindText:
		var s string
		if err = json.Unmarshal(raw, &s); err == nil {
			return Text(s), nil
		}
	case KindBlob:
		var b []byte
		if err = json.Unmarshal(raw, &b); err == nil {
			return Blob(b), nil
		}
	case KindTimestamp:
		var s string
		var t time.Time
		if err = json.Unmarshal(raw, &s); err == nil {
			if t, err = time.Parse(time.RFC3339Nano, s); err == nil {
				return Timestamp(t), nil
			}
		}
	default:
		err = errors.Errorf("unsupported kind %v", kind)
	}
	return Null(), errors.WithMessagef(err, "decoding %s as %v", string(raw), kind)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func cmpUint(a, b uint64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func cmpString(a, b string) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

// cmpFloat orders NaN before all other floats, so that ordering is total.
func cmpFloat(a, b float64) int {
	var an, bn = math.IsNaN(a), math.IsNaN(b)
	if an || bn {
		return cmpInt(boolInt(bn), boolInt(an))
	} else if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}
