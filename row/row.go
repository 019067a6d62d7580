package row

import (
	"math"
	"strings"

	"github.com/jgraettinger/cockroach-encoding/encoding"
)

// Row is an ordered sequence of Values, positionally matching the output
// schema of the node which produced it. Rows are never mutated after
// construction and are freely shared between nodes and states.
type Row []Value

// Key is a projection of a Row onto a list of column positions.
type Key []Value

// Key projects the Row onto |cols|. It panics if a column is out of range,
// which indicates a graph compiled against the wrong schema.
func (r Row) Key(cols []int) Key {
	var k = make(Key, len(cols))
	for i, c := range cols {
		if c < 0 || c >= len(r) {
			panic("key column out of range of row arity")
		}
		k[i] = r[c]
	}
	return k
}

// Equal is true if Rows have equal arity and pair-wise Equal Values.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Size is the approximate in-memory footprint of the Row, in bytes.
func (r Row) Size() int {
	var n = 24
	for _, v := range r {
		n += v.Size()
	}
	return n
}

// Encode the Row into its canonical, order-preserving byte representation.
func (r Row) Encode() string { return string(appendValues(nil, r)) }

func (r Row) String() string { return formatValues([]Value(r)) }

// Encode the Key into its canonical, order-preserving byte representation,
// suitable for use as a map key. Keys Encode equally iff they are Equal.
func (k Key) Encode() string { return string(appendValues(nil, k)) }

// Equal is true if Keys are pair-wise Equal.
func (k Key) Equal(o Key) bool { return Row(k).Equal(Row(o)) }

func (k Key) String() string { return formatValues([]Value(k)) }

// CompareRows orders Rows lexicographically by Compare of their Values.
func CompareRows(a, b Row) int {
	for i := 0; i != len(a) && i != len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(a), len(b))
}

// Concat returns a new Row of |a| followed by |b|.
func Concat(a, b Row) Row {
	var out = make(Row, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}

// Nulls returns a Row of |n| NULLs.
func Nulls(n int) Row { return make(Row, n) }

func appendValues(b []byte, vals []Value) []byte {
	for _, v := range vals {
		b = encoding.EncodeUvarintAscending(b, uint64(v.kind))

		switch v.kind {
		case KindNull:
			b = encoding.EncodeNullAscending(b)
		case KindBool, KindUint:
			b = encoding.EncodeUvarintAscending(b, v.bits)
		case KindInt, KindTimestamp:
			b = encoding.EncodeVarintAscending(b, int64(v.bits))
		case KindFloat:
			b = encoding.EncodeUint64Ascending(b, orderedFloatBits(v.AsFloat()))
		case KindDecimal:
			b = encoding.EncodeStringAscending(b, v.dec.String())
		case KindText:
			b = encoding.EncodeStringAscending(b, v.str)
		case KindBlob:
			b = encoding.EncodeBytesAscending(b, []byte(v.str))
		}
	}
	return b
}

// orderedFloatBits maps a float64 onto a uint64 which orders identically
// under unsigned comparison. Negative zero maps with positive zero.
func orderedFloatBits(f float64) uint64 {
	if f == 0 {
		f = 0
	}
	var u = math.Float64bits(f)
	if u&(1<<63) != 0 {
		return ^u
	}
	return u | (1 << 63)
}

func formatValues(vals []Value) string {
	var parts = make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
