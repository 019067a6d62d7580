package row

import "strings"

// Record is a signed Row. A positive Record inserts its Row, and a negative
// Record deletes it. An update is a negative of the old Row paired with a
// positive of the new one.
type Record struct {
	Row      Row
	Positive bool
}

// Records is an ordered sequence of Record deltas.
type Records []Record

// Positive returns a positive Record of the Row.
func Positive(r Row) Record { return Record{Row: r, Positive: true} }

// Negative returns a negative Record of the Row.
func Negative(r Row) Record { return Record{Row: r, Positive: false} }

// Negate returns the Record with its sign flipped.
func (r Record) Negate() Record { return Record{Row: r.Row, Positive: !r.Positive} }

// Sign returns +1 for a positive Record, and -1 otherwise.
func (r Record) Sign() int {
	if r.Positive {
		return 1
	}
	return -1
}

func (r Record) String() string {
	if r.Positive {
		return "+" + r.Row.String()
	}
	return "-" + r.Row.String()
}

// PositiveRecords returns positive Records of each of the Rows.
func PositiveRecords(rows []Row) Records {
	var out = make(Records, len(rows))
	for i, r := range rows {
		out[i] = Positive(r)
	}
	return out
}

// Consolidate merges Records of equal Rows into their net multiplicity,
// dropping +/- pairs which cancel. Surviving Records retain the order in
// which their Row first appeared.
func (rs Records) Consolidate() Records {
	if len(rs) < 2 {
		return rs
	}
	type entry struct {
		row   Row
		count int
		order int
	}
	var (
		byRow = make(map[string]*entry, len(rs))
		order []*entry
	)
	for _, r := range rs {
		var enc = r.Row.Encode()
		var e, ok = byRow[enc]
		if !ok {
			e = &entry{row: r.Row, order: len(order)}
			byRow[enc] = e
			order = append(order, e)
		}
		e.count += r.Sign()
	}

	var out = make(Records, 0, len(rs))
	for _, e := range order {
		for ; e.count > 0; e.count-- {
			out = append(out, Positive(e.row))
		}
		for ; e.count < 0; e.count++ {
			out = append(out, Negative(e.row))
		}
	}
	return out
}

// Rows returns the Rows of the Records, without signs.
func (rs Records) Rows() []Row {
	var out = make([]Row, len(rs))
	for i, r := range rs {
		out[i] = r.Row
	}
	return out
}

// Size is the approximate in-memory footprint of the Records, in bytes.
func (rs Records) Size() int {
	var n int
	for _, r := range rs {
		n += r.Row.Size()
	}
	return n
}

func (rs Records) String() string {
	var parts = make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
