package operator

import (
	"math"
	"strings"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/row"
	"go.tributary.dev/core/state"
)

// ErrSumOverflow is returned when a sum of integers overflows the kind of
// its column.
var ErrSumOverflow = errors.New("sum overflows its column kind")

// aggregate maintains an aggregate value per group.
type aggregate struct {
	spec   graph.AggregateSpec
	kind   row.Kind // Kind of the aggregated column.
	groups map[string]*group
}

// group is the auxiliary state of one group.
type group struct {
	key     row.Key
	rows    int64 // All rows of the group.
	nonNull int64 // Rows having a non-NULL aggregated value.

	sumInt   int64
	sumUint  uint64
	sumFloat float64
	sumDec   decimal.Decimal

	// values is a multiset of non-NULL aggregated values, for min, max,
	// and group_concat.
	values *btree.BTreeG[valueCount]
}

type valueCount struct {
	value row.Value
	count int
}

func lessValueCount(a, b valueCount) bool { return row.Compare(a.value, b.value) < 0 }

func newAggregate(spec *graph.AggregateSpec, in row.Schema) *aggregate {
	var agg = &aggregate{spec: *spec, groups: make(map[string]*group)}
	if spec.Func != graph.AggCountStar {
		agg.kind = in[spec.Over].Kind
	}
	if agg.spec.Separator == "" {
		agg.spec.Separator = ","
	}
	return agg
}

func (agg *aggregate) tracksValues() bool {
	switch agg.spec.Func {
	case graph.AggMin, graph.AggMax, graph.AggGroupConcat:
		return true
	}
	return false
}

// apply |in| to groups, returning the retraction of each changed group's
// prior output followed by its updated output.
func (agg *aggregate) apply(in row.Records) (row.Records, error) {
	type touched struct {
		g   *group
		old row.Row
	}
	var order []*touched
	var byKey = make(map[string]*touched)

	for _, r := range in {
		var key = r.Row.Key(agg.spec.Group)
		var enc = key.Encode()

		var t, ok = byKey[enc]
		if !ok {
			var g = agg.groups[enc]
			if g == nil {
				g = &group{key: key}
				if agg.tracksValues() {
					g.values = btree.NewG[valueCount](8, lessValueCount)
				}
				agg.groups[enc] = g
			}
			t = &touched{g: g, old: agg.output(g)}
			byKey[enc] = t
			order = append(order, t)
		}
		if err := agg.update(t.g, r); err != nil {
			return nil, err
		}
	}

	var out row.Records
	for _, t := range order {
		var next = agg.output(t.g)
		if t.g.rows == 0 {
			delete(agg.groups, t.g.key.Encode())
		}
		if t.old != nil && next != nil && t.old.Equal(next) {
			continue
		}
		if t.old != nil {
			out = append(out, row.Negative(t.old))
		}
		if next != nil {
			out = append(out, row.Positive(next))
		}
	}
	return out, nil
}

func (agg *aggregate) update(g *group, r row.Record) error {
	var sign = int64(r.Sign())
	if g.rows+sign < 0 {
		return errors.Wrapf(state.ErrOrphanNegative, "aggregate group %s", g.key)
	}
	g.rows += sign

	if agg.spec.Func == graph.AggCountStar {
		return nil
	}
	var v = r.Row[agg.spec.Over]
	if v.IsNull() {
		return nil
	}
	g.nonNull += sign

	switch agg.spec.Func {
	case graph.AggSum, graph.AggAvg:
		switch agg.kind {
		case row.KindInt:
			var d, sum = sign * v.AsInt(), g.sumInt
			if (d > 0 && sum > math.MaxInt64-d) || (d < 0 && sum < math.MinInt64-d) {
				g.rows, g.nonNull = g.rows-sign, g.nonNull-sign
				return errors.Wrapf(ErrSumOverflow, "aggregate group %s adding %s", g.key, row.Row{v})
			}
			g.sumInt = sum + d
		case row.KindUint:
			var d = v.AsUint()
			if (sign > 0 && g.sumUint > math.MaxUint64-d) || (sign < 0 && g.sumUint < d) {
				g.rows, g.nonNull = g.rows-sign, g.nonNull-sign
				return errors.Wrapf(ErrSumOverflow, "aggregate group %s adding %s", g.key, row.Row{v})
			}
			if sign > 0 {
				g.sumUint += d
			} else {
				g.sumUint -= d
			}
		case row.KindFloat:
			g.sumFloat += float64(sign) * v.AsFloat()
		case row.KindDecimal:
			if sign > 0 {
				g.sumDec = g.sumDec.Add(v.AsDecimal())
			} else {
				g.sumDec = g.sumDec.Sub(v.AsDecimal())
			}
		}
	case graph.AggMin, graph.AggMax, graph.AggGroupConcat:
		var vc, ok = g.values.Get(valueCount{value: v})
		if !ok && sign < 0 {
			return errors.Wrapf(state.ErrOrphanNegative, "aggregate group %s value %s", g.key, v)
		}
		vc.value = v
		vc.count += int(sign)
		if vc.count == 0 {
			g.values.Delete(vc)
		} else {
			g.values.ReplaceOrInsert(vc)
		}
	}
	return nil
}

// output returns the output row of the group, or nil if the group is empty.
func (agg *aggregate) output(g *group) row.Row {
	if g.rows == 0 {
		return nil
	}
	var out = make(row.Row, 0, len(g.key)+1)
	out = append(out, g.key...)
	return append(out, agg.value(g))
}

func (agg *aggregate) value(g *group) row.Value {
	switch agg.spec.Func {
	case graph.AggCountStar:
		return row.Int(g.rows)
	case graph.AggCount:
		return row.Int(g.nonNull)
	}
	if g.nonNull == 0 {
		return row.Null()
	}

	switch agg.spec.Func {
	case graph.AggSum:
		switch agg.kind {
		case row.KindInt:
			return row.Int(g.sumInt)
		case row.KindUint:
			return row.Uint(g.sumUint)
		case row.KindFloat:
			return row.Float(g.sumFloat)
		default:
			return row.Decimal(g.sumDec)
		}
	case graph.AggAvg:
		switch agg.kind {
		case row.KindFloat:
			return row.Float(g.sumFloat / float64(g.nonNull))
		case row.KindInt:
			return row.Decimal(decimal.NewFromInt(g.sumInt).Div(decimal.NewFromInt(g.nonNull)))
		case row.KindUint:
			return row.Decimal(row.Uint(g.sumUint).AsDecimal().Div(decimal.NewFromInt(g.nonNull)))
		default:
			return row.Decimal(g.sumDec.Div(decimal.NewFromInt(g.nonNull)))
		}
	case graph.AggMin:
		var vc, _ = g.values.Min()
		return vc.value
	case graph.AggMax:
		var vc, _ = g.values.Max()
		return vc.value
	case graph.AggGroupConcat:
		var parts []string
		g.values.Ascend(func(vc valueCount) bool {
			for i := 0; i != vc.count; i++ {
				parts = append(parts, vc.value.String())
			}
			return true
		})
		return row.Text(strings.Join(parts, agg.spec.Separator))
	default:
		panic("unknown aggregate function " + string(agg.spec.Func))
	}
}
