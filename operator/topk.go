package operator

import (
	"github.com/google/btree"
	"github.com/pkg/errors"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/row"
	"go.tributary.dev/core/state"
)

// topK maintains the first K rows of each partition under an ordering.
type topK struct {
	spec       graph.TopKSpec
	partitions map[string]*partition
}

// partition is an ordered multiset of every row of a partition.
type partition struct {
	rows *btree.BTreeG[rowCount]
}

type rowCount struct {
	row   row.Row
	count int
}

func newTopK(spec *graph.TopKSpec) *topK {
	return &topK{spec: *spec, partitions: make(map[string]*partition)}
}

// less orders rows by the order columns, breaking ties by the complete row
// so that the ordering is total and deterministic.
func (tk *topK) less(a, b rowCount) bool {
	for _, o := range tk.spec.Order {
		var c = row.Compare(a.row[o.Col], b.row[o.Col])
		if o.Desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
	}
	return row.CompareRows(a.row, b.row) < 0
}

func (tk *topK) apply(in row.Records) (row.Records, error) {
	type touched struct {
		p   *partition
		enc string
		old []row.Row
	}
	var order []*touched
	var byKey = make(map[string]*touched)

	for _, r := range in {
		var enc = r.Row.Key(tk.spec.Partition).Encode()
		var t, ok = byKey[enc]
		if !ok {
			var p = tk.partitions[enc]
			if p == nil {
				p = &partition{rows: btree.NewG[rowCount](8, tk.less)}
				tk.partitions[enc] = p
			}
			t = &touched{p: p, enc: enc, old: tk.head(p)}
			byKey[enc] = t
			order = append(order, t)
		}

		var rc, found = t.p.rows.Get(rowCount{row: r.Row})
		if r.Positive {
			rc.row = r.Row
			rc.count++
			t.p.rows.ReplaceOrInsert(rc)
		} else if !found {
			return nil, errors.Wrapf(state.ErrOrphanNegative, "topk row %s", r.Row)
		} else if rc.count--; rc.count == 0 {
			t.p.rows.Delete(rc)
		} else {
			t.p.rows.ReplaceOrInsert(rc)
		}
	}

	var out row.Records
	for _, t := range order {
		var next = tk.head(t.p)
		if t.p.rows.Len() == 0 {
			delete(tk.partitions, t.enc)
		}
		// Emit the multiset difference of prior and next heads.
		for _, r := range t.old {
			out = append(out, row.Negative(r))
		}
		for _, r := range next {
			out = append(out, row.Positive(r))
		}
	}
	return out.Consolidate(), nil
}

// head returns the first K rows of the partition, with multiplicity.
func (tk *topK) head(p *partition) []row.Row {
	var out []row.Row
	p.rows.Ascend(func(rc rowCount) bool {
		for i := 0; i != rc.count && len(out) != tk.spec.K; i++ {
			out = append(out, rc.row)
		}
		return len(out) != tk.spec.K
	})
	return out
}
