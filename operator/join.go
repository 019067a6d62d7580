package operator

import (
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/row"
)

// join is an equi-join of a left and right parent on one column of each.
// Both parents are materialized in the join's domain, and indexed on their
// join column, and the join reads their post-update state.
type join struct {
	left, right       graph.NodeIndex
	leftCol, rightCol int
	leftWidth         int
	rightWidth        int
	outer             bool
}

func newJoin(g *graph.Graph, n *graph.Node) *join {
	var l, r = g.Node(n.Parents[0]), g.Node(n.Parents[1])
	return &join{
		left:       l.Index,
		right:      r.Index,
		leftCol:    n.Spec.Join.Left,
		rightCol:   n.Spec.Join.Right,
		leftWidth:  len(l.Schema),
		rightWidth: len(r.Schema),
		outer:      n.Spec.Join.IsLeft(),
	}
}

// live computes the change of join output from deltas of either side as
//
//	ΔL⋈R' + L'⋈ΔR - ΔL⋈ΔR
//
// where L' and R' are post-update parent states. Left-join placeholders of
// each affected key are re-derived from the right side's count before and
// after the update. Keys which are holes in either parent are skipped:
// every downstream key which depends on them is itself a hole.
func (j *join) live(inputs []Input, lk Lookuper) row.Records {
	var dl, dr = j.split(inputs)
	var out row.Records

	var keys []row.Value
	var byKeyL, byKeyR = make(map[string]row.Records), make(map[string]row.Records)
	var seen = make(map[string]bool)

	for _, r := range dl {
		var v = r.Row[j.leftCol]
		if v.IsNull() {
			if j.outer {
				out = append(out, row.Record{Row: j.placeholder(r.Row), Positive: r.Positive})
			}
			continue
		}
		var enc = row.Key{v}.Encode()
		if !seen[enc] {
			seen[enc] = true
			keys = append(keys, v)
		}
		byKeyL[enc] = append(byKeyL[enc], r)
	}
	for _, r := range dr {
		var v = r.Row[j.rightCol]
		if v.IsNull() {
			continue
		}
		var enc = row.Key{v}.Encode()
		if !seen[enc] {
			seen[enc] = true
			keys = append(keys, v)
		}
		byKeyR[enc] = append(byKeyR[enc], r)
	}

	for _, v := range keys {
		var key = row.Key{v}
		var enc = key.Encode()

		var lState = lk.Lookup(j.left, []int{j.leftCol}, key)
		var rState = lk.Lookup(j.right, []int{j.rightCol}, key)
		if lState.Miss || rState.Miss {
			continue
		}
		var dlk, drk = byKeyL[enc], byKeyR[enc]

		for _, l := range dlk {
			for _, r := range rState.Rows {
				out = append(out, row.Record{Row: row.Concat(l.Row, r), Positive: l.Positive})
			}
		}
		for _, r := range drk {
			for _, l := range lState.Rows {
				out = append(out, row.Record{Row: row.Concat(l, r.Row), Positive: r.Positive})
			}
		}
		for _, l := range dlk {
			for _, r := range drk {
				out = append(out, row.Record{Row: row.Concat(l.Row, r.Row), Positive: l.Positive != r.Positive})
			}
		}
		if j.outer {
			out = append(out, j.placeholders(lState.Rows, rState.Rows, dlk, drk)...)
		}
	}
	return out.Consolidate()
}

// placeholders returns the change of left-join placeholder rows of a key.
func (j *join) placeholders(leftNow, rightNow []row.Row, dl, dr row.Records) row.Records {
	var rNow = len(rightNow)
	var rBefore = rNow
	for _, r := range dr {
		rBefore -= r.Sign()
	}
	var out row.Records

	switch {
	case rBefore == 0 && rNow == 0:
		for _, l := range dl {
			out = append(out, row.Record{Row: j.placeholder(l.Row), Positive: l.Positive})
		}
	case rBefore == 0:
		// Placeholders of left rows prior to the update are retracted.
		for _, l := range leftBefore(leftNow, dl) {
			out = append(out, row.Negative(j.placeholder(l)))
		}
	case rNow == 0:
		for _, l := range leftNow {
			out = append(out, row.Positive(j.placeholder(l)))
		}
	}
	return out
}

// leftBefore reconstructs left rows of a key prior to update |dl|.
func leftBefore(now []row.Row, dl row.Records) []row.Row {
	var rs = row.PositiveRecords(now)
	for _, l := range dl {
		rs = append(rs, l.Negate())
	}
	return rs.Consolidate().Rows()
}

// replay joins a replayed piece of one side with the state of the other.
func (j *join) replay(inputs []Input, lk Lookuper) (row.Records, []Miss, error) {
	var dl, dr = j.split(inputs)
	var out row.Records
	var misses []Miss
	var missed = make(map[string]bool)

	var miss = func(node graph.NodeIndex, col int, key row.Key) {
		if enc := key.Encode(); !missed[enc] {
			missed[enc] = true
			misses = append(misses, Miss{Node: node, Cols: []int{col}, Key: key})
		}
	}

	for _, l := range dl {
		var v = l.Row[j.leftCol]
		if v.IsNull() {
			if j.outer {
				out = append(out, row.Record{Row: j.placeholder(l.Row), Positive: l.Positive})
			}
			continue
		}
		var res = lk.Lookup(j.right, []int{j.rightCol}, row.Key{v})
		if res.Miss {
			miss(j.right, j.rightCol, row.Key{v})
			continue
		}
		for _, r := range res.Rows {
			out = append(out, row.Record{Row: row.Concat(l.Row, r), Positive: l.Positive})
		}
		if len(res.Rows) == 0 && j.outer {
			out = append(out, row.Record{Row: j.placeholder(l.Row), Positive: l.Positive})
		}
	}
	for _, r := range dr {
		var v = r.Row[j.rightCol]
		if v.IsNull() {
			continue
		}
		var res = lk.Lookup(j.left, []int{j.leftCol}, row.Key{v})
		if res.Miss {
			miss(j.left, j.leftCol, row.Key{v})
			continue
		}
		for _, l := range res.Rows {
			out = append(out, row.Record{Row: row.Concat(l, r.Row), Positive: r.Positive})
		}
	}
	if len(misses) != 0 {
		return nil, misses, nil
	}
	return out.Consolidate(), nil, nil
}

func (j *join) split(inputs []Input) (dl, dr row.Records) {
	for _, in := range inputs {
		if in.From == j.left {
			dl = append(dl, in.Records...)
		} else {
			dr = append(dr, in.Records...)
		}
	}
	return
}

func (j *join) placeholder(l row.Row) row.Row {
	return row.Concat(l, row.Nulls(j.rightWidth))
}
