package domain

import (
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"go.tributary.dev/core/evict"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/metrics"
	"go.tributary.dev/core/packet"
	"go.tributary.dev/core/row"
	"go.tributary.dev/core/upquery"
)

// evictBytes evicts least-recently used keys of the Domain's partial States,
// taking from the largest States first, until at least |bytes| are freed or
// no candidates remain. Keys with outstanding upqueries are never evicted.
func (d *Domain) evictBytes(bytes int) int {
	var candidates []*local
	var sizes []int

	for _, ind := range d.order {
		if l := d.nodes[ind]; l.state != nil && l.state.IsPartial() {
			candidates = append(candidates, l)
			sizes = append(sizes, l.state.MemSize())
		}
	}

	var freed int
	for _, v := range evict.Plan(sizes, bytes) {
		var l = candidates[v.Index]
		var before = l.state.MemSize()
		var keys = l.state.EvictLRU(v.Bytes, d.outstanding(l.node.Index))

		freed += before - l.state.MemSize()
		d.evicted(l, keys)
	}
	metrics.EvictedBytesTotal.WithLabelValues(d.name).Add(float64(freed))

	log.WithFields(log.Fields{
		"domain":    d.name,
		"requested": humanize.Bytes(uint64(bytes)),
		"freed":     humanize.Bytes(uint64(freed)),
	}).Debug("evicted partial state")

	return freed
}

// outstanding returns a predicate of keys of Node |node| with outstanding upqueries.
func (d *Domain) outstanding(node graph.NodeIndex) func(row.Key) bool {
	return func(key row.Key) bool { return d.coord.IsOutstanding(upquery.KeyOf(node, key)) }
}

// evicted drops auxiliary Operator state of |keys| evicted from Node |l|,
// and notifies its children.
func (d *Domain) evicted(l *local, keys []row.Key) {
	if len(keys) == 0 {
		return
	}
	for _, key := range keys {
		l.op.Forget(key)
	}
	d.observeSize(l)
	metrics.EvictedKeysTotal.WithLabelValues(l.node.Name()).Add(float64(len(keys)))

	d.notify(l.node.Index, l.node.Key, keys)
}

// notify children of Node |from| that |keys| over |cols| of its output were
// evicted. If |cols| is nil, every key of |from| is evicted.
func (d *Domain) notify(from graph.NodeIndex, cols []int, keys []row.Key) {
	var out = make(map[graph.DomainIndex][]packet.Batch)

	for _, c := range d.g.Node(from).Children {
		if _, ok := d.nodes[c]; ok {
			d.onEvict(c, from, cols, keys)
		} else {
			var di = d.g.Node(c).Domain
			out[di] = nil
		}
	}
	if err := d.send(out, func([]packet.Batch) *packet.Packet {
		return &packet.Packet{
			Kind:    packet.Evict,
			Evicted: &packet.Evicted{Node: from, Cols: cols, Keys: keys},
		}
	}); err != nil {
		log.WithFields(log.Fields{"domain": d.name, "err": err}).Debug("failed to send eviction notice")
	}
}

// onEvict applies the eviction of |keys| over |cols| of the output of
// Node |from| to its child |ind|. Stateless Nodes map the columns onto
// their own output and notify their children. Partial Nodes evict the
// corresponding keys, or every key if the columns don't map onto their key,
// and cascade. Keys being filled are invalidated rather than evicted.
func (d *Domain) onEvict(ind, from graph.NodeIndex, cols []int, keys []row.Key) {
	var l = d.nodes[ind]
	var n = l.node

	if l.state == nil {
		d.notify(ind, mapEvicted(d.g, n, from, cols), keys)
		return
	} else if !l.state.IsPartial() {
		return // Full state is never evicted.
	}

	var evicted []row.Key
	if cols != nil && equalCols(cols, n.InputKey) {
		for _, key := range keys {
			if nk := upquery.KeyOf(ind, key); d.coord.IsOutstanding(nk) {
				d.coord.Invalidate(nk)
			} else if l.state.IsFilled(key) {
				l.state.Evict(key)
				evicted = append(evicted, key)
			}
		}
	} else {
		d.coord.InvalidateNode(ind)
		evicted = l.state.EvictAll(d.outstanding(ind))
	}
	d.evicted(l, evicted)
}

// mapEvicted maps |cols| of the output of parent |from| onto the output of
// stateless Node |n|, or returns nil if they don't map.
func mapEvicted(g *graph.Graph, n *graph.Node, from graph.NodeIndex, cols []int) []int {
	if cols == nil {
		return nil
	}
	switch n.Kind() {
	case graph.KindFilter, graph.KindUnion:
		return cols

	case graph.KindProject:
		var out = make([]int, len(cols))
		for i, c := range cols {
			var found bool
			for j, pc := range n.Spec.Project {
				if col, ok := pc.Expr.ColumnRef(); ok && col == c {
					out[i], found = j, true
					break
				}
			}
			if !found {
				return nil
			}
		}
		return out

	case graph.KindJoin:
		var js = n.Spec.Join
		if from == n.Parents[0] {
			return cols
		} else if len(cols) == 1 && cols[0] == js.Right {
			// Every output row of a right-hand join key carries it as its
			// left-hand join value, including left join placeholders.
			return []int{js.Left}
		}
		var lw = g.LeftWidth(n.Index)
		var out = make([]int, len(cols))
		for i, c := range cols {
			out[i] = c + lw
		}
		return out

	default:
		return nil
	}
}

func equalCols(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
