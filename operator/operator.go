// Package operator implements the closed set of dataflow operators: base,
// filter, project, union, join, aggregate, topk, distinct, and reader.
//
// An Operator is a tagged variant over these kinds, and Process dispatches
// on its kind. Operators map input Records into output Records. They don't
// own the materialized state of their node (that's held by the domain) but
// stateful kinds keep auxiliary structures, keyed by the node's state key,
// from which their outputs are incrementally maintained. Auxiliary entries
// are dropped with Forget as keys are evicted, and rebuilt by replay.
package operator

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tributary.dev/core/expr"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/row"
	"go.tributary.dev/core/state"
)

// Input is Records received by an Operator from parent From.
type Input struct {
	From    graph.NodeIndex
	Records row.Records
}

// Miss is a key of a parent's state which is a hole, and which an Operator
// required to compute a replayed output.
type Miss struct {
	Node graph.NodeIndex
	Cols []int
	Key  row.Key
}

// Lookuper reads the materialized state of Nodes of the Operator's domain.
type Lookuper interface {
	Lookup(node graph.NodeIndex, cols []int, key row.Key) state.LookupResult
}

// Operator of a Node.
type Operator struct {
	Node *graph.Node

	filter    *expr.Compiled
	project   []*expr.Compiled
	dedup     *refCounts // Union with dedup, and distinct.
	join      *join
	aggregate *aggregate
	topK      *topK
}

// New returns the Operator of Node |n| of Graph |g|.
func New(g *graph.Graph, n *graph.Node) (*Operator, error) {
	var op = &Operator{Node: n}
	var in row.Schema
	if len(n.Parents) != 0 {
		in = g.Node(n.Parents[0]).Schema
	}
	var err error

	switch n.Kind() {
	case graph.KindBase, graph.KindReader:
	case graph.KindFilter:
		op.filter, err = n.Spec.Filter.Compile(in)
	case graph.KindProject:
		for _, pc := range n.Spec.Project {
			var c *expr.Compiled
			if c, err = pc.Expr.Compile(in); err != nil {
				break
			}
			op.project = append(op.project, c)
		}
	case graph.KindUnion:
		if n.Spec.Union != nil && n.Spec.Union.Dedup {
			op.dedup = newRefCounts(nil)
		}
	case graph.KindDistinct:
		op.dedup = newRefCounts(n.Key)
	case graph.KindJoin:
		op.join = newJoin(g, n)
	case graph.KindAggregate:
		op.aggregate = newAggregate(n.Spec.Aggregate, in)
	case graph.KindTopK:
		op.topK = newTopK(n.Spec.TopK)
	default:
		panic("unknown operator kind " + string(n.Kind()))
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "node %q", n.Name())
	}
	return op, nil
}

// Process maps |inputs| to output Records. If |replay| is true, the inputs
// are a replayed piece rather than live deltas, and a join returns any
// holes of its other side as Misses (in which case outputs are incomplete
// and must be discarded). Errors indicate an inconsistency between the
// graph and its inputs, and are fatal.
func (op *Operator) Process(inputs []Input, lk Lookuper, replay bool) (row.Records, []Miss, error) {
	switch op.Node.Kind() {
	case graph.KindBase:
		return processBase(op.Node, concat(inputs), lk), nil, nil

	case graph.KindFilter:
		var out row.Records
		for _, r := range concat(inputs) {
			if op.filter.Test(r.Row) {
				out = append(out, r)
			}
		}
		return out, nil, nil

	case graph.KindProject:
		var in = concat(inputs)
		var out = make(row.Records, len(in))
		for i, r := range in {
			var pr = make(row.Row, len(op.project))
			for j, c := range op.project {
				pr[j] = c.Eval(r.Row)
			}
			out[i] = row.Record{Row: pr, Positive: r.Positive}
		}
		return out, nil, nil

	case graph.KindUnion:
		if op.dedup == nil {
			return concat(inputs), nil, nil
		} else if replay {
			// Ancestors are fully materialized, so live counts are complete.
			return distinctRows(concat(inputs)), nil, nil
		}
		var out, err = op.dedup.apply(concat(inputs))
		return out, nil, err

	case graph.KindDistinct:
		var out, err = op.dedup.apply(concat(inputs))
		return out, nil, err

	case graph.KindJoin:
		if replay {
			return op.join.replay(inputs, lk)
		}
		return op.join.live(inputs, lk), nil, nil

	case graph.KindAggregate:
		var out, err = op.aggregate.apply(concat(inputs))
		return out, nil, err

	case graph.KindTopK:
		var out, err = op.topK.apply(concat(inputs))
		return out, nil, err

	case graph.KindReader:
		return concat(inputs), nil, nil

	default:
		panic("unknown operator kind " + string(op.Node.Kind()))
	}
}

// Forget drops auxiliary state of |key| of the Node's state.
func (op *Operator) Forget(key row.Key) {
	switch {
	case op.aggregate != nil:
		delete(op.aggregate.groups, key.Encode())
	case op.topK != nil:
		delete(op.topK.partitions, key.Encode())
	case op.dedup != nil && op.Node.Kind() == graph.KindDistinct:
		op.dedup.forget(key)
	}
}

// ForgetAll drops all auxiliary state of the Node.
func (op *Operator) ForgetAll() {
	switch {
	case op.aggregate != nil:
		op.aggregate.groups = make(map[string]*group)
	case op.topK != nil:
		op.topK.partitions = make(map[string]*partition)
	case op.dedup != nil:
		op.dedup.reset()
	}
}

func concat(inputs []Input) row.Records {
	if len(inputs) == 1 {
		return inputs[0].Records
	}
	var out row.Records
	for _, in := range inputs {
		out = append(out, in.Records...)
	}
	return out
}

// processBase passes through records written to a base, dropping removals
// of rows which aren't present so that downstream nodes never observe them.
func processBase(n *graph.Node, in row.Records, lk Lookuper) row.Records {
	in = in.Consolidate()

	var out = in[:0:0]
	for _, r := range in {
		if r.Positive {
			out = append(out, r)
			continue
		}
		var present int
		var res = lk.Lookup(n.Index, n.Key, r.Row.Key(n.Key))
		for _, rr := range res.Rows {
			if rr.Equal(r.Row) {
				present++
			}
		}
		// Count removals of this row already accepted from the batch.
		for _, o := range out {
			if !o.Positive && o.Row.Equal(r.Row) {
				present--
			}
		}
		if present <= 0 {
			log.WithFields(log.Fields{"base": n.Name(), "row": r.Row.String()}).
				Warn("dropping removal of row which isn't present")
			continue
		}
		out = append(out, r)
	}
	return out
}
