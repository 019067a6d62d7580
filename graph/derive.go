package graph

import (
	"github.com/pkg/errors"
	"go.tributary.dev/core/row"
)

// deriveNode validates the NodeSpec of |n| against its (already derived)
// parents, and derives its output Schema, materialization, and Key.
func (g *Graph) deriveNode(n *Node) error {
	var spec = n.Spec
	var parents = make([]*Node, len(n.Parents))
	for i, p := range n.Parents {
		parents[i] = g.nodes[p]
	}

	var arity = 1
	switch spec.Kind {
	case KindBase:
		arity = 0
	case KindJoin:
		arity = 2
	case KindUnion:
		arity = -1
	case KindFilter, KindProject, KindAggregate, KindTopK, KindDistinct, KindReader:
	default:
		return errors.Wrapf(ErrInvalidTopology, "unknown kind %q", spec.Kind)
	}
	if arity == -1 && len(parents) == 0 {
		return errors.Wrapf(ErrInvalidTopology, "%s requires at least one parent", spec.Kind)
	} else if arity != -1 && len(parents) != arity {
		return errors.Wrapf(ErrInvalidTopology, "%s requires %d parents (has %d)", spec.Kind, arity, len(parents))
	}

	var schema, err = deriveSchema(spec, parents)
	if err != nil {
		return err
	}
	if spec.Kind != KindBase && len(spec.Columns) != 0 {
		if schema, err = applyDeclared(schema, spec.Columns); err != nil {
			return err
		}
	}
	n.Schema = schema

	return deriveMaterialization(n)
}

func deriveSchema(spec NodeSpec, parents []*Node) (row.Schema, error) {
	switch spec.Kind {
	case KindBase:
		if len(spec.Columns) == 0 {
			return nil, errors.Wrap(ErrInvalidTopology, "base requires columns")
		}
		return spec.Columns, nil

	case KindFilter:
		if spec.Filter == nil {
			return nil, errors.Wrap(ErrInvalidTopology, "filter requires a predicate")
		}
		var c, err = spec.Filter.Compile(parents[0].Schema)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidTopology, err.Error())
		} else if k := c.Column.Kind; k != row.KindBool && k != row.KindNull {
			return nil, errors.Wrapf(ErrInvalidTopology, "filter predicate is of kind %v (not bool)", k)
		}
		return parents[0].Schema, nil

	case KindProject:
		if len(spec.Project) == 0 {
			return nil, errors.Wrap(ErrInvalidTopology, "project requires columns")
		}
		var out = make(row.Schema, len(spec.Project))
		for i, pc := range spec.Project {
			var c, err = pc.Expr.Compile(parents[0].Schema)
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidTopology, "project column %q: %s", pc.Name, err)
			}
			out[i] = c.Column
			out[i].Name = pc.Name
		}
		return out, nil

	case KindUnion:
		var out = append(row.Schema(nil), parents[0].Schema...)
		for _, p := range parents[1:] {
			if len(p.Schema) != len(out) {
				return nil, errors.Wrapf(ErrInvalidTopology, "union parent %q has arity %d (expected %d)",
					p.Name(), len(p.Schema), len(out))
			}
			for i, c := range p.Schema {
				if c.Kind != out[i].Kind {
					return nil, errors.Wrapf(ErrInvalidTopology, "union parent %q column %d is %v (expected %v)",
						p.Name(), i, c.Kind, out[i].Kind)
				}
				out[i].Nullable = out[i].Nullable || c.Nullable
			}
		}
		return out, nil

	case KindJoin:
		return deriveJoin(spec, parents[0].Schema, parents[1].Schema)

	case KindAggregate:
		return deriveAggregate(spec, parents[0].Schema)

	case KindTopK:
		var in = parents[0].Schema
		if spec.TopK == nil || spec.TopK.K <= 0 {
			return nil, errors.Wrap(ErrInvalidTopology, "topk requires k > 0")
		} else if err := checkCols(spec.TopK.Partition, len(in)); err != nil {
			return nil, err
		}
		for _, o := range spec.TopK.Order {
			if err := checkCols([]int{o.Col}, len(in)); err != nil {
				return nil, err
			}
		}
		return in, nil

	default: // KindDistinct, KindReader.
		return parents[0].Schema, nil
	}
}

func deriveJoin(spec NodeSpec, left, right row.Schema) (row.Schema, error) {
	var js = spec.Join
	if js == nil {
		return nil, errors.Wrap(ErrInvalidTopology, "join requires join columns")
	}
	switch js.Kind {
	case "", JoinInner, JoinLeft:
	default:
		return nil, errors.Wrapf(ErrInvalidTopology, "unknown join kind %q", js.Kind)
	}
	if err := checkCols([]int{js.Left}, len(left)); err != nil {
		return nil, err
	} else if err = checkCols([]int{js.Right}, len(right)); err != nil {
		return nil, err
	} else if lk, rk := left[js.Left].Kind, right[js.Right].Kind; lk != rk {
		return nil, errors.Wrapf(ErrInvalidTopology, "join columns are of differing kinds %v and %v", lk, rk)
	}

	var out = append(append(row.Schema(nil), left...), right...)
	if js.Kind == JoinLeft {
		for i := len(left); i != len(out); i++ {
			out[i].Nullable = true
		}
	}
	return out, nil
}

func deriveAggregate(spec NodeSpec, in row.Schema) (row.Schema, error) {
	var as = spec.Aggregate
	if as == nil {
		return nil, errors.Wrap(ErrInvalidTopology, "aggregate requires a function")
	} else if err := checkCols(as.Group, len(in)); err != nil {
		return nil, err
	}
	var out = in.Project(as.Group)
	var col = row.Column{Name: as.As}
	if col.Name == "" {
		col.Name = string(as.Func)
	}

	if as.Func != AggCountStar {
		if err := checkCols([]int{as.Over}, len(in)); err != nil {
			return nil, err
		}
	}
	var over = in[as.Over]

	switch as.Func {
	case AggCount, AggCountStar:
		col.Kind = row.KindInt
	case AggSum, AggAvg:
		if !over.Kind.IsNumeric() {
			return nil, errors.Wrapf(ErrInvalidTopology, "%s over non-numeric column %q", as.Func, over.Name)
		}
		col.Kind, col.Nullable = over.Kind, over.Nullable
		if as.Func == AggAvg && over.Kind != row.KindFloat {
			col.Kind = row.KindDecimal
		}
	case AggMin, AggMax:
		col.Kind, col.Nullable = over.Kind, over.Nullable
	case AggGroupConcat:
		col.Kind, col.Nullable = row.KindText, over.Nullable
	default:
		return nil, errors.Wrapf(ErrInvalidTopology, "unknown aggregate function %q", as.Func)
	}
	return append(out, col), nil
}

// applyDeclared checks declared Columns against the derived Schema. Declared
// Columns may rename, and may widen nullability, but not change kinds.
func applyDeclared(derived, declared row.Schema) (row.Schema, error) {
	if len(derived) != len(declared) {
		return nil, errors.Wrapf(ErrInvalidTopology, "declared %d columns (derived %d)", len(declared), len(derived))
	}
	var out = make(row.Schema, len(derived))
	for i := range derived {
		if declared[i].Kind != derived[i].Kind {
			return nil, errors.Wrapf(ErrInvalidTopology, "declared column %q is %v (derived %v)",
				declared[i].Name, declared[i].Kind, derived[i].Kind)
		}
		out[i] = declared[i]
		out[i].Nullable = declared[i].Nullable || derived[i].Nullable
	}
	return out, nil
}

// deriveMaterialization resolves the materialization and keys of |n|.
func deriveMaterialization(n *Node) error {
	var spec = n.Spec
	var m = spec.Materialized

	switch spec.Kind {
	case KindBase:
		if m == "" {
			m = MaterializeFull
		} else if m != MaterializeFull {
			return errors.Wrapf(ErrInvalidTopology, "base must be fully materialized")
		}
		n.Key = spec.Key
		if n.Key == nil {
			n.Key = []int{0}
		}
	case KindFilter, KindProject, KindUnion, KindJoin:
		if m == "" {
			m = MaterializeNone
		} else if m != MaterializeNone {
			return errors.Wrapf(ErrInvalidTopology, "%s cannot be materialized", spec.Kind)
		}
	case KindAggregate, KindTopK, KindDistinct, KindReader:
		if m == "" {
			m = MaterializeFull
		} else if m != MaterializeFull && m != MaterializePartial {
			return errors.Wrapf(ErrInvalidTopology, "%s must be materialized", spec.Kind)
		}

		switch spec.Kind {
		case KindAggregate:
			n.Key = seq(len(spec.Aggregate.Group))
			n.InputKey = spec.Aggregate.Group
		case KindTopK:
			n.Key = spec.TopK.Partition
			n.InputKey = spec.TopK.Partition
		case KindDistinct:
			n.Key = spec.Key
			if n.Key == nil {
				n.Key = seq(len(n.Schema))
			}
			n.InputKey = n.Key
		case KindReader:
			n.Key = spec.Key
			n.InputKey = spec.Key
		}
		if spec.Key != nil && !equalCols(spec.Key, n.Key) {
			return errors.Wrapf(ErrInvalidTopology, "declared key %v differs from derived key %v", spec.Key, n.Key)
		}
	}
	if n.Key == nil && m != MaterializeNone {
		n.Key = []int{}
	}
	n.Materialized = m

	if err := checkCols(n.Key, len(n.Schema)); err != nil {
		return err
	}
	return nil
}

func checkCols(cols []int, width int) error {
	for _, c := range cols {
		if c < 0 || c >= width {
			return errors.Wrapf(ErrInvalidTopology, "column %d out of range (width %d)", c, width)
		}
	}
	return nil
}

func seq(n int) []int {
	var out = make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
