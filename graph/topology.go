package graph

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.tributary.dev/core/expr"
	"go.tributary.dev/core/row"
	"gopkg.in/yaml.v2"
)

// Kind is the operator kind of a node.
type Kind string

const (
	KindBase      Kind = "base"
	KindFilter    Kind = "filter"
	KindProject   Kind = "project"
	KindUnion     Kind = "union"
	KindJoin      Kind = "join"
	KindAggregate Kind = "aggregate"
	KindTopK      Kind = "topk"
	KindDistinct  Kind = "distinct"
	KindReader    Kind = "reader"
)

// Materialization of a node's output.
type Materialization string

const (
	MaterializeNone    Materialization = "none"
	MaterializeFull    Materialization = "full"
	MaterializePartial Materialization = "partial"
)

// Topology is a compiled operator graph, as produced by a query compiler,
// together with its domain assignment.
type Topology struct {
	Nodes []NodeSpec `yaml:"nodes"`
}

// NodeSpec declares a single node of a Topology.
type NodeSpec struct {
	// Name of the node, unique within the graph.
	Name string `yaml:"name"`
	// Kind of the node's operator.
	Kind Kind `yaml:"kind"`
	// Parents of the node, by name.
	Parents []string `yaml:"parents,omitempty"`
	// Columns of the node's output. Required for base nodes. For other kinds
	// the output schema is derived, and Columns (if present) must agree with it.
	Columns row.Schema `yaml:"columns,omitempty"`
	// Domain to which the node is assigned.
	Domain string `yaml:"domain"`
	// Materialized output of the node. Defaults to "full" for kinds which
	// require state, and "none" otherwise.
	Materialized Materialization `yaml:"materialized,omitempty"`
	// Key columns of the node's state. Required for readers, where it's the
	// lookup key. Optional for bases. For other stateful kinds it's derived.
	Key []int `yaml:"key,omitempty"`

	Filter    *expr.Expr      `yaml:"filter,omitempty"`
	Project   []ProjectColumn `yaml:"project,omitempty"`
	Union     *UnionSpec      `yaml:"union,omitempty"`
	Join      *JoinSpec       `yaml:"join,omitempty"`
	Aggregate *AggregateSpec  `yaml:"aggregate,omitempty"`
	TopK      *TopKSpec       `yaml:"topk,omitempty"`

	// UpstreamTable optionally names the table of an upstream database from
	// which a base node is seeded.
	UpstreamTable string `yaml:"upstream_table,omitempty"`
}

// ProjectColumn is an output column of a project node.
type ProjectColumn struct {
	Name string    `yaml:"name"`
	Expr expr.Expr `yaml:"expr"`
}

// UnionSpec configures a union node.
type UnionSpec struct {
	// Dedup emits each distinct row once, however many branches carry it.
	Dedup bool `yaml:"dedup,omitempty"`
}

// JoinKind is the kind of a join.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
)

// JoinSpec configures an equi-join of its first (left) and second (right)
// parents. Output rows are the left columns followed by the right columns.
type JoinSpec struct {
	Kind  JoinKind `yaml:"kind,omitempty"`
	Left  int      `yaml:"left"`
	Right int      `yaml:"right"`
}

// IsLeft returns true if the join is a left join. An empty Kind is inner.
func (js *JoinSpec) IsLeft() bool { return js.Kind == JoinLeft }

// AggregateFunc is an aggregation function.
type AggregateFunc string

const (
	AggCount       AggregateFunc = "count"
	AggCountStar   AggregateFunc = "count_star"
	AggSum         AggregateFunc = "sum"
	AggAvg         AggregateFunc = "avg"
	AggMin         AggregateFunc = "min"
	AggMax         AggregateFunc = "max"
	AggGroupConcat AggregateFunc = "group_concat"
)

// AggregateSpec configures a group-by aggregation. Output rows are the
// group columns followed by the aggregate value.
type AggregateSpec struct {
	Group []int         `yaml:"group"`
	Func  AggregateFunc `yaml:"func"`
	// Over is the aggregated column. Ignored by count_star.
	Over int `yaml:"over,omitempty"`
	// As names the output column of the aggregate value.
	As string `yaml:"as,omitempty"`
	// Separator of group_concat. Defaults to ",".
	Separator string `yaml:"separator,omitempty"`
}

// TopKSpec configures a top-k node.
type TopKSpec struct {
	Partition []int     `yaml:"partition,omitempty"`
	Order     []OrderBy `yaml:"order"`
	K         int       `yaml:"k"`
}

// OrderBy is an ordering column.
type OrderBy struct {
	Col  int  `yaml:"col"`
	Desc bool `yaml:"desc,omitempty"`
}

// ParseTopology decodes a YAML Topology.
func ParseTopology(r io.Reader) (*Topology, error) {
	var topo = new(Topology)
	var dec = yaml.NewDecoder(r)
	dec.SetStrict(true)

	if err := dec.Decode(topo); err != nil {
		return nil, errors.WithMessage(err, "decoding topology")
	}
	return topo, nil
}

// LoadTopology decodes the YAML Topology at |path|.
func LoadTopology(path string) (*Topology, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseTopology(f)
}
