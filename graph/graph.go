// Package graph models the dataflow graph: an arena of operator Nodes
// addressed by stable NodeIndex, their derived output schemas and state
// keys, the assignment of Nodes to Domains, and the replay paths used to
// fill partially-materialized state.
//
// A Graph is immutable once built and is shared by every domain. Extension
// produces a new Graph which shares no mutable structure with the prior one,
// allowing domains to adopt it independently and atomically.
package graph

import (
	"reflect"
	"sort"

	"github.com/pkg/errors"
	"go.tributary.dev/core/row"
)

var (
	// ErrInvalidTopology is returned for cyclic graphs, unknown or misused
	// parents, and schema or materialization errors.
	ErrInvalidTopology = errors.New("invalid topology")
	// ErrDomainAssignment is returned for nodes lacking a domain, operators
	// whose state dependencies span domains, and cyclic domain graphs.
	ErrDomainAssignment = errors.New("domain assignment error")
	// ErrConflictingSchema is returned when an extension redeclares an
	// existing node differently.
	ErrConflictingSchema = errors.New("conflicting schema")
	// ErrUnknownNode is returned when a named node doesn't exist.
	ErrUnknownNode = errors.New("unknown node")
)

// NodeIndex is the stable identifier of a Node within the Graph arena.
type NodeIndex int

// DomainIndex is the stable identifier of a Domain.
type DomainIndex int

// Node is an operator of the Graph.
type Node struct {
	Index NodeIndex
	Spec  NodeSpec
	// Schema of the Node's output.
	Schema   row.Schema
	Parents  []NodeIndex
	Children []NodeIndex
	Domain   DomainIndex
	// Materialized is the effective materialization of the Node.
	Materialized Materialization
	// Key of the Node's state, if materialized. For partial Nodes this is
	// the key on which state is filled and evicted.
	Key []int
	// InputKey is Key expressed in columns of the Node's single parent,
	// for materialized Nodes other than bases.
	InputKey []int
	// Indices of the Node's state. The first is always Key.
	Indices [][]int

	topo int
}

// Name of the Node.
func (n *Node) Name() string { return n.Spec.Name }

// Kind of the Node.
func (n *Node) Kind() Kind { return n.Spec.Kind }

// IsMaterialized returns true if the Node holds state.
func (n *Node) IsMaterialized() bool { return n.Materialized != MaterializeNone }

// IsPartial returns true if the Node holds partial state.
func (n *Node) IsPartial() bool { return n.Materialized == MaterializePartial }

// Domain is a partition of the Graph's Nodes, executed sequentially.
type Domain struct {
	Index DomainIndex
	Name  string
	// Nodes of the Domain, in topological order.
	Nodes []NodeIndex
}

// Graph is an immutable dataflow graph.
type Graph struct {
	nodes        []*Node
	domains      []*Domain
	byName       map[string]NodeIndex
	domainByName map[string]DomainIndex
	topo         []NodeIndex
	domainTopo   []DomainIndex
	paths        map[NodeIndex]*ReplayPath
	backfills    map[NodeIndex]*ReplayPath
	backfillErrs map[NodeIndex]error
}

// Install validates and builds a Graph from the Topology.
func Install(topo *Topology) (*Graph, error) {
	var g, _, err = new(Graph).Extend(topo)
	return g, err
}

// Extend returns a new Graph which adds the Nodes of the Topology to this
// one, along with the indices of added Nodes. NodeSpecs identical to an
// existing Node are ignored, and NodeSpecs which differ from an existing
// Node of the same name fail with ErrConflictingSchema. The receiver is
// not modified.
func (g *Graph) Extend(topo *Topology) (*Graph, []NodeIndex, error) {
	var next = g.clone()
	var added []NodeIndex

	for _, spec := range topo.Nodes {
		if ind, ok := next.byName[spec.Name]; !ok {
			var n = &Node{Index: NodeIndex(len(next.nodes)), Spec: spec}
			next.nodes = append(next.nodes, n)
			next.byName[spec.Name] = n.Index
			added = append(added, n.Index)
		} else if int(ind) >= len(g.nodes) {
			return nil, nil, errors.Wrapf(ErrInvalidTopology, "duplicate node %q", spec.Name)
		} else if !reflect.DeepEqual(g.nodes[ind].Spec, spec) {
			return nil, nil, errors.Wrapf(ErrConflictingSchema, "node %q is already defined differently", spec.Name)
		}
	}
	if len(added) == 0 && len(g.nodes) != 0 {
		return g, nil, nil
	}

	for _, ind := range added {
		if err := next.resolveParents(next.nodes[ind]); err != nil {
			return nil, nil, err
		}
	}
	if err := next.sortTopological(); err != nil {
		return nil, nil, err
	}
	for _, ind := range next.topo {
		if int(ind) < len(g.nodes) {
			continue
		} else if err := next.deriveNode(next.nodes[ind]); err != nil {
			return nil, nil, errors.WithMessagef(err, "node %q", next.nodes[ind].Name())
		}
	}
	if err := next.assignDomains(added); err != nil {
		return nil, nil, err
	}
	if err := next.checkStateDependencies(); err != nil {
		return nil, nil, err
	}
	if err := next.buildReplayPaths(); err != nil {
		return nil, nil, err
	}
	return next, added, nil
}

// Node returns the Node at NodeIndex |i|.
func (g *Graph) Node(i NodeIndex) *Node { return g.nodes[i] }

// Nodes returns all Nodes of the Graph, indexed by NodeIndex.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Lookup returns the named Node, or ErrUnknownNode.
func (g *Graph) Lookup(name string) (*Node, error) {
	if ind, ok := g.byName[name]; ok {
		return g.nodes[ind], nil
	}
	return nil, errors.Wrapf(ErrUnknownNode, "%q", name)
}

// Domain returns the Domain at DomainIndex |i|.
func (g *Graph) Domain(i DomainIndex) *Domain { return g.domains[i] }

// Domains returns all Domains of the Graph, indexed by DomainIndex.
func (g *Graph) Domains() []*Domain { return g.domains }

// Topo returns all NodeIndexes in topological order.
func (g *Graph) Topo() []NodeIndex { return g.topo }

// DomainOrder returns all DomainIndexes in topological order: a Domain
// precedes every Domain to which it sends Packets.
func (g *Graph) DomainOrder() []DomainIndex { return g.domainTopo }

// Precedes returns true if |a| is ordered before |b| topologically.
func (g *Graph) Precedes(a, b NodeIndex) bool { return g.nodes[a].topo < g.nodes[b].topo }

// LeftWidth returns the number of left-hand columns of a join Node's output.
func (g *Graph) LeftWidth(join NodeIndex) int {
	return len(g.nodes[g.nodes[join].Parents[0]].Schema)
}

func (g *Graph) clone() *Graph {
	var next = &Graph{
		nodes:        make([]*Node, len(g.nodes)),
		domains:      make([]*Domain, len(g.domains)),
		byName:       make(map[string]NodeIndex, len(g.byName)),
		domainByName: make(map[string]DomainIndex, len(g.domainByName)),
	}
	for i, n := range g.nodes {
		var c = *n
		c.Children = append([]NodeIndex(nil), n.Children...)
		c.Indices = append([][]int(nil), n.Indices...)
		next.nodes[i] = &c
	}
	for i, d := range g.domains {
		var c = *d
		c.Nodes = append([]NodeIndex(nil), d.Nodes...)
		next.domains[i] = &c
	}
	for k, v := range g.byName {
		next.byName[k] = v
	}
	for k, v := range g.domainByName {
		next.domainByName[k] = v
	}
	return next
}

func (g *Graph) resolveParents(n *Node) error {
	if n.Spec.Name == "" {
		return errors.Wrap(ErrInvalidTopology, "node has no name")
	}
	var seen = make(map[string]bool)

	for _, name := range n.Spec.Parents {
		var ind, ok = g.byName[name]
		if !ok {
			return errors.Wrapf(ErrInvalidTopology, "node %q has unknown parent %q", n.Name(), name)
		} else if seen[name] {
			return errors.Wrapf(ErrInvalidTopology, "node %q repeats parent %q", n.Name(), name)
		}
		seen[name] = true
		n.Parents = append(n.Parents, ind)
		g.nodes[ind].Children = append(g.nodes[ind].Children, n.Index)
	}
	return nil
}

// sortTopological orders all Nodes such that parents precede children,
// breaking ties by NodeIndex. It fails if the Graph has a cycle.
func (g *Graph) sortTopological() error {
	var pending = make([]int, len(g.nodes))
	var ready []NodeIndex

	for _, n := range g.nodes {
		if pending[n.Index] = len(n.Parents); pending[n.Index] == 0 {
			ready = append(ready, n.Index)
		}
	}
	g.topo = g.topo[:0]

	for len(ready) != 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		var n = g.nodes[ready[0]]
		ready = ready[1:]

		n.topo = len(g.topo)
		g.topo = append(g.topo, n.Index)

		for _, c := range n.Children {
			if pending[c]--; pending[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if len(g.topo) != len(g.nodes) {
		for _, n := range g.nodes {
			if pending[n.Index] != 0 {
				return errors.Wrapf(ErrInvalidTopology, "cycle through node %q", n.Name())
			}
		}
	}
	return nil
}

// assignDomains maps |added| Nodes to their named Domains, creating Domains
// as required, and checks that the graph of Domains is acyclic.
func (g *Graph) assignDomains(added []NodeIndex) error {
	for _, ind := range added {
		var n = g.nodes[ind]
		if n.Spec.Domain == "" {
			return errors.Wrapf(ErrDomainAssignment, "node %q has no domain", n.Name())
		}
		var di, ok = g.domainByName[n.Spec.Domain]
		if !ok {
			di = DomainIndex(len(g.domains))
			g.domains = append(g.domains, &Domain{Index: di, Name: n.Spec.Domain})
			g.domainByName[n.Spec.Domain] = di
		}
		n.Domain = di
	}
	for _, d := range g.domains {
		d.Nodes = d.Nodes[:0]
	}
	for _, ind := range g.topo {
		var d = g.domains[g.nodes[ind].Domain]
		d.Nodes = append(d.Nodes, ind)
	}

	// Walk the Domain graph, looking for a back-edge.
	var edges = make(map[DomainIndex]map[DomainIndex]bool)
	for _, n := range g.nodes {
		for _, p := range n.Parents {
			if pd := g.nodes[p].Domain; pd != n.Domain {
				if edges[pd] == nil {
					edges[pd] = make(map[DomainIndex]bool)
				}
				edges[pd][n.Domain] = true
			}
		}
	}
	var state = make(map[DomainIndex]int) // 1: visiting, 2: done.
	var post []DomainIndex
	var visit func(DomainIndex) error

	visit = func(d DomainIndex) error {
		switch state[d] {
		case 1:
			return errors.Wrapf(ErrDomainAssignment, "cycle of domains through %q", g.domains[d].Name)
		case 2:
			return nil
		}
		state[d] = 1

		var children []DomainIndex
		for c := range edges[d] {
			children = append(children, c)
		}
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })

		for _, c := range children {
			if err := visit(c); err != nil {
				return err
			}
		}
		state[d] = 2
		post = append(post, d)
		return nil
	}
	for _, d := range g.domains {
		if err := visit(d.Index); err != nil {
			return err
		}
	}
	g.domainTopo = g.domainTopo[:0]
	for i := len(post) - 1; i >= 0; i-- {
		g.domainTopo = append(g.domainTopo, post[i])
	}
	return nil
}

// checkStateDependencies verifies placement and materialization constraints
// between Nodes and the state they depend on.
func (g *Graph) checkStateDependencies() error {
	var partialAncestor = make([]bool, len(g.nodes))

	for _, ind := range g.topo {
		var n = g.nodes[ind]

		for _, p := range n.Parents {
			partialAncestor[ind] = partialAncestor[ind] || partialAncestor[p] || g.nodes[p].IsPartial()
		}
		if n.Materialized == MaterializeFull && partialAncestor[ind] {
			return errors.Wrapf(ErrInvalidTopology,
				"fully materialized node %q has a partially materialized ancestor", n.Name())
		}
		if n.Kind() == KindUnion && n.Spec.Union != nil && n.Spec.Union.Dedup && partialAncestor[ind] {
			return errors.Wrapf(ErrInvalidTopology,
				"deduplicating union %q has a partially materialized ancestor", n.Name())
		}
		if n.Kind() != KindJoin {
			continue
		}
		for side, p := range n.Parents {
			var parent = g.nodes[p]
			var col = []int{n.Spec.Join.Left}
			if side == 1 {
				col = []int{n.Spec.Join.Right}
			}

			if !parent.IsMaterialized() {
				return errors.Wrapf(ErrInvalidTopology,
					"parent %q of join %q must be materialized", parent.Name(), n.Name())
			} else if parent.Domain != n.Domain {
				return errors.Wrapf(ErrDomainAssignment,
					"parent %q of join %q must be in domain %q", parent.Name(), n.Name(), g.domains[n.Domain].Name)
			} else if parent.IsPartial() && !equalCols(parent.Key, col) {
				return errors.Wrapf(ErrInvalidTopology,
					"partial parent %q of join %q must be keyed on join column %d", parent.Name(), n.Name(), col[0])
			}
		}
	}
	return nil
}

// requireIndex adds |cols| to the Indices of Node |n|, if not already present.
func (g *Graph) requireIndex(n *Node, cols []int) {
	for _, ind := range n.Indices {
		if equalCols(ind, cols) {
			return
		}
	}
	n.Indices = append(n.Indices, append([]int(nil), cols...))
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
