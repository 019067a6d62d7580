package graph

import (
	"sort"

	"github.com/pkg/errors"
)

// ReplaySource is a materialized ancestor from which a ReplayPath reads.
type ReplaySource struct {
	// Node holding the state which is read.
	Node NodeIndex
	// Cols of Node's state which are looked up by the replayed key.
	// Nil if all rows of the Node are read.
	Cols []int
	// Child of Node which receives the piece.
	Child NodeIndex
}

// ReplayPath is the route by which a keyed piece of state is recomputed
// for a Target Node, from the states of Sources which all reside in
// SourceDomain.
type ReplayPath struct {
	Target NodeIndex
	// Key columns of Target by which replays are requested, or nil if
	// this is a backfill path which replays all rows.
	Key     []int
	Sources []ReplaySource
	// SourceDomain holds every ReplaySource.
	SourceDomain DomainIndex
	// Nodes which process replayed pieces, in topological order.
	// Target is always last.
	Nodes []NodeIndex
	// FanIn is the number of pieces which each Node receives per replay.
	FanIn map[NodeIndex]int

	onPath map[NodeIndex]bool
}

// OnPath returns true if |n| processes pieces of the ReplayPath.
func (p *ReplayPath) OnPath(n NodeIndex) bool { return p.onPath[n] }

// IsBackfill returns true if the ReplayPath replays all rows.
func (p *ReplayPath) IsBackfill() bool { return p.Key == nil }

// ReplayPath returns the keyed ReplayPath of partially materialized Node
// |target|, or nil if |target| isn't partial.
func (g *Graph) ReplayPath(target NodeIndex) *ReplayPath { return g.paths[target] }

// BackfillPath returns the ReplayPath which computes all rows of fully
// materialized Node |target|. Backfill paths are required only of Nodes
// added to a running Graph, and an error is returned if the Node has none.
func (g *Graph) BackfillPath(target NodeIndex) (*ReplayPath, error) {
	if p, ok := g.backfills[target]; ok {
		return p, nil
	} else if err, ok := g.backfillErrs[target]; ok {
		return nil, err
	}
	return nil, errors.Wrapf(ErrInvalidTopology, "%q has no backfill path", g.nodes[target].Name())
}

// buildReplayPaths derives state Indices of every materialized Node, and the
// ReplayPaths of partial and non-base full Nodes.
func (g *Graph) buildReplayPaths() error {
	for _, n := range g.nodes {
		if n.IsMaterialized() && len(n.Indices) == 0 {
			n.Indices = [][]int{append([]int(nil), n.Key...)}
		}
	}
	for _, n := range g.nodes {
		if n.Kind() == KindJoin {
			g.requireIndex(g.nodes[n.Parents[0]], []int{n.Spec.Join.Left})
			g.requireIndex(g.nodes[n.Parents[1]], []int{n.Spec.Join.Right})
		}
	}

	g.paths = make(map[NodeIndex]*ReplayPath)
	g.backfills = make(map[NodeIndex]*ReplayPath)
	g.backfillErrs = make(map[NodeIndex]error)

	for _, ind := range g.topo {
		var n = g.nodes[ind]
		if !n.IsMaterialized() || n.Kind() == KindBase {
			continue
		}
		var key []int
		if n.IsPartial() {
			key = n.Key
		}
		var path, err = g.tracePath(n, key)
		if err != nil {
			err = errors.WithMessagef(err, "replay path of %q", n.Name())
		}
		switch {
		case n.IsPartial() && err != nil:
			return err
		case n.IsPartial():
			g.paths[ind] = path
		case err != nil:
			g.backfillErrs[ind] = err
		default:
			g.backfills[ind] = path
		}
	}
	return nil
}

func (g *Graph) tracePath(target *Node, key []int) (*ReplayPath, error) {
	var path = &ReplayPath{
		Target: target.Index,
		Key:    key,
		FanIn:  make(map[NodeIndex]int),
		onPath: map[NodeIndex]bool{target.Index: true},
	}
	var inputKey []int
	if key != nil {
		inputKey = target.InputKey
	}
	if err := g.trace(path, target.Parents[0], target.Index, inputKey); err != nil {
		return nil, err
	}

	for i, src := range path.Sources {
		var d = g.nodes[src.Node].Domain
		if i == 0 {
			path.SourceDomain = d
		} else if d != path.SourceDomain {
			return nil, errors.Wrapf(ErrDomainAssignment, "sources %q and %q are in different domains",
				g.nodes[path.Sources[0].Node].Name(), g.nodes[src.Node].Name())
		}
	}
	for n := range path.onPath {
		path.Nodes = append(path.Nodes, n)
	}
	sort.Slice(path.Nodes, func(i, j int) bool { return g.Precedes(path.Nodes[i], path.Nodes[j]) })

	for _, n := range path.Nodes {
		for _, p := range g.nodes[n].Parents {
			if path.onPath[p] || path.sourceOf(p, n) {
				path.FanIn[n]++
			}
		}
	}
	return path, nil
}

func (p *ReplayPath) sourceOf(node, child NodeIndex) bool {
	for _, s := range p.Sources {
		if s.Node == node && s.Child == child {
			return true
		}
	}
	return false
}

// trace walks from Node |ind| (a parent of |child|) towards materialized
// ancestors, carrying the replayed |cols| expressed in columns of |ind|.
func (g *Graph) trace(path *ReplayPath, ind, child NodeIndex, cols []int) error {
	var n = g.nodes[ind]

	if n.IsMaterialized() {
		if n.IsPartial() && (cols == nil || !equalCols(cols, n.Key)) {
			return errors.Wrapf(ErrInvalidTopology,
				"partial ancestor %q is keyed on %v, not replayed columns %v", n.Name(), n.Key, cols)
		} else if cols != nil {
			g.requireIndex(n, cols)
		}
		if !path.sourceOf(ind, child) {
			path.Sources = append(path.Sources, ReplaySource{Node: ind, Cols: cols, Child: child})
		}
		return nil
	}
	path.onPath[ind] = true

	switch n.Kind() {
	case KindFilter:
		return g.trace(path, n.Parents[0], ind, cols)

	case KindProject:
		var mapped []int
		if cols != nil {
			mapped = make([]int, len(cols))
		}
		for i, c := range cols {
			var col, ok = n.Spec.Project[c].Expr.ColumnRef()
			if !ok {
				return errors.Wrapf(ErrInvalidTopology,
					"column %q of project %q is computed, and cannot be replayed", n.Schema[c].Name, n.Name())
			}
			mapped[i] = col
		}
		return g.trace(path, n.Parents[0], ind, mapped)

	case KindUnion:
		for _, p := range n.Parents {
			if err := g.trace(path, p, ind, cols); err != nil {
				return err
			}
		}
		return nil

	case KindJoin:
		var side, mapped = g.traceJoin(n, cols)
		if side == -1 {
			return errors.Wrapf(ErrInvalidTopology,
				"columns %v of join %q cannot be replayed through either side", cols, n.Name())
		}
		return g.trace(path, n.Parents[side], ind, mapped)

	default:
		return errors.Wrapf(ErrInvalidTopology, "%s %q must be materialized", n.Kind(), n.Name())
	}
}

// traceJoin maps join output |cols| onto the side of the join which
// supplies them, returning the side (0 left, 1 right, -1 neither) and
// mapped columns. The left side is preferred.
func (g *Graph) traceJoin(n *Node, cols []int) (int, []int) {
	var js = n.Spec.Join
	var lw = len(g.nodes[n.Parents[0]].Schema)

	if cols == nil {
		return 0, nil
	}
	var left = make([]int, len(cols))
	var right = make([]int, len(cols))
	var leftOK, rightOK = true, !js.IsLeft()

	for i, c := range cols {
		if c < lw {
			left[i] = c
			// For inner joins the left join column equals the right one.
			if c == js.Left && !js.IsLeft() {
				right[i] = js.Right
			} else {
				rightOK = false
			}
		} else {
			right[i] = c - lw
			if c-lw == js.Right && !js.IsLeft() {
				left[i] = js.Left
			} else {
				leftOK = false
			}
		}
	}
	if leftOK {
		return 0, left
	} else if rightOK {
		return 1, right
	}
	return -1, nil
}
