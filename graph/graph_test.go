package graph

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.tributary.dev/core/row"
	gc "gopkg.in/check.v1"
)

type GraphSuite struct{}

func (s *GraphSuite) TestOrdersTopologyDerivation(c *gc.C) {
	var g, err = Install(parse(c, ordersTopology))
	c.Assert(err, gc.IsNil)

	var orders, totals, byUser = lookup(c, g, "orders"), lookup(c, g, "totals"), lookup(c, g, "by_user")

	c.Check(orders.Materialized, gc.Equals, MaterializeFull)
	c.Check(orders.Key, gc.DeepEquals, []int{0})
	// The aggregate's replay path adds an index over the group column.
	c.Check(orders.Indices, gc.DeepEquals, [][]int{{0}, {1}})

	c.Check(totals.Schema, gc.DeepEquals, row.Schema{
		{Name: "user", Kind: row.KindText},
		{Name: "total", Kind: row.KindInt, Nullable: true},
	})
	c.Check(totals.Key, gc.DeepEquals, []int{0})
	c.Check(totals.InputKey, gc.DeepEquals, []int{1})
	c.Check(byUser.Schema, gc.DeepEquals, totals.Schema)

	var path = g.ReplayPath(totals.Index)
	c.Check(path.Sources, gc.DeepEquals, []ReplaySource{{Node: orders.Index, Cols: []int{1}, Child: totals.Index}})
	c.Check(path.Nodes, gc.DeepEquals, []NodeIndex{totals.Index})
	c.Check(path.SourceDomain, gc.Equals, orders.Domain)

	// The reader replays from the partial aggregate, which is keyed identically.
	path = g.ReplayPath(byUser.Index)
	c.Check(path.Sources, gc.DeepEquals, []ReplaySource{{Node: totals.Index, Cols: []int{0}, Child: byUser.Index}})
	c.Check(path.SourceDomain, gc.Equals, totals.Domain)

	c.Check(g.Domains(), gc.HasLen, 2)
	c.Check(g.Domain(orders.Domain).Nodes, gc.DeepEquals, []NodeIndex{orders.Index})
	c.Check(g.Domain(totals.Domain).Nodes, gc.DeepEquals, []NodeIndex{totals.Index, byUser.Index})
	c.Check(g.Precedes(orders.Index, byUser.Index), gc.Equals, true)
}

func (s *GraphSuite) TestReplayThroughStatelessOperators(c *gc.C) {
	var g, err = Install(parse(c, `
nodes:
  - {name: a, kind: base, domain: d1, columns: [{name: k, kind: int}, {name: v, kind: text}]}
  - {name: b, kind: base, domain: d1, columns: [{name: v, kind: text}, {name: k, kind: int}]}
  - name: b_swapped
    kind: project
    parents: [b]
    domain: d2
    project: [{name: k, expr: {col: 1}}, {name: v, expr: {col: 0}}]
  - name: a_big
    kind: filter
    parents: [a]
    domain: d2
    filter: {op: gt, args: [{col: 0}, {lit: {kind: int, value: "10"}}]}
  - {name: both, kind: union, parents: [a_big, b_swapped], domain: d2}
  - {name: view, kind: reader, parents: [both], domain: d2, materialized: partial, key: [0]}
`))
	c.Assert(err, gc.IsNil)

	var a, b, view = lookup(c, g, "a"), lookup(c, g, "b"), lookup(c, g, "view")
	var path = g.ReplayPath(view.Index)

	c.Check(path.Sources, gc.DeepEquals, []ReplaySource{
		{Node: a.Index, Cols: []int{0}, Child: lookup(c, g, "a_big").Index},
		{Node: b.Index, Cols: []int{1}, Child: lookup(c, g, "b_swapped").Index},
	})
	c.Check(path.Nodes, gc.HasLen, 4)
	c.Check(path.Nodes[3], gc.Equals, view.Index)
	c.Check(path.FanIn[lookup(c, g, "both").Index], gc.Equals, 2)
	c.Check(path.FanIn[view.Index], gc.Equals, 1)
	c.Check(path.OnPath(a.Index), gc.Equals, false)
	c.Check(path.OnPath(lookup(c, g, "both").Index), gc.Equals, true)
	c.Check(b.Indices, gc.DeepEquals, [][]int{{0}, {1}})
}

func (s *GraphSuite) TestJoinReplaysThroughLeftSide(c *gc.C) {
	var g, err = Install(parse(c, `
nodes:
  - {name: users, kind: base, domain: d, columns: [{name: id, kind: int}, {name: name, kind: text}]}
  - {name: orders, kind: base, domain: d, columns: [{name: id, kind: int}, {name: user, kind: int}]}
  - {name: joined, kind: join, parents: [orders, users], domain: d, join: {left: 1, right: 0}}
  - {name: by_user, kind: reader, parents: [joined], domain: d, materialized: partial, key: [2]}
`))
	c.Assert(err, gc.IsNil)

	var orders, users = lookup(c, g, "orders"), lookup(c, g, "users")
	// Inner join: the right join column is equivalent to the left one.
	var path = g.ReplayPath(lookup(c, g, "by_user").Index)
	c.Check(path.Sources, gc.DeepEquals, []ReplaySource{
		{Node: orders.Index, Cols: []int{1}, Child: lookup(c, g, "joined").Index}})
	c.Check(orders.Indices, gc.DeepEquals, [][]int{{0}, {1}})
	c.Check(users.Indices, gc.DeepEquals, [][]int{{0}})
	c.Check(g.LeftWidth(lookup(c, g, "joined").Index), gc.Equals, 2)

	// A left join can't replay a right-hand column through either side.
	_, err = Install(parse(c, `
nodes:
  - {name: users, kind: base, domain: d, columns: [{name: id, kind: int}, {name: name, kind: text}]}
  - {name: orders, kind: base, domain: d, columns: [{name: id, kind: int}, {name: user, kind: int}]}
  - {name: joined, kind: join, parents: [orders, users], domain: d, join: {kind: left, left: 1, right: 0}}
  - {name: by_name, kind: reader, parents: [joined], domain: d, materialized: partial, key: [3]}
`))
	c.Check(errors.Cause(err), gc.Equals, ErrInvalidTopology)
	c.Check(err, gc.ErrorMatches, `.*columns \[3\] of join "joined" cannot be replayed through either side.*`)
}

func (s *GraphSuite) TestInvalidTopologies(c *gc.C) {
	var cases = []struct {
		doc   string
		cause error
		match string
	}{
		{`
nodes:
  - {name: a, kind: filter, parents: [b], domain: d, filter: {lit: {kind: bool, value: "true"}}}
  - {name: b, kind: filter, parents: [a], domain: d, filter: {lit: {kind: bool, value: "true"}}}
`, ErrInvalidTopology, `cycle through node "a".*`},
		{`
nodes:
  - {name: a, kind: reader, parents: [nope], domain: d}
`, ErrInvalidTopology, `node "a" has unknown parent "nope".*`},
		{`
nodes:
  - {name: a, kind: base, domain: d, columns: [{name: k, kind: int}]}
  - {name: b, kind: distinct, parents: [a], domain: d, materialized: partial}
  - {name: c, kind: reader, parents: [b], domain: d}
`, ErrInvalidTopology, `fully materialized node "c" has a partially materialized ancestor.*`},
		{`
nodes:
  - {name: a, kind: base, domain: d, columns: [{name: k, kind: int}]}
  - {name: b, kind: filter, parents: [a], domain: d, filter: {col: 0}}
`, ErrInvalidTopology, `node "b": filter predicate is of kind int \(not bool\).*`},
		{`
nodes:
  - {name: a, kind: base, domain: d, columns: [{name: k, kind: int}]}
  - {name: b, kind: base, domain: d, columns: [{name: k, kind: int}]}
  - {name: f, kind: filter, parents: [b], domain: d, filter: {lit: {kind: bool, value: "true"}}}
  - {name: j, kind: join, parents: [a, f], domain: d, join: {left: 0, right: 0}}
`, ErrInvalidTopology, `parent "f" of join "j" must be materialized.*`},
		{`
nodes:
  - {name: a, kind: base, domain: d1, columns: [{name: k, kind: int}]}
  - {name: b, kind: base, domain: d2, columns: [{name: k, kind: int}]}
  - {name: j, kind: join, parents: [a, b], domain: d1, join: {left: 0, right: 0}}
`, ErrDomainAssignment, `parent "b" of join "j" must be in domain "d1".*`},
		{`
nodes:
  - {name: a, kind: base, domain: d1, columns: [{name: k, kind: int}]}
  - {name: b, kind: distinct, parents: [a], domain: d2}
  - {name: c, kind: distinct, parents: [b], domain: d1}
`, ErrDomainAssignment, `cycle of domains through .*`},
		{`
nodes:
  - {name: a, kind: base, domain: d, columns: [{name: k, kind: int}]}
  - name: p
    kind: project
    parents: [a]
    domain: d
    project: [{name: k1, expr: {op: add, args: [{col: 0}, {lit: {kind: int, value: "1"}}]}}]
  - {name: v, kind: reader, parents: [p], domain: d, materialized: partial, key: [0]}
`, ErrInvalidTopology, `.*column "k1" of project "p" is computed, and cannot be replayed.*`},
		{`
nodes:
  - {name: a, kind: base, domain: d, columns: [{name: k, kind: int}]}
  - {name: a, kind: base, domain: d, columns: [{name: k, kind: int}]}
`, ErrInvalidTopology, `duplicate node "a".*`},
		{`
nodes:
  - {name: a, kind: base, domain: d, columns: [{name: k, kind: text}]}
  - {name: s, kind: aggregate, parents: [a], domain: d, aggregate: {func: sum, over: 0}}
`, ErrInvalidTopology, `node "s": sum over non-numeric column "k".*`},
		{`
nodes:
  - {name: a, kind: base, domain: "", columns: [{name: k, kind: int}]}
`, ErrDomainAssignment, `node "a" has no domain.*`},
	}
	for _, tc := range cases {
		var _, err = Install(parse(c, tc.doc))
		c.Check(errors.Cause(err), gc.Equals, tc.cause, gc.Commentf("%s", tc.doc))
		c.Check(err, gc.ErrorMatches, tc.match)
	}
}

func (s *GraphSuite) TestExtension(c *gc.C) {
	var g, err = Install(parse(c, ordersTopology))
	c.Assert(err, gc.IsNil)

	// Re-declaring existing nodes identically is a no-op.
	next, added, err := g.Extend(parse(c, ordersTopology))
	c.Check(err, gc.IsNil)
	c.Check(added, gc.HasLen, 0)
	c.Check(next, gc.Equals, g)

	// Re-declaring an existing node differently fails.
	_, _, err = g.Extend(parse(c, `
nodes:
  - {name: orders, kind: base, domain: base, columns: [{name: id, kind: text}]}
`))
	c.Check(errors.Cause(err), gc.Equals, ErrConflictingSchema)

	next, added, err = g.Extend(parse(c, `
nodes:
  - name: orders
    kind: base
    domain: base
    columns: [{name: id, kind: int}, {name: user, kind: text}, {name: total, kind: int, nullable: true}]
  - {name: counts, kind: aggregate, parents: [orders], domain: new, aggregate: {group: [1], func: count_star, as: n}}
`))
	c.Assert(err, gc.IsNil)
	var counts = lookup(c, next, "counts")
	c.Check(added, gc.DeepEquals, []NodeIndex{counts.Index})
	c.Check(counts.Schema, gc.DeepEquals, row.Schema{{Name: "user", Kind: row.KindText}, {Name: "n", Kind: row.KindInt}})
	c.Check(next.Domains(), gc.HasLen, 3)

	var path, perr = next.BackfillPath(counts.Index)
	c.Assert(perr, gc.IsNil)
	c.Check(path.IsBackfill(), gc.Equals, true)
	c.Check(path.Sources, gc.DeepEquals, []ReplaySource{{Node: lookup(c, next, "orders").Index, Child: counts.Index}})

	// The receiver is unchanged.
	c.Check(g.Nodes(), gc.HasLen, 3)
	c.Check(lookup(c, g, "orders").Children, gc.HasLen, 1)
	c.Check(lookup(c, next, "orders").Children, gc.HasLen, 2)

	var _, lerr = next.Lookup("missing")
	c.Check(errors.Cause(lerr), gc.Equals, ErrUnknownNode)
}

func parse(c *gc.C, doc string) *Topology {
	var topo, err = ParseTopology(strings.NewReader(doc))
	c.Assert(err, gc.IsNil)
	return topo
}

func lookup(c *gc.C, g *Graph, name string) *Node {
	var n, err = g.Lookup(name)
	c.Assert(err, gc.IsNil)
	return n
}

const ordersTopology = `
nodes:
  - name: orders
    kind: base
    domain: base
    columns: [{name: id, kind: int}, {name: user, kind: text}, {name: total, kind: int, nullable: true}]
  - name: totals
    kind: aggregate
    parents: [orders]
    domain: views
    materialized: partial
    aggregate: {group: [1], func: sum, over: 2, as: total}
  - {name: by_user, kind: reader, parents: [totals], domain: views, materialized: partial, key: [0]}
`

var _ = gc.Suite(&GraphSuite{})

func Test(t *testing.T) { gc.TestingT(t) }
