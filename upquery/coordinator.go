// Package upquery tracks the outstanding upqueries of a domain: the
// (node, key) pairs whose state is being filled by replay, the readers
// waiting on each fill, the live deltas which arrive while a fill is in
// flight, and the requests parked until a fill they depend on completes.
//
// A Coordinator is owned by a single domain and is not safe for
// concurrent use. Pending handles returned to readers are.
package upquery

import (
	"sync/atomic"

	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/packet"
	"go.tributary.dev/core/row"
)

// NodeKey identifies a key of a Node's state.
type NodeKey struct {
	Node graph.NodeIndex
	// Key is the encoding of the key (see row.Key.Encode).
	Key string
}

// KeyOf returns the NodeKey of |key| of Node |node|.
func KeyOf(node graph.NodeIndex, key row.Key) NodeKey {
	return NodeKey{Node: node, Key: key.Encode()}
}

// Buffered are live deltas received for a key while it was being filled.
type Buffered struct {
	Origin  packet.Origin
	Records row.Records
}

// Outstanding is an upquery in flight.
type Outstanding struct {
	Node graph.NodeIndex
	// Key being filled, or nil for a backfill of the entire Node.
	Key row.Key
	// Tag of the current replay. A replayed piece having another Tag is stale.
	Tag uint64
	// Invalidated is set when an eviction notice reached the key while the
	// upquery was in flight. Its replayed piece must be discarded.
	Invalidated bool
	// Buffered live deltas, in arrival order.
	Buffered []Buffered

	waiters []chan []row.Row
}

// Resolve delivers filled |rows| to every waiting reader.
func (o *Outstanding) Resolve(rows []row.Row) {
	for _, ch := range o.waiters {
		ch <- rows // Buffered channel of capacity one.
	}
	o.waiters = nil
}

// Coordinator tracks outstanding upqueries of a domain.
type Coordinator struct {
	outstanding map[NodeKey]*Outstanding
	parked      map[NodeKey][]*parked
}

type parked struct {
	remaining int
	retry     func()
}

// NewCoordinator returns an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		outstanding: make(map[NodeKey]*Outstanding),
		parked:      make(map[NodeKey][]*parked),
	}
}

// Request returns the Outstanding upquery of |key| of Node |node|, starting
// one if none is in flight. It returns true if the upquery was started, in
// which case the caller must issue its replay.
func (c *Coordinator) Request(node graph.NodeIndex, key row.Key) (*Outstanding, bool) {
	var nk = KeyOf(node, key)
	if o, ok := c.outstanding[nk]; ok {
		return o, false
	}
	var o = &Outstanding{Node: node, Key: key, Tag: nextTag()}
	c.outstanding[nk] = o
	return o, true
}

// Wait registers a reader of Outstanding |o|, returning its Pending handle.
func (c *Coordinator) Wait(o *Outstanding) *Pending {
	var ch = make(chan []row.Row, 1)
	o.waiters = append(o.waiters, ch)
	return newPending(o.Node, o.Key, ch)
}

// Get returns the Outstanding upquery of the NodeKey, or nil.
func (c *Coordinator) Get(nk NodeKey) *Outstanding { return c.outstanding[nk] }

// IsOutstanding returns true if the NodeKey has an Outstanding upquery.
func (c *Coordinator) IsOutstanding(nk NodeKey) bool {
	var _, ok = c.outstanding[nk]
	return ok
}

// HasOutstanding returns true if any key of Node |node| has an upquery in flight.
func (c *Coordinator) HasOutstanding(node graph.NodeIndex) bool {
	for nk := range c.outstanding {
		if nk.Node == node {
			return true
		}
	}
	return false
}

// Buffer live |records| of Origin |origin| for the NodeKey, if it has an
// Outstanding upquery. It returns true if the records were buffered.
func (c *Coordinator) Buffer(nk NodeKey, origin packet.Origin, records row.Records) bool {
	var o, ok = c.outstanding[nk]
	if !ok {
		return false
	}
	if l := len(o.Buffered); l != 0 && o.Buffered[l-1].Origin == origin {
		o.Buffered[l-1].Records = append(o.Buffered[l-1].Records, records...)
	} else {
		o.Buffered = append(o.Buffered, Buffered{Origin: origin, Records: append(row.Records(nil), records...)})
	}
	return true
}

// Invalidate marks the Outstanding upquery of the NodeKey as invalidated.
func (c *Coordinator) Invalidate(nk NodeKey) {
	if o, ok := c.outstanding[nk]; ok {
		o.Invalidated = true
	}
}

// InvalidateNode marks every Outstanding upquery of Node |node| as invalidated.
func (c *Coordinator) InvalidateNode(node graph.NodeIndex) {
	for nk, o := range c.outstanding {
		if nk.Node == node {
			o.Invalidated = true
		}
	}
}

// Reissue assigns a new Tag to an invalidated Outstanding upquery, which
// the caller must then replay again. Buffered deltas and waiters are retained.
func (c *Coordinator) Reissue(o *Outstanding) {
	o.Tag = nextTag()
	o.Invalidated = false
}

// Complete removes the Outstanding upquery of the NodeKey having |tag|,
// returning it and the retries of parked requests which no longer await
// any fill. If there's no such Outstanding upquery, nil is returned.
func (c *Coordinator) Complete(nk NodeKey, tag uint64) (*Outstanding, []func()) {
	var o, ok = c.outstanding[nk]
	if !ok || o.Tag != tag {
		return nil, nil
	}
	delete(c.outstanding, nk)
	return o, c.release(nk)
}

// Abandon removes Outstanding upqueries of Node |node|, as when the Node's
// state is discarded. Parked requests awaiting them are returned for retry.
func (c *Coordinator) Abandon(node graph.NodeIndex) []func() {
	var out []func()
	for nk := range c.outstanding {
		if nk.Node == node {
			delete(c.outstanding, nk)
			out = append(out, c.release(nk)...)
		}
	}
	return out
}

// Park |retry| until every one of |keys| has completed its fill.
func (c *Coordinator) Park(keys []NodeKey, retry func()) {
	var p = &parked{remaining: len(keys), retry: retry}
	for _, nk := range keys {
		c.parked[nk] = append(c.parked[nk], p)
	}
}

// Len returns the number of Outstanding upqueries.
func (c *Coordinator) Len() int { return len(c.outstanding) }

func (c *Coordinator) release(nk NodeKey) []func() {
	var ready []func()
	for _, p := range c.parked[nk] {
		if p.remaining--; p.remaining == 0 {
			ready = append(ready, p.retry)
		}
	}
	delete(c.parked, nk)
	return ready
}

func nextTag() uint64 { return tags.Add(1) }

// tags are unique across all Coordinators, so that pieces of replays issued
// by different domains are never confused.
var tags atomic.Uint64
