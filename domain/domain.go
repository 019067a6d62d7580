// Package domain implements the runtime of a Domain: an independently
// scheduled partition of the dataflow graph which exclusively owns the
// state of its nodes. A Domain processes Packets of its bounded data queue
// one at a time and to completion, through each of its nodes in topological
// order. Requests of other Domains and of the engine (replays, lookups,
// eviction, graph adoption) are delivered through an unbounded control
// mailbox, and are executed on the Domain's goroutine between Packets.
package domain

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/metrics"
	"go.tributary.dev/core/operator"
	"go.tributary.dev/core/packet"
	"go.tributary.dev/core/row"
	"go.tributary.dev/core/state"
	"go.tributary.dev/core/upquery"
)

// ErrStopped is returned by requests of a Domain which is no longer serving.
var ErrStopped = errors.New("domain stopped")

// Config of Domains.
type Config struct {
	QueueDepth int `long:"queue-depth" env:"QUEUE_DEPTH" default:"1024" description:"Capacity of each domain's packet queue. Senders block while it's full"`
}

// Host of a Domain, which routes its Packets and replay requests to other
// Domains and observes its fatal errors.
type Host interface {
	// Send the Packet to the data queue of Domain |to|, blocking while the
	// queue is full.
	Send(ctx context.Context, to graph.DomainIndex, p *packet.Packet) error
	// Replay delivers the ReplayRequest to the control mailbox of Domain |to|.
	Replay(to graph.DomainIndex, req *ReplayRequest)
	// Fatal is called with errors which indicate an inconsistency between
	// the graph and the data flowing through it.
	Fatal(from graph.DomainIndex, err error)
}

// ReplayRequest asks the source domain of Path to replay Key.
type ReplayRequest struct {
	Tag  uint64
	Path *graph.ReplayPath
	// Key of Path.Target, or nil if Path is a backfill.
	Key row.Key
}

// Domain is a running partition of the dataflow graph.
type Domain struct {
	Index graph.DomainIndex
	name  string
	host  Host

	data    chan *packet.Packet
	control *mailbox
	serving atomic.Bool
	stopped chan struct{}

	// Fields below are owned by the Domain's goroutine.
	ctx       context.Context
	g         *graph.Graph
	nodes     locals
	order     []graph.NodeIndex
	coord     *upquery.Coordinator
	seq       *packet.Sequencer
	clocks    map[graph.NodeIndex]*packet.Clock
	watermark packet.Watermark
	pieces    map[uint64]*assembly
	retries   []func()
}

// local is a Node owned by the Domain, with its Operator and State.
type local struct {
	node  *graph.Node
	op    *operator.Operator
	state *state.State // Nil if not materialized.
	// backfilling is set of a fully materialized Node added to a running
	// graph, until its State is computed by a backfill.
	backfilling bool
}

// locals are the Nodes of the Domain. They read State on behalf of Operators.
type locals map[graph.NodeIndex]*local

// Lookup implements operator.Lookuper.
func (ls locals) Lookup(node graph.NodeIndex, cols []int, key row.Key) state.LookupResult {
	return ls[node].state.Lookup(cols, key)
}

// New returns a Domain of Graph |g|. Fully materialized Nodes of |backfill|
// buffer their input until filled by Backfill.
func New(cfg Config, index graph.DomainIndex, g *graph.Graph, backfill []graph.NodeIndex, host Host) (*Domain, error) {
	var depth = cfg.QueueDepth
	if depth <= 0 {
		depth = 1
	}
	var d = &Domain{
		Index:   index,
		name:    g.Domain(index).Name,
		host:    host,
		data:    make(chan *packet.Packet, depth),
		control: newMailbox(),
		stopped: make(chan struct{}),

		ctx:       context.Background(),
		nodes:     make(locals),
		coord:     upquery.NewCoordinator(),
		seq:       packet.NewSequencer(),
		clocks:    make(map[graph.NodeIndex]*packet.Clock),
		watermark: make(packet.Watermark),
		pieces:    make(map[uint64]*assembly),
	}
	if err := d.adopt(g, backfill); err != nil {
		return nil, err
	}
	return d, nil
}

// Name of the Domain.
func (d *Domain) Name() string { return d.name }

// Serve the Domain until the Context is cancelled.
func (d *Domain) Serve(ctx context.Context) error {
	d.ctx = ctx
	d.serving.Store(true)
	defer close(d.stopped)

	log.WithFields(log.Fields{"domain": d.name, "nodes": len(d.order)}).Info("serving domain")

	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{"domain": d.name, "outstanding": d.coord.Len()}).Info("domain stopped")
			return nil
		case <-d.control.ready:
			for _, fn := range d.control.drain() {
				fn()
				d.runRetries()
			}
		case p := <-d.data:
			d.handle(p)
			d.runRetries()
		}
	}
}

// Enqueue a Packet to the Domain's data queue, blocking while it's full.
func (d *Domain) Enqueue(ctx context.Context, p *packet.Packet) error {
	select {
	case d.data <- p:
		return nil
	default:
	}
	metrics.BackpressureWaitsTotal.WithLabelValues(d.name).Inc()

	select {
	case d.data <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}
}

// Replay enqueues a ReplayRequest of which the Domain is the source.
func (d *Domain) Replay(req *ReplayRequest) {
	d.control.push(func() { d.replay(req) })
}

// Adopt an extension |g| of the Domain's Graph. Nodes of |g| which the
// Domain doesn't yet own are created, and indices required by |g| are added
// to existing States. A Domain which isn't yet serving adopts |g| directly,
// and the caller must ensure Serve isn't concurrently invoked.
func (d *Domain) Adopt(ctx context.Context, g *graph.Graph, backfill []graph.NodeIndex) error {
	if !d.serving.Load() {
		return d.adopt(g, backfill)
	}
	var err error
	if callErr := d.call(ctx, func() { err = d.adopt(g, backfill) }); callErr != nil {
		return callErr
	}
	return err
}

// Lookup |key| of reader |view|. If the key is filled, its rows are
// returned. Otherwise an upquery is started (or joined) and its Pending is
// returned.
func (d *Domain) Lookup(ctx context.Context, view graph.NodeIndex, key row.Key) ([]row.Row, *upquery.Pending, error) {
	var rows []row.Row
	var pending *upquery.Pending

	var err = d.call(ctx, func() {
		var l = d.nodes[view]
		var res = l.state.Lookup(l.node.Key, key)

		if !res.Miss {
			rows = res.Rows
			return
		}
		var o, issued = d.coord.Request(view, key)
		pending = d.coord.Wait(o)
		d.requested(o, issued)
	})
	return rows, pending, err
}

// Dump returns every row held by the State of Node |node|.
func (d *Domain) Dump(ctx context.Context, node graph.NodeIndex) ([]row.Row, error) {
	var rows []row.Row
	var err = d.call(ctx, func() {
		if l := d.nodes[node]; l != nil && l.state != nil {
			rows = l.state.Rows()
		}
	})
	return rows, err
}

// Backfill the State of fully materialized Node |node|, which was added to
// a running graph, from its ReplayPath sources. The returned Pending
// resolves once the backfill completes.
func (d *Domain) Backfill(ctx context.Context, node graph.NodeIndex) (*upquery.Pending, error) {
	var pending *upquery.Pending
	var err = d.call(ctx, func() {
		var o = d.coord.Get(upquery.KeyOf(node, nil))
		if o == nil {
			pending = upquery.Resolved(node, nil, nil) // Not backfilling.
			return
		}
		pending = d.coord.Wait(o)
		d.issue(o)
	})
	return pending, err
}

// PartialSize returns the approximate bytes held by partial States of the Domain.
func (d *Domain) PartialSize(ctx context.Context) (int, error) {
	var size int
	var err = d.call(ctx, func() {
		for _, l := range d.nodes {
			if l.state != nil && l.state.IsPartial() {
				size += l.state.MemSize()
			}
		}
	})
	return size, err
}

// Evict at least |bytes| of partial State, if possible, returning the bytes freed.
func (d *Domain) Evict(ctx context.Context, bytes int) (int, error) {
	var freed int
	var err = d.call(ctx, func() { freed = d.evictBytes(bytes) })
	return freed, err
}

// EvictKeys evicts |keys| of partially materialized Node |node|, as though
// chosen by the eviction policy.
func (d *Domain) EvictKeys(ctx context.Context, node graph.NodeIndex, keys []row.Key) error {
	return d.call(ctx, func() {
		var l = d.nodes[node]
		if l == nil || l.state == nil || !l.state.IsPartial() {
			return
		}
		var evicted []row.Key
		for _, key := range keys {
			if !d.coord.IsOutstanding(upquery.KeyOf(node, key)) && l.state.IsFilled(key) {
				l.state.Evict(key)
				evicted = append(evicted, key)
			}
		}
		d.evicted(l, evicted)
	})
}

// call runs |fn| on the Domain's goroutine, and waits for it to return.
func (d *Domain) call(ctx context.Context, fn func()) error {
	var done = make(chan struct{})
	d.control.push(func() {
		fn()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}
}

// adopt Graph |g|, creating newly owned Nodes.
func (d *Domain) adopt(g *graph.Graph, backfill []graph.NodeIndex) error {
	var fill = make(map[graph.NodeIndex]bool, len(backfill))
	for _, ind := range backfill {
		fill[ind] = true
	}
	var created int

	for _, ind := range g.Domain(d.Index).Nodes {
		var n = g.Node(ind)

		if l, ok := d.nodes[ind]; ok {
			// Rebind to the Node of |g|, which may have new children and indices.
			l.node, l.op.Node = n, n
			if l.state == nil || l.state.IsPartial() {
				continue
			}
			for _, cols := range n.Indices {
				if err := l.state.AddIndex(cols); err != nil {
					return errors.WithMessagef(err, "node %q", n.Name())
				}
			}
			continue
		}

		var op, err = operator.New(g, n)
		if err != nil {
			return err
		}
		var l = &local{node: n, op: op}

		switch n.Materialized {
		case graph.MaterializeFull:
			l.state = state.NewFull(n.Indices...)
		case graph.MaterializePartial:
			l.state = state.NewPartial(n.Key)
		}
		if n.Kind() == graph.KindBase {
			d.clocks[ind] = packet.NewClock(0)
		} else if fill[ind] && n.Materialized == graph.MaterializeFull {
			l.backfilling = true
			d.coord.Request(ind, nil)
		}
		d.nodes[ind] = l
		created++
	}
	d.g = g
	d.order = g.Domain(d.Index).Nodes

	if created != 0 {
		log.WithFields(log.Fields{"domain": d.name, "created": created, "nodes": len(d.order)}).
			Info("adopted graph")
	}
	return nil
}

// requested counts an upquery of Outstanding |o|, and issues its replay if
// it was newly started.
func (d *Domain) requested(o *upquery.Outstanding, issued bool) {
	var name = d.g.Node(o.Node).Name()
	if !issued {
		metrics.UpqueriesTotal.WithLabelValues(name, metrics.Joined).Inc()
		return
	}
	metrics.UpqueriesTotal.WithLabelValues(name, metrics.Issued).Inc()
	d.issue(o)
}

// issue the replay of Outstanding |o| to the source domain of its path.
func (d *Domain) issue(o *upquery.Outstanding) {
	var path *graph.ReplayPath
	var key = o.Key

	if d.nodes[o.Node].state.IsPartial() {
		path = d.g.ReplayPath(o.Node)
	} else {
		var err error
		if path, err = d.g.BackfillPath(o.Node); err != nil {
			d.fatal(err)
			return
		}
		key = nil
	}
	log.WithFields(log.Fields{
		"domain": d.name,
		"node":   d.g.Node(o.Node).Name(),
		"key":    key,
		"tag":    o.Tag,
	}).Debug("issuing replay")

	d.host.Replay(path.SourceDomain, &ReplayRequest{Tag: o.Tag, Path: path, Key: key})
}

// runRetries runs parked requests whose fills completed.
func (d *Domain) runRetries() {
	for len(d.retries) != 0 {
		var fn = d.retries[0]
		d.retries = d.retries[1:]
		fn()
	}
}

// fatal reports an error which indicates an inconsistency between the
// graph and the data flowing through it.
func (d *Domain) fatal(err error) error {
	log.WithFields(log.Fields{"domain": d.name, "err": err}).Error("fatal packet processing error")
	metrics.FatalErrorsTotal.WithLabelValues(d.name).Inc()
	d.host.Fatal(d.Index, err)
	return err
}

// send Batches grouped by destination Domain, using |build| to wrap the
// Batches of each destination into a Packet. Destinations are sent to in
// index order.
func (d *Domain) send(out map[graph.DomainIndex][]packet.Batch, build func([]packet.Batch) *packet.Packet) error {
	var dests = make([]graph.DomainIndex, 0, len(out))
	for di := range out {
		dests = append(dests, di)
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })

	for _, di := range dests {
		var p = build(out[di])
		p.Link = d.Index

		if err := d.host.Send(d.ctx, di, p); err != nil {
			return err
		}
	}
	return nil
}

// route |rs| output by Node |from| to its child |to|: into |inputs| if the
// Domain owns |to|, and otherwise into |out| by destination Domain.
func (d *Domain) route(from, to graph.NodeIndex, rs row.Records,
	inputs map[graph.NodeIndex][]operator.Input, out map[graph.DomainIndex][]packet.Batch) {

	if _, ok := d.nodes[to]; ok {
		inputs[to] = append(inputs[to], operator.Input{From: from, Records: rs})
		return
	}
	var di = d.g.Node(to).Domain
	out[di] = append(out[di], packet.Batch{From: from, To: to, Records: rs})
}

func (d *Domain) observeSize(l *local) {
	if l.state != nil {
		metrics.StateBytes.WithLabelValues(l.node.Name()).Set(float64(l.state.MemSize()))
	}
}

// mailbox is an unbounded queue of control functions.
type mailbox struct {
	mu    sync.Mutex
	queue []func()
	ready chan struct{}
}

func newMailbox() *mailbox { return &mailbox{ready: make(chan struct{}, 1)} }

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default: // Already signalled.
	}
}

func (m *mailbox) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out = m.queue
	m.queue = nil
	return out
}

func concat(inputs []operator.Input) row.Records {
	if len(inputs) == 1 {
		return inputs[0].Records
	}
	var out row.Records
	for _, in := range inputs {
		out = append(out, in.Records...)
	}
	return out
}
