// Package engine is the external interface of tributary: it installs and
// extends the dataflow graph, runs its domains and the eviction monitor,
// and exposes the write, transaction, lookup, and dump APIs.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tributary.dev/core/domain"
	"go.tributary.dev/core/evict"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/metrics"
	"go.tributary.dev/core/packet"
	"go.tributary.dev/core/row"
	"go.tributary.dev/core/task"
	"go.tributary.dev/core/upquery"
)

var (
	// ErrNotAView is returned by lookups of a node which isn't a reader.
	ErrNotAView = errors.New("node is not a view")
	// ErrNotMaterialized is returned by dumps of a node which holds no state.
	ErrNotMaterialized = errors.New("node is not materialized")
	// ErrNotABase is returned by writes to a node which isn't a base.
	ErrNotABase = errors.New("node is not a base")
	// ErrEngineStopped is returned by requests of an Engine which isn't serving.
	ErrEngineStopped = domain.ErrStopped
	// ErrNotInstalled is returned by requests of an Engine without a graph.
	ErrNotInstalled = errors.New("no graph is installed")
)

// Config of the Engine.
type Config struct {
	Domain domain.Config `group:"Domain" namespace:"domain" env-namespace:"DOMAIN"`
	Evict  evict.Config  `group:"Eviction" namespace:"evict" env-namespace:"EVICT"`
}

// Engine runs an installed dataflow graph.
type Engine struct {
	cfg Config

	mu      sync.RWMutex
	g       *graph.Graph
	domains []*domain.Domain
	tasks   *task.Group
	onFatal func(domain string, err error)

	// extendMu serializes graph extensions.
	extendMu sync.Mutex
}

// New returns an Engine having no installed graph.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// OnFatal sets a callback invoked with fatal packet processing errors, which
// indicate an inconsistency between the graph and the data written to it.
func (e *Engine) OnFatal(fn func(domain string, err error)) {
	e.mu.Lock()
	e.onFatal = fn
	e.mu.Unlock()
}

// Install the Topology as the Engine's graph. It must be called once,
// before Serve.
func (e *Engine) Install(topo *graph.Topology) (*graph.Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.g != nil {
		return nil, errors.New("a graph is already installed (use Extend)")
	}
	var g, err = graph.Install(topo)
	if err != nil {
		return nil, err
	}
	for _, dom := range g.Domains() {
		var d, err = domain.New(e.cfg.Domain, dom.Index, g, nil, host{e})
		if err != nil {
			return nil, errors.WithMessagef(err, "domain %q", dom.Name)
		}
		e.domains = append(e.domains, d)
	}
	e.g = g

	log.WithFields(log.Fields{
		"nodes":   len(g.Nodes()),
		"domains": len(g.Domains()),
	}).Info("installed graph")

	return g, nil
}

// Graph returns the current graph, or nil if none is installed.
func (e *Engine) Graph() *graph.Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.g
}

// Serve runs domains of the graph and the eviction monitor until the
// Context is cancelled or a task fails.
func (e *Engine) Serve(ctx context.Context) error {
	e.mu.Lock()
	if e.g == nil {
		e.mu.Unlock()
		return ErrNotInstalled
	} else if e.tasks != nil {
		e.mu.Unlock()
		return errors.New("engine is already serving")
	}
	var tasks = task.NewGroup(ctx)
	e.tasks = tasks

	for _, d := range e.domains {
		tasks.Queue("domain "+d.Name(), func() error { return d.Serve(tasks.Context()) })
	}
	var monitor = evict.NewMonitor(e.cfg.Evict, e.evictable)
	tasks.Queue("eviction monitor", func() error { return monitor.Run(tasks.Context()) })

	tasks.GoRun()
	e.mu.Unlock()

	return tasks.Wait()
}

// Extend the graph with the nodes of the Topology. Nodes identical to
// existing ones are ignored, and nodes conflicting with existing ones fail
// with graph.ErrConflictingSchema. New domains are started, and existing
// domains adopt the extended graph without disturbing in-flight packets.
// Fully materialized nodes added to a serving Engine are backfilled from
// their sources before Extend returns.
func (e *Engine) Extend(ctx context.Context, topo *graph.Topology) error {
	e.extendMu.Lock()
	defer e.extendMu.Unlock()

	var prev = e.Graph()
	if prev == nil {
		return ErrNotInstalled
	}
	var next, added, err = prev.Extend(topo)
	if err != nil {
		return err
	} else if len(added) == 0 {
		return nil
	}

	// Nodes computed from existing state must be backfilled.
	var backfill []graph.NodeIndex
	for _, ind := range added {
		var n = next.Node(ind)
		if n.Materialized != graph.MaterializeFull || n.Kind() == graph.KindBase {
			continue
		} else if _, err := next.BackfillPath(ind); err != nil {
			return err
		}
		backfill = append(backfill, ind)
	}
	sort.Slice(backfill, func(i, j int) bool { return next.Precedes(backfill[i], backfill[j]) })

	e.mu.Lock()
	var serving = e.tasks != nil
	if !serving {
		// Nothing has been applied, and there's nothing to backfill.
		backfill = nil
	}
	var existing = len(e.domains)

	for _, dom := range next.Domains()[existing:] {
		var d, err = domain.New(e.cfg.Domain, dom.Index, next, backfill, host{e})
		if err != nil {
			e.mu.Unlock()
			return errors.WithMessagef(err, "domain %q", dom.Name)
		}
		e.domains = append(e.domains, d)

		if serving {
			var tasks = e.tasks
			tasks.Queue("domain "+d.Name(), func() error { return d.Serve(tasks.Context()) })
		}
	}
	var domains = e.domains
	e.mu.Unlock()

	// Adopt downstream domains first, so that upstream domains never route
	// to nodes unknown to their receiver.
	var order = next.DomainOrder()
	for i := len(order) - 1; i >= 0; i-- {
		if di := order[i]; int(di) < existing {
			if err := domains[di].Adopt(ctx, next, backfill); err != nil {
				return errors.WithMessagef(err, "domain %q adopting extended graph", domains[di].Name())
			}
		}
	}

	for _, ind := range backfill {
		var n = next.Node(ind)
		var pending, err = domains[n.Domain].Backfill(ctx, ind)
		if err == nil {
			_, err = pending.Wait(ctx, 0)
		}
		if err != nil {
			return errors.WithMessagef(err, "backfilling %q", n.Name())
		}
		log.WithField("node", n.Name()).Info("backfilled node")
	}

	e.mu.Lock()
	e.g = next
	e.mu.Unlock()

	log.WithFields(log.Fields{
		"added":      len(added),
		"backfilled": len(backfill),
		"domains":    len(next.Domains()),
	}).Info("extended graph")

	return nil
}

// Result of a Lookup. If the looked-up key was filled, Pending is nil and
// Rows are its rows (possibly none). Otherwise Pending resolves once an
// upquery fills the key.
type Result struct {
	Rows    []row.Row
	Pending *upquery.Pending
}

// Hit returns true if the Result has its Rows.
func (r Result) Hit() bool { return r.Pending == nil }

// Lookup |key| of reader |view|.
func (e *Engine) Lookup(ctx context.Context, view string, key row.Key) (Result, error) {
	var d, n, err = e.resolve(view)
	if err != nil {
		return Result{}, err
	} else if n.Kind() != graph.KindReader {
		return Result{}, errors.Wrapf(ErrNotAView, "%q is a %s", view, n.Kind())
	} else if err = n.Schema.Project(n.Key).Check(row.Row(key)); err != nil {
		return Result{}, errors.WithMessagef(err, "key of %q", view)
	}

	var rows, pending, lookupErr = d.Lookup(ctx, n.Index, key)
	if lookupErr != nil {
		return Result{}, lookupErr
	} else if pending != nil {
		metrics.LookupsTotal.WithLabelValues(view, metrics.Pending).Inc()
		return Result{Pending: pending}, nil
	}
	metrics.LookupsTotal.WithLabelValues(view, metrics.Hit).Inc()
	return Result{Rows: rows}, nil
}

// LookupWait looks up |key| of reader |view|, waiting up to |timeout| for
// an upquery to fill it if required. A zero |timeout| waits indefinitely.
// If the timeout elapses, an error having cause upquery.ErrTimeout is
// returned, and the fill continues.
func (e *Engine) LookupWait(ctx context.Context, view string, key row.Key, timeout time.Duration) ([]row.Row, error) {
	var res, err = e.Lookup(ctx, view, key)
	if err != nil || res.Hit() {
		return res.Rows, err
	}
	var rows []row.Row
	if rows, err = res.Pending.Wait(ctx, timeout); errors.Cause(err) == upquery.ErrTimeout {
		metrics.LookupsTotal.WithLabelValues(view, metrics.Timeout).Inc()
	}
	return rows, err
}

// Dump every row held by the state of materialized node |name|. Dumps of a
// partial node return rows of its filled keys.
func (e *Engine) Dump(ctx context.Context, name string) ([]row.Row, error) {
	var d, n, err = e.resolve(name)
	if err != nil {
		return nil, err
	} else if !n.IsMaterialized() {
		return nil, errors.Wrapf(ErrNotMaterialized, "%q", name)
	}
	return d.Dump(ctx, n.Index)
}

// Evict |keys| of partially materialized node |name|, cascading to its
// dependent partial state. Keys which are holes or are being filled are ignored.
func (e *Engine) Evict(ctx context.Context, name string, keys []row.Key) error {
	var d, n, err = e.resolve(name)
	if err != nil {
		return err
	} else if !n.IsPartial() {
		return errors.Errorf("%q is not partially materialized", name)
	}
	return d.EvictKeys(ctx, n.Index, keys)
}

// Sync waits until every Packet sent to a domain before Sync was called,
// and every Packet derived from them, has been processed. Replays in flight
// may still be outstanding.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.RLock()
	var g, domains = e.g, e.domains
	e.mu.RUnlock()

	if g == nil {
		return ErrNotInstalled
	}
	for _, di := range g.DomainOrder() {
		var p = &packet.Packet{Kind: packet.Sync, Link: packet.NoLink, Ack: packet.NewAsyncAck()}

		if err := domains[di].Enqueue(ctx, p); err != nil {
			return err
		}
		select {
		case <-p.Ack.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// resolve the named node and its domain.
func (e *Engine) resolve(name string) (*domain.Domain, *graph.Node, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.g == nil {
		return nil, nil, ErrNotInstalled
	}
	var n, err = e.g.Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	return e.domains[n.Domain], n, nil
}

func (e *Engine) evictable() []evict.Domain {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out = make([]evict.Domain, len(e.domains))
	for i, d := range e.domains {
		out[i] = d
	}
	return out
}

// host routes Packets and replay requests between the Engine's domains.
type host struct{ e *Engine }

func (h host) Send(ctx context.Context, to graph.DomainIndex, p *packet.Packet) error {
	h.e.mu.RLock()
	var d = h.e.domains[to]
	h.e.mu.RUnlock()

	return d.Enqueue(ctx, p)
}

func (h host) Replay(to graph.DomainIndex, req *domain.ReplayRequest) {
	h.e.mu.RLock()
	var d = h.e.domains[to]
	h.e.mu.RUnlock()

	d.Replay(req)
}

func (h host) Fatal(from graph.DomainIndex, err error) {
	h.e.mu.RLock()
	var fn, name = h.e.onFatal, h.e.domains[from].Name()
	h.e.mu.RUnlock()

	if fn != nil {
		fn(name, err)
	}
}
