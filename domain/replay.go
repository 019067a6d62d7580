package domain

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/metrics"
	"go.tributary.dev/core/operator"
	"go.tributary.dev/core/packet"
	"go.tributary.dev/core/row"
	"go.tributary.dev/core/upquery"
)

// assembly accumulates the replayed inputs of the path Nodes owned by the
// Domain, until each has received a piece from every one of its path parents.
type assembly struct {
	inputs   map[graph.NodeIndex][]operator.Input
	received map[graph.NodeIndex]int
	done     map[graph.NodeIndex]bool
}

func (a *assembly) add(b packet.Batch) {
	a.inputs[b.To] = append(a.inputs[b.To], operator.Input{From: b.From, Records: b.Records})
	a.received[b.To]++
}

// replay serves a ReplayRequest of which the Domain is the source: it reads
// the requested key from each source State and processes the piece along
// owned path Nodes. If a source (or a join's other side) is a hole, the
// request is parked until upqueries of the missing keys complete.
func (d *Domain) replay(req *ReplayRequest) {
	var batches []packet.Batch
	var missed []upquery.NodeKey

	for _, src := range req.Path.Sources {
		var l = d.nodes[src.Node]
		var rows []row.Row

		if src.Cols == nil {
			rows = l.state.Rows()
		} else if res := l.state.Lookup(src.Cols, req.Key); res.Miss {
			missed = append(missed, d.upquery(src.Node, req.Key))
			continue
		} else {
			rows = res.Rows
		}
		batches = append(batches, packet.Batch{From: src.Node, To: src.Child, Records: row.PositiveRecords(rows)})
	}

	if len(missed) == 0 {
		var rp = &packet.Replay{
			Tag:       req.Tag,
			Path:      req.Path,
			Key:       req.Key,
			Watermark: d.watermark.Copy(),
		}
		for _, miss := range d.processPiece(rp, batches) {
			missed = append(missed, d.upquery(miss.Node, miss.Key))
		}
	}
	if len(missed) != 0 {
		log.WithFields(log.Fields{
			"domain": d.name,
			"target": d.g.Node(req.Path.Target).Name(),
			"key":    req.Key,
			"missed": len(missed),
		}).Debug("parking replay on upqueries of its sources")

		d.coord.Park(missed, func() { d.replay(req) })
	}
}

// upquery starts or joins an upquery of |key| of partial Node |node|.
func (d *Domain) upquery(node graph.NodeIndex, key row.Key) upquery.NodeKey {
	var o, issued = d.coord.Request(node, key)
	d.requested(o, issued)
	return upquery.KeyOf(node, key)
}

// processPiece adds |batches| of replay |rp| to its assembly, and processes
// each owned path Node which has received all of its pieces. Outputs bound
// for other Domains are sent as ReplayPiece Packets once every owned Node is
// processed. If a join reports holes of its other side, processing stops,
// nothing is sent, and the holes are returned.
func (d *Domain) processPiece(rp *packet.Replay, batches []packet.Batch) []operator.Miss {
	var asm, ok = d.pieces[rp.Tag]
	if !ok {
		asm = &assembly{
			inputs:   make(map[graph.NodeIndex][]operator.Input),
			received: make(map[graph.NodeIndex]int),
			done:     make(map[graph.NodeIndex]bool),
		}
		d.pieces[rp.Tag] = asm
	}
	for _, b := range batches {
		if _, ok := d.nodes[b.To]; ok {
			asm.add(b)
		}
	}

	var path = rp.Path
	var out = make(map[graph.DomainIndex][]packet.Batch)
	var owned, done int

	for _, ind := range path.Nodes {
		var l, ok = d.nodes[ind]
		if !ok {
			continue
		}
		owned++

		if asm.done[ind] {
			done++
			continue
		} else if asm.received[ind] < path.FanIn[ind] {
			continue
		}
		asm.done[ind] = true
		done++

		if ind == path.Target {
			d.fill(l, rp, asm.inputs[ind])
			continue
		}
		var rs, misses, err = l.op.Process(asm.inputs[ind], d.nodes, true)
		if err != nil {
			delete(d.pieces, rp.Tag)
			d.fatal(errors.WithMessagef(err, "replaying node %q", l.node.Name()))
			return nil
		}
		if len(misses) != 0 {
			delete(d.pieces, rp.Tag)
			return misses
		}

		for _, c := range l.node.Children {
			if !path.OnPath(c) {
				continue
			}
			if _, ok := d.nodes[c]; ok {
				asm.add(packet.Batch{From: ind, To: c, Records: rs})
			} else {
				var di = d.g.Node(c).Domain
				out[di] = append(out[di], packet.Batch{From: ind, To: c, Records: rs})
			}
		}
	}
	if done == owned {
		delete(d.pieces, rp.Tag)
	}

	// Sources may feed path Nodes of other Domains directly.
	for _, b := range batches {
		if _, ok := d.nodes[b.To]; !ok && path.SourceDomain == d.Index {
			var di = d.g.Node(b.To).Domain
			out[di] = append(out[di], b)
		}
	}

	if err := d.send(out, func(batches []packet.Batch) *packet.Packet {
		return &packet.Packet{Kind: packet.ReplayPiece, Batches: batches, Replay: rp}
	}); err != nil {
		log.WithFields(log.Fields{"domain": d.name, "err": err}).Debug("failed to send replay piece")
	}
	return nil
}

// fill the State of the replay's target Node |l| from its replayed |inputs|,
// then re-apply live deltas buffered during the replay which it doesn't
// reflect, and resolve waiting readers.
func (d *Domain) fill(l *local, rp *packet.Replay, inputs []operator.Input) {
	var n = l.node
	var partial = l.state.IsPartial()
	var nk = upquery.KeyOf(n.Index, rp.Key)

	var o = d.coord.Get(nk)
	if o == nil || o.Tag != rp.Tag {
		log.WithFields(log.Fields{"domain": d.name, "node": n.Name(), "key": rp.Key, "tag": rp.Tag}).
			Debug("discarding stale replay piece")
		return
	} else if o.Invalidated {
		log.WithFields(log.Fields{"domain": d.name, "node": n.Name(), "key": rp.Key}).
			Debug("reissuing replay invalidated by eviction")
		d.coord.Reissue(o)
		d.issue(o)
		return
	}

	if partial {
		inputs = restrict(inputs, n.InputKey, rp.Key)
		l.state.MarkFilled(rp.Key)
	}
	if err := d.apply(l, inputs, true); err != nil {
		d.fatal(errors.WithMessagef(err, "filling node %q", n.Name()))
		return
	}

	// Descendants with state hold a hole at the filled key, so outputs of
	// re-applied deltas aren't forwarded.
	var reapplied int
	for _, b := range o.Buffered {
		if rp.Watermark.Covers(b.Origin) {
			continue
		}
		var err = d.apply(l, []operator.Input{{From: n.Parents[0], Records: b.Records}}, false)
		if err != nil {
			d.fatal(errors.WithMessagef(err, "re-applying buffered deltas of node %q", n.Name()))
			return
		}
		reapplied++
	}
	l.backfilling = false
	d.observeSize(l)

	var rows []row.Row
	if partial {
		rows = l.state.Lookup(n.Key, rp.Key).Rows
	}
	var retries []func()
	o, retries = d.coord.Complete(nk, rp.Tag)
	o.Resolve(rows)
	d.retries = append(d.retries, retries...)

	metrics.FillsTotal.WithLabelValues(n.Name()).Inc()
	log.WithFields(log.Fields{
		"domain":    d.name,
		"node":      n.Name(),
		"key":       rp.Key,
		"rows":      len(rows),
		"buffered":  len(o.Buffered),
		"reapplied": reapplied,
	}).Debug("filled state")
}

// apply |inputs| to Node |l| and its State, discarding its output.
func (d *Domain) apply(l *local, inputs []operator.Input, replay bool) error {
	var rs, _, err = l.op.Process(inputs, d.nodes, replay)
	if err == nil {
		_, err = l.state.Process(rs)
	}
	return err
}

// restrict |inputs| to Records whose |cols| equal |key|.
func restrict(inputs []operator.Input, cols []int, key row.Key) []operator.Input {
	var out = make([]operator.Input, 0, len(inputs))
	for _, in := range inputs {
		var keep row.Records
		for _, r := range in.Records {
			if r.Row.Key(cols).Equal(key) {
				keep = append(keep, r)
			}
		}
		out = append(out, operator.Input{From: in.From, Records: keep})
	}
	return out
}
