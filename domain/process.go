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

// handle a Packet of the data queue.
func (d *Domain) handle(p *packet.Packet) {
	metrics.PacketsTotal.WithLabelValues(d.name, p.Kind.String()).Inc()
	metrics.RecordsTotal.WithLabelValues(d.name).Add(float64(p.NumRecords()))

	switch p.Kind {
	case packet.Input:
		var base = p.Origin.Source
		var clock, ok = d.clocks[base]
		if !ok {
			panic("input packet of a base not owned by this domain")
		}
		p.Origin = packet.Origin{Source: base, Seq: clock.Tick()}
		p.Link = packet.NoLink
		d.sequence(p)

	case packet.Message:
		d.sequence(p)

	case packet.ReplayPiece:
		if misses := d.processPiece(p.Replay, p.Batches); len(misses) != 0 {
			d.fatal(errors.Errorf("replay of %q missed state outside of its source domain",
				d.g.Node(p.Replay.Path.Target).Name()))
		}

	case packet.Evict:
		var ev = p.Evicted
		for _, c := range d.g.Node(ev.Node).Children {
			if _, ok := d.nodes[c]; ok {
				d.onEvict(c, ev.Node, ev.Cols, ev.Keys)
			}
		}

	case packet.Sync:
		p.Ack.Resolve(0, nil)

	default:
		panic("unexpected packet kind " + p.Kind.String())
	}
}

// sequence a live Packet, processing it if it's committed.
func (d *Domain) sequence(p *packet.Packet) {
	if p = d.seq.Sequence(p); p == nil {
		return
	}
	var err = d.processLive(p)
	d.watermark.Observe(p.Origin)

	if p.Ack != nil {
		p.Ack.Resolve(p.Origin.Seq, err)
	}
}

// processLive runs the Batches of a committed Packet through owned Nodes in
// topological order, and sends outputs bound for other Domains as one
// Packet per destination.
func (d *Domain) processLive(p *packet.Packet) error {
	var inputs = make(map[graph.NodeIndex][]operator.Input)
	var out = make(map[graph.DomainIndex][]packet.Batch)

	for _, b := range p.Batches {
		if _, ok := d.nodes[b.To]; !ok {
			log.WithFields(log.Fields{"domain": d.name, "node": b.To}).
				Warn("dropping batch of a node not owned by this domain")
			continue
		}
		inputs[b.To] = append(inputs[b.To], operator.Input{From: b.From, Records: b.Records})
	}

	for _, ind := range d.order {
		var in, ok = inputs[ind]
		if !ok {
			continue
		}
		var l = d.nodes[ind]

		var rs, err = d.applyLive(l, in, p.Origin)
		if err != nil {
			return d.fatal(errors.WithMessagef(err, "node %q", l.node.Name()))
		}
		d.observeSize(l)

		if len(rs) == 0 {
			continue
		}
		for _, c := range l.node.Children {
			d.route(ind, c, rs, inputs, out)
		}
	}

	return d.send(out, func(batches []packet.Batch) *packet.Packet {
		return &packet.Packet{
			Kind:    packet.Message,
			Origin:  p.Origin,
			Flags:   packet.OutsideTxn,
			Batches: batches,
		}
	})
}

// applyLive applies live |inputs| of Origin |origin| to Node |l|, returning
// its output.
func (d *Domain) applyLive(l *local, inputs []operator.Input, origin packet.Origin) (row.Records, error) {
	if l.backfilling {
		d.coord.Buffer(upquery.KeyOf(l.node.Index, nil), origin, concat(inputs))
		return nil, nil
	} else if l.state != nil && l.state.IsPartial() {
		if inputs = d.admit(l, inputs, origin); len(inputs) == 0 {
			return nil, nil
		}
	}

	var rs, _, err = l.op.Process(inputs, d.nodes, false)
	if err != nil {
		return nil, err
	} else if l.state != nil {
		rs, err = l.state.Process(rs)
	}
	return rs, err
}

// admit filters live |inputs| of a partial Node by the state of their keys.
// Records of filled keys pass. Records of keys being filled are buffered
// until the fill completes. Records of holes are dropped.
func (d *Domain) admit(l *local, inputs []operator.Input, origin packet.Origin) []operator.Input {
	var out []operator.Input

	for _, in := range inputs {
		var keep row.Records
		for _, r := range in.Records {
			var key = r.Row.Key(l.node.InputKey)

			if l.state.IsFilled(key) {
				keep = append(keep, r)
			} else {
				d.coord.Buffer(upquery.KeyOf(l.node.Index, key), origin, row.Records{r})
			}
		}
		if len(keep) != 0 {
			out = append(out, operator.Input{From: in.From, Records: keep})
		}
	}
	return out
}
