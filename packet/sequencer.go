package packet

import (
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/metrics"
	"go.tributary.dev/core/row"
)

// Sequencer observes Packets received by a domain and sequences them into
// committed Packets ready for processing. Packets having OutsideTxn are
// committed immediately. Packets having ContinueTxn are held until the
// AckTxn of their transaction, at which point the transaction is released
// as a single merged Packet. Packets previously observed from the same
// (source, link) are dropped as duplicates.
type Sequencer struct {
	// last is the greatest sequence observed of each (source, link).
	last map[sourceLink]uint64
	// partials are pending transactions.
	partials map[uuid.UUID]*Packet
}

type sourceLink struct {
	source graph.NodeIndex
	link   graph.DomainIndex
}

// NewSequencer returns an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{
		last:     make(map[sourceLink]uint64),
		partials: make(map[uuid.UUID]*Packet),
	}
}

// Sequence applies the next received Packet |p|, which must have an assigned
// Origin. It returns a Packet to be processed, or nil if |p| is a duplicate
// or extends a transaction which is still pending.
func (s *Sequencer) Sequence(p *Packet) *Packet {
	var sl = sourceLink{source: p.Origin.Source, link: p.Link}

	if p.Origin.Seq <= s.last[sl] {
		log.WithFields(log.Fields{
			"source": p.Origin.Source,
			"link":   p.Link,
			"seq":    p.Origin.Seq,
			"last":   s.last[sl],
		}).Warn("dropping duplicate packet")

		metrics.SequencerQueuedTotal.WithLabelValues("drop").Inc()
		return nil
	}
	s.last[sl] = p.Origin.Seq

	switch p.Flags {
	case ContinueTxn:
		if partial, ok := s.partials[p.Txn]; ok {
			partial.Batches = mergeBatches(partial.Batches, p.Batches)
		} else {
			var cp = *p
			cp.Batches = mergeBatches(nil, p.Batches)
			s.partials[p.Txn] = &cp
		}
		metrics.SequencerQueuedTotal.WithLabelValues("queue").Inc()
		return nil

	case AckTxn:
		var out = *p
		out.Flags = OutsideTxn

		if partial, ok := s.partials[p.Txn]; ok {
			out.Batches = mergeBatches(partial.Batches, p.Batches)
			delete(s.partials, p.Txn)
		}
		metrics.SequencerQueuedTotal.WithLabelValues("ack").Inc()
		return &out

	default:
		metrics.SequencerQueuedTotal.WithLabelValues("emit").Inc()
		return p
	}
}

// Pending returns the number of transactions awaiting their AckTxn.
func (s *Sequencer) Pending() int { return len(s.partials) }

// mergeBatches appends |add| to |into|, combining Batches of the same edge.
func mergeBatches(into, add []Batch) []Batch {
	for _, b := range add {
		var found bool
		for i := range into {
			if into[i].From == b.From && into[i].To == b.To {
				into[i].Records = append(into[i].Records, b.Records...)
				found = true
				break
			}
		}
		if !found {
			into = append(into, Batch{From: b.From, To: b.To, Records: append(row.Records(nil), b.Records...)})
		}
	}
	return into
}
