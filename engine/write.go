package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.tributary.dev/core/domain"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/metrics"
	"go.tributary.dev/core/packet"
	"go.tributary.dev/core/row"
)

// Ack of a write which was applied to the state of its base.
type Ack struct {
	Base string
	// Seq is the sequence number of the write within its base.
	Seq uint64
}

// Write |records| to |base|, returning once they're applied to the state of
// the base. Records are checked against the base's schema, failing with
// row.ErrSchemaMismatch. Removals of rows which aren't present are dropped.
// Write blocks while the base's domain is applying backpressure.
func (e *Engine) Write(ctx context.Context, base string, records row.Records) (Ack, error) {
	var d, n, err = e.writable(base, records)
	if err != nil {
		metrics.WritesTotal.WithLabelValues(base, metrics.Fail).Inc()
		return Ack{}, err
	}
	return e.commit(ctx, d, n, inputPacket(n, records, packet.OutsideTxn, uuid.Nil))
}

// Txn is a transaction of writes to a single base, which become visible
// together once it commits.
type Txn struct {
	e      *Engine
	base   string
	id     uuid.UUID
	writes []row.Records
	done   bool
}

// Begin a Txn of writes to |base|.
func (e *Engine) Begin(base string) (*Txn, error) {
	if _, _, err := e.writable(base, nil); err != nil {
		return nil, err
	}
	return &Txn{e: e, base: base, id: uuid.New()}, nil
}

// Write |records| within the Txn. Records are checked against the base's
// schema, and are sent when the Txn commits.
func (t *Txn) Write(records row.Records) error {
	if t.done {
		return errors.New("transaction is already finished")
	} else if _, _, err := t.e.writable(t.base, records); err != nil {
		return err
	}
	t.writes = append(t.writes, append(row.Records(nil), records...))
	return nil
}

// Commit the Txn, returning once all of its writes are applied to the
// state of the base. Each write is sent as a separate Packet, and domains
// hold them until the final Packet acknowledges the transaction.
func (t *Txn) Commit(ctx context.Context) (Ack, error) {
	if t.done {
		return Ack{}, errors.New("transaction is already finished")
	}
	t.done = true

	var d, n, err = t.e.writable(t.base, nil)
	if err != nil {
		return Ack{}, err
	}
	var last row.Records
	if l := len(t.writes); l != 0 {
		for _, w := range t.writes[:l-1] {
			var p = inputPacket(n, w, packet.ContinueTxn, t.id)
			p.Ack = nil

			if err = d.Enqueue(ctx, p); err != nil {
				metrics.WritesTotal.WithLabelValues(t.base, metrics.Fail).Inc()
				return Ack{}, err
			}
		}
		last = t.writes[l-1]
	}
	return t.e.commit(ctx, d, n, inputPacket(n, last, packet.AckTxn, t.id))
}

// Abort the Txn, discarding its writes.
func (t *Txn) Abort() {
	t.done = true
	t.writes = nil
}

// Table is the rows of a base.
type Table struct {
	Base string    `json:"base"`
	Rows []row.Row `json:"rows"`
}

// Snapshot is the rows of every base of the graph.
type Snapshot struct {
	Tables []Table `json:"tables"`
}

// Snapshot the rows of every base.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	var g = e.Graph()
	if g == nil {
		return nil, ErrNotInstalled
	}
	var snap = new(Snapshot)

	for _, ind := range g.Topo() {
		var n = g.Node(ind)
		if n.Kind() != graph.KindBase {
			continue
		}
		var rows, err = e.Dump(ctx, n.Name())
		if err != nil {
			return nil, errors.WithMessagef(err, "snapshot of %q", n.Name())
		}
		snap.Tables = append(snap.Tables, Table{Base: n.Name(), Rows: rows})
	}
	return snap, nil
}

// Restore the rows of a Snapshot, writing each Table in a transaction.
func (e *Engine) Restore(ctx context.Context, snap *Snapshot) error {
	for _, table := range snap.Tables {
		var txn, err = e.Begin(table.Base)
		if err != nil {
			return errors.WithMessagef(err, "restoring %q", table.Base)
		} else if err = txn.Write(row.PositiveRecords(table.Rows)); err != nil {
			return errors.WithMessagef(err, "restoring %q", table.Base)
		} else if _, err = txn.Commit(ctx); err != nil {
			return errors.WithMessagef(err, "restoring %q", table.Base)
		}
	}
	return nil
}

// writable resolves |base| and checks |records| against its schema.
func (e *Engine) writable(base string, records row.Records) (*domain.Domain, *graph.Node, error) {
	var d, n, err = e.resolve(base)
	if err != nil {
		return nil, nil, err
	} else if n.Kind() != graph.KindBase {
		return nil, nil, errors.Wrapf(ErrNotABase, "%q is a %s", base, n.Kind())
	}
	for _, r := range records {
		if err = n.Schema.Check(r.Row); err != nil {
			return nil, nil, errors.WithMessagef(err, "writing %q", base)
		}
	}
	return d, n, nil
}

// commit enqueues Input Packet |p| and waits for its Ack.
func (e *Engine) commit(ctx context.Context, d *domain.Domain, n *graph.Node, p *packet.Packet) (Ack, error) {
	var err = d.Enqueue(ctx, p)
	if err == nil {
		select {
		case <-p.Ack.Done():
			err = p.Ack.Err()
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		metrics.WritesTotal.WithLabelValues(n.Name(), metrics.Fail).Inc()
		return Ack{}, err
	}
	metrics.WritesTotal.WithLabelValues(n.Name(), metrics.Ok).Inc()
	return Ack{Base: n.Name(), Seq: p.Ack.Seq()}, nil
}

func inputPacket(n *graph.Node, records row.Records, flags packet.Flags, txn uuid.UUID) *packet.Packet {
	var p = &packet.Packet{
		Kind:   packet.Input,
		Origin: packet.Origin{Source: n.Index},
		Flags:  flags,
		Txn:    txn,
		Link:   packet.NoLink,
		Ack:    packet.NewAsyncAck(),
	}
	if len(records) != 0 {
		p.Batches = []packet.Batch{{From: packet.External, To: n.Index, Records: records}}
	}
	return p
}
