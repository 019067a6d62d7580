// Package packet defines the units of propagation exchanged between
// domains, per-source sequence Clocks, and the per-domain Sequencer which
// batches transactions and suppresses duplicate deliveries.
package packet

import (
	"fmt"

	"github.com/google/uuid"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/row"
)

// Kind of a Packet.
type Kind int

const (
	// Input is a write of the write API into a base Node.
	Input Kind = iota
	// Message carries live deltas between domains.
	Message
	// ReplayPiece carries replayed rows downstream along a ReplayPath.
	ReplayPiece
	// Evict is a notice that keys of a Node's output were evicted.
	Evict
	// Sync is a barrier. Its Ack resolves once the receiving domain has
	// processed every Packet which preceded it.
	Sync
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "input"
	case Message:
		return "message"
	case ReplayPiece:
		return "replay"
	case Evict:
		return "evict"
	case Sync:
		return "sync"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Flags of a Packet, marking transaction boundaries.
type Flags int

const (
	// OutsideTxn is a Packet which is its own transaction.
	OutsideTxn Flags = iota
	// ContinueTxn is a Packet of a transaction which is not yet acknowledged.
	ContinueTxn
	// AckTxn is the final Packet of a transaction, which commits it.
	AckTxn
)

// External is the Batch.From of records written through the write API.
const External graph.NodeIndex = -1

// NoLink is the Packet.Link of Packets not sent by a domain.
const NoLink graph.DomainIndex = -1

// Origin identifies the base write from which a Packet derives. Packets
// derived while processing another Packet keep its Origin.
type Origin struct {
	Source graph.NodeIndex
	Seq    uint64
}

// Batch is Records output by Node From, for input to its child To.
type Batch struct {
	From, To graph.NodeIndex
	Records  row.Records
}

// Packet is the unit of propagation between domains.
type Packet struct {
	Kind   Kind
	Origin Origin
	Flags  Flags
	// Txn identifies the transaction of ContinueTxn and AckTxn Packets.
	Txn uuid.UUID
	// Link is the domain which sent the Packet, or NoLink.
	Link    graph.DomainIndex
	Batches []Batch

	// Replay is set for ReplayPiece Packets.
	Replay *Replay
	// Evicted is set for Evict Packets.
	Evicted *Evicted
	// Ack of an Input or Sync Packet, resolved once it's processed.
	Ack *AsyncAck
}

// Replay describes the replay which produced a ReplayPiece.
type Replay struct {
	// Tag uniquely identifies the replay.
	Tag  uint64
	Path *graph.ReplayPath
	// Key of Path.Target which is replayed, or nil if Path is a backfill.
	Key row.Key
	// Watermark of the source domain at the time the replay was read.
	Watermark Watermark
}

// Evicted describes keys evicted from the output of Node.
type Evicted struct {
	Node graph.NodeIndex
	// Cols are the columns of Node's output over which Keys are expressed.
	// If Cols is nil, every key of Node was evicted.
	Cols []int
	Keys []row.Key
}

// NumRecords returns the total number of Records across Batches.
func (p *Packet) NumRecords() (n int) {
	for _, b := range p.Batches {
		n += len(b.Records)
	}
	return
}

// AsyncAck is the future result of an Input Packet.
type AsyncAck struct {
	doneCh chan struct{}
	seq    uint64
	err    error
}

// NewAsyncAck returns a new AsyncAck.
func NewAsyncAck() *AsyncAck { return &AsyncAck{doneCh: make(chan struct{})} }

// Done selects when Resolve is called.
func (a *AsyncAck) Done() <-chan struct{} { return a.doneCh }

// Err blocks until Resolve is called, then returns its error.
func (a *AsyncAck) Err() error {
	<-a.Done()
	return a.err
}

// Seq blocks until Resolve is called, then returns the sequence number
// assigned to the write.
func (a *AsyncAck) Seq() uint64 {
	<-a.Done()
	return a.seq
}

// Resolve marks the AsyncAck as completed with the given sequence and error.
func (a *AsyncAck) Resolve(seq uint64, err error) {
	a.seq, a.err = seq, err
	close(a.doneCh)
}
