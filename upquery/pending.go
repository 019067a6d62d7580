package upquery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/row"
)

// ErrTimeout is returned by Pending.Wait if its timeout elapses before the
// fill completes. It's distinct from a miss: the fill continues, and a later
// lookup may hit.
var ErrTimeout = errors.New("timeout awaiting upquery")

// Pending is a read which resolves once an Outstanding upquery fills its key.
type Pending struct {
	// ID uniquely identifies the Pending read.
	ID   uuid.UUID
	Node graph.NodeIndex
	Key  row.Key

	ch   <-chan []row.Row
	rows []row.Row
	done bool
}

func newPending(node graph.NodeIndex, key row.Key, ch <-chan []row.Row) *Pending {
	return &Pending{ID: uuid.New(), Node: node, Key: key, ch: ch}
}

// Wait for the fill of the Pending read, returning its rows. If |timeout| is
// non-zero and elapses first, ErrTimeout is returned. The Pending may be
// waited on again after a timeout.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) ([]row.Row, error) {
	if p.done {
		return p.rows, nil
	}
	var timeoutCh <-chan time.Time
	if timeout != 0 {
		var timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case p.rows = <-p.ch:
		p.done = true
		return p.rows, nil
	case <-timeoutCh:
		return nil, errors.Wrapf(ErrTimeout, "key %s after %s", p.Key, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved returns a Pending which is already resolved with |rows|.
func Resolved(node graph.NodeIndex, key row.Key, rows []row.Row) *Pending {
	return &Pending{ID: uuid.New(), Node: node, Key: key, rows: rows, done: true}
}
