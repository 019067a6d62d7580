package packet

import (
	"sync/atomic"

	"go.tributary.dev/core/graph"
)

// Clock issues monotonic sequence numbers of writes to a single source.
// The first issued sequence is one.
type Clock struct {
	seq atomic.Uint64
}

// NewClock returns a Clock which next issues |last|+1.
func NewClock(last uint64) *Clock {
	var c = new(Clock)
	c.seq.Store(last)
	return c
}

// Tick returns the next sequence number.
func (c *Clock) Tick() uint64 { return c.seq.Add(1) }

// Last returns the most recently issued sequence number.
func (c *Clock) Last() uint64 { return c.seq.Load() }

// Watermark is the greatest sequence number of each source which has been
// applied by a domain.
type Watermark map[graph.NodeIndex]uint64

// Observe updates the Watermark with Origin |o|.
func (w Watermark) Observe(o Origin) {
	if o.Seq > w[o.Source] {
		w[o.Source] = o.Seq
	}
}

// Covers returns true if Origin |o| is reflected by the Watermark.
func (w Watermark) Covers(o Origin) bool { return o.Seq <= w[o.Source] }

// Copy returns a deep copy of the Watermark.
func (w Watermark) Copy() Watermark {
	var out = make(Watermark, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
