package upquery

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.tributary.dev/core/packet"
	"go.tributary.dev/core/row"
)

func TestConcurrentReadersShareOneUpquery(t *testing.T) {
	var c = NewCoordinator()
	var key = row.Key{row.Int(7)}

	var o1, issued1 = c.Request(3, key)
	var o2, issued2 = c.Request(3, row.Key{row.Int(7)})
	require.True(t, issued1)
	require.False(t, issued2)
	require.True(t, o1 == o2)

	var p1, p2 = c.Wait(o1), c.Wait(o2)
	require.NotEqual(t, p1.ID, p2.ID)

	// Keys of different kinds, or of different nodes, are distinct.
	var _, issued = c.Request(3, row.Key{row.Uint(7)})
	require.True(t, issued)
	_, issued = c.Request(4, key)
	require.True(t, issued)
	require.Equal(t, 3, c.Len())

	// A piece having a stale tag doesn't complete the upquery.
	var done, retries = c.Complete(KeyOf(3, key), o1.Tag+1000)
	require.Nil(t, done)
	require.Nil(t, retries)

	done, _ = c.Complete(KeyOf(3, key), o1.Tag)
	require.True(t, done == o1)
	var rows = []row.Row{{row.Int(7), row.Int(150)}}
	done.Resolve(rows)

	for _, p := range []*Pending{p1, p2} {
		var got, err = p.Wait(context.Background(), time.Second)
		require.NoError(t, err)
		require.Equal(t, rows, got)
	}
	require.False(t, c.IsOutstanding(KeyOf(3, key)))
}

func TestPendingTimeoutIsDistinctAndRetryable(t *testing.T) {
	var c = NewCoordinator()
	var o, _ = c.Request(1, row.Key{row.Int(1)})
	var p = c.Wait(o)

	var _, err = p.Wait(context.Background(), time.Millisecond)
	require.Equal(t, ErrTimeout, errors.Cause(err))

	// The fill still completes, and a later Wait observes it.
	o.Resolve([]row.Row{})
	rows, err := p.Wait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, []row.Row{}, rows)

	// Cancellation is reported as such.
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	o, _ = c.Request(1, row.Key{row.Int(2)})
	_, err = c.Wait(o).Wait(ctx, time.Hour)
	require.Equal(t, context.Canceled, err)

	p = Resolved(1, row.Key{row.Int(3)}, nil)
	rows, err = p.Wait(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, rows)
}

func TestBufferingAndInvalidation(t *testing.T) {
	var c = NewCoordinator()
	var nk = KeyOf(2, row.Key{row.Text("a")})

	require.False(t, c.Buffer(nk, packet.Origin{Source: 0, Seq: 1}, nil))

	var o, _ = c.Request(2, row.Key{row.Text("a")})
	var r1 = row.Records{row.Positive(row.Row{row.Text("a"), row.Int(1)})}
	var r2 = row.Records{row.Negative(row.Row{row.Text("a"), row.Int(1)})}

	require.True(t, c.Buffer(nk, packet.Origin{Source: 0, Seq: 4}, r1))
	require.True(t, c.Buffer(nk, packet.Origin{Source: 0, Seq: 4}, r2))
	require.True(t, c.Buffer(nk, packet.Origin{Source: 1, Seq: 2}, r1))
	require.Equal(t, []Buffered{
		{Origin: packet.Origin{Source: 0, Seq: 4}, Records: append(append(row.Records(nil), r1...), r2...)},
		{Origin: packet.Origin{Source: 1, Seq: 2}, Records: r1},
	}, o.Buffered)

	c.InvalidateNode(2)
	require.True(t, o.Invalidated)
	require.True(t, c.HasOutstanding(2))
	require.False(t, c.HasOutstanding(5))

	var tag = o.Tag
	c.Reissue(o)
	require.False(t, o.Invalidated)
	require.NotEqual(t, tag, o.Tag)
	require.Len(t, o.Buffered, 2)

	// Abandoning the node drops its upquery.
	c.Abandon(2)
	require.Equal(t, 0, c.Len())
}

func TestParkedRequestsAwaitEveryKey(t *testing.T) {
	var c = NewCoordinator()
	var a, _ = c.Request(1, row.Key{row.Int(1)})
	var b, _ = c.Request(1, row.Key{row.Int(2)})

	var ran int
	c.Park([]NodeKey{KeyOf(1, a.Key), KeyOf(1, b.Key)}, func() { ran++ })

	var _, retries = c.Complete(KeyOf(1, a.Key), a.Tag)
	require.Len(t, retries, 0)
	_, retries = c.Complete(KeyOf(1, b.Key), b.Tag)
	require.Len(t, retries, 1)

	retries[0]()
	require.Equal(t, 1, ran)
}
