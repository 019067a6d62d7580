package state

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.tributary.dev/core/row"
)

func TestFullStateLookupsAlwaysHit(t *testing.T) {
	var s = NewFull([]int{1})
	var applied, err = s.Process(row.Records{
		row.Positive(order(1, 7, 100)),
		row.Positive(order(2, 7, 50)),
		row.Positive(order(3, 8, 10)),
	})
	require.NoError(t, err)
	require.Len(t, applied, 3)

	require.Equal(t, LookupResult{Rows: []row.Row{order(1, 7, 100), order(2, 7, 50)}},
		s.Lookup([]int{1}, row.Key{row.Int(7)}))
	// Absent keys of a full state are known-empty, never a Miss.
	require.Equal(t, LookupResult{}, s.Lookup([]int{1}, row.Key{row.Int(9)}))
	require.Equal(t, 3, s.Len())

	// Alternate indices are built from existing rows and maintained thereafter.
	require.NoError(t, s.AddIndex([]int{2}))
	_, err = s.Process(row.Records{row.Positive(order(4, 9, 100))})
	require.NoError(t, err)

	require.Equal(t, []row.Row{order(1, 7, 100), order(4, 9, 100)},
		s.Lookup([]int{2}, row.Key{row.Int(100)}).Rows)
	require.Panics(t, func() { s.Lookup([]int{0}, row.Key{row.Int(1)}) })
}

func TestProcessConsolidatesAndRejectsOrphans(t *testing.T) {
	var s = NewFull([]int{0})

	// A cancelling pair within one batch is a no-op.
	var applied, err = s.Process(row.Records{
		row.Positive(order(1, 7, 100)),
		row.Negative(order(1, 7, 100)),
	})
	require.NoError(t, err)
	require.Empty(t, applied)
	require.Equal(t, 0, s.Len())
	require.Equal(t, 0, s.MemSize())

	_, err = s.Process(row.Records{row.Positive(order(1, 7, 100))})
	require.NoError(t, err)

	// Removing a row which isn't present fails, and leaves the state unmodified.
	_, err = s.Process(row.Records{
		row.Negative(order(1, 7, 100)),
		row.Negative(order(2, 7, 50)),
	})
	require.Equal(t, ErrOrphanNegative, errors.Cause(err))
	require.Equal(t, []row.Row{order(1, 7, 100)}, s.Rows())

	// As does removing more copies than are present.
	_, err = s.Process(row.Records{
		row.Negative(order(1, 7, 100)),
		row.Negative(order(1, 7, 100)),
	})
	require.Equal(t, ErrOrphanNegative, errors.Cause(err))

	// Duplicates are tracked by multiplicity.
	_, err = s.Process(row.Records{row.Positive(order(1, 7, 100))})
	require.NoError(t, err)
	require.Equal(t, []row.Row{order(1, 7, 100), order(1, 7, 100)}, s.Rows())
}

func TestPartialStateMissVersusEmptyHit(t *testing.T) {
	var s = NewPartial([]int{1})

	require.Equal(t, LookupResult{Miss: true}, s.Lookup([]int{1}, row.Key{row.Int(7)}))

	// Deltas for holes are dropped.
	var applied, err = s.Process(row.Records{row.Positive(order(1, 7, 100))})
	require.NoError(t, err)
	require.Empty(t, applied)
	require.Equal(t, LookupResult{Miss: true}, s.Lookup([]int{1}, row.Key{row.Int(7)}))

	// Marking filled upgrades to a known-empty Hit.
	s.MarkFilled(row.Key{row.Int(7)})
	require.Equal(t, LookupResult{}, s.Lookup([]int{1}, row.Key{row.Int(7)}))
	require.True(t, s.IsFilled(row.Key{row.Int(7)}))
	require.False(t, s.IsFilled(row.Key{row.Int(8)}))

	applied, err = s.Process(row.Records{
		row.Positive(order(1, 7, 100)),
		row.Positive(order(2, 8, 50)), // Hole; dropped.
	})
	require.NoError(t, err)
	require.Equal(t, row.Records{row.Positive(order(1, 7, 100))}, applied)

	// Removing the last row of a filled key leaves it filled and empty.
	_, err = s.Process(row.Records{row.Negative(order(1, 7, 100))})
	require.NoError(t, err)
	require.Equal(t, LookupResult{}, s.Lookup([]int{1}, row.Key{row.Int(7)}))

	require.Error(t, s.AddIndex([]int{0}))
	require.NoError(t, s.AddIndex([]int{1}))
}

func TestEvictionRoundTrip(t *testing.T) {
	var s = NewPartial([]int{1})
	var fill = func(key int64, rows ...row.Row) {
		s.MarkFilled(row.Key{row.Int(key)})
		var _, err = s.Process(row.PositiveRecords(rows))
		require.NoError(t, err)
	}
	fill(7, order(1, 7, 100), order(2, 7, 50))
	var before = s.Lookup([]int{1}, row.Key{row.Int(7)})
	var size = s.MemSize()
	require.True(t, size > 0)

	require.Equal(t, before.Rows, s.Evict(row.Key{row.Int(7)}))
	require.Equal(t, LookupResult{Miss: true}, s.Lookup([]int{1}, row.Key{row.Int(7)}))
	require.Equal(t, 0, s.MemSize())
	require.Equal(t, 0, s.Len())

	fill(7, order(1, 7, 100), order(2, 7, 50))
	require.Equal(t, before, s.Lookup([]int{1}, row.Key{row.Int(7)}))
	require.Equal(t, size, s.MemSize())

	// Full states are never evicted.
	var full = NewFull([]int{0})
	_, _ = full.Process(row.Records{row.Positive(order(1, 7, 100))})
	require.Nil(t, full.Evict(row.Key{row.Int(1)}))
	require.Nil(t, full.EvictAll(nil))
	require.Equal(t, 1, full.Len())
}

func TestEvictLRUOrderAndSkip(t *testing.T) {
	var s = NewPartial([]int{1})
	for _, k := range []int64{1, 2, 3, 4} {
		s.MarkFilled(row.Key{row.Int(k)})
		_, _ = s.Process(row.Records{row.Positive(order(k*10, k, k))})
	}
	// Refresh key 1, making 2 the least-recently used.
	s.Lookup([]int{1}, row.Key{row.Int(1)})

	var skip3 = func(k row.Key) bool { return k.Equal(row.Key{row.Int(3)}) }

	// A single byte requires evicting exactly one key.
	require.Equal(t, []row.Key{{row.Int(2)}}, s.EvictLRU(1, skip3))
	require.Equal(t, []row.Key{{row.Int(4)}, {row.Int(1)}}, s.EvictLRU(2*s.MemSize()/3, skip3))
	require.Equal(t, []row.Key{{row.Int(3)}}, s.FilledKeys())
	require.Empty(t, s.EvictAll(skip3))
	require.Equal(t, []row.Key{{row.Int(3)}}, s.EvictAll(nil))
	require.Empty(t, s.FilledKeys())
}

func TestProcessingIsDeterministic(t *testing.T) {
	var rnd = rand.New(rand.NewSource(8675309))

	// Generate a valid random sequence of batches of positive and negative deltas.
	var live []row.Row
	var batches []row.Records

	for i := 0; i != 200; i++ {
		var batch row.Records
		for j := rnd.Intn(4); j >= 0; j-- {
			if len(live) != 0 && rnd.Intn(3) == 0 {
				var n = rnd.Intn(len(live))
				batch = append(batch, row.Negative(live[n]))
				live = append(live[:n], live[n+1:]...)
			} else {
				var r = order(rnd.Int63n(20), rnd.Int63n(4), rnd.Int63n(3))
				batch = append(batch, row.Positive(r))
				live = append(live, r)
			}
		}
		batches = append(batches, batch)
	}

	var apply = func(s *State) *State {
		for _, b := range batches {
			var _, err = s.Process(b)
			require.NoError(t, err)
		}
		return s
	}
	var a, b = apply(NewFull([]int{1}, []int{0})), apply(NewFull([]int{0}))
	require.Equal(t, a.Rows(), b.Rows())
	require.Equal(t, len(live), a.Len())

	var expect = NewFull([]int{0})
	_, _ = expect.Process(row.PositiveRecords(live))
	require.Equal(t, expect.Rows(), a.Rows())
	require.Equal(t, expect.MemSize(), b.MemSize())
}

func order(id, user, total int64) row.Row {
	return row.Row{row.Int(id), row.Int(user), row.Int(total)}
}
