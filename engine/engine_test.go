package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.tributary.dev/core/domain"
	"go.tributary.dev/core/evict"
	"go.tributary.dev/core/graph"
	"go.tributary.dev/core/metrics"
	"go.tributary.dev/core/row"
)

func TestOrderTotalsAreMaintained(t *testing.T) {
	var e, ctx = serve(t, Config{}, ordersTopology)

	var ack, err = e.Write(ctx, "orders", row.PositiveRecords([]row.Row{
		ints(1, 7, 100), ints(2, 7, 50), ints(3, 8, 10),
	}))
	require.NoError(t, err)
	require.Equal(t, Ack{Base: "orders", Seq: 1}, ack)

	// The first lookup of a key is a hole, and fills by upquery.
	res, err := e.Lookup(ctx, "by_user", key(7))
	require.NoError(t, err)
	require.False(t, res.Hit())
	rows, err := res.Pending.Wait(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"(7, 150)"}, strs(rows))

	res, err = e.Lookup(ctx, "by_user", key(7))
	require.NoError(t, err)
	require.True(t, res.Hit())
	require.Equal(t, []string{"(7, 150)"}, strs(res.Rows))

	// Updates of a filled key are applied incrementally.
	ack, err = e.Write(ctx, "orders", row.Records{row.Negative(ints(1, 7, 100))})
	require.NoError(t, err)
	require.Equal(t, uint64(2), ack.Seq)
	require.NoError(t, e.Sync(ctx))

	res, err = e.Lookup(ctx, "by_user", key(7))
	require.NoError(t, err)
	require.True(t, res.Hit())
	require.Equal(t, []string{"(7, 50)"}, strs(res.Rows))

	// Keys which were never looked up remain holes.
	rows, err = e.Dump(ctx, "by_user")
	require.NoError(t, err)
	require.Equal(t, []string{"(7, 50)"}, strs(rows))
	rows, err = e.Dump(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, []string{"(2, 7, 50)", "(3, 8, 10)"}, strs(rows))
}

func TestLookupOfEmptyKeyFillsWithNoRows(t *testing.T) {
	var e, ctx = serve(t, Config{}, ordersTopology)

	var res, err = e.Lookup(ctx, "by_user", key(99))
	require.NoError(t, err)
	require.False(t, res.Hit())

	rows, err := res.Pending.Wait(ctx, time.Minute)
	require.NoError(t, err)
	require.Empty(t, rows)

	// The key is now filled, and known to be empty.
	res, err = e.Lookup(ctx, "by_user", key(99))
	require.NoError(t, err)
	require.True(t, res.Hit())
	require.Empty(t, res.Rows)

	// A later write to the key is reflected.
	_, err = e.Write(ctx, "orders", row.PositiveRecords([]row.Row{ints(1, 99, 5)}))
	require.NoError(t, err)
	require.NoError(t, e.Sync(ctx))

	rows, err = e.LookupWait(ctx, "by_user", key(99), time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"(99, 5)"}, strs(rows))
}

func TestDedupUnionFillsPartialReader(t *testing.T) {
	var e, ctx = serve(t, Config{}, `
nodes:
  - {name: a, kind: base, domain: d, columns: [{name: k, kind: int}, {name: v, kind: int}]}
  - {name: b, kind: base, domain: d, columns: [{name: k, kind: int}, {name: v, kind: int}]}
  - {name: u, kind: union, parents: [a, b], domain: d, union: {dedup: true}}
  - {name: r, kind: reader, parents: [u], domain: d, materialized: partial, key: [0]}
`)
	var write = func(base string, rec row.Record) {
		var _, err = e.Write(ctx, base, row.Records{rec})
		require.NoError(t, err)
	}
	var lookup = func() []string {
		require.NoError(t, e.Sync(ctx))
		var rows, err = e.LookupWait(ctx, "r", key(1), time.Minute)
		require.NoError(t, err)
		return strs(rows)
	}

	write("a", row.Positive(ints(1, 10)))
	write("b", row.Positive(ints(1, 10)))
	write("b", row.Positive(ints(1, 20)))
	write("a", row.Positive(ints(2, 30)))
	require.Equal(t, []string{"(1, 10)", "(1, 20)"}, lookup())

	// Removing one of two references keeps the row.
	write("a", row.Negative(ints(1, 10)))
	require.Equal(t, []string{"(1, 10)", "(1, 20)"}, lookup())

	write("b", row.Negative(ints(1, 10)))
	require.Equal(t, []string{"(1, 20)"}, lookup())

	require.NoError(t, e.Evict(ctx, "r", []row.Key{key(1)}))
	write("a", row.Positive(ints(1, 20)))
	require.Equal(t, []string{"(1, 20)"}, lookup())

	write("b", row.Negative(ints(1, 20)))
	require.Equal(t, []string{"(1, 20)"}, lookup())
	write("a", row.Negative(ints(1, 20)))
	require.Empty(t, lookup())
}

func TestConcurrentLookupsShareAnUpquery(t *testing.T) {
	var e, ctx = serve(t, Config{}, ordersTopology)
	var issued = metrics.UpqueriesTotal.WithLabelValues("by_user", metrics.Issued)
	var before = testutil.ToFloat64(issued)

	var _, err = e.Write(ctx, "orders", row.PositiveRecords([]row.Row{ints(1, 8, 10), ints(2, 8, 20)}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var results [4][]string

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var rows, err = e.LookupWait(ctx, "by_user", key(8), time.Minute)
			require.NoError(t, err)
			results[i] = strs(rows)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.Equal(t, []string{"(8, 30)"}, r)
	}
	// Lookups which arrived while the key was being filled joined the
	// first upquery, and later lookups hit.
	require.Equal(t, before+1, testutil.ToFloat64(issued))
}

func TestEvictedKeysRefillFromBase(t *testing.T) {
	var e, ctx = serve(t, Config{}, ordersTopology)

	var _, err = e.Write(ctx, "orders", row.PositiveRecords([]row.Row{
		ints(1, 7, 100), ints(2, 8, 10),
	}))
	require.NoError(t, err)

	for _, k := range []int64{7, 8} {
		_, err = e.LookupWait(ctx, "by_user", key(k), time.Minute)
		require.NoError(t, err)
	}

	// Evicting from the aggregate cascades to the reader.
	require.NoError(t, e.Evict(ctx, "totals", []row.Key{key(7)}))

	rows, err := e.Dump(ctx, "totals")
	require.NoError(t, err)
	require.Equal(t, []string{"(8, 10)"}, strs(rows))
	rows, err = e.Dump(ctx, "by_user")
	require.NoError(t, err)
	require.Equal(t, []string{"(8, 10)"}, strs(rows))

	// Writes to the evicted key are dropped at the hole.
	_, err = e.Write(ctx, "orders", row.PositiveRecords([]row.Row{ints(3, 7, 1)}))
	require.NoError(t, err)
	require.NoError(t, e.Sync(ctx))

	res, err := e.Lookup(ctx, "by_user", key(7))
	require.NoError(t, err)
	require.False(t, res.Hit())
	rows, err = res.Pending.Wait(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"(7, 101)"}, strs(rows))

	// Only partial nodes may be evicted from.
	require.Error(t, e.Evict(ctx, "orders", []row.Key{key(1)}))
}

func TestLookupsAreCorrectUnderMemoryPressure(t *testing.T) {
	var e, ctx = serve(t, Config{Evict: evict.Config{MemoryLimit: 1, Interval: time.Millisecond}}, ordersTopology)

	var rows []row.Row
	for i := int64(0); i != 20; i++ {
		rows = append(rows, ints(i, i%5, 10))
	}
	var _, err = e.Write(ctx, "orders", row.PositiveRecords(rows))
	require.NoError(t, err)

	for i := 0; i != 3; i++ {
		for k := int64(0); k != 5; k++ {
			var rows, err = e.LookupWait(ctx, "by_user", key(k), time.Minute)
			require.NoError(t, err)
			require.Equal(t, []string{row.Row{row.Int(k), row.Int(40)}.String()}, strs(rows))
		}
	}

	// The monitor eventually evicts every filled key.
	require.Eventually(t, func() bool {
		var rows, err = e.Dump(ctx, "by_user")
		require.NoError(t, err)
		return len(rows) == 0
	}, 10*time.Second, time.Millisecond)
}

func TestJoinedViewsAgree(t *testing.T) {
	var e, ctx = serve(t, Config{}, `
nodes:
  - {name: users, kind: base, domain: base, columns: [{name: id, kind: int}, {name: name, kind: text}]}
  - name: orders
    kind: base
    domain: base
    columns: [{name: id, kind: int}, {name: user_id, kind: int}, {name: total, kind: int}]
  - {name: enriched, kind: join, parents: [orders, users], domain: base, join: {left: 1, right: 0}}
  - {name: by_user, kind: reader, parents: [enriched], domain: views, materialized: partial, key: [1]}
  - {name: all_orders, kind: reader, parents: [enriched], domain: views, key: [1]}
`)
	var write = func(base string, records ...row.Record) {
		var _, err = e.Write(ctx, base, records)
		require.NoError(t, err)
	}
	var ann, bob = row.Row{row.Int(7), row.Text("ann")}, row.Row{row.Int(7), row.Text("bob")}

	write("users", row.Positive(ann))
	write("orders", row.Positive(ints(1, 7, 100)))

	var rows, err = e.LookupWait(ctx, "by_user", key(7), time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"(1, 7, 100, 7, ann)"}, strs(rows))

	// Interleave writes to both sides of the join.
	write("users", row.Negative(ann), row.Positive(bob))
	write("orders", row.Positive(ints(2, 7, 5)), row.Positive(ints(3, 8, 1)))
	write("users", row.Positive(row.Row{row.Int(8), row.Text("cat")}))
	write("orders", row.Negative(ints(1, 7, 100)))
	require.NoError(t, e.Sync(ctx))

	res, err := e.Lookup(ctx, "by_user", key(7))
	require.NoError(t, err)
	require.True(t, res.Hit())
	require.Equal(t, []string{"(2, 7, 5, 7, bob)"}, strs(res.Rows))

	rows, err = e.LookupWait(ctx, "by_user", key(8), time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"(3, 8, 1, 8, cat)"}, strs(rows))

	// The fully materialized reader agrees with the partial one.
	all, err := e.Dump(ctx, "all_orders")
	require.NoError(t, err)
	require.Equal(t, []string{"(2, 7, 5, 7, bob)", "(3, 8, 1, 8, cat)"}, strs(all))
	partial, err := e.Dump(ctx, "by_user")
	require.NoError(t, err)
	require.Equal(t, strs(all), strs(partial))
}

func TestTransactionsCommitTogether(t *testing.T) {
	var e, ctx = serve(t, Config{}, ordersTopology)

	var _, err = e.LookupWait(ctx, "by_user", key(9), time.Minute)
	require.NoError(t, err)

	txn, err := e.Begin("orders")
	require.NoError(t, err)
	require.NoError(t, txn.Write(row.PositiveRecords([]row.Row{ints(10, 9, 1)})))
	require.NoError(t, txn.Write(row.PositiveRecords([]row.Row{ints(11, 9, 2)})))
	require.NoError(t, txn.Write(row.PositiveRecords([]row.Row{ints(12, 9, 3)})))

	// Writes of an uncommitted transaction aren't visible.
	require.NoError(t, e.Sync(ctx))
	rows, err := e.LookupWait(ctx, "by_user", key(9), time.Minute)
	require.NoError(t, err)
	require.Empty(t, rows)

	ack, err := txn.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, "orders", ack.Base)
	require.NoError(t, e.Sync(ctx))

	rows, err = e.LookupWait(ctx, "by_user", key(9), time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"(9, 6)"}, strs(rows))

	_, err = txn.Commit(ctx)
	require.EqualError(t, err, "transaction is already finished")

	// Aborted transactions are discarded.
	txn, err = e.Begin("orders")
	require.NoError(t, err)
	require.NoError(t, txn.Write(row.PositiveRecords([]row.Row{ints(13, 9, 100)})))
	txn.Abort()
	_, err = txn.Commit(ctx)
	require.Error(t, err)

	// Records are checked as they're written.
	txn, err = e.Begin("orders")
	require.NoError(t, err)
	err = txn.Write(row.PositiveRecords([]row.Row{{row.Int(14), row.Text("9"), row.Int(1)}}))
	require.Equal(t, row.ErrSchemaMismatch, errors.Cause(err))

	// A transaction of no writes commits.
	_, err = txn.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, e.Sync(ctx))
	rows, err = e.LookupWait(ctx, "by_user", key(9), time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"(9, 6)"}, strs(rows))
}

func TestExtendBackfillsNewViews(t *testing.T) {
	var e, ctx = serve(t, Config{}, ordersTopology)

	var _, err = e.Write(ctx, "orders", row.PositiveRecords([]row.Row{
		ints(1, 7, 100), ints(2, 7, 50), ints(3, 8, 10),
	}))
	require.NoError(t, err)

	require.NoError(t, e.Extend(ctx, parse(t, `
nodes:
  - name: orders
    kind: base
    domain: base
    columns: [{name: id, kind: int}, {name: user_id, kind: int}, {name: total, kind: int}]
  - {name: counts, kind: aggregate, parents: [orders], domain: stats, aggregate: {group: [1], func: count_star, as: n}}
  - {name: count_by_user, kind: reader, parents: [counts], domain: stats, materialized: partial, key: [0]}
`)))
	require.Len(t, e.Graph().Domains(), 3)

	// The new aggregate was backfilled with existing writes.
	rows, err := e.Dump(ctx, "counts")
	require.NoError(t, err)
	require.Equal(t, []string{"(7, 2)", "(8, 1)"}, strs(rows))

	_, err = e.Write(ctx, "orders", row.PositiveRecords([]row.Row{ints(4, 8, 5)}))
	require.NoError(t, err)
	require.NoError(t, e.Sync(ctx))

	rows, err = e.LookupWait(ctx, "count_by_user", key(8), time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"(8, 2)"}, strs(rows))

	// Existing views continue to be maintained.
	rows, err = e.LookupWait(ctx, "by_user", key(8), time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"(8, 15)"}, strs(rows))

	// Re-declaring a node differently fails.
	err = e.Extend(ctx, parse(t, `
nodes:
  - {name: orders, kind: base, domain: base, columns: [{name: id, kind: text}]}
`))
	require.Equal(t, graph.ErrConflictingSchema, errors.Cause(err))
}

func TestSnapshotAndRestore(t *testing.T) {
	var e, ctx = serve(t, Config{}, ordersTopology)

	var _, err = e.Write(ctx, "orders", row.PositiveRecords([]row.Row{ints(1, 7, 100), ints(2, 8, 10)}))
	require.NoError(t, err)

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Tables, 1)
	require.Equal(t, "orders", snap.Tables[0].Base)

	var restored, rctx = serve(t, Config{}, ordersTopology)
	require.NoError(t, restored.Restore(rctx, snap))

	rows, err := restored.LookupWait(rctx, "by_user", key(7), time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"(7, 100)"}, strs(rows))
}

func TestRequestErrors(t *testing.T) {
	var e = New(Config{})
	var ctx = context.Background()

	var _, err = e.Lookup(ctx, "by_user", key(1))
	require.Equal(t, ErrNotInstalled, err)
	require.Equal(t, ErrNotInstalled, e.Serve(ctx))

	e, ctx = serve(t, Config{}, ordersTopology)

	_, err = e.Install(parse(t, ordersTopology))
	require.Error(t, err)

	_, err = e.Lookup(ctx, "totals", key(1))
	require.Equal(t, ErrNotAView, errors.Cause(err))
	_, err = e.Lookup(ctx, "by_user", row.Key{row.Text("1")})
	require.Equal(t, row.ErrSchemaMismatch, errors.Cause(err))
	_, err = e.Lookup(ctx, "by_user", row.Key{row.Int(1), row.Int(2)})
	require.Equal(t, row.ErrSchemaMismatch, errors.Cause(err))
	_, err = e.Lookup(ctx, "nope", key(1))
	require.Equal(t, graph.ErrUnknownNode, errors.Cause(err))

	_, err = e.Write(ctx, "totals", nil)
	require.Equal(t, ErrNotABase, errors.Cause(err))
	_, err = e.Write(ctx, "orders", row.PositiveRecords([]row.Row{ints(1, 2)}))
	require.Equal(t, row.ErrSchemaMismatch, errors.Cause(err))
	_, err = e.Begin("by_user")
	require.Equal(t, ErrNotABase, errors.Cause(err))

	require.Equal(t, ErrNotMaterialized, errors.Cause(func() error {
		var e, ctx = serve(t, Config{}, `
nodes:
  - {name: a, kind: base, domain: d, columns: [{name: k, kind: int}]}
  - {name: f, kind: filter, parents: [a], domain: d, filter: {lit: {kind: bool, value: "true"}}}
`)
		var _, err = e.Dump(ctx, "f")
		return err
	}()))
}

func serve(t *testing.T, cfg Config, doc string) (*Engine, context.Context) {
	if cfg.Domain.QueueDepth == 0 {
		cfg.Domain = domain.Config{QueueDepth: 2}
	}
	var e = New(cfg)
	var _, err = e.Install(parse(t, doc))
	require.NoError(t, err)

	var fatal = make(chan error, 1)
	e.OnFatal(func(name string, err error) {
		select {
		case fatal <- errors.WithMessage(err, name):
		default:
		}
	})

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)

		select {
		case err := <-fatal:
			t.Errorf("unexpected fatal error: %v", err)
		default:
		}
	})
	return e, ctx
}

func parse(t *testing.T, doc string) *graph.Topology {
	var topo, err = graph.ParseTopology(strings.NewReader(doc))
	require.NoError(t, err)
	return topo
}

func ints(vs ...int64) row.Row {
	var r = make(row.Row, len(vs))
	for i, v := range vs {
		r[i] = row.Int(v)
	}
	return r
}

func key(v int64) row.Key { return row.Key{row.Int(v)} }

func strs(rows []row.Row) []string {
	var out = make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.String()
	}
	sort.Strings(out)
	return out
}

const ordersTopology = `
nodes:
  - name: orders
    kind: base
    domain: base
    columns: [{name: id, kind: int}, {name: user_id, kind: int}, {name: total, kind: int}]
  - name: totals
    kind: aggregate
    parents: [orders]
    domain: views
    materialized: partial
    aggregate: {group: [1], func: sum, over: 2, as: total}
  - {name: by_user, kind: reader, parents: [totals], domain: views, materialized: partial, key: [0]}
`
