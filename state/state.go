// Package state implements the materialized, keyed row storage of a single
// dataflow node. A State is either full, holding every row of its node, or
// partial, holding only the keys which were explicitly filled by an upquery.
// Absent keys of a partial State are holes: lookups of them Miss, and deltas
// which address them are dropped.
//
// A State is owned by exactly one domain and is not safe for concurrent use.
package state

import (
	"math"
	"sort"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	"go.tributary.dev/core/row"
)

// ErrOrphanNegative is returned when a negative Record removes a row which
// is not present in a filled key.
var ErrOrphanNegative = errors.New("negative record of a row which is not present")

// LookupResult is the outcome of a State lookup. A Miss is distinct from a
// Hit having no Rows: the latter means the key was filled and is known-empty.
type LookupResult struct {
	Rows []row.Row
	Miss bool
}

// State is the materialized rows of a node, indexed by one or more keys.
type State struct {
	partial bool
	indices []*index
	// LRU of filled keys of a partial State, by encoded key.
	lru  *simplelru.LRU
	size int
	rows int
}

type index struct {
	cols []int
	keys map[string]*bag
	full bool
}

// bag is the multiset of rows under a single key.
type bag struct {
	key  row.Key
	rows map[string]*entry
	size int
}

type entry struct {
	row   row.Row
	count int
}

// NewFull returns a full State having the given indices. At least one index
// is required.
func NewFull(indices ...[]int) *State {
	if len(indices) == 0 {
		panic("full state requires at least one index")
	}
	var s = &State{}
	for _, cols := range indices {
		s.indices = append(s.indices, newIndex(cols, true))
	}
	return s
}

// NewPartial returns a partial State keyed on the given columns.
func NewPartial(key []int) *State {
	var lru, err = simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &State{
		partial: true,
		indices: []*index{newIndex(key, false)},
		lru:     lru,
	}
}

func newIndex(cols []int, full bool) *index {
	return &index{cols: append([]int(nil), cols...), keys: make(map[string]*bag), full: full}
}

// IsPartial returns true if the State is partial.
func (s *State) IsPartial() bool { return s.partial }

// Key returns the columns of the State's primary index, which for a partial
// State is its partial key.
func (s *State) Key() []int { return s.indices[0].cols }

// HasIndex returns true if the State maintains an index on |cols|.
func (s *State) HasIndex(cols []int) bool { return s.findIndex(cols) != nil }

// AddIndex adds an index on |cols|, built from the existing rows of the
// State. Partial States support only their partial key.
func (s *State) AddIndex(cols []int) error {
	if s.HasIndex(cols) {
		return nil
	} else if s.partial {
		return errors.Errorf("partial state keyed on %v cannot be indexed on %v", s.Key(), cols)
	}
	var ind = newIndex(cols, true)
	for _, b := range s.indices[0].keys {
		for enc, e := range b.rows {
			ind.add(e.row, enc, e.count)
		}
	}
	s.indices = append(s.indices, ind)
	return nil
}

// Process applies the Records to the State. Records are first consolidated,
// so that +/- pairs of identical rows cancel. Records addressing a hole of a
// partial State are dropped. It returns the Records which were applied, or
// ErrOrphanNegative, in which case the State is unmodified.
func (s *State) Process(rs row.Records) (row.Records, error) {
	rs = rs.Consolidate()

	var (
		applied = make(row.Records, 0, len(rs))
		encs    = make([]string, 0, len(rs))
		needs   = make(map[string]int)
		primary = s.indices[0]
	)
	for _, r := range rs {
		var keyEnc = r.Row.Key(primary.cols).Encode()
		var b, ok = primary.keys[keyEnc]

		if !ok && s.partial {
			continue // Hole.
		}
		var enc = r.Row.Encode()

		if !r.Positive {
			var have int
			if ok {
				if e, ok := b.rows[enc]; ok {
					have = e.count
				}
			}
			if needs[enc]++; needs[enc] > have {
				return nil, errors.Wrapf(ErrOrphanNegative, "row %v", r.Row)
			}
		}
		applied = append(applied, r)
		encs = append(encs, enc)
	}

	for i, r := range applied {
		var delta = r.Sign()
		for j, ind := range s.indices {
			var d = ind.add(r.Row, encs[i], delta)
			if j == 0 {
				s.size += d
			}
		}
		s.rows += delta
	}
	return applied, nil
}

// add applies |delta| copies of the row to the index, and returns the
// change in footprint of the index.
func (ind *index) add(r row.Row, enc string, delta int) int {
	var key = r.Key(ind.cols)
	var keyEnc = key.Encode()

	var b, ok = ind.keys[keyEnc]
	if !ok {
		b = &bag{key: key, rows: make(map[string]*entry)}
		ind.keys[keyEnc] = b
	}
	var e, ok2 = b.rows[enc]
	if !ok2 {
		e = &entry{row: r}
		b.rows[enc] = e
	}
	e.count += delta

	var d = delta * r.Size()
	b.size += d

	if e.count == 0 {
		delete(b.rows, enc)
	}
	// Full indices don't retain empty keys, but filled keys of a partial
	// index remain until evicted.
	if len(b.rows) == 0 && ind.full {
		delete(ind.keys, keyEnc)
	}
	return d
}

// Lookup rows of the State under |key| of the index |cols|, which must exist.
// Lookups of a partial State refresh the recency of a filled key.
func (s *State) Lookup(cols []int, key row.Key) LookupResult {
	var ind = s.findIndex(cols)
	if ind == nil {
		panic("lookup of state without a matching index")
	}
	var keyEnc = key.Encode()
	var b, ok = ind.keys[keyEnc]

	if !ok {
		return LookupResult{Miss: s.partial}
	} else if s.partial {
		s.lru.Get(keyEnc)
	}
	return LookupResult{Rows: b.expand()}
}

// IsFilled returns true if |key| of a partial State is filled. It's always
// true for full States.
func (s *State) IsFilled(key row.Key) bool {
	if !s.partial {
		return true
	}
	var _, ok = s.indices[0].keys[key.Encode()]
	return ok
}

// MarkFilled marks |key| of a partial State as filled, upgrading a Miss to
// a known-empty Hit. It's a no-op for full States or already-filled keys.
func (s *State) MarkFilled(key row.Key) {
	if !s.partial {
		return
	}
	var ind = s.indices[0]
	var keyEnc = key.Encode()

	if _, ok := ind.keys[keyEnc]; !ok {
		ind.keys[keyEnc] = &bag{key: key, rows: make(map[string]*entry)}
	}
	s.lru.Add(keyEnc, nil)
}

// Evict reverts a filled |key| of a partial State to a hole, returning the
// evicted rows. It's a no-op for full States or holes.
func (s *State) Evict(key row.Key) []row.Row {
	if !s.partial {
		return nil
	}
	return s.evict(key.Encode())
}

func (s *State) evict(keyEnc string) []row.Row {
	var ind = s.indices[0]
	var b, ok = ind.keys[keyEnc]
	if !ok {
		return nil
	}
	var rows = b.expand()

	delete(ind.keys, keyEnc)
	s.lru.Remove(keyEnc)
	s.size -= b.size
	s.rows -= len(rows)

	return rows
}

// EvictLRU evicts least-recently used keys of a partial State until at least
// |bytes| have been freed or no candidates remain. Keys for which |skip|
// returns true are retained. The evicted keys are returned, oldest first.
func (s *State) EvictLRU(bytes int, skip func(row.Key) bool) []row.Key {
	if !s.partial {
		return nil
	}
	var out []row.Key
	var freed int

	for _, k := range s.lru.Keys() {
		if freed >= bytes {
			break
		}
		var keyEnc = k.(string)
		var b = s.indices[0].keys[keyEnc]

		if skip != nil && skip(b.key) {
			continue
		}
		freed += b.size + keyOverhead
		s.evict(keyEnc)
		out = append(out, b.key)
	}
	return out
}

// EvictAll reverts every filled key of a partial State to a hole, other than
// keys for which |skip| returns true. Evicted keys are returned.
func (s *State) EvictAll(skip func(row.Key) bool) []row.Key {
	return s.EvictLRU(math.MaxInt, skip)
}

// FilledKeys returns the filled keys of a partial State, oldest first.
func (s *State) FilledKeys() []row.Key {
	if !s.partial {
		return nil
	}
	var out []row.Key
	for _, k := range s.lru.Keys() {
		out = append(out, s.indices[0].keys[k.(string)].key)
	}
	return out
}

// Rows returns every row of the State, ordered by their encoding.
func (s *State) Rows() []row.Row {
	var out []row.Row
	for _, b := range s.indices[0].keys {
		out = append(out, b.expand()...)
	}
	sortRows(out)
	return out
}

// Len returns the number of rows of the State.
func (s *State) Len() int { return s.rows }

// MemSize returns the approximate footprint of the State's rows and keys, in bytes.
func (s *State) MemSize() int {
	return s.size + keyOverhead*len(s.indices[0].keys)
}

func (s *State) findIndex(cols []int) *index {
	for _, ind := range s.indices {
		if equalCols(ind.cols, cols) {
			return ind
		}
	}
	return nil
}

// expand the bag into its rows, repeated by multiplicity, in encoded order.
func (b *bag) expand() []row.Row {
	var encs = make([]string, 0, len(b.rows))
	for enc := range b.rows {
		encs = append(encs, enc)
	}
	sort.Strings(encs)

	var out []row.Row
	for _, enc := range encs {
		var e = b.rows[enc]
		for i := 0; i != e.count; i++ {
			out = append(out, e.row)
		}
	}
	return out
}

func sortRows(rows []row.Row) {
	var encs = make([]string, len(rows))
	for i, r := range rows {
		encs[i] = r.Encode()
	}
	sort.Sort(byEncoding{rows, encs})
}

type byEncoding struct {
	rows []row.Row
	encs []string
}

func (b byEncoding) Len() int           { return len(b.rows) }
func (b byEncoding) Less(i, j int) bool { return b.encs[i] < b.encs[j] }
func (b byEncoding) Swap(i, j int) {
	b.rows[i], b.rows[j] = b.rows[j], b.rows[i]
	b.encs[i], b.encs[j] = b.encs[j], b.encs[i]
}

func equalCols(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

const keyOverhead = 64
