package operator

import (
	"github.com/pkg/errors"
	"go.tributary.dev/core/row"
	"go.tributary.dev/core/state"
)

// refCounts emits each distinct row once, for as long as its reference
// count is positive. Counts are grouped by key columns, if any.
type refCounts struct {
	key    []int
	counts map[string]map[string]int // Key encoding => row encoding => count.
}

func newRefCounts(key []int) *refCounts {
	return &refCounts{key: key, counts: make(map[string]map[string]int)}
}

func (rc *refCounts) apply(in row.Records) (row.Records, error) {
	var out row.Records

	for _, r := range in {
		var kenc string
		if rc.key != nil {
			kenc = r.Row.Key(rc.key).Encode()
		}
		var bucket = rc.counts[kenc]
		var enc = r.Row.Encode()

		if r.Positive {
			if bucket == nil {
				bucket = make(map[string]int)
				rc.counts[kenc] = bucket
			}
			if bucket[enc]++; bucket[enc] == 1 {
				out = append(out, r)
			}
			continue
		}
		switch bucket[enc] {
		case 0:
			return nil, errors.Wrapf(state.ErrOrphanNegative, "row %s", r.Row)
		case 1:
			delete(bucket, enc)
			if len(bucket) == 0 {
				delete(rc.counts, kenc)
			}
			out = append(out, r)
		default:
			bucket[enc]--
		}
	}
	return out.Consolidate(), nil
}

func (rc *refCounts) forget(key row.Key) { delete(rc.counts, key.Encode()) }

func (rc *refCounts) reset() { rc.counts = make(map[string]map[string]int) }

// distinctRows returns the first Record of each distinct row of a replayed
// piece, which holds only positive Records.
func distinctRows(in row.Records) row.Records {
	var out row.Records
	var seen = make(map[string]bool, len(in))

	for _, r := range in {
		var enc = r.Row.Encode()
		if !seen[enc] {
			seen[enc] = true
			out = append(out, r)
		}
	}
	return out
}
