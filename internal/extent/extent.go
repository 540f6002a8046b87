// Package extent implements an ordered map of non-overlapping, half-open
// LBA ranges. It backs both the translation layer's object map (LBA ->
// object location) and the write cache's cache map (LBA -> NVMe sector),
// specialized below as ObjectMap and CacheMap.
//
// The container is a github.com/tidwall/btree.BTreeG ordered by extent base,
// guarded by a sync.RWMutex: readers take a shared lock during lookups and
// iteration, writers take exclusive during updates.
package extent

import (
	"iter"
	"sync"

	"github.com/tidwall/btree"
)

// Entry is one mapped half-open LBA range [Base, Limit) -> Value.
type Entry[V any] struct {
	Base, Limit int64
	Value       V
}

func (e Entry[V]) length() int64 { return e.Limit - e.Base }

// AdvanceFunc returns v shifted forward by delta sectors, used both to
// split an overlapping extent and to clip a yielded extent to an outer
// range.
type AdvanceFunc[V any] func(v V, delta int64) V

// AdjacentFunc reports whether an extent ending with value prev (whose
// length is prevLen) is immediately followed, with no gap in the
// underlying target, by an extent beginning with value next. Used to merge
// adjacent compatible extents on insert: two extents merge only when the
// second's mapping continues exactly where the first's ends.
type AdjacentFunc[V any] func(prev V, prevLen int64, next V) bool

// Map is a generic ordered extent map. Construct via NewObjectMap /
// NewCacheMap rather than directly.
type Map[V any] struct {
	mu       sync.RWMutex
	tr       *btree.BTreeG[Entry[V]]
	advance  AdvanceFunc[V]
	adjacent AdjacentFunc[V]
}

func newMap[V any](advance AdvanceFunc[V], adjacent AdjacentFunc[V]) *Map[V] {
	less := func(a, b Entry[V]) bool { return a.Base < b.Base }
	return &Map[V]{
		tr:       btree.NewBTreeG(less),
		advance:  advance,
		adjacent: adjacent,
	}
}

// Size returns the number of extents currently stored.
func (m *Map[V]) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tr.Len()
}

// Reset removes every extent from the map.
func (m *Map[V]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tr = btree.NewBTreeG(func(a, b Entry[V]) bool { return a.Base < b.Base })
}

// Lookup returns the first extent whose Limit > lba, and whether one
// exists. This is the extent covering lba if lba falls within a mapped
// range, or the next mapped extent after a hole otherwise.
func (m *Map[V]) Lookup(lba int64) (Entry[V], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(lba)
}

func (m *Map[V]) lookupLocked(lba int64) (Entry[V], bool) {
	var candidate Entry[V]
	found := false
	m.tr.Descend(Entry[V]{Base: lba}, func(item Entry[V]) bool {
		candidate = item
		found = true
		return false
	})
	if found && candidate.Limit > lba {
		return candidate, true
	}
	return m.nextAfterLocked(lba)
}

// nextAfterLocked returns the first extent with Base > lba.
func (m *Map[V]) nextAfterLocked(lba int64) (Entry[V], bool) {
	var next Entry[V]
	found := false
	m.tr.Ascend(Entry[V]{Base: lba + 1}, func(item Entry[V]) bool {
		next = item
		found = true
		return false
	})
	return next, found
}

// Iterate yields every extent overlapping [base, limit), clipped to that
// range, in ascending order. Each yielded entry's Value is advanced to
// reflect the clip, so callers only ever see the overlapping portion.
func (m *Map[V]) Iterate(base, limit int64) iter.Seq[Entry[V]] {
	return func(yield func(Entry[V]) bool) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		cur, ok := m.lookupLocked(base)
		for ok && cur.Base < limit {
			clippedBase := max(cur.Base, base)
			clippedLimit := min(cur.Limit, limit)
			val := m.advance(cur.Value, clippedBase-cur.Base)
			if !yield(Entry[V]{Base: clippedBase, Limit: clippedLimit, Value: val}) {
				return
			}
			cur, ok = m.nextAfterLocked(cur.Base)
		}
	}
}

// Erase removes every extent, or the overlapping portion of every extent,
// within [base, limit).
func (m *Map[V]) Erase(base, limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimOverlapsLocked(base, limit)
}

// Update inserts value for [base, limit), trimming or splitting any
// existing extent that overlaps the range, then merges the result with
// an adjacent, contiguous neighbor on either side.
func (m *Map[V]) Update(base, limit int64, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trimOverlapsLocked(base, limit)

	entry := Entry[V]{Base: base, Limit: limit, Value: value}

	// Merge with the left neighbor: the extent immediately preceding base,
	// if its mapping continues exactly into ours.
	if left, ok := m.leftNeighborLocked(base); ok && left.Limit == base &&
		m.adjacent(left.Value, left.length(), entry.Value) {
		m.tr.Delete(left)
		entry.Base = left.Base
		entry.Value = left.Value
	}

	// Merge with the right neighbor: the extent immediately following
	// limit, if ours continues exactly into its mapping.
	if right, ok := m.tr.Get(Entry[V]{Base: limit}); ok &&
		m.adjacent(entry.Value, entry.length(), right.Value) {
		m.tr.Delete(right)
		entry.Limit = right.Limit
	}

	m.tr.Set(entry)
}

// leftNeighborLocked returns the extent with the greatest Base <= lba.
func (m *Map[V]) leftNeighborLocked(lba int64) (Entry[V], bool) {
	var candidate Entry[V]
	found := false
	m.tr.Descend(Entry[V]{Base: lba}, func(item Entry[V]) bool {
		candidate = item
		found = true
		return false
	})
	return candidate, found
}

// trimOverlapsLocked removes [base, limit) from every extent it overlaps,
// splitting an extent that strictly contains the range into two.
func (m *Map[V]) trimOverlapsLocked(base, limit int64) {
	var overlapping []Entry[V]
	m.tr.Descend(Entry[V]{Base: limit - 1}, func(item Entry[V]) bool {
		if item.Limit <= base {
			return false
		}
		if item.Base < limit {
			overlapping = append(overlapping, item)
		}
		return true
	})

	for _, e := range overlapping {
		m.tr.Delete(e)
		switch {
		case e.Base < base && e.Limit > limit:
			// Split into a left remainder and a right remainder.
			m.tr.Set(Entry[V]{Base: e.Base, Limit: base, Value: e.Value})
			m.tr.Set(Entry[V]{
				Base: limit, Limit: e.Limit,
				Value: m.advance(e.Value, limit-e.Base),
			})
		case e.Base < base:
			// Keep the left remainder only.
			m.tr.Set(Entry[V]{Base: e.Base, Limit: base, Value: e.Value})
		case e.Limit > limit:
			// Keep the right remainder only.
			m.tr.Set(Entry[V]{
				Base: limit, Limit: e.Limit,
				Value: m.advance(e.Value, limit-e.Base),
			})
		default:
			// Fully covered; drop it.
		}
	}
}
