package extent

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
)

func collect(m *ObjectMap, lo, hi int64) []Entry[ObjLoc] {
	var out []Entry[ObjLoc]
	for e := range m.Iterate(lo, hi) {
		out = append(out, e)
	}
	return out
}

func TestLookupCoversAndNext(t *testing.T) {
	m := NewObjectMap()
	m.Update(100, 200, ObjLoc{Obj: 1, Offset: 0})

	e, ok := m.Lookup(150)
	require.True(t, ok)
	assert.Equal(t, int64(100), e.Base)

	// A hole before the extent resolves to the extent after it.
	e, ok = m.Lookup(10)
	require.True(t, ok)
	assert.Equal(t, int64(100), e.Base)

	_, ok = m.Lookup(200)
	assert.False(t, ok)
}

func TestOverwriteSplits(t *testing.T) {
	m := NewObjectMap()
	m.Update(0, 100, ObjLoc{Obj: 1, Offset: 0})
	m.Update(40, 60, ObjLoc{Obj: 2, Offset: 0})

	got := collect(m, 0, 100)
	require.Len(t, got, 3)
	assert.Equal(t, Entry[ObjLoc]{0, 40, ObjLoc{Obj: 1, Offset: 0}}, got[0])
	assert.Equal(t, Entry[ObjLoc]{40, 60, ObjLoc{Obj: 2, Offset: 0}}, got[1])
	// The right remainder's payload offset advances past the clipped part.
	assert.Equal(t, Entry[ObjLoc]{60, 100, ObjLoc{Obj: 1, Offset: 60}}, got[2])
}

func TestAdjacentExtentsMerge(t *testing.T) {
	m := NewObjectMap()
	m.Update(0, 8, ObjLoc{Obj: 3, Offset: 0})
	m.Update(8, 16, ObjLoc{Obj: 3, Offset: 8})
	assert.Equal(t, 1, m.Size())

	// Same object but a payload gap: no merge.
	m.Update(16, 24, ObjLoc{Obj: 3, Offset: 100})
	assert.Equal(t, 2, m.Size())

	// Contiguous LBAs in different objects: no merge.
	m.Update(24, 32, ObjLoc{Obj: 4, Offset: 0})
	assert.Equal(t, 3, m.Size())
}

func TestIterateClipsAndAdvances(t *testing.T) {
	m := NewObjectMap()
	m.Update(0, 100, ObjLoc{Obj: 1, Offset: 50})

	got := collect(m, 20, 30)
	require.Len(t, got, 1)
	assert.Equal(t, Entry[ObjLoc]{20, 30, ObjLoc{Obj: 1, Offset: 70}}, got[0])
}

func TestErasePunchesHole(t *testing.T) {
	m := NewObjectMap()
	m.Update(0, 100, ObjLoc{Obj: 1, Offset: 0})
	m.Erase(25, 75)

	got := collect(m, 0, 100)
	require.Len(t, got, 2)
	assert.Equal(t, Entry[ObjLoc]{0, 25, ObjLoc{Obj: 1, Offset: 0}}, got[0])
	assert.Equal(t, Entry[ObjLoc]{75, 100, ObjLoc{Obj: 1, Offset: 75}}, got[1])
}

func TestReset(t *testing.T) {
	m := NewObjectMap()
	m.Update(0, 10, ObjLoc{Obj: 1})
	m.Update(20, 30, ObjLoc{Obj: 2})
	m.Reset()
	assert.Zero(t, m.Size())
}

func TestCacheMapMergesContiguousSectors(t *testing.T) {
	m := NewCacheMap()
	m.Update(0, 8, 1000)
	m.Update(8, 16, 1008)
	assert.Equal(t, 1, m.Size())

	m.Update(16, 24, 5000)
	assert.Equal(t, 2, m.Size())
}

// TestRandomizedMatchesModel drives the map with random overwrites and
// erases and compares the result against a flat per-sector model.
func TestRandomizedMatchesModel(t *testing.T) {
	const space = 1024
	rng := rand.New(rand.NewSource(17))

	m := NewObjectMap()
	model := make([]ObjLoc, space)
	mapped := make([]bool, space)

	for op := 0; op < 2000; op++ {
		b := rng.Int63n(space - 1)
		n := 1 + rng.Int63n(64)
		if b+n > space {
			n = space - b
		}
		if rng.Intn(4) == 0 {
			m.Erase(b, b+n)
			for s := b; s < b+n; s++ {
				mapped[s] = false
			}
			continue
		}
		loc := ObjLoc{Obj: base.SeqNum(op + 1), Offset: rng.Int63n(1 << 20)}
		m.Update(b, b+n, loc)
		for s := b; s < b+n; s++ {
			mapped[s] = true
			model[s] = ObjLoc{Obj: loc.Obj, Offset: loc.Offset + (s - b)}
		}
	}

	got := make([]ObjLoc, space)
	seen := make([]bool, space)
	prevLimit := int64(-1)
	for e := range m.Iterate(0, space) {
		require.Greater(t, e.Limit, e.Base)
		require.GreaterOrEqual(t, e.Base, prevLimit, "extents must not overlap")
		prevLimit = e.Limit
		for s := e.Base; s < e.Limit; s++ {
			seen[s] = true
			got[s] = ObjLoc{Obj: e.Value.Obj, Offset: e.Value.Offset + (s - e.Base)}
		}
	}

	for s := 0; s < space; s++ {
		require.Equal(t, mapped[s], seen[s], "sector %d mapping presence", s)
		if mapped[s] {
			require.Equal(t, model[s], got[s], "sector %d location", s)
		}
	}
}
