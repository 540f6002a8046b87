package extent

import "github.com/pjd-nu/lsvd-rbd-v2/internal/base"

// ObjLoc is a location inside a data object: a sector offset within the
// payload of object Obj. Offsets are payload-relative; the object header's
// sector count is added at read time.
type ObjLoc struct {
	Obj    base.SeqNum
	Offset int64
}

// ObjectMap maps logical LBA ranges to data-object locations. It is the
// translation layer's persistent index.
type ObjectMap = Map[ObjLoc]

// NewObjectMap returns an empty object map. Adjacent extents merge only
// when they name the same object and the second's payload offset continues
// exactly where the first's ends.
func NewObjectMap() *ObjectMap {
	advance := func(v ObjLoc, delta int64) ObjLoc {
		v.Offset += delta
		return v
	}
	adjacent := func(prev ObjLoc, prevLen int64, next ObjLoc) bool {
		return prev.Obj == next.Obj && prev.Offset+prevLen == next.Offset
	}
	return newMap(advance, adjacent)
}

// CacheMap maps logical LBA ranges to NVMe sector numbers inside the write
// cache journal. Values are plain sector indexes.
type CacheMap = Map[int64]

// NewCacheMap returns an empty cache map. Adjacent extents merge when their
// journal sectors are contiguous.
func NewCacheMap() *CacheMap {
	advance := func(v int64, delta int64) int64 { return v + delta }
	adjacent := func(prev int64, prevLen int64, next int64) bool {
		return prev+prevLen == next
	}
	return newMap(advance, adjacent)
}
