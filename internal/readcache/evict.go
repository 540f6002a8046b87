package readcache

import (
	"encoding/binary"
	"time"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/metrics"
)

const (
	// evictTickInterval is how often the eviction thread wakes.
	evictTickInterval = 500 * time.Millisecond

	// mapFlushAge bounds how long a dirty flat map stays unpersisted.
	mapFlushAge = 2 * time.Second
)

// evictTick runs on the eviction thread.
func (rc *Cache) evictTick() error {
	rc.EvictOnce()
	return nil
}

// EvictOnce performs one eviction cycle: when free slots drop below
// 1/16 of the cache, randomly evict unpinned written lines until free
// slots reach 1/4, then persist the flat map if it changed or has been
// dirty too long.
func (rc *Cache) EvictOnce() {
	rc.mu.Lock()
	units := int(rc.sup.Units)
	evicted := 0
	if len(rc.freeBlks) < units/16 {
		want := units/4 - len(rc.freeBlks)
		// Random probes; bounded so a fully pinned cache cannot spin.
		for tries := 0; tries < units*2 && evicted < want; tries++ {
			n := rc.rng.Intn(units)
			if rc.flat[n] == 0 || rc.inUse[n] != 0 {
				continue
			}
			rc.evictSlotLocked(n)
			evicted++
		}
	}
	dirty := rc.mapDirty
	stale := time.Since(rc.lastMapAt) > mapFlushAge
	rc.mu.Unlock()

	if evicted > 0 || (dirty && stale) {
		_ = rc.writeFlatMap()
	}
}

// evictSlotLocked frees slot n: index entry, flat-map entry, RAM mirror,
// and its FIFO position. Caller holds rc.mu.
func (rc *Cache) evictSlotLocked(n int) {
	delete(rc.index, rc.flat[n])
	rc.flat[n] = 0
	rc.written[n] = false
	rc.aBit[n] = false
	rc.buffer[n] = nil
	for i, o := range rc.bufFIFO {
		if o == n {
			rc.bufFIFO = append(rc.bufFIFO[:i], rc.bufFIFO[i+1:]...)
			break
		}
	}
	rc.freeBlks = append(rc.freeBlks, n)
	rc.mapDirty = true
	metrics.ReadCacheEvictions.Inc()
}

// writeFlatMap persists the flat map so the cache stays warm across
// restarts.
func (rc *Cache) writeFlatMap() error {
	rc.mu.Lock()
	raw := make([]byte, rc.sup.MapBlocks*base.NVMeBlockSize)
	for n, u := range rc.flat {
		binary.LittleEndian.PutUint64(raw[n*8:], uint64(u))
	}
	rc.mapDirty = false
	rc.lastMapAt = time.Now()
	rc.mu.Unlock()
	return rc.dev.Pwrite(raw, rc.sup.MapStart*base.NVMeBlockSize)
}
