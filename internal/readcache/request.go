package readcache

import (
	"errors"

	"go.uber.org/zap"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/lsvdlog"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/metrics"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/objio"
)

// errNoSlot reports that admission refused a cache slot; the caller
// falls back to a read-around backend fetch. Never surfaced to users.
var errNoSlot = errors.New("readcache: admission refused")

// Request is one planned read step returned by AsyncRead. Run starts it;
// the parent callback fires exactly once when the destination bytes are
// in place. Release drops the line pin and is safe at any point after
// the callback.
type Request struct {
	rc      *Cache
	obj     base.SeqNum
	objOff  int64
	sectors int64
	dst     []byte
	slot    int
	err     error
	notify  func(*Request)
}

// Err reports the request's completion status.
func (r *Request) Err() error { return r.err }

func (r *Request) done(err error) {
	r.err = err
	r.notify(r)
}

// Release drops the cache-line pin a completed request may hold.
func (r *Request) Release() {
	if r.slot < 0 {
		return
	}
	rc := r.rc
	rc.mu.Lock()
	rc.inUse[r.slot]--
	rc.mu.Unlock()
	r.slot = -1
}

// Run starts the request. Writes not yet uploaded are served straight
// from the translation layer's batch buffers; everything else goes
// through the cache.
func (r *Request) Run(parent func(*Request)) {
	r.notify = parent
	if r.rc.tr.ReadInMem(r.obj, r.objOff, r.dst) {
		r.done(nil)
		return
	}
	r.rc.start(r)
}

// start dispatches r against the line state: RAM mirror hit, NVMe hit,
// coalesced fill, or read-around.
func (rc *Cache) start(r *Request) {
	u := makeUnit(r.obj, r.objOff/base.CacheLineSectors)
	blkOffset := r.objOff % base.CacheLineSectors

	rc.mu.Lock()
	rc.hitUser += r.sectors
	metrics.ReadCacheUserSectors.Add(float64(r.sectors))
	if n, ok := rc.index[u]; ok {
		rc.aBit[n] = true
		if b := rc.buffer[n]; b != nil {
			copy(r.dst, b[base.SectorsToBytes(blkOffset):])
			rc.mu.Unlock()
			r.done(nil)
			return
		}
		if rc.written[n] {
			rc.inUse[n]++
			r.slot = n
			off := rc.lineOff(n) + base.SectorsToBytes(blkOffset)
			rc.mu.Unlock()
			rc.dev.SubmitRead(r.dst, off, r.done)
			return
		}
		// Fill in flight; join it below.
	}
	rc.mu.Unlock()

	go func() {
		line, err := rc.lineBytes(u)
		if err == nil {
			copy(r.dst, line[base.SectorsToBytes(blkOffset):])
			r.done(nil)
			return
		}
		if !errors.Is(err, errNoSlot) {
			r.done(err)
			return
		}
		r.done(rc.directRead(r))
	}()
}

// lineBytes returns the full 64 KiB line for u, coalescing concurrent
// callers onto one fill.
func (rc *Cache) lineBytes(u unit) ([]byte, error) {
	v, err, _ := rc.fill.Do(u.key(), func() (any, error) {
		return rc.ensureLine(u)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ensureLine produces the line from wherever it currently lives: the RAM
// mirror, the NVMe copy, or the backend. A backend fetch is admitted
// into a cache slot when policy allows; otherwise errNoSlot tells the
// caller to read around the cache.
func (rc *Cache) ensureLine(u unit) ([]byte, error) {
	rc.mu.Lock()
	if n, ok := rc.index[u]; ok {
		if b := rc.buffer[n]; b != nil {
			rc.mu.Unlock()
			return b, nil
		}
		if rc.written[n] {
			rc.inUse[n]++
			off := rc.lineOff(n)
			rc.mu.Unlock()
			line := make([]byte, base.CacheLineBytes)
			err := rc.dev.Pread(line, off)
			rc.mu.Lock()
			rc.inUse[n]--
			if err == nil {
				rc.installBufLocked(n, line)
			}
			rc.mu.Unlock()
			return line, err
		}
	}
	if !rc.admitLocked() {
		rc.mu.Unlock()
		return nil, errNoSlot
	}
	n := rc.freeBlks[len(rc.freeBlks)-1]
	rc.freeBlks = rc.freeBlks[:len(rc.freeBlks)-1]
	rc.index[u] = n
	rc.outstanding++
	metrics.OutstandingLineWrites.Set(float64(rc.outstanding))
	rc.mu.Unlock()

	line, err := rc.fetchLine(u)
	if err != nil {
		rc.mu.Lock()
		delete(rc.index, u)
		rc.freeBlks = append(rc.freeBlks, n)
		rc.outstanding--
		metrics.OutstandingLineWrites.Set(float64(rc.outstanding))
		rc.mu.Unlock()
		return nil, err
	}

	rc.mu.Lock()
	rc.installBufLocked(n, line)
	rc.mu.Unlock()

	rc.dev.SubmitWrite(line, rc.lineOff(n), func(err error) {
		rc.mu.Lock()
		if err != nil {
			lsvdlog.Warn("cache line write failed",
				zap.Uint32("obj", uint32(u.obj())),
				zap.Int64("line", u.line()), zap.Error(err))
		} else {
			rc.written[n] = true
			rc.flat[n] = u
			rc.mapDirty = true
		}
		rc.outstanding--
		metrics.OutstandingLineWrites.Set(float64(rc.outstanding))
		rc.mu.Unlock()
	})
	return line, nil
}

// admitLocked is the slot-grant policy: a free slot must exist, user
// traffic must stay ahead of backend traffic 3:2, and the bounce-buffer
// budget must not be write-saturated.
func (rc *Cache) admitLocked() bool {
	return len(rc.freeBlks) > 0 &&
		rc.hitUser*3 > rc.hitBackend*2 &&
		rc.outstanding < rc.cfg.MaxBufs-10
}

// fetchLine reads u's whole line from the backend, zero-padding past the
// end of the object's payload.
func (rc *Cache) fetchLine(u unit) ([]byte, error) {
	hdrSectors, ok := rc.tr.HdrSectors(u.obj())
	if !ok {
		return nil, objio.ErrShortRead
	}
	info, _ := rc.tr.ObjectInfo(u.obj())

	lineStart := u.line() * base.CacheLineSectors
	sectors := min(base.CacheLineSectors, info.DataSectors-lineStart)
	if sectors <= 0 {
		return nil, objio.ErrShortRead
	}

	got, err := rc.be.Get(u.obj(), base.SectorsToBytes(hdrSectors+lineStart),
		int(base.SectorsToBytes(sectors)))
	if err != nil {
		return nil, err
	}
	if int64(len(got)) < base.SectorsToBytes(sectors) {
		return nil, objio.ErrShortRead
	}

	rc.mu.Lock()
	rc.hitBackend += sectors
	rc.mu.Unlock()
	metrics.ReadCacheBackendSectors.Add(float64(sectors))

	line := make([]byte, base.CacheLineBytes)
	copy(line, got)
	return line, nil
}

// directRead serves a denied request straight from the backend, exactly
// the sectors it needs.
func (rc *Cache) directRead(r *Request) error {
	hdrSectors, ok := rc.tr.HdrSectors(r.obj)
	if !ok {
		return objio.ErrShortRead
	}
	got, err := rc.be.Get(r.obj, base.SectorsToBytes(hdrSectors+r.objOff), len(r.dst))
	if err != nil {
		return err
	}
	if len(got) < len(r.dst) {
		return objio.ErrShortRead
	}
	copy(r.dst, got)

	rc.mu.Lock()
	rc.hitBackend += r.sectors
	rc.mu.Unlock()
	metrics.ReadCacheBackendSectors.Add(float64(r.sectors))
	return nil
}

// installBufLocked publishes line as slot n's RAM mirror, stealing the
// oldest mirror when the FIFO is full. Caller holds rc.mu.
func (rc *Cache) installBufLocked(n int, line []byte) {
	if rc.buffer[n] == nil {
		for len(rc.bufFIFO) >= rc.cfg.MaxBufs {
			o := rc.bufFIFO[0]
			rc.bufFIFO = rc.bufFIFO[1:]
			rc.buffer[o] = nil
		}
		rc.bufFIFO = append(rc.bufFIFO, n)
	}
	rc.buffer[n] = line
}