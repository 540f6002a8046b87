// Package writecache persists every accepted write to an NVMe journal
// before acknowledging the caller, and double-delivers the write to the
// translation layer. The journal is a circular region of 4 KiB blocks;
// frames become reclaimable once the translation layer reports their
// batches durable in the backend.
package writecache

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/extent"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/metrics"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/nvmeio"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/objio"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/translate"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/worker"
)

// item is one queued write. The data slice references caller memory until
// the callback fires.
type item struct {
	lba  int64
	data []byte
	cb   func(error)
}

// frameRec tracks one journal frame from allocation until the reclaim
// watermark passes it. Records are appended in ring order under the
// cache mutex, so the head is always the frame oldest points at.
type frameRec struct {
	block   int64
	blocks  int64
	wrap    bool
	extents []objio.JExtent
	trSeq   base.SeqNum
	ready   bool
}

// Config carries the write cache tunables. Zero values select defaults.
type Config struct {
	// Workers is the number of writer goroutines draining the queue.
	Workers int

	// WriteLimit optionally bounds NVMe journal write throughput.
	WriteLimit *rate.Limiter
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Cache is one volume's write cache.
type Cache struct {
	dev  *nvmeio.Device
	tr   *translate.Translate
	cfg  Config
	uuid uuid.UUID

	superBlk int64

	mu     sync.Mutex
	closed bool
	cmap   *extent.CacheMap
	base   int64
	limit  int64
	next   int64
	oldest int64
	seq    uint64
	frames []*frameRec

	inflight sync.WaitGroup
	pool     *worker.Pool[*item]
}

// Init formats the journal region [start, limit) of blocks: the
// write-cache superblock at block start, frames from start+1.
func Init(dev *nvmeio.Device, volUUID uuid.UUID, start, limit int64) error {
	sb := objio.EncodeJSuper(&objio.JSuper{
		UUID:   volUUID,
		Base:   start + 1,
		Limit:  limit,
		Oldest: start + 1,
		Seq:    1,
	})
	return dev.Pwrite(sb, start*base.NVMeBlockSize)
}

// Open reads the write-cache superblock at block start, replays the
// journal from the durable oldest cursor into the cache map and the
// translation layer, and starts the writer threads.
func Open(dev *nvmeio.Device, tr *translate.Translate, start int64, cfg Config) (*Cache, error) {
	cfg.defaults()
	c := &Cache{
		dev:      dev,
		tr:       tr,
		cfg:      cfg,
		uuid:     tr.UUID(),
		superBlk: start,
		cmap:     extent.NewCacheMap(),
		pool:     worker.NewPool[*item](),
	}
	if err := c.recover(); err != nil {
		return nil, err
	}
	tr.OnUpload(c.onUpload)
	c.pool.SpawnDrain(cfg.Workers, c.writeFrames)
	return c, nil
}

// Write enqueues data for byte offset off and returns immediately. cb
// fires exactly once, after the journal write is durable and the
// translation-layer write has been issued. data must stay valid until
// then.
func (c *Cache) Write(data []byte, off int64, cb func(error)) {
	if off%base.SectorSize != 0 || len(data)%base.SectorSize != 0 || len(data) == 0 {
		cb(translate.ErrInvalidArgument)
		return
	}
	c.inflight.Add(1)
	done := func(err error) {
		cb(err)
		c.inflight.Done()
	}
	if !c.pool.Put(&item{lba: base.BytesToSectors(off), data: data, cb: done}) {
		done(translate.ErrShutdown)
	}
}

// Gap is a region ReadAt could not serve from the journal; the caller
// fills it from the translation layer.
type Gap struct {
	Off int64
	Buf []byte
}

// ReadAt fills the journal-mapped portions of buf from NVMe and returns
// the unmapped gaps.
func (c *Cache) ReadAt(buf []byte, off int64) ([]Gap, error) {
	first := base.BytesToSectors(off)
	limit := first + base.BytesToSectors(int64(len(buf)))

	type hit struct {
		dst    []byte
		nvmOff int64
	}
	var hits []hit
	var gaps []Gap

	c.mu.Lock()
	cursor := first
	for e := range c.cmap.Iterate(first, limit) {
		if e.Base > cursor {
			gaps = append(gaps, Gap{
				Off: base.SectorsToBytes(cursor),
				Buf: buf[base.SectorsToBytes(cursor-first):base.SectorsToBytes(e.Base-first)],
			})
		}
		hits = append(hits, hit{
			dst:    buf[base.SectorsToBytes(e.Base-first):base.SectorsToBytes(e.Limit-first)],
			nvmOff: base.SectorsToBytes(e.Value),
		})
		cursor = e.Limit
	}
	if cursor < limit {
		gaps = append(gaps, Gap{
			Off: base.SectorsToBytes(cursor),
			Buf: buf[base.SectorsToBytes(cursor-first):],
		})
	}
	c.mu.Unlock()

	for _, h := range hits {
		if err := c.dev.Pread(h.dst, h.nvmOff); err != nil {
			return nil, err
		}
	}
	return gaps, nil
}

// Flush blocks until every write accepted so far has been acknowledged.
func (c *Cache) Flush() {
	c.inflight.Wait()
}

// MapExtents returns the number of extents in the cache map.
func (c *Cache) MapExtents() int {
	return c.cmap.Size()
}

// Close drains the writers and persists the superblock cursor.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var result *multierror.Error
	if err := c.pool.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.writeSuper(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// allocate reserves n journal blocks, wrapping to base when the tail is
// too short. pad is the first block of the skipped tail, or 0 when no
// wrap happened. Caller holds c.mu.
func (c *Cache) allocate(n int64) (blockno, pad int64) {
	if c.limit-c.next < n {
		pad = c.next
		c.next = c.base
	}
	blockno = c.next
	c.next += n
	return blockno, pad
}

// writeFrames is the writer body: it frames one drain cycle's items as a
// single DATA frame (chunked only by header extent capacity), issues one
// vectored journal write per frame, updates the cache map, and delivers
// each item to the translation layer before acknowledging it.
func (c *Cache) writeFrames(items []*item) error {
	for len(items) > 0 {
		n := min(len(items), objio.MaxJournalExtents)
		if err := c.writeFrame(items[:n]); err != nil {
			return err
		}
		items = items[n:]
	}
	return nil
}

func (c *Cache) writeFrame(items []*item) error {
	if lim := c.cfg.WriteLimit; lim != nil {
		if err := lim.Wait(context.Background()); err != nil {
			return err
		}
	}

	var sectors int64
	extents := make([]objio.JExtent, len(items))
	iov := make([][]byte, 1, len(items)+1)
	for i, it := range items {
		n := base.BytesToSectors(int64(len(it.data)))
		extents[i] = objio.JExtent{LBA: it.lba, Len: uint32(n)}
		iov = append(iov, it.data)
		sectors += n
	}
	blocks := base.DivRoundUp(sectors, base.NVMeBlockSectors)

	c.mu.Lock()
	blockno, pad := c.allocate(blocks + 1)
	var padHdr []byte
	// A wrap at an exactly-full tail needs no pad frame.
	if pad != 0 && pad < c.limit {
		var err error
		padHdr, err = objio.EncodeJournalHdr(&objio.JournalHdr{
			Type:      objio.JPad,
			UUID:      c.uuid,
			Seq:       c.seq,
			LenBlocks: uint32(c.limit - pad),
		}, nil)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.seq++
		c.frames = append(c.frames, &frameRec{
			block: pad, blocks: c.limit - pad, wrap: true, ready: true,
		})
	}
	hdr, err := objio.EncodeJournalHdr(&objio.JournalHdr{
		Type:      objio.JData,
		UUID:      c.uuid,
		Seq:       c.seq,
		LenBlocks: uint32(blocks + 1),
		Extents:   extents,
	}, concat(items))
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.seq++
	rec := &frameRec{block: blockno, blocks: blocks + 1, extents: extents}
	c.frames = append(c.frames, rec)
	c.updateGauge()
	c.mu.Unlock()

	if padHdr != nil {
		if err := c.dev.Pwrite(padHdr, pad*base.NVMeBlockSize); err != nil {
			c.failItems(items, err)
			return err
		}
	}
	iov[0] = hdr
	if err := c.dev.Pwritev(iov, blockno*base.NVMeBlockSize); err != nil {
		c.failItems(items, err)
		return err
	}

	// Journal durable: publish the locations, then hand every item to
	// the translation layer before acknowledging.
	c.mu.Lock()
	sector := (blockno + 1) * base.NVMeBlockSectors
	for _, it := range items {
		n := base.BytesToSectors(int64(len(it.data)))
		c.cmap.Update(it.lba, it.lba+n, sector)
		sector += n
	}
	c.mu.Unlock()

	var last base.SeqNum
	for _, it := range items {
		_, seq, err := c.tr.WriteAt(it.data, base.SectorsToBytes(it.lba))
		if err != nil {
			it.cb(err)
			continue
		}
		if seq > last {
			last = seq
		}
		it.cb(nil)
	}

	c.mu.Lock()
	rec.trSeq = last
	rec.ready = true
	c.mu.Unlock()
	return nil
}

func concat(items []*item) []byte {
	var n int
	for _, it := range items {
		n += len(it.data)
	}
	buf := make([]byte, 0, n)
	for _, it := range items {
		buf = append(buf, it.data...)
	}
	return buf
}

func (c *Cache) failItems(items []*item, err error) {
	for _, it := range items {
		it.cb(err)
	}
}

// onUpload runs on the translation layer's acknowledged-upload watermark.
// Frames whose batches are all at or below the watermark are reclaimed in
// ring order, and the durable cursor is rewritten.
func (c *Cache) onUpload(w base.SeqNum) {
	c.mu.Lock()
	moved := false
	for len(c.frames) > 0 {
		f := c.frames[0]
		if !f.ready || f.trSeq > w {
			break
		}
		if f.wrap {
			c.oldest = c.base
		} else {
			c.evictFrameLocked(f)
			c.oldest = f.block + f.blocks
			if c.oldest == c.limit {
				c.oldest = c.base
			}
		}
		c.frames = c.frames[1:]
		moved = true
	}
	c.updateGauge()
	c.mu.Unlock()

	if moved {
		_ = c.writeSuper()
	}
}

// evictFrameLocked drops the cache-map entries still pointing into a
// reclaimed frame's blocks. Entries superseded by later frames are left
// alone. Caller holds c.mu.
func (c *Cache) evictFrameLocked(f *frameRec) {
	lo := (f.block + 1) * base.NVMeBlockSectors
	hi := (f.block + f.blocks) * base.NVMeBlockSectors

	type span struct{ base, limit int64 }
	var stale []span
	for _, e := range f.extents {
		for m := range c.cmap.Iterate(e.LBA, e.LBA+int64(e.Len)) {
			if m.Value >= lo && m.Value < hi {
				stale = append(stale, span{m.Base, m.Limit})
			}
		}
	}
	for _, s := range stale {
		c.cmap.Erase(s.base, s.limit)
	}
}

// updateGauge recomputes the occupied-block gauge. Caller holds c.mu.
func (c *Cache) updateGauge() {
	span := c.limit - c.base
	inUse := (c.next - c.oldest + span) % span
	metrics.JournalBlocksInUse.Set(float64(inUse))
}

func (c *Cache) writeSuper() error {
	c.mu.Lock()
	sb := objio.EncodeJSuper(&objio.JSuper{
		UUID:   c.uuid,
		Base:   c.base,
		Limit:  c.limit,
		Oldest: c.oldest,
		Seq:    c.seq,
	})
	c.mu.Unlock()
	return c.dev.Pwrite(sb, c.superBlk*base.NVMeBlockSize)
}
