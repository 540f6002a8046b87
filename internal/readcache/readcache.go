// Package readcache turns random reads on data objects into at most one
// backend fetch per 64 KiB line. Lines live on NVMe so the cache is warm
// across restarts; a RAM mirror serves the hottest lines without I/O.
// Concurrent readers of the same line coalesce onto a single backend
// fetch, and an admission policy degrades to read-around when the cache
// is cold or write-saturated.
package readcache

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/backend"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/extent"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/nvmeio"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/objio"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/translate"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/worker"
)

// unit identifies one cache line: the high half is the object sequence,
// the low half the 64 KiB line index within its payload. Zero marks a
// free slot in the flat map; object 0 is the superblock and never cached,
// so no real line encodes to zero.
type unit uint64

func makeUnit(obj base.SeqNum, line int64) unit {
	return unit(uint64(obj)<<32 | uint64(uint32(line)))
}

func (u unit) obj() base.SeqNum { return base.SeqNum(u >> 32) }
func (u unit) line() int64      { return int64(uint32(u)) }
func (u unit) key() string      { return strconv.FormatUint(uint64(u), 16) }

// Config carries the read cache tunables. Zero values select defaults.
type Config struct {
	// MaxBufs bounds the RAM line mirrors and, minus a reserve of 10,
	// the outstanding NVMe line writes.
	MaxBufs int

	// Rand, when set, seeds eviction's slot selection. Tests inject a
	// fixed seed for reproducible eviction order.
	Rand *rand.Rand

	// NoThreads disables the eviction ticker. Tests drive EvictOnce
	// directly.
	NoThreads bool
}

func (c *Config) defaults() {
	if c.MaxBufs <= 0 {
		c.MaxBufs = 48
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

// Cache is one volume's read cache.
type Cache struct {
	dev *nvmeio.Device
	tr  *translate.Translate
	be  backend.Backend
	cfg Config
	sup *objio.RSuper

	superBlk int64

	mu          sync.Mutex
	closed      bool
	flat        []unit
	index       map[unit]int
	inUse       []int
	written     []bool
	aBit        []bool
	buffer      [][]byte
	bufFIFO     []int
	freeBlks    []int
	hitUser     int64
	hitBackend  int64
	outstanding int
	mapDirty    bool
	lastMapAt   time.Time

	fill singleflight.Group
	pool *worker.Pool[struct{}]
	rng  *rand.Rand
}

// Init formats the read-cache region starting at block start: superblock,
// zeroed flat map, then units cache lines.
func Init(dev *nvmeio.Device, volUUID uuid.UUID, start, units int64) error {
	mapBlocks := base.DivRoundUp(8*units, base.NVMeBlockSize)
	sup := &objio.RSuper{
		UUID:      volUUID,
		Base:      start + 1 + mapBlocks,
		Units:     units,
		MapStart:  start + 1,
		MapBlocks: mapBlocks,
	}
	if err := dev.Pwrite(objio.EncodeRSuper(sup), start*base.NVMeBlockSize); err != nil {
		return err
	}
	return dev.Pwrite(make([]byte, mapBlocks*base.NVMeBlockSize),
		sup.MapStart*base.NVMeBlockSize)
}

// Open reads the superblock and the persisted flat map, rebuilding the
// line index so previously written lines are served from NVMe, and
// starts the eviction thread.
func Open(dev *nvmeio.Device, tr *translate.Translate, be backend.Backend, start int64, cfg Config) (*Cache, error) {
	cfg.defaults()

	blk := make([]byte, base.NVMeBlockSize)
	if err := dev.Pread(blk, start*base.NVMeBlockSize); err != nil {
		return nil, fmt.Errorf("readcache: reading superblock: %w", err)
	}
	sup, err := objio.DecodeRSuper(blk)
	if err != nil {
		return nil, fmt.Errorf("readcache: decoding superblock: %w", err)
	}
	if sup.UUID != tr.UUID() {
		return nil, fmt.Errorf("readcache: cache uuid %s does not match volume %s",
			sup.UUID, tr.UUID())
	}

	rc := &Cache{
		dev:      dev,
		tr:       tr,
		be:       be,
		cfg:      cfg,
		sup:      sup,
		superBlk: start,
		index:    make(map[unit]int),
		flat:     make([]unit, sup.Units),
		inUse:    make([]int, sup.Units),
		written:  make([]bool, sup.Units),
		aBit:     make([]bool, sup.Units),
		buffer:   make([][]byte, sup.Units),
		// Admission's 3:2 guard would starve a cold cache without a
		// head start on the user counter.
		hitUser: 1000,
		pool:    worker.NewPool[struct{}](),
		rng:     cfg.Rand,
	}
	if err := rc.loadFlatMap(); err != nil {
		return nil, err
	}
	if !cfg.NoThreads {
		rc.pool.SpawnTicker(evictTickInterval, rc.evictTick)
	}
	return rc, nil
}

func (rc *Cache) loadFlatMap() error {
	raw := make([]byte, rc.sup.MapBlocks*base.NVMeBlockSize)
	if err := rc.dev.Pread(raw, rc.sup.MapStart*base.NVMeBlockSize); err != nil {
		return fmt.Errorf("readcache: reading flat map: %w", err)
	}
	for n := int64(0); n < rc.sup.Units; n++ {
		u := unit(binary.LittleEndian.Uint64(raw[n*8:]))
		if u == 0 {
			rc.freeBlks = append(rc.freeBlks, int(n))
			continue
		}
		rc.flat[n] = u
		rc.written[n] = true
		rc.index[u] = int(n)
	}
	return nil
}

// Stats reports the running admission counters: sectors served to users
// and sectors fetched from the backend.
func (rc *Cache) Stats() (user, backend int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.hitUser, rc.hitBackend
}

// FreeSlots reports how many cache lines are unallocated.
func (rc *Cache) FreeSlots() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.freeBlks)
}

// lineOff is the NVMe byte offset of slot n.
func (rc *Cache) lineOff(n int) int64 {
	return rc.sup.Base*base.NVMeBlockSize + int64(n)*base.CacheLineBytes
}

// Close stops the eviction thread and persists the flat map.
func (rc *Cache) Close() error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	rc.mu.Unlock()

	var result *multierror.Error
	if err := rc.pool.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := rc.writeFlatMap(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// AsyncRead plans the next read step for buf at volume byte offset off.
// skip counts unmapped leading bytes the caller zero-fills; read is how
// many bytes req will fulfil. A nil req with read 0 means the whole
// range is a hole. The request is clipped to the end of its cache line;
// callers iterate to cover more.
func (rc *Cache) AsyncRead(off int64, buf []byte) (skip, read int64, req *Request) {
	lba := base.BytesToSectors(off)
	need := base.BytesToSectors(int64(len(buf)))

	var e extent.Entry[extent.ObjLoc]
	found := false
	for ent := range rc.tr.Map().Iterate(lba, lba+need) {
		e, found = ent, true
		break
	}
	if !found {
		return int64(len(buf)), 0, nil
	}

	skipSectors := e.Base - lba
	blkOffset := e.Value.Offset % base.CacheLineSectors
	lineEnd := base.RoundUp(blkOffset+1, base.CacheLineSectors)
	readSectors := min(e.Limit-e.Base, lineEnd-blkOffset)

	skip = base.SectorsToBytes(skipSectors)
	read = base.SectorsToBytes(readSectors)
	return skip, read, &Request{
		rc:      rc,
		obj:     e.Value.Obj,
		objOff:  e.Value.Offset,
		sectors: readSectors,
		dst:     buf[skip : skip+read],
		slot:    -1,
	}
}
