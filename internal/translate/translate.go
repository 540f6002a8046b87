// Package translate is the engine's translation layer. It owns the object
// map from logical sectors to (object, offset) locations, accumulates
// incoming writes into batches, seals and uploads batches as numbered data
// objects, checkpoints the flattened map, and rebuilds all of it from the
// backend on startup.
package translate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/arena"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/backend"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/extent"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/lsvdlog"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/objio"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/worker"
)

const (
	// flushTickInterval is how often the flush thread checks batch age.
	flushTickInterval = 500 * time.Millisecond

	// flushAge forces a seal once the same batch has been open this long.
	flushAge = 2 * time.Second

	// ckptTickInterval is how often the checkpoint thread checks cadence.
	ckptTickInterval = time.Second
)

// ObjInfo is the in-memory per-object record. LiveSectors decreases as
// later writes supersede this object's extents; GC works from it.
type ObjInfo struct {
	Type        objio.ObjType
	HdrSectors  int64
	DataSectors int64
	LiveSectors int64
}

// batch accumulates concatenated write payloads plus their extent list,
// destined to become one data object. Lifecycle: open under the
// translation mutex, sealed onto the work queue, uploaded by a worker,
// then recycled through the free stack.
type batch struct {
	buf     *arena.Arena
	seq     base.SeqNum
	entries []objio.DataMapEntry
	opened  time.Time
}

func newBatch(size int64) *batch {
	return &batch{buf: arena.New(uint(size))}
}

func (b *batch) reset(seq base.SeqNum) {
	b.buf.Reset()
	b.seq = seq
	b.entries = b.entries[:0]
	b.opened = time.Now()
}

func (b *batch) bytes() int64 { return int64(b.buf.Len()) }

// Config carries the tunables the layer is constructed with. Zero values
// select the defaults.
type Config struct {
	// Workers is the number of batch-upload goroutines.
	Workers int

	// BatchSize is the seal threshold in bytes.
	BatchSize int64

	// CkptInterval is the batch-count delta that triggers an automatic
	// checkpoint.
	CkptInterval int

	// UploadLimit optionally bounds backend PUT throughput.
	UploadLimit *rate.Limiter

	// NoThreads disables the background workers and timers; Checkpoint and
	// Close then run queued uploads inline, and otherwise Drain does. Tests
	// use this for determinism.
	NoThreads bool
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = base.BatchSize
	}
	if c.CkptInterval <= 0 {
		c.CkptInterval = base.CheckpointInterval
	}
}

// Translate is one volume's translation layer.
type Translate struct {
	be  backend.Backend
	cfg Config

	mu       sync.Mutex
	closed   bool
	uuid     uuid.UUID
	omap     *extent.ObjectMap
	cur      *batch
	free     []*batch
	inMem    map[base.SeqNum]*batch
	objInfo  map[base.SeqNum]ObjInfo
	acked    map[base.SeqNum]bool
	ackedTo  base.SeqNum
	ckptSeqs []base.SeqNum

	batchSeq      base.AtomicSeqNum
	lastCkpt      base.AtomicSeqNum
	seqAtLastCkpt base.SeqNum

	// uploaded is signalled whenever a batch leaves inMem, or on engine
	// failure. Checkpoint waits on it.
	uploaded *sync.Cond

	volSizeSectors int64
	pool           *worker.Pool[*batch]
	uploadNotify   atomic.Pointer[func(base.SeqNum)]
	failure        atomic.Pointer[error]
}

// InitVolume writes a fresh superblock for a volume of volSizeBytes.
func InitVolume(be backend.Backend, volUUID uuid.UUID, volSizeBytes int64) error {
	sb := objio.EncodeSuper(&objio.Super{
		UUID:           volUUID,
		VolSizeSectors: base.BytesToSectors(volSizeBytes),
		NextObj:        1,
	})
	return be.Put(0, [][]byte{sb})
}

// Open reads the superblock, replays checkpoints and then data-object
// headers to rebuild the object map, and starts the worker threads. The
// returned layer is ready for reads and writes.
func Open(be backend.Backend, cfg Config) (*Translate, error) {
	cfg.defaults()
	t := &Translate{
		be:      be,
		cfg:     cfg,
		omap:    extent.NewObjectMap(),
		inMem:   make(map[base.SeqNum]*batch),
		objInfo: make(map[base.SeqNum]ObjInfo),
		acked:   make(map[base.SeqNum]bool),
		pool:    worker.NewPool[*batch](),
	}
	t.uploaded = sync.NewCond(&t.mu)
	if err := t.recover(); err != nil {
		return nil, err
	}

	if !cfg.NoThreads {
		t.pool.Spawn(cfg.Workers, t.upload)
		t.pool.SpawnTicker(ckptTickInterval, t.ckptTick)
		t.pool.SpawnTicker(flushTickInterval, t.flushTick)
	}
	return t, nil
}

// VolSize returns the volume size in bytes.
func (t *Translate) VolSize() int64 {
	return base.SectorsToBytes(t.volSizeSectors)
}

// UUID returns the volume UUID.
func (t *Translate) UUID() uuid.UUID { return t.uuid }

// Map exposes the object map to the read cache.
func (t *Translate) Map() *extent.ObjectMap { return t.omap }

// MapExtents returns the number of extents in the object map.
func (t *Translate) MapExtents() int { return t.omap.Size() }

// LastCheckpoint returns the newest checkpoint sequence.
func (t *Translate) LastCheckpoint() base.SeqNum { return t.lastCkpt.Load() }

// OnUpload registers fn to be called with the new acknowledged-upload
// watermark each time it advances. Every sequence at or below the
// watermark is durable in the backend; the write cache reclaims journal
// space from it.
func (t *Translate) OnUpload(fn func(base.SeqNum)) {
	t.uploadNotify.Store(&fn)
}

// HdrSectors returns the header sector count recorded for object seq.
func (t *Translate) HdrSectors(seq base.SeqNum) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.objInfo[seq]
	return info.HdrSectors, ok
}

// ObjectInfo returns the liveness record for object seq.
func (t *Translate) ObjectInfo(seq base.SeqNum) (ObjInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.objInfo[seq]
	return info, ok
}

// LiveObjects returns the number of data objects still holding live
// sectors.
func (t *Translate) LiveObjects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, info := range t.objInfo {
		if info.Type == objio.ObjData && info.LiveSectors > 0 {
			n++
		}
	}
	return n
}

// ReadInMem copies len(buf) bytes at payload sector offset sectorOff from
// object seq's batch buffer, if the batch has not been uploaded yet. The
// copy happens under the translation mutex so the buffer cannot be
// recycled mid-read.
func (t *Translate) ReadInMem(seq base.SeqNum, sectorOff int64, buf []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.inMem[seq]
	if !ok {
		return false
	}
	off := base.SectorsToBytes(sectorOff)
	copy(buf, b.buf.Bytes()[off:])
	return true
}

func (t *Translate) fail(err error) {
	t.failure.CompareAndSwap(nil, &err)
	lsvdlog.Error("translation layer failed", zap.Error(err))
}

func (t *Translate) failed() error {
	if p := t.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// Close seals any open batch, drains and joins the worker threads, and
// releases batch arenas. Safe to call once.
func (t *Translate) Close() error {
	var result *multierror.Error

	if _, err := t.Flush(); err != nil && err != ErrShutdown {
		result = multierror.Append(result, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.cfg.NoThreads {
		// No workers; upload anything still queued inline.
		if err := t.Drain(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := t.pool.Stop(); err != nil {
		result = multierror.Append(result, err)
	}

	t.mu.Lock()
	for _, b := range t.free {
		if err := b.buf.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.free = nil
	t.mu.Unlock()

	return result.ErrorOrNil()
}

// Drain uploads queued batches inline. Only meaningful with NoThreads,
// where no workers consume the queue.
func (t *Translate) Drain() error {
	for t.pool.Len() > 0 {
		b, ok := t.pool.Get()
		if !ok {
			return nil
		}
		if err := t.upload(b); err != nil {
			return err
		}
	}
	return nil
}
