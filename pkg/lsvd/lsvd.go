// Package lsvd assembles the engine's layers into one virtual block
// device: a local file backend holding numbered immutable objects, a
// translation layer mapping logical sectors onto them, and an NVMe cache
// file split between a write journal and a read cache. Writes are
// acknowledged once journaled; reads are served from the journal, the
// read cache, or the backend, in that order.
package lsvd

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/backend"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/nvmeio"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/objio"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/readcache"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/translate"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/writecache"
)

type config struct {
	cachePath     string
	journalBlocks int64
	cacheLines    int64
	tr            translate.Config
	wc            writecache.Config
	rc            readcache.Config
}

// Option adjusts one device tunable.
type Option func(*config)

// WithCacheFile overrides the NVMe cache file path, normally
// <dir>/<name>.cache. Point it at a raw partition in production.
func WithCacheFile(path string) Option {
	return func(c *config) { c.cachePath = path }
}

// WithJournalBlocks sets the write-journal size in 4 KiB blocks.
// Create-time geometry; Open reads it back from the superblocks.
func WithJournalBlocks(n int64) Option {
	return func(c *config) { c.journalBlocks = n }
}

// WithCacheLines sets the read-cache size in 64 KiB lines. Create-time
// geometry; Open reads it back from the superblocks.
func WithCacheLines(n int64) Option {
	return func(c *config) { c.cacheLines = n }
}

// WithBatchSize sets the translation layer's batch seal threshold.
func WithBatchSize(n int64) Option {
	return func(c *config) { c.tr.BatchSize = n }
}

// WithUploadWorkers sets the number of batch-upload goroutines.
func WithUploadWorkers(n int) Option {
	return func(c *config) { c.tr.Workers = n }
}

// WithCheckpointInterval sets the batch-count delta between automatic
// checkpoints.
func WithCheckpointInterval(n int) Option {
	return func(c *config) { c.tr.CkptInterval = n }
}

// WithUploadLimit bounds backend upload throughput.
func WithUploadLimit(l *rate.Limiter) Option {
	return func(c *config) { c.tr.UploadLimit = l }
}

// WithJournalWriteLimit bounds NVMe journal write throughput.
func WithJournalWriteLimit(l *rate.Limiter) Option {
	return func(c *config) { c.wc.WriteLimit = l }
}

// WithCacheBuffers sets the read cache's RAM line-mirror budget.
func WithCacheBuffers(n int) Option {
	return func(c *config) { c.rc.MaxBufs = n }
}

func newConfig(dir, name string, opts []Option) *config {
	c := &config{
		cachePath:     filepath.Join(dir, name+".cache"),
		journalBlocks: 16 << 10,
		cacheLines:    1 << 10,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// deviceBlocks is the NVMe footprint of the Create-time geometry:
// journal, read-cache superblock, flat map, then the lines.
func (c *config) deviceBlocks() int64 {
	mapBlocks := base.DivRoundUp(8*c.cacheLines, base.NVMeBlockSize)
	return c.journalBlocks + 1 + mapBlocks +
		c.cacheLines*(base.CacheLineBytes/base.NVMeBlockSize)
}

// Create formats a new volume: superblock object in the backend and a
// freshly partitioned NVMe cache file. It returns the volume UUID.
func Create(dir, name string, volSizeBytes int64, opts ...Option) (uuid.UUID, error) {
	cfg := newConfig(dir, name, opts)
	if volSizeBytes <= 0 || volSizeBytes%base.SectorSize != 0 {
		return uuid.Nil, translate.ErrInvalidArgument
	}
	if cfg.journalBlocks < 8 || cfg.cacheLines < 2 {
		return uuid.Nil, translate.ErrInvalidArgument
	}

	be, err := backend.NewFileBackend(dir, name)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	if err := translate.InitVolume(be, id, volSizeBytes); err != nil {
		return uuid.Nil, err
	}

	dev, err := nvmeio.Open(cfg.cachePath, cfg.deviceBlocks()*base.NVMeBlockSize)
	if err != nil {
		return uuid.Nil, err
	}
	defer dev.Close()
	if err := writecache.Init(dev, id, 0, cfg.journalBlocks); err != nil {
		return uuid.Nil, err
	}
	if err := readcache.Init(dev, id, cfg.journalBlocks, cfg.cacheLines); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Device is one open virtual block device.
type Device struct {
	be  *backend.FileBackend
	dev *nvmeio.Device
	tr  *translate.Translate
	wc  *writecache.Cache
	rc  *readcache.Cache

	mu     sync.Mutex
	closed bool
}

// Open opens an existing volume. The cache file's journal superblock at
// block zero names the journal extent, which in turn locates the
// read-cache region, so geometry options are only needed at Create.
func Open(dir, name string, opts ...Option) (*Device, error) {
	cfg := newConfig(dir, name, opts)

	be, err := backend.NewFileBackend(dir, name)
	if err != nil {
		return nil, err
	}
	tr, err := translate.Open(be, cfg.tr)
	if err != nil {
		return nil, err
	}

	dev, err := nvmeio.Open(cfg.cachePath, 0)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	fail := func(err error) (*Device, error) {
		_ = tr.Close()
		_ = dev.Close()
		return nil, err
	}

	blk := make([]byte, base.NVMeBlockSize)
	if err := dev.Pread(blk, 0); err != nil {
		return fail(fmt.Errorf("lsvd: reading cache superblock: %w", err))
	}
	jsup, err := objio.DecodeJSuper(blk)
	if err != nil {
		return fail(fmt.Errorf("lsvd: decoding cache superblock: %w", err))
	}

	wc, err := writecache.Open(dev, tr, 0, cfg.wc)
	if err != nil {
		return fail(err)
	}
	rc, err := readcache.Open(dev, tr, be, jsup.Limit, cfg.rc)
	if err != nil {
		_ = wc.Close()
		return fail(err)
	}
	return &Device{be: be, dev: dev, tr: tr, wc: wc, rc: rc}, nil
}

// Size returns the volume size in bytes.
func (d *Device) Size() int64 { return d.tr.VolSize() }

// UUID returns the volume UUID.
func (d *Device) UUID() uuid.UUID { return d.tr.UUID() }

func (d *Device) checkRange(off, n int64) error {
	if off%base.SectorSize != 0 || n%base.SectorSize != 0 ||
		off < 0 || off+n > d.tr.VolSize() {
		return translate.ErrInvalidArgument
	}
	return nil
}

// WriteAt writes data at byte offset off, returning once the write is
// journaled on NVMe and visible to every subsequent read.
func (d *Device) WriteAt(data []byte, off int64) (int, error) {
	if err := d.checkRange(off, int64(len(data))); err != nil || len(data) == 0 {
		if err == nil {
			err = translate.ErrInvalidArgument
		}
		return -1, err
	}
	ch := make(chan error, 1)
	d.wc.Write(data, off, func(err error) { ch <- err })
	if err := <-ch; err != nil {
		return -1, err
	}
	return len(data), nil
}

// ReadAt fills buf from byte offset off. The journal serves the newest
// data; everything else goes through the read cache, and unmapped
// regions read as zeros.
func (d *Device) ReadAt(buf []byte, off int64) (int, error) {
	if err := d.checkRange(off, int64(len(buf))); err != nil {
		return -1, err
	}
	gaps, err := d.wc.ReadAt(buf, off)
	if err != nil {
		return -1, err
	}
	for _, g := range gaps {
		if err := d.readThroughCache(g.Buf, g.Off); err != nil {
			return -1, err
		}
	}
	return len(buf), nil
}

// readThroughCache covers one journal gap with read-cache requests, one
// per cache line, running them concurrently.
func (d *Device) readThroughCache(buf []byte, off int64) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	pos := int64(0)
	for pos < int64(len(buf)) {
		skip, rd, req := d.rc.AsyncRead(off+pos, buf[pos:])
		for i := pos; i < pos+skip; i++ {
			buf[i] = 0
		}
		pos += skip
		if req == nil {
			continue
		}
		wg.Add(1)
		req.Run(func(r *readcache.Request) {
			if err := r.Err(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			r.Release()
			wg.Done()
		})
		pos += rd
	}
	wg.Wait()
	return firstErr
}

// Flush blocks until every write accepted so far is durable in the
// journal, then seals the open batch and enqueues it for upload.
func (d *Device) Flush() error {
	d.wc.Flush()
	_, err := d.tr.Flush()
	return err
}

// Checkpoint seals the open batch and writes a checkpoint object,
// bounding the recovery replay.
func (d *Device) Checkpoint() (base.SeqNum, error) {
	return d.tr.Checkpoint()
}

// Close flushes, stops every layer, and persists the cache state so the
// next Open recovers warm.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.wc.Flush()

	var result *multierror.Error
	if err := d.wc.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.tr.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.rc.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.dev.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
