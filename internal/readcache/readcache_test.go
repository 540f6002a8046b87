package readcache

import (
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/backend"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/nvmeio"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/translate"
)

type harness struct {
	be  *backend.FileBackend
	tr  *translate.Translate
	dev *nvmeio.Device
	rc  *Cache
}

func newHarness(t *testing.T, units int64) *harness {
	t.Helper()
	dir := t.TempDir()

	be, err := backend.NewFileBackend(dir, "vol")
	require.NoError(t, err)
	require.NoError(t, translate.InitVolume(be, uuid.New(), 64<<20))
	tr, err := translate.Open(be, translate.Config{NoThreads: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	devBlocks := 2 + base.DivRoundUp(8*units, base.NVMeBlockSize) + units*16
	dev, err := nvmeio.Open(filepath.Join(dir, "rcache.img"), devBlocks*base.NVMeBlockSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	require.NoError(t, Init(dev, tr.UUID(), 0, units))

	h := &harness{be: be, tr: tr, dev: dev}
	h.openCache(t)
	return h
}

func (h *harness) openCache(t *testing.T) {
	t.Helper()
	rc, err := Open(h.dev, h.tr, h.be, 0, Config{
		NoThreads: true,
		Rand:      rand.New(rand.NewSource(17)),
	})
	require.NoError(t, err)
	h.rc = rc
}

// seed writes data at volume offset 0 and makes it durable in the
// backend so cache fills have something to fetch.
func (h *harness) seed(t *testing.T, data []byte) {
	t.Helper()
	_, _, err := h.tr.WriteAt(data, 0)
	require.NoError(t, err)
	_, err = h.tr.Flush()
	require.NoError(t, err)
	require.NoError(t, h.tr.Drain())
}

func runReq(t *testing.T, req *Request) {
	t.Helper()
	ch := make(chan *Request, 1)
	req.Run(func(r *Request) { ch <- r })
	r := <-ch
	require.NoError(t, r.Err())
	r.Release()
}

// read drives the iterate-and-run loop a front-end performs.
func (h *harness) read(t *testing.T, buf []byte, off int64) {
	t.Helper()
	pos := int64(0)
	for pos < int64(len(buf)) {
		skip, rd, req := h.rc.AsyncRead(off+pos, buf[pos:])
		for i := pos; i < pos+skip; i++ {
			buf[i] = 0
		}
		pos += skip
		if req == nil {
			continue
		}
		runReq(t, req)
		pos += rd
	}
}

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i / base.SectorSize)
	}
	return buf
}

func TestHolePlan(t *testing.T) {
	h := newHarness(t, 16)

	buf := make([]byte, 8192)
	skip, rd, req := h.rc.AsyncRead(0, buf)
	assert.Equal(t, int64(len(buf)), skip)
	assert.Zero(t, rd)
	assert.Nil(t, req)
}

func TestReadThroughCache(t *testing.T) {
	h := newHarness(t, 16)
	data := pattern(256 << 10)
	h.seed(t, data)

	got := make([]byte, len(data))
	h.read(t, got, 0)
	assert.Equal(t, data, got)

	// The second pass is served from the RAM mirrors: the backend
	// counter must not move.
	_, backendBefore := h.rc.Stats()
	h.read(t, got, 0)
	assert.Equal(t, data, got)
	_, backendAfter := h.rc.Stats()
	assert.Equal(t, backendBefore, backendAfter)
}

func TestRequestClippedToLine(t *testing.T) {
	h := newHarness(t, 16)
	h.seed(t, pattern(256<<10))

	buf := make([]byte, 128<<10)
	skip, rd, req := h.rc.AsyncRead(0, buf)
	require.NotNil(t, req)
	assert.Zero(t, skip)
	assert.Equal(t, int64(base.CacheLineBytes), rd)
	runReq(t, req)
}

func TestInMemServedFromBatch(t *testing.T) {
	h := newHarness(t, 16)

	// Written but never flushed: the bytes exist only in the open
	// batch, and the read must not touch the backend.
	data := pattern(64 << 10)
	_, _, err := h.tr.WriteAt(data, 0)
	require.NoError(t, err)

	got := make([]byte, len(data))
	h.read(t, got, 0)
	assert.Equal(t, data, got)

	_, backend := h.rc.Stats()
	assert.Zero(t, backend)
}

func TestConcurrentReadersCoalesce(t *testing.T) {
	h := newHarness(t, 16)
	data := pattern(64 << 10)
	h.seed(t, data)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := make([]byte, 4096)
			skip, rd, req := h.rc.AsyncRead(8192, got)
			require.Zero(t, skip)
			require.Equal(t, int64(4096), rd)
			ch := make(chan *Request, 1)
			req.Run(func(r *Request) { ch <- r })
			r := <-ch
			require.NoError(t, r.Err())
			r.Release()
			assert.Equal(t, data[8192:12288], got)
		}()
	}
	wg.Wait()

	// One line fetch serves all eight readers.
	_, backend := h.rc.Stats()
	assert.Equal(t, int64(base.CacheLineSectors), backend)
}

func TestWarmRestart(t *testing.T) {
	h := newHarness(t, 16)
	data := pattern(64 << 10)
	h.seed(t, data)

	got := make([]byte, len(data))
	h.read(t, got, 0)

	// Wait for the NVMe line write to land, then persist the map.
	require.Eventually(t, func() bool {
		h.rc.mu.Lock()
		defer h.rc.mu.Unlock()
		return h.rc.outstanding == 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, h.rc.Close())

	h.openCache(t)
	h.read(t, got, 0)
	assert.Equal(t, data, got)

	// Served from the NVMe copy, not the backend.
	_, backend := h.rc.Stats()
	assert.Zero(t, backend)
}

func TestAdmissionDenialReadsAround(t *testing.T) {
	h := newHarness(t, 2)
	data := pattern(256 << 10)
	h.seed(t, data)

	// Four distinct lines through a two-slot cache: the last fills are
	// denied but every byte still comes back correct.
	got := make([]byte, len(data))
	h.read(t, got, 0)
	assert.Equal(t, data, got)
	assert.Zero(t, h.rc.FreeSlots())
}

func TestEvictionFreesSlots(t *testing.T) {
	h := newHarness(t, 16)
	data := pattern(16 * 64 << 10)
	h.seed(t, data)

	got := make([]byte, len(data))
	h.read(t, got, 0)
	require.Equal(t, data, got)

	require.Eventually(t, func() bool {
		h.rc.mu.Lock()
		defer h.rc.mu.Unlock()
		return h.rc.outstanding == 0
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, h.rc.FreeSlots())

	h.rc.EvictOnce()
	assert.Greater(t, h.rc.FreeSlots(), 0)

	// Evicted lines re-fetch transparently.
	h.read(t, got, 0)
	assert.Equal(t, data, got)
}
