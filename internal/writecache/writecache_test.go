package writecache

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/backend"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/nvmeio"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/translate"
)

// harness wires a write cache to a file backend and a threadless
// translation layer so tests control upload timing explicitly.
type harness struct {
	be  *backend.FileBackend
	dev *nvmeio.Device
	tr  *translate.Translate
	wc  *Cache
}

const journalBlocks = 256

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	be, err := backend.NewFileBackend(dir, "vol")
	require.NoError(t, err)
	require.NoError(t, translate.InitVolume(be, uuid.New(), 64<<20))

	dev, err := nvmeio.Open(filepath.Join(dir, "nvme.img"), journalBlocks*4096)
	require.NoError(t, err)
	require.NoError(t, Init(dev, mustUUID(t, be), 0, journalBlocks))

	h := &harness{be: be, dev: dev}
	h.open(t)
	return h
}

func mustUUID(t *testing.T, be backend.Backend) uuid.UUID {
	t.Helper()
	tr, err := translate.Open(be, translate.Config{NoThreads: true})
	require.NoError(t, err)
	id := tr.UUID()
	require.NoError(t, tr.Close())
	return id
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	tr, err := translate.Open(h.be, translate.Config{NoThreads: true})
	require.NoError(t, err)
	wc, err := Open(h.dev, tr, 0, Config{})
	require.NoError(t, err)
	h.tr, h.wc = tr, wc
}

// reopen simulates a crash: the journal and backend survive, everything
// in memory is abandoned.
func (h *harness) reopen(t *testing.T) {
	t.Helper()
	require.NoError(t, h.wc.Close())
	h.open(t)
}

func (h *harness) write(t *testing.T, data []byte, off int64) {
	t.Helper()
	ch := make(chan error, 1)
	h.wc.Write(data, off, func(err error) { ch <- err })
	require.NoError(t, <-ch)
}

// settle uploads everything pending in the translation layer, which
// advances the journal reclaim watermark.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	_, err := h.tr.Flush()
	require.NoError(t, err)
	require.NoError(t, h.tr.Drain())
}

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestWriteServedFromJournal(t *testing.T) {
	h := newHarness(t)

	data := fill(8192, 0x3c)
	h.write(t, data, 4096)

	got := make([]byte, 8192)
	gaps, err := h.wc.ReadAt(got, 4096)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assert.Equal(t, data, got)
}

func TestReadGapsAroundHit(t *testing.T) {
	h := newHarness(t)

	h.write(t, fill(4096, 1), 8192)

	buf := make([]byte, 16384)
	gaps, err := h.wc.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, int64(0), gaps[0].Off)
	assert.Len(t, gaps[0].Buf, 8192)
	assert.Equal(t, int64(12288), gaps[1].Off)
	assert.Len(t, gaps[1].Buf, 4096)
	assert.Equal(t, fill(4096, 1), buf[8192:12288])
}

func TestWriteReachesTranslationLayer(t *testing.T) {
	h := newHarness(t)

	data := fill(4096, 0x77)
	h.write(t, data, 0)

	got := make([]byte, 4096)
	_, err := h.tr.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCrashRecoveryReplaysJournal(t *testing.T) {
	h := newHarness(t)

	a := fill(4096, 0xaa)
	b := fill(8192, 0xbb)
	h.write(t, a, 0)
	h.write(t, b, 1<<20)

	// Crash before any batch reaches the backend. The acknowledged
	// writes must come back from the journal alone.
	h.reopen(t)

	got := make([]byte, 4096)
	gaps, err := h.wc.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assert.Equal(t, a, got)

	got = make([]byte, 8192)
	_, err = h.tr.ReadAt(got, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	h := newHarness(t)

	h.write(t, fill(4096, 5), 0)
	h.write(t, fill(4096, 6), 2048)

	h.reopen(t)
	extents := h.wc.MapExtents()
	mapSize := h.tr.MapExtents()

	h.reopen(t)
	assert.Equal(t, extents, h.wc.MapExtents())
	assert.Equal(t, mapSize, h.tr.MapExtents())

	got := make([]byte, 8192)
	_, err := h.tr.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, fill(2048, 5), got[:2048])
	assert.Equal(t, fill(4096, 6), got[2048:6144])
}

func TestReclaimEvictsMapEntries(t *testing.T) {
	h := newHarness(t)

	data := fill(4096, 9)
	h.write(t, data, 0)
	require.NotZero(t, h.wc.MapExtents())

	// Once the covering batch is durable the journal frame is
	// reclaimed and reads fall through to the translation layer.
	h.settle(t)
	assert.Zero(t, h.wc.MapExtents())

	buf := make([]byte, 4096)
	gaps, err := h.wc.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	_, err = h.tr.ReadAt(gaps[0].Buf, gaps[0].Off)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
}

func TestJournalWrapsWithPadFrame(t *testing.T) {
	h := newHarness(t)

	// Each 60 KiB write takes 16 blocks (header + 15). Fifteen of them end
	// at block 241 of the 255-block frame area, so the sixteenth wraps
	// behind a 15-block pad frame; settling as we go lets frames reclaim.
	for i := 0; i < 20; i++ {
		h.write(t, fill(60<<10, byte(i+1)), int64(i)*(60<<10))
		h.settle(t)
	}

	// The ring has wrapped at least once; the newest write is intact.
	want := fill(60<<10, 20)
	got := make([]byte, 60<<10)
	gaps, err := h.wc.ReadAt(got, 19*(60<<10))
	require.NoError(t, err)
	if len(gaps) > 0 {
		for _, g := range gaps {
			_, err = h.tr.ReadAt(g.Buf, g.Off)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, want, got)

	h.reopen(t)
	got = make([]byte, 60<<10)
	_, err = h.tr.ReadAt(got, 19*(60<<10))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMisalignedWriteRejected(t *testing.T) {
	h := newHarness(t)

	ch := make(chan error, 1)
	h.wc.Write(fill(100, 0), 0, func(err error) { ch <- err })
	assert.ErrorIs(t, <-ch, translate.ErrInvalidArgument)
}

func TestWriteAfterClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.wc.Close())

	ch := make(chan error, 1)
	h.wc.Write(fill(512, 0), 0, func(err error) { ch <- err })
	assert.ErrorIs(t, <-ch, translate.ErrShutdown)
}
