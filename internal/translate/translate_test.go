package translate

import (
	"bytes"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/backend"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
)

const testVolSize = 64 << 20

func newTestBackend(t *testing.T) *backend.FileBackend {
	t.Helper()
	be, err := backend.NewFileBackend(t.TempDir(), "vol")
	require.NoError(t, err)
	require.NoError(t, InitVolume(be, uuid.New(), testVolSize))
	return be
}

func openTest(t *testing.T, be backend.Backend) *Translate {
	t.Helper()
	tr, err := Open(be, Config{NoThreads: true, BatchSize: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestReadAfterWrite(t *testing.T) {
	tr := openTest(t, newTestBackend(t))

	data := fill(8192, 0x5a)
	n, seq, err := tr.WriteAt(data, 4096)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, base.SeqNum(1), seq)

	got := make([]byte, 8192)
	n, err = tr.ReadAt(got, 4096)
	require.NoError(t, err)
	assert.Equal(t, len(got), n)
	assert.Equal(t, data, got)
}

func TestReadHoleIsZero(t *testing.T) {
	tr := openTest(t, newTestBackend(t))

	_, _, err := tr.WriteAt(fill(512, 0xff), 0)
	require.NoError(t, err)
	_, _, err = tr.WriteAt(fill(512, 0xff), 2048)
	require.NoError(t, err)

	got := fill(4096, 0xee)
	_, err = tr.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, fill(512, 0xff), got[:512])
	assert.Equal(t, fill(1536, 0), got[512:2048])
	assert.Equal(t, fill(512, 0xff), got[2048:2560])
	assert.Equal(t, fill(1536, 0), got[2560:])
}

func TestOverwriteSupersedes(t *testing.T) {
	tr := openTest(t, newTestBackend(t))

	_, _, err := tr.WriteAt(fill(4096, 1), 0)
	require.NoError(t, err)
	_, _, err = tr.WriteAt(fill(1024, 2), 512)
	require.NoError(t, err)

	got := make([]byte, 4096)
	_, err = tr.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, fill(512, 1), got[:512])
	assert.Equal(t, fill(1024, 2), got[512:1536])
	assert.Equal(t, fill(2560, 1), got[1536:])
}

func TestMisalignedRejected(t *testing.T) {
	tr := openTest(t, newTestBackend(t))

	_, _, err := tr.WriteAt(fill(512, 0), 100)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = tr.WriteAt(fill(100, 0), 512)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = tr.ReadAt(make([]byte, 100), 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFlushSealsAndUploads(t *testing.T) {
	tr := openTest(t, newTestBackend(t))

	data := fill(4096, 0x42)
	_, _, err := tr.WriteAt(data, 0)
	require.NoError(t, err)

	seq, err := tr.Flush()
	require.NoError(t, err)
	assert.Equal(t, base.SeqNum(1), seq)
	require.NoError(t, tr.Drain())

	// The batch is durable now, so the read comes from the backend.
	got := make([]byte, 4096)
	_, err = tr.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	seq, err = tr.Flush()
	require.NoError(t, err)
	assert.Equal(t, base.SeqNum(0), seq, "empty flush seals nothing")
}

func TestLargeWriteSpansBatches(t *testing.T) {
	tr := openTest(t, newTestBackend(t))

	data := make([]byte, 3<<20)
	for i := range data {
		data[i] = byte(i / 512)
	}
	n, seq, err := tr.WriteAt(data, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Greater(t, uint32(seq), uint32(1), "write spans multiple objects")

	_, err = tr.Flush()
	require.NoError(t, err)
	require.NoError(t, tr.Drain())

	got := make([]byte, len(data))
	_, err = tr.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRecoverWithoutCheckpoint(t *testing.T) {
	be := newTestBackend(t)
	tr := openTest(t, be)

	data := fill(8192, 0x17)
	_, _, err := tr.WriteAt(data, 1<<20)
	require.NoError(t, err)
	_, err = tr.Flush()
	require.NoError(t, err)
	require.NoError(t, tr.Drain())
	extents := tr.MapExtents()
	require.NoError(t, tr.Close())

	tr2 := openTest(t, be)
	assert.Equal(t, extents, tr2.MapExtents())
	assert.Equal(t, int64(testVolSize), tr2.VolSize())

	got := make([]byte, 8192)
	_, err = tr2.ReadAt(got, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCheckpointAndRecover(t *testing.T) {
	be := newTestBackend(t)
	tr := openTest(t, be)

	a := fill(4096, 0xaa)
	b := fill(4096, 0xbb)
	_, _, err := tr.WriteAt(a, 0)
	require.NoError(t, err)
	_, err = tr.Flush()
	require.NoError(t, err)
	require.NoError(t, tr.Drain())

	ckptSeq, err := tr.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, base.SeqNum(2), ckptSeq)
	assert.Equal(t, ckptSeq, tr.LastCheckpoint())

	// More writes after the checkpoint exercise the replay path.
	_, _, err = tr.WriteAt(b, 8192)
	require.NoError(t, err)
	_, err = tr.Flush()
	require.NoError(t, err)
	require.NoError(t, tr.Drain())
	require.NoError(t, tr.Close())

	tr2 := openTest(t, be)
	assert.Equal(t, ckptSeq, tr2.LastCheckpoint())

	got := make([]byte, 4096)
	_, err = tr2.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	_, err = tr2.ReadAt(got, 8192)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestUploadWatermark(t *testing.T) {
	tr := openTest(t, newTestBackend(t))

	var mu sync.Mutex
	var marks []base.SeqNum
	tr.OnUpload(func(seq base.SeqNum) {
		mu.Lock()
		marks = append(marks, seq)
		mu.Unlock()
	})

	_, _, err := tr.WriteAt(fill(4096, 1), 0)
	require.NoError(t, err)
	_, err = tr.Flush()
	require.NoError(t, err)
	_, _, err = tr.WriteAt(fill(4096, 2), 4096)
	require.NoError(t, err)
	_, err = tr.Flush()
	require.NoError(t, err)
	require.NoError(t, tr.Drain())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, marks)
	assert.Equal(t, base.SeqNum(2), marks[len(marks)-1])
	assert.IsIncreasing(t, marks)
}

func TestObjectInfoLiveness(t *testing.T) {
	tr := openTest(t, newTestBackend(t))

	_, _, err := tr.WriteAt(fill(4096, 1), 0)
	require.NoError(t, err)
	_, err = tr.Flush()
	require.NoError(t, err)
	require.NoError(t, tr.Drain())

	info, ok := tr.ObjectInfo(1)
	require.True(t, ok)
	assert.EqualValues(t, 8, info.DataSectors)
	assert.EqualValues(t, 8, info.LiveSectors)

	// Overwriting half the object halves its live count.
	_, _, err = tr.WriteAt(fill(2048, 2), 0)
	require.NoError(t, err)

	info, ok = tr.ObjectInfo(1)
	require.True(t, ok)
	assert.EqualValues(t, 4, info.LiveSectors)
}

func TestWriteAfterClose(t *testing.T) {
	tr := openTest(t, newTestBackend(t))
	require.NoError(t, tr.Close())

	_, _, err := tr.WriteAt(fill(512, 0), 0)
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = tr.ReadAt(make([]byte, 512), 0)
	assert.ErrorIs(t, err, ErrShutdown)
}
