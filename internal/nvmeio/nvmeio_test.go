package nvmeio

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDevice(t *testing.T, size int64) *Device {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "nvme.img"), size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestPreadPwrite(t *testing.T) {
	d := openTestDevice(t, 1<<20)

	buf := bytes.Repeat([]byte{0xab}, 4096)
	require.NoError(t, d.Pwrite(buf, 8192))

	got := make([]byte, 4096)
	require.NoError(t, d.Pread(got, 8192))
	assert.Equal(t, buf, got)
}

func TestPwritevSingleWrite(t *testing.T) {
	d := openTestDevice(t, 1<<20)

	hdr := bytes.Repeat([]byte{1}, 4096)
	payload := bytes.Repeat([]byte{2}, 8192)
	require.NoError(t, d.Pwritev([][]byte{hdr, payload}, 4096))

	got := make([]byte, 4096+8192)
	require.NoError(t, d.Pread(got, 4096))
	assert.Equal(t, hdr, got[:4096])
	assert.Equal(t, payload, got[4096:])
}

func TestAsyncCompletions(t *testing.T) {
	d := openTestDevice(t, 1<<20)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		off := int64(i) * 4096
		buf := bytes.Repeat([]byte{byte(i)}, 4096)
		d.SubmitWrite(buf, off, func(err error) {
			defer wg.Done()
			require.NoError(t, err)
		})
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		wg.Add(1)
		off := int64(i) * 4096
		want := byte(i)
		got := make([]byte, 4096)
		d.SubmitRead(got, off, func(err error) {
			defer wg.Done()
			require.NoError(t, err)
			assert.Equal(t, bytes.Repeat([]byte{want}, 4096), got)
		})
	}
	wg.Wait()
}

func TestSubmitAfterClose(t *testing.T) {
	d := openTestDevice(t, 1<<20)
	require.NoError(t, d.Close())

	done := make(chan error, 1)
	d.SubmitRead(make([]byte, 512), 0, func(err error) { done <- err })
	assert.ErrorIs(t, <-done, ErrClosed)
}
