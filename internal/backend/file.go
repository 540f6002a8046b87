package backend

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/lsvdlog"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/objio"
)

// asyncDepth bounds concurrent AsyncGet reads per store.
const asyncDepth = 16

// FileBackend stores each object as one file in a directory.
type FileBackend struct {
	dir    string
	prefix string
	sem    chan struct{}
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend opens (creating if needed) a directory-backed object
// store using the given object-name prefix.
func NewFileBackend(dir, prefix string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("backend: create directory: %w", err)
	}
	return &FileBackend{
		dir:    dir,
		prefix: prefix,
		sem:    make(chan struct{}, asyncDepth),
	}, nil
}

func (fb *FileBackend) path(seq base.SeqNum) string {
	return filepath.Join(fb.dir, ObjName(fb.prefix, seq))
}

// Put writes the concatenation of iov to a temporary file and renames it
// into place, so a crashed upload never leaves a truncated object.
func (fb *FileBackend) Put(seq base.SeqNum, iov [][]byte) error {
	tmp := fb.path(seq) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, b := range iov {
		if _, err = f.Write(b); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err = os.Rename(tmp, fb.path(seq)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get reads length bytes of object seq at byte offset off. A read past the
// object's end returns what exists; a missing object returns ErrNotFound.
func (fb *FileBackend) Get(seq base.SeqNum, off int64, length int) ([]byte, error) {
	f, err := os.Open(fb.path(seq))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return buf[:n], nil
}

// GetHdr reads the object header. The first sector's header-sector count
// is authoritative: if it says the header continues past what was read,
// the read is widened and retried.
func (fb *FileBackend) GetHdr(seq base.SeqNum) ([]byte, error) {
	buf, err := fb.Get(seq, 0, base.NVMeBlockSize)
	if err != nil {
		return nil, err
	}
	h, err := objio.DecodeHdr(buf)
	if err != nil {
		return nil, err
	}
	want := int64(h.HdrSectors) * base.SectorSize
	if want <= int64(len(buf)) {
		return buf[:want], nil
	}
	if buf, err = fb.Get(seq, 0, int(want)); err != nil {
		return nil, err
	}
	if int64(len(buf)) < want {
		return nil, objio.ErrShortRead
	}
	return buf, nil
}

// AsyncGet reads into buf on a pooled goroutine and delivers the result
// through cb. Completion order is unspecified.
func (fb *FileBackend) AsyncGet(seq base.SeqNum, buf []byte, off int64, cb func(n int, err error)) {
	fb.sem <- struct{}{}
	go func() {
		defer func() { <-fb.sem }()
		got, err := fb.Get(seq, off, len(buf))
		n := copy(buf, got)
		if err != nil {
			lsvdlog.Warn("backend async read failed",
				zap.Uint32("seq", uint32(seq)), zap.Error(err))
		}
		cb(n, err)
	}()
}
