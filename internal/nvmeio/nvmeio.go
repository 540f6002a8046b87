// Package nvmeio is the engine's NVMe adapter: synchronous aligned
// pread/pwrite over a block device or file, plus an asynchronous submit
// path whose completions are delivered by a single reaper goroutine.
//
// The device is opened O_DIRECT when the platform allows it, falling back
// to buffered I/O (tmpfs and plain files in tests reject O_DIRECT). All
// offsets and lengths must be 512-byte aligned; the caller owns alignment.
package nvmeio

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"
	"go.uber.org/zap"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/lsvdlog"
)

var (
	// ErrClosed reports a submit after Close.
	ErrClosed = errors.New("nvmeio: device closed")

	// ErrIO wraps a device read or write failure.
	ErrIO = errors.New("nvmeio: i/o error")
)

// ioDepth is the number of in-flight asynchronous operations serviced
// concurrently.
const ioDepth = 8

type opKind byte

const (
	opRead opKind = iota
	opWrite
)

type request struct {
	kind opKind
	buf  []byte
	off  int64
	cb   func(error)
	err  error
}

// Device wraps one NVMe partition or backing file.
type Device struct {
	f      *os.File
	size   int64
	direct bool

	mu     sync.Mutex
	closed bool
	subs   chan *request
	comps  chan *request
	wg     sync.WaitGroup
	reaper sync.WaitGroup
}

// Open opens the device at path, growing a regular file to size bytes if
// it is smaller. O_DIRECT is attempted first.
func Open(path string, size int64) (*Device, error) {
	direct := true
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		direct = false
		lsvdlog.Warn("O_DIRECT unavailable, falling back to buffered I/O",
			zap.String("path", path), zap.Error(err))
		if f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644); err != nil {
			return nil, fmt.Errorf("nvmeio: open %s: %w", path, err)
		}
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("nvmeio: stat %s: %w", path, err)
	}
	if st.Mode().IsRegular() && st.Size() < size {
		if err = f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("nvmeio: grow %s: %w", path, err)
		}
	}

	d := &Device{
		f:      f,
		size:   size,
		direct: direct,
		subs:   make(chan *request, ioDepth),
		comps:  make(chan *request, ioDepth),
	}
	for i := 0; i < ioDepth; i++ {
		d.wg.Add(1)
		go d.serve()
	}
	d.reaper.Add(1)
	go d.reap()
	return d, nil
}

// Size returns the device size fixed at Open.
func (d *Device) Size() int64 { return d.size }

// Pread fills buf from byte offset off.
func (d *Device) Pread(buf []byte, off int64) error {
	if d.direct && !directio.IsAligned(buf) {
		ab := directio.AlignedBlock(len(buf))
		if err := d.Pread(ab, off); err != nil {
			return err
		}
		copy(buf, ab)
		return nil
	}
	if _, err := d.f.ReadAt(buf, off); err != nil {
		return fmt.Errorf("%w: pread at %d: %v", ErrIO, off, err)
	}
	return nil
}

// Pwrite writes buf at byte offset off.
func (d *Device) Pwrite(buf []byte, off int64) error {
	if d.direct && !directio.IsAligned(buf) {
		ab := directio.AlignedBlock(len(buf))
		copy(ab, buf)
		buf = ab
	}
	if _, err := d.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("%w: pwrite at %d: %v", ErrIO, off, err)
	}
	return nil
}

// Pwritev writes the concatenation of iov at byte offset off as a single
// device write, so a frame's header and payload land together.
func (d *Device) Pwritev(iov [][]byte, off int64) error {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	var buf []byte
	if d.direct {
		buf = directio.AlignedBlock(total)
	} else {
		buf = make([]byte, total)
	}
	n := 0
	for _, b := range iov {
		n += copy(buf[n:], b)
	}
	return d.Pwrite(buf, off)
}

// SubmitRead starts an asynchronous read into buf at off. cb runs on the
// reaper goroutine.
func (d *Device) SubmitRead(buf []byte, off int64, cb func(error)) {
	d.submit(&request{kind: opRead, buf: buf, off: off, cb: cb})
}

// SubmitWrite starts an asynchronous write of buf at off. cb runs on the
// reaper goroutine.
func (d *Device) SubmitWrite(buf []byte, off int64, cb func(error)) {
	d.submit(&request{kind: opWrite, buf: buf, off: off, cb: cb})
}

func (d *Device) submit(r *request) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		go r.cb(ErrClosed)
		return
	}
	d.subs <- r
	d.mu.Unlock()
}

func (d *Device) serve() {
	defer d.wg.Done()
	for r := range d.subs {
		switch r.kind {
		case opRead:
			r.err = d.Pread(r.buf, r.off)
		case opWrite:
			r.err = d.Pwrite(r.buf, r.off)
		}
		d.comps <- r
	}
}

func (d *Device) reap() {
	defer d.reaper.Done()
	for r := range d.comps {
		r.cb(r.err)
	}
}

// Close drains in-flight operations, delivers their completions, and
// closes the underlying file.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.subs)
	d.mu.Unlock()

	d.wg.Wait()
	close(d.comps)
	d.reaper.Wait()
	return d.f.Close()
}
