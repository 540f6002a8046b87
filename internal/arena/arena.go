// Package arena provides a fixed-capacity, mmap-backed byte buffer used for
// the largest allocation the engine makes on the write path: translation
// batches (8 MiB). Read-cache lines are ordinary slices. Buffers are
// recycled through a free list by the owning layer rather than garbage
// collected, which keeps the allocator out of the GC's write-barrier path for
// the hottest buffers in the system.
package arena

import (
	"errors"
	"sync"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/arch"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/mmap"
)

var ErrArenaFull = errors.New("arena: allocation would exceed capacity")

// Arena is a bump-pointer byte buffer. Allocate reserves len(p) bytes and
// copies p into them, returning the offset the bytes were written at.
// Allocation is lock-free (single atomic add); callers that need exclusive
// use of the whole arena (e.g. to Reset it) must provide their own
// synchronization, matching the translation layer's batch-free-stack
// discipline.
type Arena struct {
	position arch.AtomicUint
	buffer   []byte
	mmapped  bool
	closed   sync.Once
}

// New allocates an arena with the given capacity in bytes.
func New(size uint) *Arena {
	a := &Arena{mmapped: true}

	buf, err := mmap.New(int(size))
	if err != nil {
		buf = make([]byte, size)
		a.mmapped = false
	}
	a.buffer = buf
	return a
}

// Allocate copies p into the arena and returns the byte offset it was
// written at. It returns ErrArenaFull if there is insufficient remaining
// capacity.
func (a *Arena) Allocate(p []byte) (offset uint, err error) {
	if len(p) == 0 {
		return uint(a.position.Load()), nil
	}

	newPos := uint(a.position.Add(arch.UintToArchSize(uint(len(p)))))
	if newPos > uint(len(a.buffer)) {
		return 0, ErrArenaFull
	}
	offset = newPos - uint(len(p))
	copy(a.buffer[offset:newPos], p)
	return offset, nil
}

// Reserve bumps the arena by n bytes without copying anything, returning the
// offset of the reserved region. Used when the caller wants to write
// directly into the backing buffer (e.g. the write cache assembling a frame
// in place) rather than copy through Allocate.
func (a *Arena) Reserve(n uint) (offset uint, err error) {
	if n == 0 {
		return uint(a.position.Load()), nil
	}
	newPos := uint(a.position.Add(arch.UintToArchSize(n)))
	if newPos > uint(len(a.buffer)) {
		return 0, ErrArenaFull
	}
	return newPos - n, nil
}

// Bytes returns the arena's backing slice truncated to bytes written so far.
func (a *Arena) Bytes() []byte {
	return a.buffer[:a.Len()]
}

// Slice returns the arena's region [offset, offset+size).
func (a *Arena) Slice(offset, size uint) []byte {
	return a.buffer[offset : offset+size : offset+size]
}

// Len returns the number of bytes allocated so far.
func (a *Arena) Len() uint {
	return uint(a.position.Load())
}

// Cap returns the arena's total capacity in bytes.
func (a *Arena) Cap() uint {
	return uint(len(a.buffer))
}

// Reset returns the arena to empty so it can be reused for a new batch or
// cache line. Not safe to call concurrently with Allocate/Reserve.
func (a *Arena) Reset() {
	a.position.Store(0)
}

// Close releases the arena's backing memory.
func (a *Arena) Close() error {
	var err error
	a.closed.Do(func() {
		if a.mmapped {
			err = mmap.Free(a.buffer)
		}
	})
	return err
}
