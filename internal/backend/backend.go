// Package backend defines the numbered-object store the translation layer
// logs to, plus a file-directory implementation. Objects are opaque,
// immutable, and named by a fixed prefix plus an 8-hex-digit sequence
// suffix; sequence 0 is the superblock and is named by the prefix alone.
package backend

import (
	"errors"
	"fmt"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
)

var (
	// ErrNotFound reports that no object exists for a sequence number.
	// Recovery relies on it to find the end of the log.
	ErrNotFound = errors.New("backend: object not found")

	// ErrUnavailable reports that the store itself failed.
	ErrUnavailable = errors.New("backend: store unavailable")
)

// Backend is an opaque byte-addressable store of numbered objects.
type Backend interface {
	// Put stores the concatenation of iov as object seq.
	Put(seq base.SeqNum, iov [][]byte) error

	// Get reads length bytes of object seq starting at byte off.
	Get(seq base.SeqNum, off int64, length int) ([]byte, error)

	// GetHdr reads the object's header: the first 4 KiB is fetched, and
	// if its header-sector count says the header continues, the full
	// header is fetched and returned.
	GetHdr(seq base.SeqNum) ([]byte, error)

	// AsyncGet starts a read of len(buf) bytes at off into buf and
	// invokes cb with the result from a completion goroutine.
	AsyncGet(seq base.SeqNum, buf []byte, off int64, cb func(n int, err error))
}

// ObjName returns the store name for object seq under prefix.
func ObjName(prefix string, seq base.SeqNum) string {
	if seq == 0 {
		return prefix
	}
	return fmt.Sprintf("%s.%08x", prefix, uint32(seq))
}
