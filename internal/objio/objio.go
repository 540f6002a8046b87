// Package objio encodes and decodes the engine's durable formats: the
// superblock, data objects, checkpoint objects, and NVMe journal frames.
//
// Every object begins with the same fixed header (magic, version, type,
// volume UUID, sequence, header and data sector counts). Variable-length
// sections are addressed by (offset, len) pairs measured in bytes from the
// start of the object, so readers locate arrays directly rather than
// parsing sequentially. All multi-byte fields are little-endian.
package objio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
)

var (
	ErrInvalidObject = errors.New("objio: bad magic, version, or type")
	ErrShortRead     = errors.New("objio: object truncated")
)

const (
	// Magic prefixes every object header.
	Magic uint32 = 0x4456534c // "LSVD"

	// Version is the current format version.
	Version uint32 = 1
)

// ObjType discriminates the three object kinds sharing the sequence space.
type ObjType byte

const (
	ObjSuper      ObjType = 1
	ObjData       ObjType = 2
	ObjCheckpoint ObjType = 3
)

// hdrFixedSize is the encoded size of the fixed header fields.
const hdrFixedSize = 40

// Hdr is the fixed header prefixed to every object.
type Hdr struct {
	Type        ObjType
	UUID        uuid.UUID
	Seq         base.SeqNum
	HdrSectors  uint32
	DataSectors uint32
}

func putHdr(b []byte, h *Hdr) {
	binary.LittleEndian.PutUint32(b[0:], Magic)
	binary.LittleEndian.PutUint32(b[4:], Version)
	b[8] = byte(h.Type)
	copy(b[12:28], h.UUID[:])
	binary.LittleEndian.PutUint32(b[28:], uint32(h.Seq))
	binary.LittleEndian.PutUint32(b[32:], h.HdrSectors)
	binary.LittleEndian.PutUint32(b[36:], h.DataSectors)
}

// DecodeHdr decodes and validates the fixed header. Callers that only have
// the first sector use the returned HdrSectors to decide whether a re-read
// of the full header is needed.
func DecodeHdr(b []byte) (*Hdr, error) {
	if len(b) < hdrFixedSize {
		return nil, ErrShortRead
	}
	if binary.LittleEndian.Uint32(b[0:]) != Magic {
		return nil, fmt.Errorf("%w: magic %#x", ErrInvalidObject, binary.LittleEndian.Uint32(b[0:]))
	}
	if v := binary.LittleEndian.Uint32(b[4:]); v != Version {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidObject, v)
	}
	h := &Hdr{
		Type:        ObjType(b[8]),
		Seq:         base.SeqNum(binary.LittleEndian.Uint32(b[28:])),
		HdrSectors:  binary.LittleEndian.Uint32(b[32:]),
		DataSectors: binary.LittleEndian.Uint32(b[36:]),
	}
	copy(h.UUID[:], b[12:28])
	if h.Type < ObjSuper || h.Type > ObjCheckpoint {
		return nil, fmt.Errorf("%w: type %d", ErrInvalidObject, h.Type)
	}
	return h, nil
}

// checkType re-validates a decoded header against the type the caller
// expects at this position in the object namespace.
func checkType(h *Hdr, want ObjType) error {
	if h.Type != want {
		return fmt.Errorf("%w: type %d, want %d", ErrInvalidObject, h.Type, want)
	}
	return nil
}

// region is an (offset, len) pair addressing a variable-length section.
type region struct{ off, length uint32 }

func putRegion(b []byte, r region) {
	binary.LittleEndian.PutUint32(b[0:], r.off)
	binary.LittleEndian.PutUint32(b[4:], r.length)
}

func getRegion(b []byte) region {
	return region{
		off:    binary.LittleEndian.Uint32(b[0:]),
		length: binary.LittleEndian.Uint32(b[4:]),
	}
}

// section returns the bytes a region addresses, or ErrShortRead if the
// object does not contain them.
func section(b []byte, r region) ([]byte, error) {
	end := int64(r.off) + int64(r.length)
	if end > int64(len(b)) {
		return nil, ErrShortRead
	}
	return b[r.off:end], nil
}

func putSeqList(b []byte, seqs []base.SeqNum) {
	for i, s := range seqs {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(s))
	}
}

func getSeqList(b []byte) ([]base.SeqNum, error) {
	if len(b)%4 != 0 {
		return nil, ErrShortRead
	}
	seqs := make([]base.SeqNum, len(b)/4)
	for i := range seqs {
		seqs[i] = base.SeqNum(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return seqs, nil
}

// padToSector rounds a header length up to a whole number of sectors, with
// a one-sector minimum.
func padToSector(n int) int {
	if n < base.SectorSize {
		return base.SectorSize
	}
	return int(base.RoundUp(int64(n), base.SectorSize))
}
