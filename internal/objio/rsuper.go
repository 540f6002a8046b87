package objio

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
)

// RSuperType tags the read-cache superblock.
const RSuperType byte = 4

// RSuper is the read-cache superblock: the cache-line area geometry and
// the location of the persisted flat map, all in 4 KiB blocks. The flat
// map itself is an array of packed (obj, line) units, one u64 per cache
// line, rewritten as lines fill and evict so the cache is warm across
// restarts.
type RSuper struct {
	UUID      uuid.UUID
	Base      int64
	Units     int64
	MapStart  int64
	MapBlocks int64
}

// EncodeRSuper encodes s as one 4 KiB block.
func EncodeRSuper(s *RSuper) []byte {
	b := make([]byte, base.NVMeBlockSize)
	binary.LittleEndian.PutUint32(b[0:], JournalMagic)
	b[4] = RSuperType
	b[5] = journalVersion
	copy(b[8:24], s.UUID[:])
	binary.LittleEndian.PutUint64(b[24:], uint64(s.Base))
	binary.LittleEndian.PutUint64(b[32:], uint64(s.Units))
	binary.LittleEndian.PutUint64(b[40:], uint64(s.MapStart))
	binary.LittleEndian.PutUint64(b[48:], uint64(s.MapBlocks))
	return b
}

// DecodeRSuper decodes and validates a read-cache superblock.
func DecodeRSuper(b []byte) (*RSuper, error) {
	if len(b) < base.NVMeBlockSize {
		return nil, ErrShortRead
	}
	if binary.LittleEndian.Uint32(b[0:]) != JournalMagic {
		return nil, fmt.Errorf("%w: journal magic", ErrInvalidObject)
	}
	if b[4] != RSuperType {
		return nil, fmt.Errorf("%w: read cache super type %d", ErrInvalidObject, b[4])
	}
	if b[5] != journalVersion {
		return nil, fmt.Errorf("%w: journal version %d", ErrInvalidObject, b[5])
	}
	s := &RSuper{
		Base:      int64(binary.LittleEndian.Uint64(b[24:])),
		Units:     int64(binary.LittleEndian.Uint64(b[32:])),
		MapStart:  int64(binary.LittleEndian.Uint64(b[40:])),
		MapBlocks: int64(binary.LittleEndian.Uint64(b[48:])),
	}
	copy(s.UUID[:], b[8:24])
	if s.Units <= 0 || s.Base <= 0 || s.MapStart <= 0 ||
		s.MapBlocks < base.DivRoundUp(8*s.Units, base.NVMeBlockSize) {
		return nil, fmt.Errorf("%w: read cache super geometry", ErrInvalidObject)
	}
	return s, nil
}
