package objio

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
)

// JSuperType tags the write-cache superblock occupying journal block 0.
// It shares the journal magic but is decoded by its own codec since it is
// not a replayable frame.
const JSuperType byte = 3

// JSuper is the write-cache superblock: the journal's block bounds, the
// durable replay cursor, and the next frame sequence. Oldest and Seq are
// rewritten in place as the reclaim watermark advances; Base and Limit
// are fixed at init.
type JSuper struct {
	UUID   uuid.UUID
	Base   int64
	Limit  int64
	Oldest int64
	Seq    uint64
}

// EncodeJSuper encodes s as one 4 KiB journal block.
func EncodeJSuper(s *JSuper) []byte {
	b := make([]byte, base.NVMeBlockSize)
	binary.LittleEndian.PutUint32(b[0:], JournalMagic)
	b[4] = JSuperType
	b[5] = journalVersion
	copy(b[8:24], s.UUID[:])
	binary.LittleEndian.PutUint64(b[24:], uint64(s.Base))
	binary.LittleEndian.PutUint64(b[32:], uint64(s.Limit))
	binary.LittleEndian.PutUint64(b[40:], uint64(s.Oldest))
	binary.LittleEndian.PutUint64(b[48:], s.Seq)
	return b
}

// DecodeJSuper decodes and validates a write-cache superblock.
func DecodeJSuper(b []byte) (*JSuper, error) {
	if len(b) < base.NVMeBlockSize {
		return nil, ErrShortRead
	}
	if binary.LittleEndian.Uint32(b[0:]) != JournalMagic {
		return nil, fmt.Errorf("%w: journal magic", ErrInvalidObject)
	}
	if b[4] != JSuperType {
		return nil, fmt.Errorf("%w: journal super type %d", ErrInvalidObject, b[4])
	}
	if b[5] != journalVersion {
		return nil, fmt.Errorf("%w: journal version %d", ErrInvalidObject, b[5])
	}
	s := &JSuper{
		Base:   int64(binary.LittleEndian.Uint64(b[24:])),
		Limit:  int64(binary.LittleEndian.Uint64(b[32:])),
		Oldest: int64(binary.LittleEndian.Uint64(b[40:])),
		Seq:    binary.LittleEndian.Uint64(b[48:]),
	}
	copy(s.UUID[:], b[8:24])
	if s.Base <= 0 || s.Limit <= s.Base || s.Oldest < s.Base || s.Oldest >= s.Limit {
		return nil, fmt.Errorf("%w: journal super bounds [%d,%d) oldest %d",
			ErrInvalidObject, s.Base, s.Limit, s.Oldest)
	}
	return s, nil
}
