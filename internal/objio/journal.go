package objio

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
)

// JournalMagic prefixes every write-cache journal frame header.
const JournalMagic uint32 = 0x4a56534c // "LSVJ"

// Journal frame types.
const (
	JData byte = 1
	JPad  byte = 2
)

// journalVersion is the journal frame format version.
const journalVersion byte = 1

// JExtent places a run of frame payload sectors at a logical address,
// encoded as {lba: u64, len: u32}.
type JExtent struct {
	LBA int64
	Len uint32
}

const jExtentSize = 12

// JournalHdr is one frame header, occupying exactly one 4 KiB journal
// block. The extent list is embedded in the header block after the fixed
// fields; LenBlocks counts the header block plus the payload blocks. CRC
// is CRC-32 (IEEE) over the encoded extent list followed by the payload.
type JournalHdr struct {
	Type      byte
	UUID      uuid.UUID
	Seq       uint64
	LenBlocks uint32
	Extents   []JExtent
	CRC       uint32
}

// journalFixedSize is the fixed portion: magic u32, type u8, version u8,
// pad u16, uuid 16, seq u64, len u32, crc u32, extent_off u32,
// extent_len u32.
const journalFixedSize = 48

// MaxJournalExtents is how many extents fit in one frame header block.
const MaxJournalExtents = (base.NVMeBlockSize - journalFixedSize) / jExtentSize

// JournalCRC computes the frame checksum over the encoded extent list and
// the payload bytes.
func JournalCRC(extents []JExtent, payload []byte) uint32 {
	buf := make([]byte, jExtentSize*len(extents))
	for i, e := range extents {
		binary.LittleEndian.PutUint64(buf[i*jExtentSize:], uint64(e.LBA))
		binary.LittleEndian.PutUint32(buf[i*jExtentSize+8:], e.Len)
	}
	c := crc32.ChecksumIEEE(buf)
	return crc32.Update(c, crc32.IEEETable, payload)
}

// EncodeJournalHdr encodes h as one 4 KiB header block, computing the CRC
// from h.Extents and payload. PAD frames pass a nil payload.
func EncodeJournalHdr(h *JournalHdr, payload []byte) ([]byte, error) {
	if len(h.Extents) > MaxJournalExtents {
		return nil, fmt.Errorf("objio: %d extents exceed frame capacity %d",
			len(h.Extents), MaxJournalExtents)
	}
	b := make([]byte, base.NVMeBlockSize)
	binary.LittleEndian.PutUint32(b[0:], JournalMagic)
	b[4] = h.Type
	b[5] = journalVersion
	copy(b[8:24], h.UUID[:])
	binary.LittleEndian.PutUint64(b[24:], h.Seq)
	binary.LittleEndian.PutUint32(b[32:], h.LenBlocks)
	binary.LittleEndian.PutUint32(b[36:], JournalCRC(h.Extents, payload))
	binary.LittleEndian.PutUint32(b[40:], journalFixedSize)
	binary.LittleEndian.PutUint32(b[44:], uint32(jExtentSize*len(h.Extents)))

	for i, e := range h.Extents {
		off := journalFixedSize + i*jExtentSize
		binary.LittleEndian.PutUint64(b[off:], uint64(e.LBA))
		binary.LittleEndian.PutUint32(b[off+8:], e.Len)
	}
	return b, nil
}

// DecodeJournalHdr decodes one frame header block. The CRC is returned for
// the caller to verify against the payload; a recovery scan treats a
// mismatch at the tail as a torn write rather than an error.
func DecodeJournalHdr(b []byte) (*JournalHdr, error) {
	if len(b) < base.NVMeBlockSize {
		return nil, ErrShortRead
	}
	if binary.LittleEndian.Uint32(b[0:]) != JournalMagic {
		return nil, fmt.Errorf("%w: journal magic", ErrInvalidObject)
	}
	if b[5] != journalVersion {
		return nil, fmt.Errorf("%w: journal version %d", ErrInvalidObject, b[5])
	}
	h := &JournalHdr{
		Type:      b[4],
		Seq:       binary.LittleEndian.Uint64(b[24:]),
		LenBlocks: binary.LittleEndian.Uint32(b[32:]),
		CRC:       binary.LittleEndian.Uint32(b[36:]),
	}
	copy(h.UUID[:], b[8:24])
	if h.Type != JData && h.Type != JPad {
		return nil, fmt.Errorf("%w: journal frame type %d", ErrInvalidObject, h.Type)
	}

	extOff := binary.LittleEndian.Uint32(b[40:])
	extLen := binary.LittleEndian.Uint32(b[44:])
	if int64(extOff)+int64(extLen) > base.NVMeBlockSize || extLen%jExtentSize != 0 {
		return nil, ErrShortRead
	}
	h.Extents = make([]JExtent, extLen/jExtentSize)
	for i := range h.Extents {
		off := extOff + uint32(i*jExtentSize)
		h.Extents[i].LBA = int64(binary.LittleEndian.Uint64(b[off:]))
		h.Extents[i].Len = binary.LittleEndian.Uint32(b[off+8:])
	}
	return h, nil
}
