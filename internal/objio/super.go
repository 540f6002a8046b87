package objio

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
)

// Super is the singleton volume anchor, object 0. It names the volume,
// fixes its size, and lists the live checkpoints recovery starts from.
// NextObj is written as a hint only; recovery does not read it and replays
// forward from the newest checkpoint.
type Super struct {
	UUID           uuid.UUID
	VolSizeSectors int64
	NextObj        base.SeqNum
	Checkpoints    []base.SeqNum
	Clones         []base.SeqNum
	Snapshots      []base.SeqNum
}

// superFixedSize is the type-specific header: vol_size u64, next_obj u32,
// pad u32, then three (off, len) regions.
const superFixedSize = 16 + 3*8

// EncodeSuper encodes s as a complete superblock object.
func EncodeSuper(s *Super) []byte {
	varLen := 4 * (len(s.Checkpoints) + len(s.Clones) + len(s.Snapshots))
	total := padToSector(hdrFixedSize + superFixedSize + varLen)
	b := make([]byte, total)

	putHdr(b, &Hdr{
		Type:       ObjSuper,
		UUID:       s.UUID,
		Seq:        0,
		HdrSectors: uint32(total / base.SectorSize),
	})

	t := b[hdrFixedSize:]
	binary.LittleEndian.PutUint64(t[0:], uint64(s.VolSizeSectors))
	binary.LittleEndian.PutUint32(t[8:], uint32(s.NextObj))

	off := uint32(hdrFixedSize + superFixedSize)
	for i, list := range [][]base.SeqNum{s.Checkpoints, s.Clones, s.Snapshots} {
		length := uint32(4 * len(list))
		putRegion(t[16+i*8:], region{off, length})
		putSeqList(b[off:], list)
		off += length
	}
	return b
}

// DecodeSuper decodes a superblock object.
func DecodeSuper(b []byte) (*Super, error) {
	h, err := DecodeHdr(b)
	if err != nil {
		return nil, err
	}
	if err := checkType(h, ObjSuper); err != nil {
		return nil, err
	}
	if len(b) < hdrFixedSize+superFixedSize {
		return nil, ErrShortRead
	}

	t := b[hdrFixedSize:]
	s := &Super{
		UUID:           h.UUID,
		VolSizeSectors: int64(binary.LittleEndian.Uint64(t[0:])),
		NextObj:        base.SeqNum(binary.LittleEndian.Uint32(t[8:])),
	}

	lists := []*[]base.SeqNum{&s.Checkpoints, &s.Clones, &s.Snapshots}
	for i, dst := range lists {
		sec, err := section(b, getRegion(t[16+i*8:]))
		if err != nil {
			return nil, err
		}
		if *dst, err = getSeqList(sec); err != nil {
			return nil, err
		}
	}
	return s, nil
}
