package objio

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
)

// DataMapEntry places a run of payload sectors at a logical address. The
// payload offset of an entry is the running sum of the Len fields before
// it, so the array fully describes the object's logical placement.
//
// The entry is encoded as {lba: u64, len: u32}, 12 bytes.
type DataMapEntry struct {
	LBA int64
	Len uint32
}

const dataMapEntrySize = 12

// DataHdr is the decoded header of a data object: one sealed batch's
// logical placement plus the GC bookkeeping the translation layer carries.
type DataHdr struct {
	UUID        uuid.UUID
	Seq         base.SeqNum
	LastCkpt    base.SeqNum
	Checkpoints []base.SeqNum
	ObjsCleaned []base.SeqNum
	Map         []DataMapEntry
	DataSectors uint32
}

// dataFixedSize is the type-specific header: last_ckpt u32, pad u32, then
// three (off, len) regions.
const dataFixedSize = 8 + 3*8

func putDataMap(b []byte, entries []DataMapEntry) {
	for i, e := range entries {
		binary.LittleEndian.PutUint64(b[i*dataMapEntrySize:], uint64(e.LBA))
		binary.LittleEndian.PutUint32(b[i*dataMapEntrySize+8:], e.Len)
	}
}

func getDataMap(b []byte) ([]DataMapEntry, error) {
	if len(b)%dataMapEntrySize != 0 {
		return nil, ErrShortRead
	}
	entries := make([]DataMapEntry, len(b)/dataMapEntrySize)
	for i := range entries {
		entries[i].LBA = int64(binary.LittleEndian.Uint64(b[i*dataMapEntrySize:]))
		entries[i].Len = binary.LittleEndian.Uint32(b[i*dataMapEntrySize+8:])
	}
	return entries, nil
}

// EncodeDataHdr encodes d as a data-object header, padded to whole
// sectors. The payload is uploaded separately, immediately after.
func EncodeDataHdr(d *DataHdr) []byte {
	varLen := 4*(len(d.Checkpoints)+len(d.ObjsCleaned)) + dataMapEntrySize*len(d.Map)
	total := padToSector(hdrFixedSize + dataFixedSize + varLen)
	b := make([]byte, total)

	putHdr(b, &Hdr{
		Type:        ObjData,
		UUID:        d.UUID,
		Seq:         d.Seq,
		HdrSectors:  uint32(total / base.SectorSize),
		DataSectors: d.DataSectors,
	})

	t := b[hdrFixedSize:]
	binary.LittleEndian.PutUint32(t[0:], uint32(d.LastCkpt))

	off := uint32(hdrFixedSize + dataFixedSize)

	ckptsLen := uint32(4 * len(d.Checkpoints))
	putRegion(t[8:], region{off, ckptsLen})
	putSeqList(b[off:], d.Checkpoints)
	off += ckptsLen

	cleanedLen := uint32(4 * len(d.ObjsCleaned))
	putRegion(t[16:], region{off, cleanedLen})
	putSeqList(b[off:], d.ObjsCleaned)
	off += cleanedLen

	mapLen := uint32(dataMapEntrySize * len(d.Map))
	putRegion(t[24:], region{off, mapLen})
	putDataMap(b[off:], d.Map)

	return b
}

// DecodeDataHdr decodes a data-object header. b must contain the complete
// header; use DecodeHdr first to learn HdrSectors when only the first
// sector has been read.
func DecodeDataHdr(b []byte) (*DataHdr, error) {
	h, err := DecodeHdr(b)
	if err != nil {
		return nil, err
	}
	if err := checkType(h, ObjData); err != nil {
		return nil, err
	}
	if int64(len(b)) < int64(h.HdrSectors)*base.SectorSize ||
		len(b) < hdrFixedSize+dataFixedSize {
		return nil, ErrShortRead
	}

	t := b[hdrFixedSize:]
	d := &DataHdr{
		UUID:        h.UUID,
		Seq:         h.Seq,
		LastCkpt:    base.SeqNum(binary.LittleEndian.Uint32(t[0:])),
		DataSectors: h.DataSectors,
	}

	sec, err := section(b, getRegion(t[8:]))
	if err != nil {
		return nil, err
	}
	if d.Checkpoints, err = getSeqList(sec); err != nil {
		return nil, err
	}

	if sec, err = section(b, getRegion(t[16:])); err != nil {
		return nil, err
	}
	if d.ObjsCleaned, err = getSeqList(sec); err != nil {
		return nil, err
	}

	if sec, err = section(b, getRegion(t[24:])); err != nil {
		return nil, err
	}
	if d.Map, err = getDataMap(sec); err != nil {
		return nil, err
	}
	return d, nil
}
