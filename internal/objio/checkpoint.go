package objio

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
)

// ObjInfoEntry is one row of a checkpoint's object-liveness table,
// encoded as {seq: u32, type: u32, hdr: u32, data: u32, live: u32}.
type ObjInfoEntry struct {
	Seq         base.SeqNum
	Type        ObjType
	HdrSectors  uint32
	DataSectors uint32
	LiveSectors uint32
}

const objInfoEntrySize = 20

// CkptMapEntry is one flattened object-map extent, encoded as
// {lba: u64, len: u32, obj: u32, offset: u64}.
type CkptMapEntry struct {
	LBA    int64
	Len    uint32
	Obj    base.SeqNum
	Offset int64
}

const ckptMapEntrySize = 24

// Checkpoint is a self-describing snapshot of the translation layer's
// persistent state as of Seq: the flattened object map, the object-info
// table, and the deferred-delete list GC works from.
type Checkpoint struct {
	UUID        uuid.UUID
	Seq         base.SeqNum
	Checkpoints []base.SeqNum
	Objects     []ObjInfoEntry
	Deletes     []base.SeqNum
	Map         []CkptMapEntry
}

// ckptFixedSize is the type-specific header: four (off, len) regions.
const ckptFixedSize = 4 * 8

// EncodeCheckpoint encodes c as a complete checkpoint object.
func EncodeCheckpoint(c *Checkpoint) []byte {
	varLen := 4*(len(c.Checkpoints)+len(c.Deletes)) +
		objInfoEntrySize*len(c.Objects) + ckptMapEntrySize*len(c.Map)
	total := padToSector(hdrFixedSize + ckptFixedSize + varLen)
	b := make([]byte, total)

	putHdr(b, &Hdr{
		Type:       ObjCheckpoint,
		UUID:       c.UUID,
		Seq:        c.Seq,
		HdrSectors: uint32(total / base.SectorSize),
	})

	t := b[hdrFixedSize:]
	off := uint32(hdrFixedSize + ckptFixedSize)

	ckptsLen := uint32(4 * len(c.Checkpoints))
	putRegion(t[0:], region{off, ckptsLen})
	putSeqList(b[off:], c.Checkpoints)
	off += ckptsLen

	objsLen := uint32(objInfoEntrySize * len(c.Objects))
	putRegion(t[8:], region{off, objsLen})
	for i, o := range c.Objects {
		e := b[off+uint32(i*objInfoEntrySize):]
		binary.LittleEndian.PutUint32(e[0:], uint32(o.Seq))
		binary.LittleEndian.PutUint32(e[4:], uint32(o.Type))
		binary.LittleEndian.PutUint32(e[8:], o.HdrSectors)
		binary.LittleEndian.PutUint32(e[12:], o.DataSectors)
		binary.LittleEndian.PutUint32(e[16:], o.LiveSectors)
	}
	off += objsLen

	delLen := uint32(4 * len(c.Deletes))
	putRegion(t[16:], region{off, delLen})
	putSeqList(b[off:], c.Deletes)
	off += delLen

	mapLen := uint32(ckptMapEntrySize * len(c.Map))
	putRegion(t[24:], region{off, mapLen})
	for i, m := range c.Map {
		e := b[off+uint32(i*ckptMapEntrySize):]
		binary.LittleEndian.PutUint64(e[0:], uint64(m.LBA))
		binary.LittleEndian.PutUint32(e[8:], m.Len)
		binary.LittleEndian.PutUint32(e[12:], uint32(m.Obj))
		binary.LittleEndian.PutUint64(e[16:], uint64(m.Offset))
	}
	return b
}

// DecodeCheckpoint decodes a checkpoint object. Decoding never partially
// mutates caller state; the result is built whole and returned on success.
func DecodeCheckpoint(b []byte) (*Checkpoint, error) {
	h, err := DecodeHdr(b)
	if err != nil {
		return nil, err
	}
	if err := checkType(h, ObjCheckpoint); err != nil {
		return nil, err
	}
	if len(b) < hdrFixedSize+ckptFixedSize {
		return nil, ErrShortRead
	}

	t := b[hdrFixedSize:]
	c := &Checkpoint{UUID: h.UUID, Seq: h.Seq}

	sec, err := section(b, getRegion(t[0:]))
	if err != nil {
		return nil, err
	}
	if c.Checkpoints, err = getSeqList(sec); err != nil {
		return nil, err
	}

	if sec, err = section(b, getRegion(t[8:])); err != nil {
		return nil, err
	}
	if len(sec)%objInfoEntrySize != 0 {
		return nil, ErrShortRead
	}
	c.Objects = make([]ObjInfoEntry, len(sec)/objInfoEntrySize)
	for i := range c.Objects {
		e := sec[i*objInfoEntrySize:]
		c.Objects[i] = ObjInfoEntry{
			Seq:         base.SeqNum(binary.LittleEndian.Uint32(e[0:])),
			Type:        ObjType(binary.LittleEndian.Uint32(e[4:])),
			HdrSectors:  binary.LittleEndian.Uint32(e[8:]),
			DataSectors: binary.LittleEndian.Uint32(e[12:]),
			LiveSectors: binary.LittleEndian.Uint32(e[16:]),
		}
	}

	if sec, err = section(b, getRegion(t[16:])); err != nil {
		return nil, err
	}
	if c.Deletes, err = getSeqList(sec); err != nil {
		return nil, err
	}

	if sec, err = section(b, getRegion(t[24:])); err != nil {
		return nil, err
	}
	if len(sec)%ckptMapEntrySize != 0 {
		return nil, ErrShortRead
	}
	c.Map = make([]CkptMapEntry, len(sec)/ckptMapEntrySize)
	for i := range c.Map {
		e := sec[i*ckptMapEntrySize:]
		c.Map[i] = CkptMapEntry{
			LBA:    int64(binary.LittleEndian.Uint64(e[0:])),
			Len:    binary.LittleEndian.Uint32(e[8:]),
			Obj:    base.SeqNum(binary.LittleEndian.Uint32(e[12:])),
			Offset: int64(binary.LittleEndian.Uint64(e[16:])),
		}
	}
	return c, nil
}
