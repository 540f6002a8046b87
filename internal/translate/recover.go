package translate

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/backend"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/extent"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/lsvdlog"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/objio"
)

// recover rebuilds the object map and liveness table from the backend:
// superblock, then the newest checkpoint, then replay of every data
// object written after it. A checkpoint found during replay is applied
// whole; it covers a crash between a checkpoint upload and the
// superblock rewrite that would have named it.
func (t *Translate) recover() error {
	sb, err := t.be.GetHdr(0)
	if err != nil {
		return fmt.Errorf("translate: reading superblock: %w", err)
	}
	sup, err := objio.DecodeSuper(sb)
	if err != nil {
		return fmt.Errorf("translate: decoding superblock: %w", err)
	}
	t.uuid = sup.UUID
	t.volSizeSectors = sup.VolSizeSectors
	t.objInfo[0] = ObjInfo{
		Type:       objio.ObjSuper,
		HdrSectors: int64(len(sb)) / base.SectorSize,
	}

	last := base.SeqNum(0)
	if n := len(sup.Checkpoints); n > 0 {
		seq := sup.Checkpoints[n-1]
		if err := t.loadCheckpoint(seq); err != nil {
			return err
		}
		last = seq
	}

	last, err = t.replay(last)
	if err != nil {
		return err
	}

	t.batchSeq.Store(last)
	t.ackedTo = last
	lsvdlog.Info("translation layer recovered",
		zap.String("uuid", t.uuid.String()),
		zap.Uint32("last_seq", uint32(last)),
		zap.Uint32("last_ckpt", uint32(t.lastCkpt.Load())),
		zap.Int("map_extents", t.omap.Size()))
	return nil
}

// loadCheckpoint fetches checkpoint seq and installs its map and
// object-info table wholesale.
func (t *Translate) loadCheckpoint(seq base.SeqNum) error {
	hdr, err := t.be.GetHdr(seq)
	if err != nil {
		return fmt.Errorf("translate: reading checkpoint %d: %w", seq, err)
	}
	ckpt, err := objio.DecodeCheckpoint(hdr)
	if err != nil {
		return fmt.Errorf("translate: decoding checkpoint %d: %w", seq, err)
	}
	t.applyCheckpoint(ckpt, int64(len(hdr))/base.SectorSize)
	return nil
}

func (t *Translate) applyCheckpoint(ckpt *objio.Checkpoint, hdrSectors int64) {
	t.omap.Reset()
	for s := range t.objInfo {
		if s != 0 {
			delete(t.objInfo, s)
		}
	}
	for _, o := range ckpt.Objects {
		t.objInfo[o.Seq] = ObjInfo{
			Type:        o.Type,
			HdrSectors:  int64(o.HdrSectors),
			DataSectors: int64(o.DataSectors),
			LiveSectors: int64(o.LiveSectors),
		}
	}
	for _, m := range ckpt.Map {
		t.omap.Update(m.LBA, m.LBA+int64(m.Len), extent.ObjLoc{
			Obj: m.Obj, Offset: m.Offset,
		})
	}
	t.objInfo[ckpt.Seq] = ObjInfo{
		Type:       objio.ObjCheckpoint,
		HdrSectors: hdrSectors,
	}
	t.ckptSeqs = append([]base.SeqNum(nil), ckpt.Checkpoints...)
	t.lastCkpt.Store(ckpt.Seq)
	t.seqAtLastCkpt = ckpt.Seq
}

// replay walks the object namespace from last+1 until the first gap,
// applying each object's map entries in sequence order so later writes
// supersede earlier ones exactly as they did originally.
func (t *Translate) replay(last base.SeqNum) (base.SeqNum, error) {
	for seq := last + 1; ; seq++ {
		hdr, err := t.be.GetHdr(seq)
		if errors.Is(err, backend.ErrNotFound) {
			return seq - 1, nil
		}
		if err != nil {
			return 0, fmt.Errorf("translate: replaying object %d: %w", seq, err)
		}

		h, err := objio.DecodeHdr(hdr)
		if err != nil {
			return 0, fmt.Errorf("translate: replaying object %d: %w", seq, err)
		}
		switch h.Type {
		case objio.ObjData:
			d, err := objio.DecodeDataHdr(hdr)
			if err != nil {
				return 0, fmt.Errorf("translate: replaying object %d: %w", seq, err)
			}
			t.applyData(d, int64(h.HdrSectors))
		case objio.ObjCheckpoint:
			ckpt, err := objio.DecodeCheckpoint(hdr)
			if err != nil {
				return 0, fmt.Errorf("translate: replaying object %d: %w", seq, err)
			}
			t.applyCheckpoint(ckpt, int64(h.HdrSectors))
		default:
			return 0, fmt.Errorf("translate: replaying object %d: unexpected type %d", seq, h.Type)
		}
	}
}

func (t *Translate) applyData(d *objio.DataHdr, hdrSectors int64) {
	t.objInfo[d.Seq] = ObjInfo{
		Type:        objio.ObjData,
		HdrSectors:  hdrSectors,
		DataSectors: int64(d.DataSectors),
		LiveSectors: int64(d.DataSectors),
	}
	off := int64(0)
	for _, e := range d.Map {
		sectors := int64(e.Len)
		t.updateMapLocked(e.LBA, sectors, extent.ObjLoc{Obj: d.Seq, Offset: off})
		off += sectors
	}
}
