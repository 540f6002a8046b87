package writecache

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/lsvdlog"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/objio"
)

// recover reads the write-cache superblock and replays the journal from
// the durable oldest cursor: DATA frames rebuild the cache map and are
// re-delivered to the translation layer, PAD frames wrap the scan. The
// scan stops at the first block that fails to decode, repeats the volume
// UUID wrongly, breaks sequence monotonicity, or fails its CRC; a CRC
// mismatch is the torn tail write expected at the head, not an error.
func (c *Cache) recover() error {
	blk := make([]byte, base.NVMeBlockSize)
	if err := c.dev.Pread(blk, c.superBlk*base.NVMeBlockSize); err != nil {
		return fmt.Errorf("writecache: reading superblock: %w", err)
	}
	sup, err := objio.DecodeJSuper(blk)
	if err != nil {
		return fmt.Errorf("writecache: decoding superblock: %w", err)
	}
	if sup.UUID != c.uuid {
		return fmt.Errorf("writecache: journal uuid %s does not match volume %s",
			sup.UUID, c.uuid)
	}
	c.base, c.limit, c.oldest = sup.Base, sup.Limit, sup.Oldest

	cursor := c.oldest
	var lastSeq uint64
	frames := 0
	hdrBlk := make([]byte, base.NVMeBlockSize)
	for {
		h, err := c.scanFrame(hdrBlk, cursor, lastSeq)
		if err != nil {
			lsvdlog.Debug("journal scan stopped",
				zap.Int64("block", cursor), zap.Error(err))
			break
		}
		lastSeq = h.Seq
		frames++
		if h.Type == objio.JPad {
			cursor = c.base
			continue
		}
		cursor += int64(h.LenBlocks)
		if cursor >= c.limit {
			cursor = c.base
		}
	}

	c.next = cursor
	c.seq = max(sup.Seq, lastSeq+1)
	c.updateGauge()
	lsvdlog.Info("write cache recovered",
		zap.Int("frames_replayed", frames),
		zap.Int("map_extents", c.cmap.Size()),
		zap.Int64("oldest", c.oldest),
		zap.Int64("next", c.next))
	return nil
}

var errScanStop = errors.New("writecache: end of journal")

// scanFrame decodes and replays the frame at block cursor. It returns
// errScanStop when the block does not continue the journal. Sequence
// numbers never reset on wrap, so a frame whose sequence does not exceed
// the previous one belongs to an earlier generation.
func (c *Cache) scanFrame(hdrBlk []byte, cursor int64, lastSeq uint64) (*objio.JournalHdr, error) {
	if err := c.dev.Pread(hdrBlk, cursor*base.NVMeBlockSize); err != nil {
		return nil, err
	}
	h, err := objio.DecodeJournalHdr(hdrBlk)
	if err != nil {
		return nil, errScanStop
	}
	if h.UUID != c.uuid || h.Seq <= lastSeq {
		return nil, errScanStop
	}
	if h.Type == objio.JPad {
		if int64(h.LenBlocks) != c.limit-cursor {
			return nil, errScanStop
		}
		c.frames = append(c.frames, &frameRec{
			block: cursor, blocks: c.limit - cursor, wrap: true, ready: true,
		})
		return h, nil
	}
	if int64(h.LenBlocks) < 2 || cursor+int64(h.LenBlocks) > c.limit {
		return nil, errScanStop
	}

	var sectors int64
	for _, e := range h.Extents {
		sectors += int64(e.Len)
	}
	payload := make([]byte, base.SectorsToBytes(sectors))
	if err := c.dev.Pread(payload, (cursor+1)*base.NVMeBlockSize); err != nil {
		return nil, err
	}
	if objio.JournalCRC(h.Extents, payload) != h.CRC {
		return nil, errScanStop
	}

	off := int64(0)
	sector := (cursor + 1) * base.NVMeBlockSectors
	var last base.SeqNum
	for _, e := range h.Extents {
		n := int64(e.Len)
		data := payload[base.SectorsToBytes(off):base.SectorsToBytes(off+n)]
		c.cmap.Update(e.LBA, e.LBA+n, sector+off)
		_, seq, err := c.tr.WriteAt(data, base.SectorsToBytes(e.LBA))
		if err != nil {
			return nil, fmt.Errorf("writecache: replaying frame at block %d: %w", cursor, err)
		}
		if seq > last {
			last = seq
		}
		off += n
	}
	c.frames = append(c.frames, &frameRec{
		block: cursor, blocks: int64(h.LenBlocks),
		extents: h.Extents, trSeq: last, ready: true,
	})
	return h, nil
}
