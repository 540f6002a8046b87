package translate

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pjd-nu/lsvd-rbd-v2/internal/base"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/extent"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/lsvdlog"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/metrics"
	"github.com/pjd-nu/lsvd-rbd-v2/internal/objio"
)

func aligned(off int64, n int) bool {
	return off%base.SectorSize == 0 && n%base.SectorSize == 0
}

// updateMapLocked routes every map insert through one place, decrementing
// the live-sector count of each superseded object that already has a
// liveness record. Extents of a batch that has not been uploaded yet are
// not subtracted; upload records that object's full data-sector count.
// Caller holds t.mu.
func (t *Translate) updateMapLocked(lba, sectors int64, loc extent.ObjLoc) {
	for e := range t.omap.Iterate(lba, lba+sectors) {
		if info, ok := t.objInfo[e.Value.Obj]; ok {
			info.LiveSectors -= e.Limit - e.Base
			t.objInfo[e.Value.Obj] = info
		}
	}
	t.omap.Update(lba, lba+sectors, loc)
}

// sealLocked pushes the current batch onto the work queue and clears it,
// returning the sealed sequence (0 if nothing to seal). Caller holds t.mu.
func (t *Translate) sealLocked() base.SeqNum {
	if t.cur == nil || t.cur.bytes() == 0 {
		return 0
	}
	seq := t.cur.seq
	t.pool.Put(t.cur)
	t.cur = nil
	return seq
}

// WriteAt appends data at byte offset off, updating the object map so the
// write is visible to every subsequent read. It returns the sequence of
// the batch the final chunk landed in. Writes larger than the batch size
// span multiple batches.
func (t *Translate) WriteAt(data []byte, off int64) (int, base.SeqNum, error) {
	if err := t.failed(); err != nil {
		return -1, 0, err
	}
	if !aligned(off, len(data)) || len(data) == 0 {
		return -1, 0, ErrInvalidArgument
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return -1, 0, ErrShutdown
	}

	written := 0
	lba := base.BytesToSectors(off)
	for written < len(data) {
		if t.cur != nil && t.cur.bytes()+int64(len(data)-written) > t.cfg.BatchSize {
			t.sealLocked()
		}
		if t.cur == nil {
			if n := len(t.free); n > 0 {
				t.cur = t.free[n-1]
				t.free = t.free[:n-1]
			} else {
				t.cur = newBatch(t.cfg.BatchSize)
			}
			t.cur.reset(t.batchSeq.Add(1))
			t.inMem[t.cur.seq] = t.cur
		}

		space := t.cfg.BatchSize - t.cur.bytes()
		chunk := min(int64(len(data)-written), space)
		sectorOff := base.BytesToSectors(t.cur.bytes())
		if _, err := t.cur.buf.Allocate(data[written : written+int(chunk)]); err != nil {
			return written, t.cur.seq, err
		}

		sectors := base.BytesToSectors(chunk)
		t.cur.entries = append(t.cur.entries, objio.DataMapEntry{
			LBA: lba, Len: uint32(sectors),
		})
		t.updateMapLocked(lba, sectors, extent.ObjLoc{Obj: t.cur.seq, Offset: sectorOff})

		lba += sectors
		written += int(chunk)
	}
	return written, t.cur.seq, nil
}

// pendingRead is a region to fetch from the backend after the map walk.
type pendingRead struct {
	seq     base.SeqNum
	byteOff int64
	dst     []byte
}

// ReadAt fills buf from byte offset off, zeroing unmapped holes. Regions
// whose batch has not been uploaded yet are copied from memory under the
// mutex; the rest are fetched from the backend after it is released.
func (t *Translate) ReadAt(buf []byte, off int64) (int, error) {
	if err := t.failed(); err != nil {
		return -1, err
	}
	if !aligned(off, len(buf)) {
		return -1, ErrInvalidArgument
	}

	first := base.BytesToSectors(off)
	limit := first + base.BytesToSectors(int64(len(buf)))

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return -1, ErrShutdown
	}

	var pending []pendingRead
	cursor := first
	for e := range t.omap.Iterate(first, limit) {
		if e.Base > cursor {
			zero(buf[base.SectorsToBytes(cursor-first):base.SectorsToBytes(e.Base-first)])
		}
		dst := buf[base.SectorsToBytes(e.Base-first):base.SectorsToBytes(e.Limit-first)]
		if b, ok := t.inMem[e.Value.Obj]; ok {
			copy(dst, b.buf.Bytes()[base.SectorsToBytes(e.Value.Offset):])
		} else {
			hdrSectors := t.objInfo[e.Value.Obj].HdrSectors
			pending = append(pending, pendingRead{
				seq:     e.Value.Obj,
				byteOff: base.SectorsToBytes(hdrSectors + e.Value.Offset),
				dst:     dst,
			})
		}
		cursor = e.Limit
	}
	if cursor < limit {
		zero(buf[base.SectorsToBytes(cursor-first):])
	}
	t.mu.Unlock()

	for _, p := range pending {
		got, err := t.be.Get(p.seq, p.byteOff, len(p.dst))
		if err != nil {
			return -1, err
		}
		if len(got) < len(p.dst) {
			return -1, objio.ErrShortRead
		}
		copy(p.dst, got)
	}
	return len(buf), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Flush seals the current batch, if non-empty, and enqueues it for
// upload. It returns the sealed sequence, or 0 if there was nothing to
// seal. The sealed sequence and all prior ones are then either uploaded
// or in the work queue.
func (t *Translate) Flush() (base.SeqNum, error) {
	if err := t.failed(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrShutdown
	}
	return t.sealLocked(), nil
}

// Checkpoint seals any current batch, then writes a checkpoint object
// carrying the flattened object map, the object-liveness table, and the
// deferred-delete list, and finally rewrites the superblock to name it.
// The on-disk checkpoint reflects every write with a smaller sequence.
func (t *Translate) Checkpoint() (base.SeqNum, error) {
	if err := t.failed(); err != nil {
		return 0, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrShutdown
	}
	t.sealLocked()
	seq := t.batchSeq.Add(1)

	// Every data object below the checkpoint's sequence must be durable
	// before the snapshot, or recovery's replay (which starts above it)
	// would find map entries pointing at objects it never reads. Writes
	// arriving meanwhile land above seq and are covered by replay.
	for {
		pending := false
		for s := range t.inMem {
			if s < seq {
				pending = true
				break
			}
		}
		if !pending {
			break
		}
		if t.cfg.NoThreads {
			t.mu.Unlock()
			if err := t.Drain(); err != nil {
				return 0, err
			}
			t.mu.Lock()
		} else {
			t.uploaded.Wait()
		}
		if err := t.failed(); err != nil {
			t.mu.Unlock()
			return 0, err
		}
	}

	ckpt := &objio.Checkpoint{UUID: t.uuid, Seq: seq}

	seqs := make([]base.SeqNum, 0, len(t.objInfo))
	for s := range t.objInfo {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, s := range seqs {
		info := t.objInfo[s]
		ckpt.Objects = append(ckpt.Objects, objio.ObjInfoEntry{
			Seq:         s,
			Type:        info.Type,
			HdrSectors:  uint32(info.HdrSectors),
			DataSectors: uint32(info.DataSectors),
			LiveSectors: uint32(max(info.LiveSectors, 0)),
		})
		if info.Type == objio.ObjData && info.LiveSectors <= 0 {
			ckpt.Deletes = append(ckpt.Deletes, s)
		}
	}

	for e := range t.omap.Iterate(0, t.volSizeSectors) {
		ckpt.Map = append(ckpt.Map, objio.CkptMapEntry{
			LBA:    e.Base,
			Len:    uint32(e.Limit - e.Base),
			Obj:    e.Value.Obj,
			Offset: e.Value.Offset,
		})
	}

	t.ckptSeqs = append(t.ckptSeqs, seq)
	if len(t.ckptSeqs) > 3 {
		t.ckptSeqs = t.ckptSeqs[len(t.ckptSeqs)-3:]
	}
	ckpt.Checkpoints = append([]base.SeqNum(nil), t.ckptSeqs...)
	ckptList := append([]base.SeqNum(nil), t.ckptSeqs...)
	t.seqAtLastCkpt = seq
	t.mu.Unlock()

	encoded := objio.EncodeCheckpoint(ckpt)
	if err := t.be.Put(seq, [][]byte{encoded}); err != nil {
		t.fail(err)
		return 0, err
	}

	sb := objio.EncodeSuper(&objio.Super{
		UUID:           t.uuid,
		VolSizeSectors: t.volSizeSectors,
		NextObj:        seq + 1,
		Checkpoints:    ckptList,
	})
	if err := t.be.Put(0, [][]byte{sb}); err != nil {
		t.fail(err)
		return 0, err
	}

	t.mu.Lock()
	t.objInfo[seq] = ObjInfo{
		Type:       objio.ObjCheckpoint,
		HdrSectors: int64(len(encoded) / base.SectorSize),
	}
	t.mu.Unlock()

	t.lastCkpt.Store(seq)
	t.ack(seq)
	metrics.CheckpointsWritten.Inc()
	return seq, nil
}

// upload is the worker body: it frames one sealed batch as a data object,
// records its liveness row, uploads it, and recycles the batch. A backend
// failure stops the engine; nothing retries here.
func (t *Translate) upload(b *batch) error {
	if lim := t.cfg.UploadLimit; lim != nil {
		if err := lim.Wait(context.Background()); err != nil {
			return err
		}
	}

	payload := b.buf.Bytes()
	dataSectors := base.BytesToSectors(int64(len(payload)))

	d := &objio.DataHdr{
		UUID:        t.uuid,
		Seq:         b.seq,
		LastCkpt:    t.lastCkpt.Load(),
		Map:         append([]objio.DataMapEntry(nil), b.entries...),
		DataSectors: uint32(dataSectors),
	}
	if d.LastCkpt != 0 {
		d.Checkpoints = []base.SeqNum{d.LastCkpt}
	}
	hdr := objio.EncodeDataHdr(d)

	t.mu.Lock()
	t.objInfo[b.seq] = ObjInfo{
		Type:        objio.ObjData,
		HdrSectors:  int64(len(hdr) / base.SectorSize),
		DataSectors: dataSectors,
		LiveSectors: dataSectors,
	}
	t.mu.Unlock()

	if err := t.be.Put(b.seq, [][]byte{hdr, payload}); err != nil {
		t.fail(err)
		t.mu.Lock()
		t.uploaded.Broadcast()
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	delete(t.inMem, b.seq)
	t.uploaded.Broadcast()
	if len(t.free) < t.cfg.Workers+2 {
		t.free = append(t.free, b)
	} else if err := b.buf.Close(); err != nil {
		lsvdlog.Warn("batch arena release failed", zap.Error(err))
	}
	t.mu.Unlock()

	metrics.BatchUploads.Inc()
	t.ack(b.seq)
	return nil
}

// ack marks seq durable and advances the contiguous acknowledged-upload
// watermark, notifying the write cache when it moves.
func (t *Translate) ack(seq base.SeqNum) {
	t.mu.Lock()
	t.acked[seq] = true
	moved := false
	for t.acked[t.ackedTo+1] {
		delete(t.acked, t.ackedTo+1)
		t.ackedTo++
		moved = true
	}
	w := t.ackedTo
	t.mu.Unlock()

	if moved {
		if fn := t.uploadNotify.Load(); fn != nil {
			(*fn)(w)
		}
	}
}

// ckptTick runs on the checkpoint thread: checkpoint once enough batches
// have been cut since the last one.
func (t *Translate) ckptTick() error {
	t.mu.Lock()
	delta := int(t.batchSeq.Load() - t.seqAtLastCkpt)
	t.mu.Unlock()
	if delta <= t.cfg.CkptInterval {
		return nil
	}
	if _, err := t.Checkpoint(); err != nil && err != ErrShutdown {
		lsvdlog.Error("periodic checkpoint failed", zap.Error(err))
		return err
	}
	return nil
}

// flushTick runs on the flush thread: seal a batch that has been sitting
// open too long so small writers still reach the backend promptly.
func (t *Translate) flushTick() error {
	t.mu.Lock()
	stale := t.cur != nil && t.cur.bytes() > 0 && time.Since(t.cur.opened) > flushAge
	t.mu.Unlock()
	if stale {
		if _, err := t.Flush(); err != nil && err != ErrShutdown {
			return err
		}
	}
	return nil
}
