package wal_manager

import (
	diskmanager "TideDB/storage_engine/disk_manager"
	"TideDB/storage_engine/page"
	"fmt"
	"log/slog"
)

/*

Log region (root volume, [UndoBeg, UndoEnd))
──────────────────────────────────────────────────────────────────
| ... | REDO | REDO | UNDO | UNDO | REDO | UNDO | PAD |  free  ...
──────────────────────────────────────────────────────────────────
        ^ redo_first  ^ undo_first                      ^ next

The region is circular. Records never cross a LogBlockSize boundary; a PAD
record fills the rest of a block when the next record does not fit.
Every record carries a sequence number one higher than the record before
it, which is how recovery finds the real end of the log: the header only
remembers where the committed range starts.

Appending only stages bytes in memory. Sync writes them and fsyncs; the
LSN of the last synced record is what the buffer pool checks before it
writes a META buffer.

*/

// Open attaches to the log region described by the root header. The
// append position is the committed undo_first until recovery moves it to
// the real end with SetPosition.
func Open(disk *diskmanager.DiskManager, hdr *page.VolumeHeader, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if hdr.UndoEnd <= hdr.UndoBeg || (hdr.UndoEnd-hdr.UndoBeg)%LogBlockSize != 0 {
		return nil, fmt.Errorf("wal: bad log region [%#x, %#x)", hdr.UndoBeg, hdr.UndoEnd)
	}
	l := &Log{
		disk:      disk,
		beg:       hdr.UndoBeg,
		end:       hdr.UndoEnd,
		next:      hdr.UndoFirst,
		seq:       hdr.UndoSeq,
		undoFirst: hdr.UndoFirst,
		undoSeq:   hdr.UndoSeq,
		redoFirst: hdr.RedoFirst,
		synced:    hdr.UndoFirst,
		syncedSeq: hdr.UndoSeq,
		history:   newUndoHistory(UndoHistorySize),
		logger:    logger,
	}
	for _, off := range []uint64{hdr.UndoFirst, hdr.UndoNext, hdr.RedoFirst} {
		if !l.inRegion(off) {
			return nil, fmt.Errorf("%w: header log offset %#x outside region", ErrCorrupt, off)
		}
	}
	return l, nil
}

func (l *Log) inRegion(off uint64) bool {
	return off >= l.beg && off < l.end && (off-l.beg)%LogAlign == 0
}

// Capacity is the size of the log region.
func (l *Log) Capacity() uint64 {
	return l.end - l.beg
}

// Distance is the number of log bytes from a forward to b.
func (l *Log) Distance(a, b uint64) uint64 {
	if b >= a {
		return b - a
	}
	return l.Capacity() - (a - b)
}

func (l *Log) advance(off, n uint64) uint64 {
	off += n
	if off >= l.end {
		off -= l.Capacity()
	}
	return off
}

// SetPosition moves the append position, used once recovery has located
// the end of the log.
func (l *Log) SetPosition(next uint64, seq uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = next
	l.seq = seq
	l.synced = next
	l.syncedSeq = seq
}

// Position returns the append offset and the sequence number the next
// record will carry.
func (l *Log) Position() (uint64, uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next, l.seq
}

// RedoFirst is the oldest log offset still needed for REDO.
func (l *Log) RedoFirst() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.redoFirst
}

// UndoFirst is where the running flush group's UNDO starts.
func (l *Log) UndoFirst() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.undoFirst
}

// Free returns the bytes that can still be appended. One block is kept
// back so a full log never looks empty.
func (l *Log) Free() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freeLocked()
}

func (l *Log) freeLocked() uint64 {
	used := l.Distance(l.redoFirst, l.next)
	limit := l.Capacity() - LogBlockSize
	if used >= limit {
		return 0
	}
	return limit - used
}

// UndoSpace is the worst-case log space for the UNDO of n bytes.
func UndoSpace(n int) uint64 {
	chunks := (n + MaxUndoChunk - 1) / MaxUndoChunk
	return uint64(chunks) * 2 * MaxRecordSize
}

// RedoSpace is the worst-case log space for a REDO write of n bytes.
func RedoSpace(n int) uint64 {
	chunks := max(1, (n+MaxRedoChunk-1)/MaxRedoChunk)
	return uint64(chunks) * 2 * MaxRecordSize
}

// Reserve fails with ErrLogFull unless n more bytes fit.
func (l *Log) Reserve(n uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if free := l.freeLocked(); n > free {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrLogFull, n, free)
	}
	return nil
}

// appendLocked stages one record, padding to the next block first when it
// would not fit in the current one.
func (l *Log) appendLocked(typ RecordType, payload []byte) (uint64, error) {
	size := uint64(RecordSize(len(payload)))
	if size > MaxRecordSize {
		return 0, fmt.Errorf("wal: %s payload of %d bytes exceeds a record", typ, len(payload))
	}
	room := LogBlockSize - (l.next-l.beg)%LogBlockSize
	pad := uint64(0)
	if room < size {
		pad = room
	}
	if need := pad + size; need > l.freeLocked() {
		return 0, fmt.Errorf("%w: need %d bytes, %d free", ErrLogFull, need, l.freeLocked())
	}

	if pad > 0 {
		rec := encodeRecord(RecordPad, l.seq, make([]byte, int(pad)-HeadSize-TailSize))
		l.stage(l.next, rec)
		l.next = l.advance(l.next, pad)
		l.seq = nextSeq(l.seq)
		l.lsn++
	}

	at := l.next
	l.stage(at, encodeRecord(typ, l.seq, payload))
	l.next = l.advance(l.next, size)
	l.seq = nextSeq(l.seq)
	l.lsn++
	return at, nil
}

// LogUndo appends UNDO records holding the before-image of
// [phys, phys+len(before)), unless this flush pass already logged the
// range. It returns the LSN that must be synced before the modified buffer
// may be written.
func (l *Log) LogUndo(phys uint64, before []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.history.covered(phys, len(before)) {
		return l.lsn, nil
	}
	for off := 0; off < len(before); off += MaxUndoChunk {
		chunk := before[off:min(off+MaxUndoChunk, len(before))]
		u := Undo{Phys: phys + uint64(off), Before: chunk}
		if _, err := l.appendLocked(RecordUndo, u.encode()); err != nil {
			return 0, err
		}
	}
	l.history.add(phys, len(before))
	return l.lsn, nil
}

// LogRedo appends a REDO operation, split into chunks when its data does
// not fit one record. It returns the log offset of the first chunk, which
// pins the log until the operation's data is flushed.
func (l *Log) LogRedo(r Redo) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.Op == RedoWrite {
		r.Len = uint32(len(r.Data))
	}
	data := r.Data
	first := uint64(0)
	for off := 0; ; off += MaxRedoChunk {
		chunk := r
		chunk.ChunkOff = uint32(off)
		chunk.Data = data[off:min(off+MaxRedoChunk, len(data))]
		at, err := l.appendLocked(RecordRedo, chunk.encode())
		if err != nil {
			return 0, err
		}
		if off == 0 {
			first = at
		}
		if off+MaxRedoChunk >= len(data) {
			break
		}
	}
	return first, nil
}

// LogTerm appends the TERM record for a REDO operation whose data is now
// part of the flush group being committed.
func (l *Log) LogTerm(r Redo) error {
	switch r.Op {
	case RedoWrite:
		r.Op = RedoTermWrite
	case RedoTrunc:
		r.Op = RedoTermTrunc
	}
	r.Data = nil
	r.ChunkOff = 0

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.appendLocked(RecordRedo, r.encode())
	return err
}

// Sync writes every staged record and makes it durable.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		l.flushedLSN = l.lsn
		l.synced, l.syncedSeq = l.next, l.seq
		return nil
	}
	bytes := l.pendingBytes()
	if err := l.writePending(); err != nil {
		return err
	}
	if err := l.disk.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	l.flushedLSN = l.lsn
	l.synced, l.syncedSeq = l.next, l.seq
	l.logger.Debug("log synced", "bytes", bytes, "lsn", l.lsn, "next", fmt.Sprintf("%#x", l.next))
	return nil
}

// FlushedLSN is the LSN up to which the log is durable.
func (l *Log) FlushedLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushedLSN
}

// SyncedSeq is the sequence number the first record after the synced
// position carries.
func (l *Log) SyncedSeq() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncedSeq
}

// NoRedo tells Committed that no REDO record is pending.
const NoRedo = ^uint64(0)

// Committed records that a flush group has become durable: its UNDO is no
// longer needed, so the committed range now starts at the last synced
// position. REDO is only needed from redoFirst (NoRedo: from the new
// undo_first, and never past it). The UNDO history starts over for the
// next pass.
func (l *Log) Committed(redoFirst uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.undoFirst = l.synced
	l.undoSeq = l.syncedSeq
	if redoFirst == NoRedo || l.Distance(l.redoFirst, redoFirst) > l.Distance(l.redoFirst, l.undoFirst) {
		redoFirst = l.undoFirst
	}
	l.redoFirst = redoFirst
	l.history.clear()
}

// Older reports whether log offset a was appended before b, both being in
// the active range.
func (l *Log) Older(a, b uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Distance(l.redoFirst, a) < l.Distance(l.redoFirst, b)
}

// ClearHistory forgets the ranges logged in this flush pass.
func (l *Log) ClearHistory() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history.clear()
}

// FillHeader copies the log's commit fields into hdr. Only valid right
// after Committed. The advisory end is the committed start itself: nothing
// past it is known to be on disk.
func (l *Log) FillHeader(hdr *page.VolumeHeader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hdr.UndoFirst = l.undoFirst
	hdr.UndoNext = l.undoFirst
	hdr.RedoFirst = l.redoFirst
	hdr.UndoSeq = l.undoSeq
}

func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Capacity:   l.Capacity(),
		Used:       l.Distance(l.redoFirst, l.next),
		Next:       l.next,
		UndoFirst:  l.undoFirst,
		RedoFirst:  l.redoFirst,
		Seq:        l.seq,
		Appended:   l.lsn,
		FlushedLSN: l.flushedLSN,
	}
}
