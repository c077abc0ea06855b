package bufferpool

import (
	diskmanager "TideDB/storage_engine/disk_manager"
	"TideDB/storage_engine/page"
	"fmt"
	"log/slog"
	"sort"
)

/*
This file is the main file of the bufferpool.

Buffers are identified by their zone offset (rounded down to BufferSize).
GetBuffer references a buffer and, on the first reference, loads it
synchronously: the zone offset is translated once through the block map
and the bytes are read from the disk manager, or zero-filled for freshly
allocated space. Whoever takes the 0->1 reference is the initializer, and
concurrent referencers sleep on the reference interlock until it is done.

On release, a clean buffer with no references is reclaimable. Dirty
buffers stay resident until the flusher writes them; a META buffer is only
written once the log is durable past the UNDO that covers it.

Every modification of a buffer goes through Modify, which generates the
UNDO record for the changed byte range before the bytes change.
*/

// NewBufferPool creates a buffer pool holding about capacity clean buffers.
func NewBufferPool(capacity int, disk *diskmanager.DiskManager, logger *slog.Logger) *BufferPool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BufferPool{
		buffers:  make(map[uint64]*Buffer, capacity),
		nodes:    make(map[uint64]*Node),
		capacity: capacity,
		disk:     disk,
		logger:   logger,
	}
}

func (bp *BufferPool) SetTranslator(t Translator) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.translator = t
}

func (bp *BufferPool) SetUndoLogger(u UndoLogger) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.undo = u
}

// GetBuffer references the buffer containing offset, loading it if it is
// not resident. On failure the reference is dropped and the error returned.
func (bp *BufferPool) GetBuffer(offset uint64, kind page.Kind, mode Mode) (*Buffer, error) {
	key := offset &^ page.BufferMask
	for {
		bp.mu.Lock()
		buf, exists := bp.buffers[key]
		if exists {
			bp.hits++
		} else {
			buf = &Buffer{Offset: key, Kind: kind}
			bp.buffers[key] = buf
			bp.misses++
			bp.evictLocked()
		}
		bp.tick++
		buf.lastUse = bp.tick
		bp.mu.Unlock()

		if buf.Kind != kind {
			return nil, fmt.Errorf("buffer %#x is %s, requested as %s", key, buf.Kind, kind)
		}

		if !buf.refs.RefInterlock() {
			return buf, nil
		}

		bp.mu.Lock()
		dead := buf.dead
		bp.mu.Unlock()
		if dead {
			buf.refs.RefInterlockAbort()
			continue
		}

		if !buf.loaded {
			if err := bp.load(buf, mode); err != nil {
				buf.refs.RefInterlockAbort()
				bp.discard(buf)
				return nil, fmt.Errorf("failed to load buffer %#x: %w", key, err)
			}
		}
		buf.refs.RefInterlockDone()
		return buf, nil
	}
}

// load runs with the buffer's interlock held.
func (bp *BufferPool) load(buf *Buffer, mode Mode) error {
	phys, err := bp.translate(buf.Offset)
	if err != nil {
		return err
	}

	data := make([]byte, page.BufferSize)
	if mode == ModeLoad {
		if err := bp.disk.ReadAt(phys, data); err != nil {
			return err
		}
		bp.logger.Debug("buffer loaded", "offset", fmt.Sprintf("%#x", buf.Offset), "kind", buf.Kind)
	}

	bp.mu.Lock()
	buf.phys = phys
	buf.Data = data
	buf.loaded = true
	buf.fresh = mode == ModeNew
	bp.mu.Unlock()
	return nil
}

func (bp *BufferPool) translate(offset uint64) (uint64, error) {
	if page.OffsetZone(offset) == page.ZoneRaw {
		return offset, nil
	}
	bp.mu.Lock()
	t := bp.translator
	bp.mu.Unlock()
	if t == nil {
		return 0, ErrNoTranslator
	}
	return t.Translate(offset)
}

// ReleaseBuffer drops a reference. The last release of a clean buffer makes
// it reclaimable; it is dropped right away when the pool is over capacity.
func (bp *BufferPool) ReleaseBuffer(buf *Buffer) {
	if buf == nil {
		return
	}
	if !buf.refs.RelInterlock() {
		return
	}
	bp.mu.Lock()
	if !buf.dirty && !buf.running && len(bp.buffers) > bp.capacity {
		bp.dropLocked(buf)
	}
	bp.mu.Unlock()
	buf.refs.RelInterlockDone()
}

// Modify replaces len(data) bytes at off inside buf. For logged kinds the
// before-image of the bytes that actually change is written to the UNDO log
// first; then the buffer is updated and marked dirty. The caller holds a
// reference on buf.
func (bp *BufferPool) Modify(buf *Buffer, off int, data []byte) error {
	if off < 0 || off+len(data) > page.BufferSize {
		return fmt.Errorf("modify of buffer %#x out of range [%d,%d)", buf.Offset, off, off+len(data))
	}

	buf.lk.LockEx(0)
	defer buf.lk.Unlock()

	// trim the unchanged head and tail so UNDO covers only real changes
	cur := buf.Data[off : off+len(data)]
	lo, hi := 0, len(data)
	for lo < hi && cur[lo] == data[lo] {
		lo++
	}
	for hi > lo && cur[hi-1] == data[hi-1] {
		hi--
	}

	bp.mu.Lock()
	fresh := buf.fresh
	needUndo := buf.Kind.Logged() && !fresh && bp.undo != nil
	undo := bp.undo
	bp.mu.Unlock()

	// a fresh buffer must reach disk even when the new bytes are zero
	if lo == hi && !fresh {
		return nil
	}

	if needUndo && lo < hi {
		lsn, err := undo.LogUndo(buf.phys+uint64(off+lo), cur[lo:hi])
		if err != nil {
			return fmt.Errorf("undo for buffer %#x: %w", buf.Offset, err)
		}
		bp.mu.Lock()
		if lsn > buf.undoLSN {
			buf.undoLSN = lsn
		}
		bp.mu.Unlock()
	}

	copy(cur[lo:hi], data[lo:hi])

	bp.mu.Lock()
	buf.dirty = true
	buf.modseq++
	bp.mu.Unlock()
	return nil
}

// FlushKind writes every dirty buffer of one kind in offset order. META
// buffers whose UNDO is not yet durable are refused with ErrLogNotSynced.
// The caller syncs the volumes afterwards.
func (bp *BufferPool) FlushKind(kind page.Kind) (int, error) {
	bp.mu.Lock()
	var dirty []*Buffer
	for _, buf := range bp.buffers {
		if buf.dirty && buf.Kind == kind && !buf.dead {
			buf.running = true
			dirty = append(dirty, buf)
		}
	}
	waits := kind.WaitsForLog() && bp.undo != nil
	var flushedLSN uint64
	if waits {
		flushedLSN = bp.undo.FlushedLSN()
	}
	bp.mu.Unlock()

	sort.Slice(dirty, func(i, j int) bool { return dirty[i].Offset < dirty[j].Offset })

	defer func() {
		bp.mu.Lock()
		for _, buf := range dirty {
			buf.running = false
		}
		bp.mu.Unlock()
	}()

	written := 0
	for _, buf := range dirty {
		if waits && buf.undoLSN > flushedLSN {
			bp.logger.Error("flush blocked", "offset", fmt.Sprintf("%#x", buf.Offset), "undo_lsn", buf.undoLSN, "flushed_lsn", flushedLSN)
			return written, fmt.Errorf("%w: buffer %#x undo lsn %d, flushed %d", ErrLogNotSynced, buf.Offset, buf.undoLSN, flushedLSN)
		}

		buf.lk.LockSh()
		bp.mu.Lock()
		seq := buf.modseq
		bp.mu.Unlock()
		err := bp.disk.WriteAt(buf.phys, buf.Data)
		buf.lk.Unlock()

		bp.markWritten(buf, seq, err)
		if err != nil {
			return written, fmt.Errorf("failed to flush buffer %#x: %w", buf.Offset, err)
		}
		written++
	}
	return written, nil
}

// markWritten records the outcome of writing buf as it stood at modseq
// seq. A Modify since then keeps the buffer dirty.
func (bp *BufferPool) markWritten(buf *Buffer, seq uint64, err error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	buf.ioerr = err
	if err == nil && buf.modseq == seq {
		buf.dirty = false
		buf.fresh = false
	}
}

// evictLocked drops least recently used clean, unreferenced buffers while
// the pool is over capacity. Dirty buffers never leave before the flusher
// has written them, so the pool may stay over capacity for a while.
func (bp *BufferPool) evictLocked() {
	for len(bp.buffers) > bp.capacity {
		var victim *Buffer
		for _, buf := range bp.buffers {
			if !buf.loaded || buf.dirty || buf.running || buf.refs.Count() != 0 {
				continue
			}
			if victim == nil || buf.lastUse < victim.lastUse {
				victim = buf
			}
		}
		if victim == nil {
			bp.logger.Debug("buffer pool over capacity", "buffers", len(bp.buffers), "capacity", bp.capacity)
			return
		}
		bp.dropLocked(victim)
	}
}

func (bp *BufferPool) dropLocked(buf *Buffer) {
	buf.dead = true
	if bp.buffers[buf.Offset] == buf {
		delete(bp.buffers, buf.Offset)
	}
}

// discard removes a buffer whose load failed, unless someone else
// referenced it meanwhile.
func (bp *BufferPool) discard(buf *Buffer) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if buf.refs.Count() == 0 && !buf.loaded {
		bp.dropLocked(buf)
	}
}

// DropClean forgets every clean unreferenced buffer. Recovery calls it
// after writing before-images underneath the pool.
func (bp *BufferPool) DropClean() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, buf := range bp.buffers {
		if !buf.dirty && !buf.running && buf.refs.Count() == 0 {
			bp.dropLocked(buf)
		}
	}
}
