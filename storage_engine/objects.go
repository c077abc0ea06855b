package storageengine

import (
	"TideDB/storage_engine/record"
	txn "TideDB/storage_engine/transaction_manager"
	"TideDB/storage_engine/wal_manager"
	"TideDB/types"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"
)

/*
Frontend operations on objects.

File data is kept as DATA records, one per aligned DataBlockSize block,
keyed by the end offset of the bytes they hold (base + length). Rewriting
part of a block reads the block as it currently stands, overlays the new
bytes and queues a record for the whole block; the flusher later replaces
the on-disk element of the same base.

Write and Truncate log REDO before touching the object so a crash before
the next flush group loses nothing. Put and Delete handle every other
record type and are only durable once flushed.
*/

// Begin starts a standard transaction, waiting first while too many
// records are pending.
func (s *Store) Begin(ctx context.Context) (*txn.Transaction, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}
	if err := s.throttle(ctx); err != nil {
		return nil, err
	}
	return s.txns.Begin(txn.KindStandard), nil
}

// BeginReadOnly starts a transaction reading as of the newest TID handed
// out so far.
func (s *Store) BeginReadOnly() *txn.Transaction {
	return s.txns.Begin(txn.KindReadOnly)
}

func (s *Store) Commit(tx *txn.Transaction) error {
	dirty := len(tx.Dirty())
	if err := s.txns.Commit(tx); err != nil {
		return err
	}
	if dirty > 0 && s.pending.Load() >= int64(s.opts.DirtyLimit)/2 {
		s.Kick()
	}
	return nil
}

// Abort ends tx. Records it already queued stay queued.
func (s *Store) Abort(tx *txn.Transaction) error {
	return s.txns.Abort(tx)
}

// throttle holds a frontend back while the flusher is behind. It wakes at
// least every throttleWake to re-check, so waiters make progress in turn
// as groups complete.
func (s *Store) throttle(ctx context.Context) error {
	if !s.overloaded() {
		return nil
	}
	s.counters.throttled.Add(1)
	for s.overloaded() {
		if err := s.brokenErr(); err != nil {
			return err
		}
		done := s.groupDoneChan()
		s.Kick()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		case <-time.After(throttleWake):
		}
	}
	return nil
}

func (s *Store) overloaded() bool {
	if s.pending.Load() >= int64(s.opts.DirtyLimit) {
		return true
	}
	return s.log.Free() < s.log.Capacity()/4
}

func (s *Store) checkWrite(tx *txn.Transaction) error {
	if tx == nil || tx.State != txn.TxnActive || tx.Kind != txn.KindStandard {
		return ErrWrongTxn
	}
	return s.writable()
}

// asof is the TID tx reads as of.
func asof(tx *txn.Transaction) types.TID {
	if tx != nil && tx.Kind == txn.KindReadOnly {
		return tx.TID
	}
	return asofLatest
}

func dataKey(ref txn.ObjectRef, key int64, tid types.TID) types.Key {
	return types.Key{Localization: ref.PFS, ObjID: ref.ObjID, RecType: types.RecTypeData, Key: key, CreateTID: tid}
}

// blockRange is the key range holding the DATA records of the block at
// base.
func blockRange(ref txn.ObjectRef, base int64) (types.Key, types.Key) {
	return dataKey(ref, base+1, types.NoTID), dataKey(ref, base+DataBlockSize, types.MaxTID)
}

// ############################################# FILE DATA ############################################

// Write stores data at off in the object.
func (s *Store) Write(tx *txn.Transaction, ref txn.ObjectRef, off int64, data []byte) error {
	if err := s.checkWrite(tx); err != nil {
		return err
	}
	if off < 0 || len(data) == 0 || off > math.MaxInt64-int64(len(data)) {
		return fmt.Errorf("%w: write of %d bytes at %d", ErrBadRange, len(data), off)
	}
	obj := s.object(ref)
	obj.lk.LockEx(tx.Owner())
	defer obj.lk.Unlock()

	redo := wal_manager.Redo{Op: wal_manager.RedoWrite, PFS: ref.PFS, ObjID: ref.ObjID, TID: tx.TID, Offset: uint64(off), Data: data}
	at, err := s.logRedo(redo)
	if err != nil {
		return err
	}
	defer s.doneRedo(at)
	rr := &record.RedoRef{Op: uint16(redo.Op), At: at, TID: tx.TID, Offset: uint64(off)}
	if err := s.writeLocked(obj, tx.TID, off, data, rr); err != nil {
		return err
	}
	tx.MarkDirty(ref.PFS, ref.ObjID)
	return nil
}

// Truncate cuts the object's data at size.
func (s *Store) Truncate(tx *txn.Transaction, ref txn.ObjectRef, size int64) error {
	if err := s.checkWrite(tx); err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("%w: truncate to %d", ErrBadRange, size)
	}
	obj := s.object(ref)
	obj.lk.LockEx(tx.Owner())
	defer obj.lk.Unlock()

	redo := wal_manager.Redo{Op: wal_manager.RedoTrunc, PFS: ref.PFS, ObjID: ref.ObjID, TID: tx.TID, Offset: uint64(size)}
	at, err := s.logRedo(redo)
	if err != nil {
		return err
	}
	defer s.doneRedo(at)
	rr := &record.RedoRef{Op: uint16(redo.Op), At: at, TID: tx.TID, Offset: uint64(size)}
	if err := s.truncateLocked(obj, tx.TID, size, rr); err != nil {
		return err
	}
	tx.MarkDirty(ref.PFS, ref.ObjID)
	return nil
}

// logRedo appends r and registers it as in flight until the caller has
// queued its records and calls doneRedo.
func (s *Store) logRedo(r wal_manager.Redo) (uint64, error) {
	if err := s.log.Reserve(wal_manager.RedoSpace(len(r.Data))); err != nil {
		s.Kick()
		return 0, err
	}
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	at, err := s.log.LogRedo(r)
	if err != nil {
		return 0, err
	}
	s.inflight[at]++
	return at, nil
}

func (s *Store) doneRedo(at uint64) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[at]--; s.inflight[at] <= 0 {
		delete(s.inflight, at)
	}
}

// Fsync makes every REDO logged so far durable. Records are flushed to the
// tree later; a crash replays them.
func (s *Store) Fsync() error {
	if err := s.writable(); err != nil {
		return err
	}
	return s.log.Sync()
}

func (s *Store) writeLocked(obj *object, tid types.TID, off int64, data []byte, rr *record.RedoRef) error {
	for len(data) > 0 {
		base := off &^ (DataBlockSize - 1)
		within := int(off - base)
		n := min(DataBlockSize-within, len(data))

		cur, err := s.readBlock(obj, base, asofLatest)
		if err != nil {
			return err
		}
		block := make([]byte, max(len(cur), within+n))
		copy(block, cur)
		copy(block[within:], data[:n])
		if err := s.putBlockLocked(obj, tid, base, block, rr); err != nil {
			return err
		}
		off += int64(n)
		data = data[n:]
	}
	return nil
}

func (s *Store) truncateLocked(obj *object, tid types.TID, size int64, rr *record.RedoRef) error {
	base := size &^ (DataBlockSize - 1)
	cut := base
	if size > base {
		cut = base + DataBlockSize
		cur, err := s.readBlock(obj, base, asofLatest)
		if err != nil {
			return err
		}
		if keep := int(size - base); len(cur) > keep {
			if err := s.putBlockLocked(obj, tid, base, cur[:keep], rr); err != nil {
				return err
			}
		}
	}
	beg, end := dataKey(obj.ref, cut+1, types.NoTID), dataKey(obj.ref, math.MaxInt64, types.MaxTID)
	return s.dropRangeLocked(obj, tid, beg, end, rr)
}

// readBlock returns the bytes of the block at base as of at: the newest
// visible DATA record of that base, pending or on disk.
func (s *Store) readBlock(obj *object, base int64, at types.TID) ([]byte, error) {
	beg, end := blockRange(obj.ref, base)
	var best record.Item
	found := false
	err := s.merge(obj, beg, end, at, func(it record.Item) error {
		if !found || it.Leaf.Key.CreateTID > best.Leaf.Key.CreateTID {
			best, found = it, true
		}
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	return s.itemData(best)
}

// putBlockLocked queues block as the new content of the block at base,
// replacing pending records of the same base a flush group has not picked
// up yet.
func (s *Store) putBlockLocked(obj *object, tid types.TID, base int64, block []byte, rr *record.RedoRef) error {
	beg, end := blockRange(obj.ref, base)
	for _, r := range obj.set.Range(beg, end) {
		if !r.Tombstone && r.Leaf.DataBase() == base {
			s.removeIdle(obj, r)
		}
	}
	leaf := types.Leaf{
		Key:     dataKey(obj.ref, base+int64(len(block)), tid),
		DataLen: uint32(len(block)),
		DataCRC: crc32.ChecksumIEEE(block),
	}
	return s.insertRecord(obj, &record.Record{Leaf: leaf, Data: block, Redo: rr})
}

// Read returns n bytes at off as tx sees them. Holes read as zeros.
func (s *Store) Read(tx *txn.Transaction, ref txn.ObjectRef, off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off > math.MaxInt64-int64(n) {
		return nil, fmt.Errorf("%w: read of %d bytes at %d", ErrBadRange, n, off)
	}
	obj := s.object(ref)
	at := asof(tx)
	out := make([]byte, n)
	for done := 0; done < n; {
		pos := off + int64(done)
		base := pos &^ (DataBlockSize - 1)
		within := int(pos - base)
		chunk := min(DataBlockSize-within, n-done)
		block, err := s.readBlock(obj, base, at)
		if err != nil {
			return nil, err
		}
		if within < len(block) {
			copy(out[done:done+chunk], block[within:])
		}
		done += chunk
	}
	return out, nil
}

// Size returns the end offset of the object's data as tx sees it.
func (s *Store) Size(tx *txn.Transaction, ref txn.ObjectRef) (int64, error) {
	obj := s.object(ref)
	beg, end := dataKey(ref, math.MinInt64, types.NoTID), dataKey(ref, math.MaxInt64, types.MaxTID)
	var size int64
	err := s.merge(obj, beg, end, asof(tx), func(it record.Item) error {
		size = max(size, it.Leaf.Key.Key)
		return nil
	})
	return size, err
}

// ############################################# OTHER RECORDS ############################################

func recKey(ref txn.ObjectRef, rt types.RecType, key int64, tid types.TID) types.Key {
	return types.Key{Localization: ref.PFS, ObjID: ref.ObjID, RecType: rt, Key: key, CreateTID: tid}
}

func checkRecType(rt types.RecType) error {
	if rt == types.RecTypeData || rt == types.RecTypeUnknown {
		return fmt.Errorf("%w: %s", ErrBadRecType, rt)
	}
	return nil
}

// Put stores a record of type rt under key, replacing the current one.
func (s *Store) Put(tx *txn.Transaction, ref txn.ObjectRef, rt types.RecType, key int64, data []byte) error {
	if err := s.checkWrite(tx); err != nil {
		return err
	}
	if err := checkRecType(rt); err != nil {
		return err
	}
	obj := s.object(ref)
	obj.lk.LockEx(tx.Owner())
	defer obj.lk.Unlock()

	for _, r := range obj.set.Range(recKey(ref, rt, key, types.NoTID), recKey(ref, rt, key, types.MaxTID)) {
		if !r.Tombstone {
			s.removeIdle(obj, r)
		}
	}
	leaf := types.Leaf{Key: recKey(ref, rt, key, tx.TID), DataLen: uint32(len(data))}
	if len(data) > 0 {
		leaf.DataCRC = crc32.ChecksumIEEE(data)
	}
	if err := s.insertRecord(obj, &record.Record{Leaf: leaf, Data: data}); err != nil {
		return err
	}
	tx.MarkDirty(ref.PFS, ref.ObjID)
	return nil
}

// Delete removes the record of type rt under key. It fails with
// ErrNotFound when there is none.
func (s *Store) Delete(tx *txn.Transaction, ref txn.ObjectRef, rt types.RecType, key int64) error {
	if err := s.checkWrite(tx); err != nil {
		return err
	}
	if err := checkRecType(rt); err != nil {
		return err
	}
	obj := s.object(ref)
	obj.lk.LockEx(tx.Owner())
	defer obj.lk.Unlock()

	if _, _, err := s.get(obj, rt, key, asofLatest); err != nil {
		return err
	}
	err := s.dropRangeLocked(obj, tx.TID, recKey(ref, rt, key, types.NoTID), recKey(ref, rt, key, types.MaxTID), nil)
	if err != nil {
		return err
	}
	tx.MarkDirty(ref.PFS, ref.ObjID)
	return nil
}

// Get returns the record of type rt under key as tx sees it.
func (s *Store) Get(tx *txn.Transaction, ref txn.ObjectRef, rt types.RecType, key int64) (types.Leaf, []byte, error) {
	return s.get(s.object(ref), rt, key, asof(tx))
}

func (s *Store) get(obj *object, rt types.RecType, key int64, at types.TID) (types.Leaf, []byte, error) {
	var hit *record.Item
	err := s.merge(obj, recKey(obj.ref, rt, key, types.NoTID), recKey(obj.ref, rt, key, types.MaxTID), at, func(it record.Item) error {
		if hit == nil || it.Leaf.Key.CreateTID > hit.Leaf.Key.CreateTID {
			hit = &it
		}
		return nil
	})
	if err != nil {
		return types.Leaf{}, nil, err
	}
	if hit == nil {
		return types.Leaf{}, nil, fmt.Errorf("%w: %s %d of %d", ErrNotFound, rt, key, obj.ref.ObjID)
	}
	data, err := s.itemData(*hit)
	return hit.Leaf, data, err
}

// Scan calls fn for every record of type rt with a key in [beg, end], in
// key order, as tx sees them. Each key is reported once, with its newest
// visible version; DATA records once per block.
func (s *Store) Scan(tx *txn.Transaction, ref txn.ObjectRef, rt types.RecType, beg, end int64, fn func(types.Leaf, []byte) error) error {
	obj := s.object(ref)
	var held *record.Item
	emit := func() error {
		if held == nil {
			return nil
		}
		data, err := s.itemData(*held)
		if err != nil {
			return err
		}
		leaf := held.Leaf
		held = nil
		return fn(leaf, data)
	}
	err := s.merge(obj, recKey(ref, rt, beg, types.NoTID), recKey(ref, rt, end, types.MaxTID), asof(tx), func(it record.Item) error {
		if held != nil && sameSlot(held.Leaf, it.Leaf) {
			if it.Leaf.Key.CreateTID > held.Leaf.Key.CreateTID {
				held = &it
			}
			return nil
		}
		if err := emit(); err != nil {
			return err
		}
		held = &it
		return nil
	})
	if err != nil {
		return err
	}
	return emit()
}

// sameSlot reports whether b is another version of a: the same key, or
// for DATA the same block. A record being flushed and its pending
// replacement are both live until the group commits.
func sameSlot(a, b types.Leaf) bool {
	if a.Key.RecType != b.Key.RecType {
		return false
	}
	if a.Key.RecType == types.RecTypeData {
		return a.DataBase() == b.DataBase()
	}
	return a.Key.Key == b.Key.Key
}

// ############################################# SHARED ############################################

// merge walks the object's pending records and on-disk elements in
// [beg, end] as of asof.
func (s *Store) merge(obj *object, beg, end types.Key, at types.TID, fn func(record.Item) error) error {
	disk := s.tree.NewCursor(beg, end, at)
	defer disk.Close()
	c := record.NewCursor(obj.set, disk, beg, end, at)
	for {
		it, ok, err := c.Next()
		if err != nil || !ok {
			return err
		}
		if err := fn(it); err != nil {
			return err
		}
	}
}

// itemData returns the payload of a merged item.
func (s *Store) itemData(it record.Item) ([]byte, error) {
	if it.InMemory() {
		return it.Record.Data, nil
	}
	if it.Leaf.DataLen == 0 || it.Leaf.DataOffset == 0 {
		return nil, nil
	}
	data := make([]byte, it.Leaf.DataLen)
	if err := s.pool.ReadData(it.Leaf.DataOffset, data); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(data) != it.Leaf.DataCRC {
		return nil, fmt.Errorf("storage engine: data crc mismatch for %s", it.Leaf.Key)
	}
	return data, nil
}

// dropRangeLocked deletes everything in [beg, end] as of tid: pending live
// records are removed, on-disk live elements get a tombstone.
func (s *Store) dropRangeLocked(obj *object, tid types.TID, beg, end types.Key, rr *record.RedoRef) error {
	for {
		busy := false
		for _, r := range obj.set.Range(beg, end) {
			if !r.Tombstone && r.Leaf.Key.CreateTID <= tid && !s.removeIdle(obj, r) {
				busy = true
			}
		}
		if !busy {
			break
		}
		// wait until the flush group has the record on disk, then tombstone it
		if err := s.waitGroup(); err != nil {
			return err
		}
	}

	c := s.tree.NewCursor(beg, end, asofLatest)
	defer c.Close()
	var doomed []types.Leaf
	for {
		leaf, ok, err := c.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		// elements newer than tid only turn up when an old operation is replayed
		if leaf.Key.CreateTID < tid {
			doomed = append(doomed, leaf)
		}
	}
	for _, leaf := range doomed {
		t := leaf
		t.DeleteTID = tid
		err := s.insertRecord(obj, &record.Record{Leaf: t, Tombstone: true, Redo: rr})
		if err != nil && !errors.Is(err, record.ErrExists) {
			return err
		}
	}
	return nil
}

// insertRecord adds r to the object's set and queues the object. A record
// with the same key still in a running flush group is waited for.
func (s *Store) insertRecord(obj *object, r *record.Record) error {
	for {
		err := obj.set.Insert(r)
		if err == nil {
			s.pending.Add(1)
			s.queue(obj.ref)
			return nil
		}
		if !errors.Is(err, record.ErrExists) || r.Tombstone {
			return err
		}
		if prev := obj.set.Lookup(r.Leaf.Key); prev != nil && s.removeIdle(obj, prev) {
			continue
		}
		if err := s.waitGroup(); err != nil {
			return err
		}
	}
}

func (s *Store) removeIdle(obj *object, r *record.Record) bool {
	if obj.set.RemoveIdle(r) {
		s.pending.Add(-1)
		return true
	}
	return false
}
