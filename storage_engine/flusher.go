package storageengine

import (
	"TideDB/storage_engine/lock"
	"TideDB/storage_engine/page"
	"TideDB/storage_engine/record"
	txn "TideDB/storage_engine/transaction_manager"
	"TideDB/storage_engine/wal_manager"
	"TideDB/types"
	"context"
	"errors"
	"fmt"
	"time"
)

/*
Flush groups.

	1. take the sync lock exclusively (no frontend inside), pick queued
	   objects and move their IDLE records to SETUP, drop back to shared
	2. check data space and log space for the worst case
	3. per record: write its data (or share an identical block found
	   through the dedup cache), mark the on-disk element it replaces
	   deleted, insert its leaf; the record moves to FLUSH
	4. commit (commit.go)

A tree modification that loses the race for the tree lock fails with
lock.ErrDeadlock and is retried from scratch after a short sleep. Any
other failure once step 3 has started leaves the tree half modified, so
the store is marked broken; before that the records simply go back to
IDLE.
*/

func (s *Store) flusher() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FlushInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.kick:
		case <-ticker.C:
		}
		if s.brokenErr() != nil {
			continue
		}
		if _, err := s.flushGroup(context.Background(), false); err != nil {
			s.logger.Error("flush group failed", "err", err)
		}
	}
}

// Sync runs flush groups until every queued record is in the tree.
func (s *Store) Sync(ctx context.Context) error {
	if s.opts.ReadOnly {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.flushGroup(ctx, false)
		if err != nil {
			return err
		}
		s.objMu.Lock()
		left := len(s.dirty)
		s.objMu.Unlock()
		if n == 0 && left == 0 {
			return nil
		}
	}
}

// flushGroup runs one flush group and returns the number of records it
// moved. With force it commits even when there is nothing to move.
func (s *Store) flushGroup(ctx context.Context, force bool) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if err := s.brokenErr(); err != nil {
		return 0, err
	}
	defer s.endGroup()

	tx := s.txns.Begin(txn.KindFlush)
	defer s.txns.Commit(tx)
	if err := tx.Exclusive(); err != nil {
		return 0, err
	}
	g := s.collect(tx)
	tx.Shared()

	if len(g.records) == 0 && !force {
		return 0, nil
	}
	start := time.Now()
	if err := s.reserve(g); err != nil {
		s.requeue(g)
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		s.requeue(g)
		return 0, err
	}
	if err := s.runGroup(g); err != nil {
		if g.modified {
			return 0, s.setBroken(err)
		}
		s.requeue(g)
		return 0, err
	}
	s.finishGroup(g)

	s.counters.groups.Add(1)
	s.counters.flushed.Add(uint64(len(g.records)))
	s.logger.Debug("flush group committed",
		"records", len(g.records),
		"root", fmt.Sprintf("%#x", s.hdr.Root),
		"redo_first", fmt.Sprintf("%#x", s.hdr.RedoFirst),
		"took", time.Since(start))
	return len(g.records), nil
}

// collect picks queued objects until the group is full. Runs with the sync
// lock held exclusively.
func (s *Store) collect(tx *txn.Transaction) *flushGroup {
	g := &flushGroup{
		tx:      tx,
		written: make(map[*record.Record]types.Leaf),
		placed:  make(map[*record.Record]uint64),
	}
	budget := s.log.Free() / 2

	s.objMu.Lock()
	defer s.objMu.Unlock()
	taken := 0
	for _, ref := range s.dirty {
		if len(g.records) > 0 && (len(g.records) >= s.opts.FlushGroupRecords || groupLogSpace(len(g.records)) >= budget) {
			break
		}
		taken++
		delete(s.queued, ref)
		if obj, ok := s.objects[ref]; ok {
			g.records = append(g.records, obj.set.BeginFlush()...)
		}
	}
	s.dirty = s.dirty[taken:]
	if len(s.dirty) == 0 {
		// nothing older than the newest TID is left outside the tree or this group
		g.horizon = s.txns.NextTID() - 1
	}
	return g
}

// groupLogSpace is the worst-case log space n records need: UNDO for the
// leaf, a split sibling and the parent, plus one TERM each.
func groupLogSpace(n int) uint64 {
	return uint64(n)*(3*wal_manager.UndoSpace(page.BufferSize)+wal_manager.MaxRecordSize) + wal_manager.LogBlockSize
}

func (s *Store) reserve(g *flushGroup) error {
	var data uint64
	for _, r := range g.records {
		data += uint64(len(r.Data))
	}
	if err := s.bmap.CheckSpace(data + uint64(len(g.records))*page.BufferSize); err != nil {
		return err
	}
	return s.log.Reserve(groupLogSpace(len(g.records)))
}

func (s *Store) runGroup(g *flushGroup) error {
	for _, r := range g.records {
		g.modified = true
		if err := s.flushRecordRetry(g, r); err != nil {
			return fmt.Errorf("flush %s: %w", r, err)
		}
		if err := r.Set().Flushing(r); err != nil {
			return err
		}
	}
	return s.commitGroup(g)
}

// flushRecordRetry retries until the tree lock is won. Readers hold it
// only briefly, so this always ends.
func (s *Store) flushRecordRetry(g *flushGroup, r *record.Record) error {
	backoff := deadlockBackoff
	for {
		err := s.flushRecord(g, r)
		if !errors.Is(err, lock.ErrDeadlock) {
			return err
		}
		s.counters.deadlocks.Add(1)
		time.Sleep(backoff)
		backoff = min(backoff*2, deadlockMax)
	}
}

// flushRecord moves one record into the tree. It can be repeated after a
// deadlock: finished steps are recognised and skipped.
func (s *Store) flushRecord(g *flushGroup, r *record.Record) error {
	owner := g.tx.Owner()
	leaf := r.Leaf
	if r.Tombstone {
		err := s.deleteElement(owner, leaf.Key, leaf.DeleteTID)
		if isNotFound(err) {
			return nil
		}
		return err
	}

	olds, err := s.replaced(leaf)
	if err != nil {
		return err
	}
	for _, old := range olds {
		if old.Key == leaf.Key {
			return nil
		}
		if old.Key.CreateTID > leaf.Key.CreateTID {
			// a newer element already took the slot; only replays get here
			s.counters.stale.Add(1)
			return nil
		}
	}

	if len(r.Data) > 0 {
		off, ok := g.placed[r]
		if !ok {
			if off, err = s.placeData(r.Data, &leaf); err != nil {
				return err
			}
			g.placed[r] = off
		}
		leaf.DataOffset = off
	}
	for _, old := range olds {
		if err := s.deleteElement(owner, old.Key, leaf.Key.CreateTID); err != nil && !isNotFound(err) {
			return err
		}
	}
	if err := s.tree.Insert(owner, leaf); err != nil {
		return err
	}
	g.written[r] = leaf
	return nil
}

// replaced returns the live on-disk elements leaf takes the place of: the
// same record type and key, or for DATA the same block.
func (s *Store) replaced(leaf types.Leaf) ([]types.Leaf, error) {
	k := leaf.Key
	beg, end := k.WithoutTID(), k.WithoutTID()
	end.CreateTID = types.MaxTID
	if k.RecType == types.RecTypeData {
		base := leaf.DataBase()
		beg.Key, end.Key = base+1, base+DataBlockSize
	}
	c := s.tree.NewCursor(beg, end, asofLatest)
	defer c.Close()
	var out []types.Leaf
	for {
		el, ok, err := c.Next()
		if err != nil || !ok {
			return out, err
		}
		if k.RecType == types.RecTypeData && el.DataBase() != leaf.DataBase() {
			continue
		}
		out = append(out, el)
	}
}

func (s *Store) deleteElement(owner lock.Owner, key types.Key, tid types.TID) error {
	if s.opts.NoHistory {
		return s.tree.Delete(owner, key, tid)
	}
	return s.tree.MarkDeleted(owner, key, tid)
}

// placeData finds room for data: an identical block already on disk when
// the dedup cache knows one and the bytes check out, else a new one.
func (s *Store) placeData(data []byte, leaf *types.Leaf) (uint64, error) {
	if s.dedup != nil {
		if e, ok := s.dedup.Lookup(data); ok {
			same, err := s.dedup.Verify(e, data)
			if err == nil && same {
				s.counters.dedupHits.Add(1)
				return e.Leaf.DataOffset, nil
			}
		}
	}
	off, err := s.bmap.Alloc(page.ZoneData, len(data))
	if err != nil {
		return 0, err
	}
	if err := s.pool.WriteData(off, data, true); err != nil {
		return 0, fmt.Errorf("write data of %s: %w", leaf.Key, err)
	}
	return off, nil
}

// requeue puts the records of a group that never touched the tree back to
// IDLE.
func (s *Store) requeue(g *flushGroup) {
	for _, r := range g.records {
		if set := r.Set(); set != nil {
			if err := set.Requeue(r); err != nil {
				s.logger.Warn("requeue failed", "record", r.String(), "err", err)
				continue
			}
			s.queue(txn.ObjectRef{PFS: set.PFS, ObjID: set.ObjID})
		}
	}
}

// finishGroup frees the records of a committed group.
func (s *Store) finishGroup(g *flushGroup) {
	for _, r := range g.records {
		if err := r.Set().Committed(r); err != nil {
			s.logger.Warn("freeing flushed record", "record", r.String(), "err", err)
			continue
		}
		s.pending.Add(-1)
	}
	if s.dedup != nil {
		for r, leaf := range g.written {
			s.dedup.Record(leaf, r.Data)
		}
	}
	if g.horizon != types.NoTID {
		s.txns.Committed(g.horizon)
	}
}
