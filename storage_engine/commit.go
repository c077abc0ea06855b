package storageengine

import (
	"TideDB/storage_engine/page"
	"TideDB/storage_engine/record"
	"TideDB/storage_engine/wal_manager"
	"fmt"
)

/*
Committing a flush group, in this order:

	TERM for every REDO operation whose records all went into the tree
	DATA buffers          written, not logged
	log sync              every UNDO (and TERM) durable
	META buffers          may be written now that their UNDO is on disk
	volume sync
	root volume header    new tree root, block map, next TID, log range

The header write is the commit point. A crash before it leaves the old
header, and the UNDO stage of the next mount puts every META buffer back.
*/

func (s *Store) commitGroup(g *flushGroup) error {
	// an operation with records still waiting outside the group stays open
	open := make(map[*record.RedoRef]bool)
	s.idleRecords(func(r *record.Record) { open[r.Redo] = true })

	terms := 0
	seen := make(map[*record.RedoRef]bool)
	for _, r := range g.records {
		rr := r.Redo
		if rr == nil || seen[rr] || open[rr] {
			continue
		}
		seen[rr] = true
		err := s.log.LogTerm(wal_manager.Redo{
			Op:     wal_manager.RedoOp(rr.Op),
			PFS:    r.Leaf.Key.Localization,
			ObjID:  r.Leaf.Key.ObjID,
			TID:    rr.TID,
			Offset: rr.Offset,
		})
		if err != nil {
			return err
		}
		terms++
	}

	if _, err := s.pool.FlushKind(page.KindData); err != nil {
		return fmt.Errorf("flush data buffers: %w", err)
	}
	if err := s.step("data"); err != nil {
		return err
	}
	if err := s.log.Sync(); err != nil {
		return err
	}
	if err := s.step("log"); err != nil {
		return err
	}
	if _, err := s.pool.FlushKind(page.KindMeta); err != nil {
		return fmt.Errorf("flush meta buffers: %w", err)
	}
	if err := s.step("meta"); err != nil {
		return err
	}
	if err := s.disk.Sync(); err != nil {
		return err
	}

	hdr := s.hdr
	s.bmap.Fill(&hdr)
	hdr.Root = s.tree.Root()
	hdr.NextTID = uint64(s.txns.NextTID())
	s.log.Committed(s.oldestRedo())
	s.log.FillHeader(&hdr)
	if err := s.step("header"); err != nil {
		return err
	}
	if err := s.disk.WriteRootHeader(&hdr); err != nil {
		return fmt.Errorf("write root header: %w", err)
	}
	s.hdr = hdr
	s.counters.terms.Add(uint64(terms))
	return nil
}

// step runs the crash hook, if any.
func (s *Store) step(stage string) error {
	if s.crash == nil {
		return nil
	}
	return s.crash(stage)
}

// idleRecords calls fn for every IDLE record that came from a REDO
// operation.
func (s *Store) idleRecords(fn func(*record.Record)) {
	s.objMu.Lock()
	objs := make([]*object, 0, len(s.objects))
	for _, obj := range s.objects {
		objs = append(objs, obj)
	}
	s.objMu.Unlock()

	for _, obj := range objs {
		for _, r := range obj.set.Idle() {
			if r.Redo != nil {
				fn(r)
			}
		}
	}
}

// oldestRedo returns the log offset of the oldest REDO operation the tree
// does not hold yet, or NoRedo. Operations still being applied by a
// frontend are looked at first: one that finishes in between has its
// records in a set by the time the sets are walked.
func (s *Store) oldestRedo() uint64 {
	oldest := wal_manager.NoRedo
	older := func(at uint64) {
		if oldest == wal_manager.NoRedo || s.log.Older(at, oldest) {
			oldest = at
		}
	}
	s.inflightMu.Lock()
	for at := range s.inflight {
		older(at)
	}
	s.inflightMu.Unlock()
	s.idleRecords(func(r *record.Record) { older(r.Redo.At) })
	return oldest
}
