package storageengine

import (
	"TideDB/storage_engine/config"
	"TideDB/storage_engine/record"
	txn "TideDB/storage_engine/transaction_manager"
	"TideDB/storage_engine/wal_manager"
	"context"
	"fmt"
)

// redoOp is one REDO operation being put back together from its chunks.
type redoOp struct {
	redo wal_manager.Redo
	at   uint64 // offset of the first chunk
	data []byte
	got  uint32
}

func (op *redoOp) complete() bool {
	return op.redo.Op != wal_manager.RedoWrite || op.got == op.redo.Len
}

// recoverRedo re-creates the pending records of logged file operations
// that never made it into a committed flush group.
//
// An operation is done when a TERM for it lies in the committed part of
// the log, [redo_first, undo_first). Everything from redo_first to the end
// of the log is scanned forward; operations are rebuilt from their chunks,
// dropped when a chunk is missing, and re-executed in log order unless
// terminated. Re-executing an operation that is already in the tree only
// produces records the flusher drops as stale.
func (s *Store) recoverRedo(ctx context.Context) (int, error) {
	hdr := s.hdr
	if hdr.RedoFirst == hdr.UndoFirst {
		if end, _ := s.log.Position(); end == hdr.UndoFirst {
			return 0, nil
		}
	}

	terms := make(map[wal_manager.TermKey]bool)
	if hdr.RedoFirst != hdr.UndoFirst {
		err := s.log.ScanBackward(ctx, hdr.RedoFirst, hdr.UndoFirst, func(r wal_manager.Record) error {
			if r.Type != wal_manager.RecordRedo {
				return nil
			}
			redo, err := wal_manager.DecodeRedo(r)
			if err != nil {
				return err
			}
			if redo.Op.IsTerm() {
				terms[redo.Key()] = true
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	var ops []*redoOp
	building := make(map[wal_manager.TermKey]*redoOp)
	_, _, err := s.log.ScanForward(ctx, hdr.RedoFirst, wal_manager.AnySeq, func(r wal_manager.Record) error {
		if r.Type != wal_manager.RecordRedo {
			return nil
		}
		redo, err := wal_manager.DecodeRedo(r)
		if err != nil {
			return err
		}
		if redo.Op.IsTerm() {
			return nil
		}
		key := redo.Key()
		op, ok := building[key]
		switch {
		case redo.ChunkOff == 0:
			op = &redoOp{redo: redo, at: r.Offset}
			if redo.Op == wal_manager.RedoWrite {
				op.data = make([]byte, redo.Len)
			}
			building[key] = op
		case !ok:
			// the operation started before redo_first
			return nil
		}
		if redo.Op == wal_manager.RedoWrite {
			if int(redo.ChunkOff)+len(redo.Data) > len(op.data) {
				return fmt.Errorf("%w: redo chunk at %#x overflows its operation", wal_manager.ErrCorrupt, r.Offset)
			}
			copy(op.data[redo.ChunkOff:], redo.Data)
			op.got += uint32(len(redo.Data))
		}
		if op.complete() {
			delete(building, key)
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(building) > 0 {
		s.logger.Warn("dropping incomplete redo operations", "count", len(building))
	}

	replayed := 0
	for _, op := range ops {
		if terms[op.redo.Key()] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := s.replay(op); err != nil {
			if s.opts.RedoPolicy == config.RedoFail {
				return replayed, fmt.Errorf("replay %s of %d at %#x: %w", op.redo.Op, op.redo.ObjID, op.at, err)
			}
			s.logger.Warn("skipping redo operation",
				"op", op.redo.Op, "obj", op.redo.ObjID, "tid", op.redo.TID, "err", err)
			continue
		}
		replayed++
	}
	if replayed > 0 || len(terms) > 0 {
		s.logger.Info("redo replayed", "operations", replayed, "terminated", len(terms))
	}
	return replayed, nil
}

func (s *Store) replay(op *redoOp) error {
	r := op.redo
	s.txns.Observe(r.TID)

	obj := s.object(txn.ObjectRef{PFS: r.PFS, ObjID: r.ObjID})
	obj.lk.LockEx(0)
	defer obj.lk.Unlock()

	ref := &record.RedoRef{Op: uint16(r.Op), At: op.at, TID: r.TID, Offset: r.Offset}
	switch r.Op {
	case wal_manager.RedoWrite:
		return s.writeLocked(obj, r.TID, int64(r.Offset), op.data, ref)
	case wal_manager.RedoTrunc:
		return s.truncateLocked(obj, r.TID, int64(r.Offset), ref)
	}
	return fmt.Errorf("%w: redo op %s", wal_manager.ErrCorrupt, r.Op)
}
