package storageengine

import (
	"TideDB/storage_engine/wal_manager"
	"context"
	"fmt"
)

// recoverUndo rolls back the META buffers a flush group wrote without
// committing. The header only knows where the group's log started; the
// end is found by following sequence numbers forward. Every UNDO record
// in [start, end) is then applied newest first, so the oldest before-image
// of a range is what ends up on disk.
//
// Read-only mounts cannot write the rollback and refuse to mount when
// there is anything to roll back.
func (s *Store) recoverUndo(ctx context.Context) error {
	hdr := &s.hdr
	undos := 0
	end, seq, err := s.log.ScanForward(ctx, hdr.UndoFirst, hdr.UndoSeq, func(r wal_manager.Record) error {
		if r.Type == wal_manager.RecordUndo {
			undos++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.log.Distance(hdr.UndoFirst, hdr.UndoNext) > s.log.Distance(hdr.UndoFirst, end) {
		return fmt.Errorf("%w: log ends at %#x, header says at least %#x", wal_manager.ErrCorrupt, end, hdr.UndoNext)
	}

	if undos > 0 {
		if s.opts.ReadOnly {
			return fmt.Errorf("%w: %d undo records", ErrRecoveryNeeded, undos)
		}
		applied := 0
		err := s.log.ScanBackward(ctx, hdr.UndoFirst, end, func(r wal_manager.Record) error {
			if r.Type != wal_manager.RecordUndo {
				return nil
			}
			u, err := wal_manager.DecodeUndo(r)
			if err != nil {
				return err
			}
			applied++
			return s.disk.WriteAt(u.Phys, u.Before)
		})
		if err != nil {
			return err
		}
		if err := s.disk.Sync(); err != nil {
			return err
		}
		s.logger.Info("undo applied",
			"records", applied,
			"from", fmt.Sprintf("%#x", hdr.UndoFirst),
			"to", fmt.Sprintf("%#x", end))
	}

	s.log.SetPosition(end, seq)
	return nil
}
