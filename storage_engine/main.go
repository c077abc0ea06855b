package storageengine

import (
	"TideDB/storage_engine/blockmap"
	bplus "TideDB/storage_engine/bplustree"
	"TideDB/storage_engine/bufferpool"
	checkpoint "TideDB/storage_engine/checkpoint_manager"
	"TideDB/storage_engine/config"
	"TideDB/storage_engine/dedup"
	diskmanager "TideDB/storage_engine/disk_manager"
	"TideDB/storage_engine/record"
	txn "TideDB/storage_engine/transaction_manager"
	"TideDB/storage_engine/wal_manager"
	"TideDB/types"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

/*
Mounting a store:

 1. open the volumes and read the root header
 2. UNDO stage: roll back whatever an interrupted flush group wrote
 3. build the block map, transaction manager and tree from the header
 4. REDO stage (read-write only): re-create the pending records of file
    writes that were logged but never flushed
 5. run one flush group, which commits a fresh header, and start the
    flusher

A crash anywhere in 2-5 leaves the old header in place, so the next mount
simply runs recovery again.
*/

// Open mounts the store on opts.Volumes.
func Open(ctx context.Context, opts config.Options) (*Store, error) {
	return open(ctx, opts, nil)
}

func open(ctx context.Context, opts config.Options, crash func(string) error) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	disk, err := diskmanager.Open(opts.Volumes, opts.ReadOnly, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open volumes: %w", err)
	}
	hdr, err := disk.RootHeader()
	if err != nil {
		disk.Close()
		return nil, err
	}
	log, err := wal_manager.Open(disk, hdr, logger)
	if err != nil {
		disk.Close()
		return nil, err
	}

	s := &Store{
		opts:      opts,
		disk:      disk,
		pool:      bufferpool.NewBufferPool(opts.BufferCapacity, disk, logger),
		log:       log,
		hdr:       *hdr,
		objects:   make(map[txn.ObjectRef]*object),
		queued:    make(map[txn.ObjectRef]bool),
		inflight:  make(map[uint64]int),
		label:     hdr.LabelString(),
		groupDone: make(chan struct{}),
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		crash:     crash,
		logger:    logger,
	}
	if err := s.mount(ctx); err != nil {
		if s.dedup != nil {
			s.dedup.Close()
		}
		disk.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) mount(ctx context.Context) error {
	start := time.Now()
	if err := s.recoverUndo(ctx); err != nil {
		return fmt.Errorf("undo stage: %w", err)
	}

	hdr := &s.hdr
	s.bmap = blockmap.New(s.pool, s.disk, hdr, s.logger)
	s.pool.SetTranslator(s.bmap)
	if !s.opts.ReadOnly {
		s.pool.SetUndoLogger(s.log)
	}

	txns, err := txn.NewTxnManager(s.opts.WriterID, s.opts.WriterBits, s.logger)
	if err != nil {
		return err
	}
	txns.Restore(types.TID(hdr.NextTID))
	s.txns = txns
	s.tree = bplus.NewBPlusTree(s.pool, s.bmap, hdr.Root, s.logger)

	if s.opts.Dedup.Enabled {
		c, err := dedup.New(s.pool, int64(s.opts.Dedup.MaxCost), s.logger)
		if err != nil {
			return err
		}
		s.dedup = c
	}
	if s.opts.StateDir != "" && !s.opts.ReadOnly {
		cm, err := checkpoint.NewCheckpointManager(s.opts.StateDir, s.logger)
		if err != nil {
			return err
		}
		s.checkpoints = cm
	}

	if s.opts.ReadOnly {
		s.logger.Info("store mounted read-only",
			"label", hdr.LabelString(), "volumes", hdr.VolCount, "root", fmt.Sprintf("%#x", hdr.Root))
		return nil
	}

	replayed, err := s.recoverRedo(ctx)
	if err != nil {
		return fmt.Errorf("redo stage: %w", err)
	}
	if _, err := s.flushGroup(ctx, true); err != nil {
		return fmt.Errorf("recovery flush: %w", err)
	}
	go s.flusher()

	s.logger.Info("store mounted",
		"label", hdr.LabelString(),
		"volumes", hdr.VolCount,
		"next_tid", s.txns.NextTID(),
		"redo_replayed", replayed,
		"took", time.Since(start))
	return nil
}

// Close flushes every pending record and unmounts. A broken store is
// closed without flushing; the next mount recovers it.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	var err error
	if !s.opts.ReadOnly {
		close(s.stop)
		<-s.done
		if s.brokenErr() == nil {
			err = s.Sync(context.Background())
		}
	}
	if s.dedup != nil {
		s.dedup.Close()
	}
	if cerr := s.disk.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.logger.Info("store closed", "flush_groups", s.counters.groups.Load(), "err", err)
	return err
}

// ############################################# HELPERS ############################################

func (s *Store) brokenErr() error {
	s.brokenMu.Lock()
	defer s.brokenMu.Unlock()
	return s.broken
}

func (s *Store) setBroken(cause error) error {
	s.brokenMu.Lock()
	defer s.brokenMu.Unlock()
	if s.broken == nil {
		s.broken = fmt.Errorf("%w: %v", ErrStoreBroken, cause)
		s.logger.Error("store broken", "err", cause)
	}
	return s.broken
}

// writable fails when frontends may not change the store.
func (s *Store) writable() error {
	switch {
	case s.closed.Load():
		return ErrClosed
	case s.opts.ReadOnly:
		return ErrReadOnly
	}
	return s.brokenErr()
}

// object returns the in-memory state of ref, creating it on first use.
func (s *Store) object(ref txn.ObjectRef) *object {
	s.objMu.Lock()
	defer s.objMu.Unlock()
	obj, ok := s.objects[ref]
	if !ok {
		obj = &object{ref: ref, set: record.NewSet(ref.PFS, ref.ObjID)}
		s.objects[ref] = obj
	}
	return obj
}

// queue puts ref on the flusher's list.
func (s *Store) queue(ref txn.ObjectRef) {
	s.objMu.Lock()
	defer s.objMu.Unlock()
	if !s.queued[ref] {
		s.queued[ref] = true
		s.dirty = append(s.dirty, ref)
	}
}

// groupDoneChan returns the channel closed when the running (or next)
// flush group ends.
func (s *Store) groupDoneChan() <-chan struct{} {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()
	return s.groupDone
}

func (s *Store) endGroup() {
	s.groupMu.Lock()
	close(s.groupDone)
	s.groupDone = make(chan struct{})
	s.groupMu.Unlock()
}

// waitGroup waits for the flush group that holds some record to finish.
func (s *Store) waitGroup() error {
	done := s.groupDoneChan()
	s.Kick()
	select {
	case <-done:
	case <-time.After(throttleWake):
	}
	return s.brokenErr()
}

// Kick wakes the flusher.
func (s *Store) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// BeginAt starts a read-only transaction that reads as of tid, typically
// a snapshot TID.
func (s *Store) BeginAt(tid types.TID) (*txn.Transaction, error) {
	tx := s.txns.Begin(txn.KindReadOnly)
	if tid > tx.TID {
		s.txns.Abort(tx)
		return nil, fmt.Errorf("%w: tid %s is in the future", ErrBadRange, tid)
	}
	tx.TID = tid
	return tx, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	tree, err := s.tree.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.objMu.Lock()
	nobj := len(s.objects)
	s.objMu.Unlock()

	st := Stats{
		Label:         s.label,
		FSID:          s.disk.FSID().String(),
		Tree:          tree,
		Log:           s.log.Stats(),
		Space:         s.bmap.Space(),
		Pool:          s.pool.GetStats(),
		Pending:       s.pending.Load(),
		Objects:       nobj,
		FlushGroups:   s.counters.groups.Load(),
		Flushed:       s.counters.flushed.Load(),
		Stale:         s.counters.stale.Load(),
		Terminated:    s.counters.terms.Load(),
		DedupHits:     s.counters.dedupHits.Load(),
		Deadlocks:     s.counters.deadlocks.Load(),
		Throttled:     s.counters.throttled.Load(),
		LastCommitted: s.txns.LastCommitted(),
	}
	if s.dedup != nil {
		ds := s.dedup.Stats()
		st.Dedup = &ds
	}
	return st, nil
}

// isNotFound matches "nothing there" from the tree.
func isNotFound(err error) bool {
	return errors.Is(err, bplus.ErrNotFound)
}
