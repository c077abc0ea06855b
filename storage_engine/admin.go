package storageengine

import (
	"TideDB/storage_engine/dedup"
	"TideDB/storage_engine/lock"
	"TideDB/storage_engine/mirror"
	txn "TideDB/storage_engine/transaction_manager"
	"TideDB/types"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"slices"
	"time"
)

// ############################################# SNAPSHOTS ############################################

// snapshotRoot is the object of a PFS that holds its snapshot records.
const snapshotRoot = 0

// Snapshot flushes everything pending and records the newest committed TID
// of pfs as a snapshot. Reading with BeginAt(tid) sees the PFS as it was
// then, as long as history is kept.
func (s *Store) Snapshot(ctx context.Context, pfs uint32) (types.TID, error) {
	if err := s.writable(); err != nil {
		return types.NoTID, err
	}
	if err := s.Sync(ctx); err != nil {
		return types.NoTID, err
	}
	at := s.txns.LastCommitted()

	tx, err := s.Begin(ctx)
	if err != nil {
		return types.NoTID, err
	}
	stamp := make([]byte, 8)
	binary.LittleEndian.PutUint64(stamp, uint64(time.Now().Unix()))
	ref := txn.ObjectRef{PFS: pfs, ObjID: snapshotRoot}
	if err := s.Put(tx, ref, types.RecTypePseudoFS, int64(at), stamp); err != nil {
		s.Abort(tx)
		return types.NoTID, err
	}
	if err := s.Commit(tx); err != nil {
		return types.NoTID, err
	}
	if err := s.Sync(ctx); err != nil {
		return types.NoTID, err
	}
	s.logger.Info("snapshot taken", "pfs", pfs, "tid", at)
	return at, nil
}

// Snapshot is one recorded snapshot of a PFS.
type Snapshot struct {
	TID  types.TID
	Time time.Time
}

// Snapshots lists the snapshots of pfs, oldest first.
func (s *Store) Snapshots(pfs uint32) ([]Snapshot, error) {
	ref := txn.ObjectRef{PFS: pfs, ObjID: snapshotRoot}
	var out []Snapshot
	err := s.Scan(nil, ref, types.RecTypePseudoFS, 0, math.MaxInt64, func(leaf types.Leaf, data []byte) error {
		snap := Snapshot{TID: types.TID(leaf.Key.Key)}
		if len(data) >= 8 {
			snap.Time = time.Unix(int64(binary.LittleEndian.Uint64(data)), 0)
		}
		out = append(out, snap)
		return nil
	})
	return out, err
}

// Prune destroys the history of pfs that no snapshot can see: deleted
// elements with no snapshot TID in [create, delete). The newest committed
// state counts as a snapshot. It returns the number of elements destroyed.
// The data blocks they referenced are not reclaimed.
func (s *Store) Prune(ctx context.Context, pfs uint32) (int, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	if err := s.Sync(ctx); err != nil {
		return 0, err
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if err := s.brokenErr(); err != nil {
		return 0, err
	}
	defer s.endGroup()

	snaps, err := s.Snapshots(pfs)
	if err != nil {
		return 0, err
	}
	v := &pruneVisitor{keep: []types.TID{s.txns.LastCommitted()}}
	for _, snap := range snaps {
		v.keep = append(v.keep, snap.TID)
	}
	slices.Sort(v.keep)
	beg, end := mirror.PFSRange(pfs)
	if err := s.tree.Scan(ctx, beg, end, types.NoTID, v); err != nil {
		return 0, fmt.Errorf("prune scan of pfs %d: %w", pfs, err)
	}
	if len(v.dead) == 0 {
		return 0, nil
	}

	tx := s.txns.Begin(txn.KindFlush)
	defer s.txns.Commit(tx)
	pruned := 0
	for _, key := range v.dead {
		err := s.retryTree(ctx, tx, func(owner lock.Owner) error {
			return s.tree.Delete(owner, key, s.txns.AllocTID())
		})
		if isNotFound(err) {
			continue
		}
		if err != nil {
			if pruned > 0 {
				return pruned, s.setBroken(err)
			}
			return 0, err
		}
		pruned++
	}
	if err := s.commitGroup(&flushGroup{tx: tx}); err != nil {
		return pruned, s.setBroken(err)
	}
	s.logger.Info("history pruned", "pfs", pfs, "snapshots", len(snaps), "destroyed", pruned)
	return pruned, nil
}

// pruneVisitor collects deleted elements no TID in keep falls inside.
type pruneVisitor struct {
	keep []types.TID // sorted
	dead []types.Key
}

func (v *pruneVisitor) Leaf(leaf types.Leaf) error {
	if !leaf.Deleted() {
		return nil
	}
	i, _ := slices.BinarySearch(v.keep, leaf.Key.CreateTID)
	if i < len(v.keep) && v.keep[i] < leaf.DeleteTID {
		return nil
	}
	v.dead = append(v.dead, leaf.Key)
	return nil
}

func (v *pruneVisitor) Skip(beg, end []byte) error { return nil }

// ############################################# DEDUP ############################################

// DedupScan feeds the dedup cache with the live DATA elements of pfs so
// later writes of the same bytes can share their blocks. It returns the
// number of elements recorded.
func (s *Store) DedupScan(ctx context.Context, pfs uint32) (int, error) {
	if s.dedup == nil {
		return 0, dedup.ErrDisabled
	}
	beg, end := mirror.PFSRange(pfs)
	v := &dedupVisitor{s: s}
	if err := s.tree.Scan(ctx, beg, end, types.NoTID, v); err != nil {
		return v.recorded, fmt.Errorf("dedup scan of pfs %d: %w", pfs, err)
	}
	s.dedup.Wait()
	s.logger.Info("dedup scan done", "pfs", pfs, "recorded", v.recorded, "bad_crc", v.badCRC)
	return v.recorded, nil
}

type dedupVisitor struct {
	s        *Store
	recorded int
	badCRC   int
}

func (v *dedupVisitor) Leaf(leaf types.Leaf) error {
	if leaf.Key.RecType != types.RecTypeData || leaf.Deleted() || leaf.DataOffset == 0 || leaf.DataLen == 0 {
		return nil
	}
	data := make([]byte, leaf.DataLen)
	if err := v.s.pool.ReadData(leaf.DataOffset, data); err != nil {
		return err
	}
	if crc32.ChecksumIEEE(data) != leaf.DataCRC {
		v.badCRC++
		return nil
	}
	v.s.dedup.Record(leaf, data)
	v.recorded++
	return nil
}

func (v *dedupVisitor) Skip(beg, end []byte) error { return nil }

// ############################################# MIRRORING ############################################

// MirrorRead writes a mirror stream of one PFS to w: every change after
// opts.Since up to the newest committed TID.
func (s *Store) MirrorRead(ctx context.Context, w io.Writer, opts MirrorReadOptions) (mirror.Stats, error) {
	comp, err := mirror.ParseCompression(opts.Compression)
	if err != nil {
		return mirror.Stats{}, err
	}
	if err := s.Sync(ctx); err != nil {
		return mirror.Stats{}, err
	}
	return mirror.Read(ctx, w, s.tree, s.pool, mirror.ReadOptions{
		Source:      s.disk.FSID().String(),
		PFS:         opts.PFS,
		Since:       opts.Since,
		Until:       s.txns.LastCommitted(),
		Compression: comp,
	}, s.logger)
}

// MirrorWrite applies a mirror stream read from r. Frontends keep running,
// but flush groups wait until the stream is applied. The sync point is
// recorded when the store has a state directory.
func (s *Store) MirrorWrite(ctx context.Context, r io.Reader, opts MirrorWriteOptions) (mirror.Header, mirror.Stats, error) {
	if err := s.writable(); err != nil {
		return mirror.Header{}, mirror.Stats{}, err
	}
	if err := s.Sync(ctx); err != nil {
		return mirror.Header{}, mirror.Stats{}, err
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if err := s.brokenErr(); err != nil {
		return mirror.Header{}, mirror.Stats{}, err
	}
	defer s.endGroup()

	tx := s.txns.Begin(txn.KindFlush)
	defer s.txns.Commit(tx)
	target := &mirrorTarget{s: s, tx: tx}
	hdr, st, err := mirror.Apply(ctx, r, target, mirror.ApplyOptions{
		PFS:         opts.PFS,
		CommitEvery: opts.CommitEvery,
		Checkpoints: s.checkpoints,
	}, s.logger)
	if err != nil && target.dirty {
		// the tree holds part of the stream without a header naming it
		return hdr, st, s.setBroken(err)
	}
	return hdr, st, err
}
