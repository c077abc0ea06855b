package storageengine

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"TideDB/storage_engine/config"
	txn "TideDB/storage_engine/transaction_manager"
	"TideDB/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanAll(t *testing.T, s *Store, ref txn.ObjectRef, rt types.RecType, beg, end int64) map[int64][]byte {
	t.Helper()
	out := make(map[int64][]byte)
	err := s.Scan(s.BeginReadOnly(), ref, rt, beg, end, func(leaf types.Leaf, data []byte) error {
		out[leaf.Key.Key] = data
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestFlushCrashBeforeHeaderLosesRecord(t *testing.T) {
	ctx := context.Background()
	opts := formatVolumes(t)
	ref := txn.ObjectRef{PFS: 1, ObjID: 42}

	var armed atomic.Bool
	s, err := open(ctx, opts, crashAt("meta", armed.Load))
	require.NoError(t, err)

	// committed before the crash, must survive it
	b := pattern(7, 20)
	mustPut(t, s, ref, types.RecTypeDB, 7, b)
	require.NoError(t, s.Sync(ctx))

	a := pattern(1, 50)
	mustPut(t, s, ref, types.RecTypeDB, 100, a)
	got := scanAll(t, s, ref, types.RecTypeDB, 0, 200)
	require.Len(t, got, 2)
	require.Equal(t, a, got[100])

	armed.Store(true)
	err = s.Sync(ctx)
	require.ErrorIs(t, err, ErrStoreBroken)
	require.ErrorIs(t, s.writable(), ErrStoreBroken)
	s.abandon()

	s = openStore(t, opts)
	defer s.Close()
	got = scanAll(t, s, ref, types.RecTypeDB, 0, 200)
	require.Len(t, got, 1)
	require.Equal(t, b, got[7])
	_, _, err = s.Get(nil, ref, types.RecTypeDB, 100)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadOnlyMountRefusesPendingUndo(t *testing.T) {
	ctx := context.Background()
	opts := formatVolumes(t)
	ref := txn.ObjectRef{PFS: 1, ObjID: 1}

	var armed atomic.Bool
	s, err := open(ctx, opts, crashAt("meta", armed.Load))
	require.NoError(t, err)
	// the crashed group must change nodes already on disk to leave UNDO
	mustPut(t, s, ref, types.RecTypeDirEntry, 1, []byte("kept"))
	require.NoError(t, s.Sync(ctx))
	mustPut(t, s, ref, types.RecTypeInode, 0, pattern(3, 64))
	armed.Store(true)
	require.Error(t, s.Sync(ctx))
	s.abandon()

	ro := opts
	ro.ReadOnly = true
	_, err = Open(ctx, ro)
	require.ErrorIs(t, err, ErrRecoveryNeeded)

	// a read-write mount rolls back and is then clean for read-only use
	s = openStore(t, opts)
	require.NoError(t, s.Close())
	s = openStore(t, ro)
	defer s.Close()
	_, _, err = s.Get(nil, ref, types.RecTypeInode, 0)
	require.ErrorIs(t, err, ErrNotFound)
	_, data, err := s.Get(nil, ref, types.RecTypeDirEntry, 1)
	require.NoError(t, err)
	require.Equal(t, "kept", string(data))
}

func TestWriteSurvivesCrashThroughRedo(t *testing.T) {
	opts := formatVolumes(t)
	ref := txn.ObjectRef{PFS: 1, ObjID: 9}
	data := pattern(5, 10000)

	s := openStore(t, opts)
	mustWrite(t, s, ref, 0, data)
	require.NoError(t, s.Fsync())
	s.abandon()

	s = openStore(t, opts)
	requireRead(t, s, ref, 0, data)
	size, err := s.Size(nil, ref)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)
	require.Len(t, treeKeys(t, s, ref), 3)
	require.NoError(t, s.Close())

	// the operation is terminated now and must not be replayed again
	s = openStore(t, opts)
	defer s.Close()
	requireRead(t, s, ref, 0, data)
	require.Len(t, treeKeys(t, s, ref), 3)
	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, st.Stale)
}

func TestUnsyncedWriteIsLost(t *testing.T) {
	opts := formatVolumes(t)
	ref := txn.ObjectRef{PFS: 1, ObjID: 9}

	s := openStore(t, opts)
	mustWrite(t, s, ref, 0, pattern(5, 100))
	s.abandon()

	s = openStore(t, opts)
	defer s.Close()
	size, err := s.Size(nil, ref)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestRecoveryFlushCrashIsIdempotent(t *testing.T) {
	ctx := context.Background()
	opts := formatVolumes(t)
	ref := txn.ObjectRef{PFS: 2, ObjID: 1}
	first := pattern(9, 6000)
	second := pattern(40, 100)

	s := openStore(t, opts)
	mustWrite(t, s, ref, 0, first)
	mustWrite(t, s, ref, 4000, second)
	require.NoError(t, s.Fsync())
	s.abandon()

	for _, stage := range []string{"data", "log", "meta", "header"} {
		_, err := open(ctx, opts, crashAt(stage, func() bool { return true }))
		require.ErrorIs(t, err, ErrStoreBroken, stage)
	}

	want := append([]byte(nil), first...)
	copy(want[4000:], second)
	s = openStore(t, opts)
	defer s.Close()
	requireRead(t, s, ref, 0, want)

	// one element per block, nothing left over from the failed mounts
	require.Len(t, treeKeys(t, s, ref), 2)
}

func TestRemountRoundTrip(t *testing.T) {
	ctx := context.Background()
	opts := formatVolumes(t)
	file := txn.ObjectRef{PFS: 1, ObjID: 100}
	dir := txn.ObjectRef{PFS: 1, ObjID: 1}
	data := pattern(11, 3*DataBlockSize)

	s := openStore(t, opts)
	mustWrite(t, s, file, 0, data)
	mustPut(t, s, file, types.RecTypeInode, 0, []byte("inode of 100"))
	mustPut(t, s, dir, types.RecTypeDirEntry, 17, []byte("a"))
	mustPut(t, s, dir, types.RecTypeDirEntry, 18, []byte("b"))
	require.NoError(t, s.Sync(ctx))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Truncate(tx, file, 5000))
	require.NoError(t, s.Delete(tx, dir, types.RecTypeDirEntry, 17))
	require.ErrorIs(t, s.Delete(tx, dir, types.RecTypeDirEntry, 99), ErrNotFound)
	require.NoError(t, s.Commit(tx))

	check := func(s *Store) {
		t.Helper()
		size, err := s.Size(nil, file)
		require.NoError(t, err)
		require.Equal(t, int64(5000), size)
		requireRead(t, s, file, 0, data[:5000])
		requireRead(t, s, file, 5000, make([]byte, 4000))

		_, inode, err := s.Get(nil, file, types.RecTypeInode, 0)
		require.NoError(t, err)
		require.Equal(t, "inode of 100", string(inode))

		entries := scanAll(t, s, dir, types.RecTypeDirEntry, 0, math.MaxInt64)
		require.Len(t, entries, 1)
		require.Equal(t, "b", string(entries[18]))
	}
	check(s)
	require.NoError(t, s.Close())

	s = openStore(t, opts)
	defer s.Close()
	check(s)
}

func TestHistoryVisibleAtOlderTID(t *testing.T) {
	ctx := context.Background()
	opts := formatVolumes(t)
	ref := txn.ObjectRef{PFS: 1, ObjID: 5}

	s := openStore(t, opts)
	defer s.Close()
	mustPut(t, s, ref, types.RecTypeExt, 1, []byte("v1"))
	snap, err := s.Snapshot(ctx, 1)
	require.NoError(t, err)
	mustPut(t, s, ref, types.RecTypeExt, 1, []byte("v2"))
	require.NoError(t, s.Sync(ctx))

	old, err := s.BeginAt(snap)
	require.NoError(t, err)
	_, v, err := s.Get(old, ref, types.RecTypeExt, 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	_, v, err = s.Get(nil, ref, types.RecTypeExt, 1)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))

	snaps, err := s.Snapshots(1)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, snap, snaps[0].TID)

	_, err = s.BeginAt(types.MaxTID - 1)
	require.ErrorIs(t, err, ErrBadRange)
}

func TestPruneKeepsSnapshotHistory(t *testing.T) {
	ctx := context.Background()
	ref := txn.ObjectRef{PFS: 1, ObjID: 6}
	s := openStore(t, formatVolumes(t))
	defer s.Close()

	mustPut(t, s, ref, types.RecTypeExt, 1, []byte("v1"))
	snap, err := s.Snapshot(ctx, 1)
	require.NoError(t, err)
	mustPut(t, s, ref, types.RecTypeExt, 1, []byte("v2"))
	require.NoError(t, s.Sync(ctx))
	mustPut(t, s, ref, types.RecTypeExt, 1, []byte("v3"))
	require.NoError(t, s.Sync(ctx))
	require.Len(t, treeKeys(t, s, ref), 3)

	// v2 lived and died between the snapshot and now
	n, err := s.Prune(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, treeKeys(t, s, ref), 2)

	old, err := s.BeginAt(snap)
	require.NoError(t, err)
	_, v, err := s.Get(old, ref, types.RecTypeExt, 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
	_, v, err = s.Get(nil, ref, types.RecTypeExt, 1)
	require.NoError(t, err)
	assert.Equal(t, "v3", string(v))

	n, err = s.Prune(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, n)

	// nothing else refers to v1 once the snapshot record is gone
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Delete(tx, txn.ObjectRef{PFS: 1, ObjID: snapshotRoot}, types.RecTypePseudoFS, int64(snap)))
	require.NoError(t, s.Commit(tx))
	_, err = s.Prune(ctx, 1)
	require.NoError(t, err)
	require.Len(t, treeKeys(t, s, ref), 1)
}

func TestNoHistoryDestroysReplacedElements(t *testing.T) {
	ctx := context.Background()
	opts := formatVolumes(t)
	opts.NoHistory = true
	ref := txn.ObjectRef{PFS: 1, ObjID: 5}

	s := openStore(t, opts)
	defer s.Close()
	for i := range 5 {
		mustPut(t, s, ref, types.RecTypeExt, 1, pattern(byte(i), 10))
		require.NoError(t, s.Sync(ctx))
	}
	require.Len(t, treeKeys(t, s, ref), 1)
}

func TestFrontendRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	opts := formatVolumes(t)
	ref := txn.ObjectRef{PFS: 1, ObjID: 5}

	s := openStore(t, opts)
	defer s.Close()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer s.Commit(tx)

	require.ErrorIs(t, s.Put(tx, ref, types.RecTypeData, 0, nil), ErrBadRecType)
	require.ErrorIs(t, s.Write(tx, ref, -1, []byte("x")), ErrBadRange)
	require.ErrorIs(t, s.Truncate(tx, ref, -1), ErrBadRange)
	require.ErrorIs(t, s.Write(s.BeginReadOnly(), ref, 0, []byte("x")), ErrWrongTxn)
}

func TestReadOnlyStoreRejectsWrites(t *testing.T) {
	ctx := context.Background()
	opts := formatVolumes(t)
	opts.ReadOnly = true

	s := openStore(t, opts)
	defer s.Close()
	_, err := s.Begin(ctx)
	require.ErrorIs(t, err, ErrReadOnly)
	_, err = s.Snapshot(ctx, 1)
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestThrottleWaitsForFlusher(t *testing.T) {
	ctx := context.Background()
	opts := formatVolumes(t)
	opts.DirtyLimit = 8
	opts.FlushGroupRecords = 4
	ref := txn.ObjectRef{PFS: 1, ObjID: 1}

	s := openStore(t, opts)
	defer s.Close()

	// keep the flusher out while the limit fills up
	s.flushMu.Lock()
	for i := range 8 {
		mustPut(t, s, ref, types.RecTypeDirEntry, int64(i), pattern(byte(i), 16))
	}
	began := make(chan error, 1)
	go func() {
		tx, err := s.Begin(ctx)
		if err == nil {
			err = s.Commit(tx)
		}
		began <- err
	}()
	require.Eventually(t, func() bool { return s.counters.throttled.Load() > 0 }, 5*time.Second, time.Millisecond)
	select {
	case err := <-began:
		t.Fatalf("Begin returned while the store was over its limit: %v", err)
	default:
	}
	s.flushMu.Unlock()
	require.NoError(t, <-began)
	require.Len(t, scanAll(t, s, ref, types.RecTypeDirEntry, 0, 100), 8)
}

func TestReplacingRecordInFlightScansOnce(t *testing.T) {
	ref := txn.ObjectRef{PFS: 1, ObjID: 9}
	s := openStore(t, formatVolumes(t))
	defer s.Close()

	s.flushMu.Lock()
	mustPut(t, s, ref, types.RecTypeInode, 1, []byte("v1"))
	// v1 is picked up by a group that has not committed yet
	obj := s.object(ref)
	inflight := obj.set.BeginFlush()
	require.Len(t, inflight, 1)
	mustPut(t, s, ref, types.RecTypeInode, 1, []byte("v2"))
	require.Equal(t, 2, obj.set.Len())

	var seen []string
	err := s.Scan(s.BeginReadOnly(), ref, types.RecTypeInode, 0, 10, func(_ types.Leaf, data []byte) error {
		seen = append(seen, string(data))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, seen)
	_, data, err := s.Get(s.BeginReadOnly(), ref, types.RecTypeInode, 1)
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))

	require.NoError(t, obj.set.Requeue(inflight[0]))
	s.flushMu.Unlock()
	require.NoError(t, s.Sync(context.Background()))

	seen = seen[:0]
	err = s.Scan(s.BeginReadOnly(), ref, types.RecTypeInode, 0, 10, func(_ types.Leaf, data []byte) error {
		seen = append(seen, string(data))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, seen)
}

func TestConcurrentWritersUnderThrottle(t *testing.T) {
	ctx := context.Background()
	opts := formatVolumes(t)
	opts.DirtyLimit = 8
	opts.FlushGroupRecords = 4

	s := openStore(t, opts)
	defer s.Close()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref := txn.ObjectRef{PFS: 1, ObjID: uint64(w + 1)}
			for i := range 25 {
				tx, err := s.Begin(ctx)
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, s.Put(tx, ref, types.RecTypeDirEntry, int64(i), pattern(byte(i), 16)))
				assert.NoError(t, s.Commit(tx))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Sync(ctx))

	for w := range 4 {
		got := scanAll(t, s, txn.ObjectRef{PFS: 1, ObjID: uint64(w + 1)}, types.RecTypeDirEntry, 0, 100)
		require.Len(t, got, 25)
	}
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Equal(t, uint64(100), st.Flushed)
}

func TestDedupSharesIdenticalBlocks(t *testing.T) {
	ctx := context.Background()
	opts := formatVolumes(t)
	opts.Dedup = config.DedupOptions{Enabled: true, MaxCost: 1 << 20}
	block := pattern(77, DataBlockSize)
	a, b := txn.ObjectRef{PFS: 1, ObjID: 1}, txn.ObjectRef{PFS: 1, ObjID: 2}

	s := openStore(t, opts)
	mustWrite(t, s, a, 0, block)
	require.NoError(t, s.Sync(ctx))
	s.dedup.Wait()

	mustWrite(t, s, b, 0, block)
	require.NoError(t, s.Sync(ctx))

	la, err := s.tree.Lookup(treeKeys(t, s, a)[0])
	require.NoError(t, err)
	lb, err := s.tree.Lookup(treeKeys(t, s, b)[0])
	require.NoError(t, err)
	require.Equal(t, la.DataOffset, lb.DataOffset)
	requireRead(t, s, b, 0, block)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.DedupHits)
	require.NoError(t, s.Close())

	// a fresh cache learns the block back from the tree
	s = openStore(t, opts)
	defer s.Close()
	n, err := s.DedupScan(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	mustWrite(t, s, txn.ObjectRef{PFS: 1, ObjID: 3}, 0, block)
	require.NoError(t, s.Sync(ctx))
	st, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.DedupHits)
}
