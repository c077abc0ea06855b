package storageengine

import (
	"bytes"
	"context"
	"math"
	"testing"

	"TideDB/storage_engine/mirror"
	txn "TideDB/storage_engine/transaction_manager"
	"TideDB/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// liveView is what a reader of pfs sees, as "obj/type/key" -> data.
func liveView(t *testing.T, s *Store, refs []txn.ObjectRef) map[string]string {
	t.Helper()
	view := make(map[string]string)
	for _, ref := range refs {
		for _, rt := range []types.RecType{types.RecTypeInode, types.RecTypeData, types.RecTypeDirEntry} {
			err := s.Scan(nil, ref, rt, math.MinInt64, math.MaxInt64, func(leaf types.Leaf, data []byte) error {
				view[leaf.Key.WithoutTID().String()] = string(data)
				return nil
			})
			require.NoError(t, err)
		}
	}
	return view
}

func TestMirrorFullThenIncremental(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, formatVolumes(t))
	defer src.Close()
	dst := openStore(t, formatVolumes(t))
	defer dst.Close()

	dir := txn.ObjectRef{PFS: 3, ObjID: 1}
	file := txn.ObjectRef{PFS: 3, ObjID: 2}
	other := txn.ObjectRef{PFS: 4, ObjID: 1}
	refs := []txn.ObjectRef{dir, file}

	mustPut(t, src, dir, types.RecTypeInode, 0, []byte("dir"))
	for i := range 40 {
		mustPut(t, src, dir, types.RecTypeDirEntry, int64(i), pattern(byte(i), 24))
	}
	mustWrite(t, src, file, 0, pattern(3, 9000))
	mustPut(t, src, other, types.RecTypeInode, 0, []byte("not mirrored"))

	var stream bytes.Buffer
	rst, err := src.MirrorRead(ctx, &stream, MirrorReadOptions{PFS: 3, Compression: "zstd"})
	require.NoError(t, err)
	require.Positive(t, rst.Records)

	hdr, wst, err := dst.MirrorWrite(ctx, &stream, MirrorWriteOptions{PFS: 3, CommitEvery: 16})
	require.NoError(t, err)
	require.Equal(t, rst.Records, wst.Records)
	if diff := cmp.Diff(liveView(t, src, refs), liveView(t, dst, refs)); diff != "" {
		t.Fatalf("target differs after full stream (-src +dst):\n%s", diff)
	}
	_, _, err = dst.Get(nil, other, types.RecTypeInode, 0)
	require.ErrorIs(t, err, ErrNotFound)

	// change a few things and send only what changed
	tx, err := src.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Delete(tx, dir, types.RecTypeDirEntry, 5))
	require.NoError(t, src.Put(tx, dir, types.RecTypeDirEntry, 100, []byte("new")))
	require.NoError(t, src.Truncate(tx, file, 100))
	require.NoError(t, src.Commit(tx))

	stream.Reset()
	_, err = src.MirrorRead(ctx, &stream, MirrorReadOptions{PFS: 3, Since: types.TID(hdr.SyncEndTID), Compression: "lz4"})
	require.NoError(t, err)
	_, _, err = dst.MirrorWrite(ctx, &stream, MirrorWriteOptions{PFS: 3})
	require.NoError(t, err)
	if diff := cmp.Diff(liveView(t, src, refs), liveView(t, dst, refs)); diff != "" {
		t.Fatalf("target differs after incremental stream (-src +dst):\n%s", diff)
	}

	// the target keeps the mirrored state across a remount
	want := liveView(t, dst, refs)
	opts := dst.opts
	require.NoError(t, dst.Close())
	dst = openStore(t, opts)
	require.Empty(t, cmp.Diff(want, liveView(t, dst, refs)))
}

func TestMirrorWriteRejectsGap(t *testing.T) {
	ctx := context.Background()
	src := openStore(t, formatVolumes(t))
	defer src.Close()
	dst := openStore(t, formatVolumes(t))
	defer dst.Close()

	ref := txn.ObjectRef{PFS: 3, ObjID: 1}
	mustPut(t, src, ref, types.RecTypeInode, 0, []byte("x"))
	require.NoError(t, src.Sync(ctx))
	since := src.txns.LastCommitted()
	mustPut(t, src, ref, types.RecTypeDirEntry, 1, []byte("y"))

	// the target never received anything up to since
	var stream bytes.Buffer
	_, err := src.MirrorRead(ctx, &stream, MirrorReadOptions{PFS: 3, Since: since})
	require.NoError(t, err)
	_, _, err = dst.MirrorWrite(ctx, &stream, MirrorWriteOptions{PFS: 3})
	require.ErrorIs(t, err, mirror.ErrGap)
	require.NoError(t, dst.writable())

	stream.Reset()
	_, err = src.MirrorRead(ctx, &stream, MirrorReadOptions{PFS: 3})
	require.NoError(t, err)
	_, _, err = dst.MirrorWrite(ctx, &stream, MirrorWriteOptions{PFS: 4})
	require.ErrorIs(t, err, mirror.ErrWrongPFS)
}
