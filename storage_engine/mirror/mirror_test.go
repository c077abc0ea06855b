package mirror

import (
	"bytes"
	"context"
	"hash/crc32"
	"math/rand"
	"sort"
	"testing"

	bplus "TideDB/storage_engine/bplustree"
	checkpoint "TideDB/storage_engine/checkpoint_manager"
	"TideDB/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const (
	testPFS   = 3
	chunkKeys = 10
)

func elemKey(n int64, tid types.TID) types.Key {
	return types.Key{Localization: testPFS, ObjID: 1, RecType: types.RecTypeDB, Key: n, CreateTID: tid}
}

// fakeSource is a tree whose subtrees are fixed ranges of chunkKeys keys.
type fakeSource struct {
	leaves    []types.Leaf
	destroyed map[int64]types.TID // chunk -> newest destroy tid
	data      map[uint64][]byte
	nextOff   uint64
}

func newFakeSource() *fakeSource {
	return &fakeSource{destroyed: make(map[int64]types.TID), data: make(map[uint64][]byte), nextOff: 0x2000000000000000}
}

func (s *fakeSource) ReadData(offset uint64, dst []byte) error {
	copy(dst, s.data[offset])
	return nil
}

func (s *fakeSource) put(n int64, tid types.TID, data []byte) {
	leaf := types.Leaf{Key: elemKey(n, tid)}
	if data != nil {
		s.nextOff += 64
		leaf.DataOffset, leaf.DataLen, leaf.DataCRC = s.nextOff, uint32(len(data)), crc32.ChecksumIEEE(data)
		s.data[s.nextOff] = data
	}
	s.leaves = append(s.leaves, leaf)
	sort.Slice(s.leaves, func(i, j int) bool { return s.leaves[i].Key.Compare(s.leaves[j].Key) < 0 })
}

func (s *fakeSource) markDeleted(n int64, tid types.TID) {
	for i := range s.leaves {
		if s.leaves[i].Key.Key == n && !s.leaves[i].Deleted() {
			s.leaves[i].DeleteTID = tid
		}
	}
}

func (s *fakeSource) destroy(n int64, tid types.TID) {
	kept := s.leaves[:0]
	for _, l := range s.leaves {
		if l.Key.Key != n {
			kept = append(kept, l)
		}
	}
	s.leaves = kept
	s.destroyed[n/chunkKeys] = max(s.destroyed[n/chunkKeys], tid)
}

func (s *fakeSource) Scan(ctx context.Context, beg, end types.Key, since types.TID, v bplus.Visitor) error {
	chunks := make(map[int64][]types.Leaf)
	mirror := make(map[int64]types.TID)
	for c, tid := range s.destroyed {
		mirror[c] = tid
	}
	last := int64(0)
	for _, l := range s.leaves {
		c := l.Key.Key / chunkKeys
		chunks[c] = append(chunks[c], l)
		mirror[c] = max(mirror[c], l.Key.CreateTID, l.DeleteTID)
		last = max(last, c)
	}
	for c := range s.destroyed {
		last = max(last, c)
	}
	for c := int64(0); c <= last; c++ {
		if since != types.NoTID && mirror[c] <= since {
			lo := beg
			if c > 0 {
				lo = elemKey(c*chunkKeys, 0)
			}
			var hi []byte
			if c < last {
				hi = elemKey((c+1)*chunkKeys, 0).Bytes()
			}
			if err := v.Skip(lo.Bytes(), hi); err != nil {
				return err
			}
			continue
		}
		for _, l := range chunks[c] {
			if err := v.Leaf(l); err != nil {
				return err
			}
		}
	}
	return nil
}

type fakeTarget struct {
	elems   map[types.Key]types.Leaf
	data    map[types.Key][]byte
	commits int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{elems: make(map[types.Key]types.Leaf), data: make(map[types.Key][]byte)}
}

func (t *fakeTarget) Keys(ctx context.Context, beg, end types.Key) ([]types.Key, error) {
	var out []types.Key
	for k := range t.elems {
		if k.Compare(beg) >= 0 && k.Compare(end) < 0 {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

func (t *fakeTarget) Put(ctx context.Context, leaf types.Leaf, data []byte) error {
	t.elems[leaf.Key] = leaf
	t.data[leaf.Key] = bytes.Clone(data)
	return nil
}

func (t *fakeTarget) Destroy(ctx context.Context, key types.Key) error {
	delete(t.elems, key)
	delete(t.data, key)
	return nil
}

func (t *fakeTarget) Commit(ctx context.Context) error {
	t.commits++
	return nil
}

type elemState struct {
	Key     string
	Deleted types.TID
	Data    string
}

func sourceState(s *fakeSource) []elemState {
	var out []elemState
	for _, l := range s.leaves {
		var data []byte
		if l.DataLen > 0 {
			data = s.data[l.DataOffset]
			if crc32.ChecksumIEEE(data) != l.DataCRC {
				continue
			}
		}
		out = append(out, elemState{Key: l.Key.String(), Deleted: l.DeleteTID, Data: string(data)})
	}
	return out
}

func targetState(t *fakeTarget) []elemState {
	keys, _ := t.Keys(context.Background(), types.MinKey, types.MaxKey)
	var out []elemState
	for _, k := range keys {
		out = append(out, elemState{Key: k.String(), Deleted: t.elems[k].DeleteTID, Data: string(t.data[k])})
	}
	return out
}

func mirrorOnce(t *testing.T, src *fakeSource, dst *fakeTarget, since, until types.TID, cps *checkpoint.CheckpointManager) Stats {
	t.Helper()
	var stream bytes.Buffer
	_, err := Read(context.Background(), &stream, src, src, ReadOptions{Source: "src", PFS: testPFS, Since: since, Until: until, Compression: CompressLZ4}, nil)
	require.NoError(t, err)
	_, stats, err := Apply(context.Background(), &stream, dst, ApplyOptions{PFS: testPFS, Checkpoints: cps}, nil)
	require.NoError(t, err)
	return stats
}

func TestFullThenIncremental(t *testing.T) {
	src := newFakeSource()
	for n := int64(0); n < 50; n++ {
		var data []byte
		if n%3 == 0 {
			data = bytes.Repeat([]byte{byte(n)}, 100+int(n))
		}
		src.put(n, 5, data)
	}
	cps, err := checkpoint.NewCheckpointManager(t.TempDir(), nil)
	require.NoError(t, err)

	dst := newFakeTarget()
	// stale element the source never had
	require.NoError(t, dst.Put(context.Background(), types.Leaf{Key: elemKey(1000, 1)}, nil))

	stats := mirrorOnce(t, src, dst, types.NoTID, 10, cps)
	require.Equal(t, uint64(50), stats.Records)
	require.Equal(t, uint64(1), stats.Deleted)
	if diff := cmp.Diff(sourceState(src), targetState(dst)); diff != "" {
		t.Fatalf("full mirror mismatch (-src +dst):\n%s", diff)
	}

	// changes in two chunks only
	src.put(12, 20, []byte("new"))
	src.markDeleted(13, 20)
	src.destroy(44, 20)
	stats = mirrorOnce(t, src, dst, 10, 20, cps)
	require.Equal(t, uint64(3), stats.Skipped)
	require.Equal(t, uint64(2), stats.Records)
	require.Equal(t, uint64(1), stats.Deleted)
	if diff := cmp.Diff(sourceState(src), targetState(dst)); diff != "" {
		t.Fatalf("incremental mirror mismatch (-src +dst):\n%s", diff)
	}

	p, ok, err := cps.LoadSyncPoint("src", testPFS)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(20), p.SyncEndTID)
}

func TestChangesAfterUntilWait(t *testing.T) {
	src := newFakeSource()
	src.put(1, 5, nil)
	src.put(2, 30, nil)
	src.markDeleted(1, 30)

	dst := newFakeTarget()
	mirrorOnce(t, src, dst, types.NoTID, 10, nil)
	got := targetState(dst)
	require.Len(t, got, 1)
	require.Equal(t, elemKey(1, 5).String(), got[0].Key)
	require.Equal(t, types.NoTID, got[0].Deleted)
}

func TestBadCRCKeepsTargetCopy(t *testing.T) {
	src := newFakeSource()
	src.put(1, 5, []byte("good data"))
	dst := newFakeTarget()
	mirrorOnce(t, src, dst, types.NoTID, 10, nil)

	// rot the source copy
	src.data[src.leaves[0].DataOffset] = []byte("bad! data")
	var stream bytes.Buffer
	stats, err := Read(context.Background(), &stream, src, src, ReadOptions{PFS: testPFS, Until: 10}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.BadCRC)
	_, _, err = Apply(context.Background(), &stream, dst, ApplyOptions{}, nil)
	require.NoError(t, err)
	require.Equal(t, "good data", string(dst.data[elemKey(1, 5)]))
}

func TestIncrementalNeedsSyncPoint(t *testing.T) {
	src := newFakeSource()
	src.put(1, 5, nil)
	cps, err := checkpoint.NewCheckpointManager(t.TempDir(), nil)
	require.NoError(t, err)

	var stream bytes.Buffer
	_, err = Read(context.Background(), &stream, src, src, ReadOptions{Source: "src", PFS: testPFS, Since: 10, Until: 20}, nil)
	require.NoError(t, err)
	_, _, err = Apply(context.Background(), &stream, newFakeTarget(), ApplyOptions{Checkpoints: cps}, nil)
	require.ErrorIs(t, err, ErrGap)
}

func TestWireCompressionAndCorruption(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	random := make([]byte, 3000)
	rng.Read(random)
	payloads := [][]byte{bytes.Repeat([]byte("abcd"), 1000), random, {1}}

	for _, c := range []Compression{CompressNone, CompressLZ4, CompressZstd} {
		t.Run(c.String(), func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf, c)
			for i, p := range payloads {
				leaf := types.Leaf{Key: elemKey(int64(i), 1), DataOffset: 64, DataLen: uint32(len(p))}
				require.NoError(t, enc.WriteRec(leaf, p))
			}
			require.NoError(t, enc.Flush())

			dec := NewDecoder(bytes.NewReader(buf.Bytes()))
			for _, p := range payloads {
				rec, err := dec.Next()
				require.NoError(t, err)
				require.Equal(t, RecRec, rec.Type)
				require.Equal(t, p, rec.Data)
			}

			// flip a byte of the first record's body
			raw := bytes.Clone(buf.Bytes())
			raw[HeadSize+5] ^= 0xFF
			_, err := NewDecoder(bytes.NewReader(raw)).Next()
			require.ErrorIs(t, err, ErrBadRecord)
		})
	}
}

func TestStreamWithoutTerminator(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, CompressNone)
	require.NoError(t, enc.WriteHeader(Header{PFS: testPFS, SyncEndTID: 5}))
	require.NoError(t, enc.WriteLeaf(RecNoData, types.Leaf{Key: elemKey(1, 1)}))
	require.NoError(t, enc.Flush())

	dst := newFakeTarget()
	_, _, err := Apply(context.Background(), &buf, dst, ApplyOptions{}, nil)
	require.ErrorIs(t, err, ErrTruncated)
	require.Zero(t, dst.commits)

	_, _, err = Apply(context.Background(), bytes.NewReader(nil), dst, ApplyOptions{}, nil)
	require.ErrorIs(t, err, ErrNoHeader)
}
