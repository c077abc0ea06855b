package wal_manager

import (
	"bytes"
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	diskmanager "TideDB/storage_engine/disk_manager"
	"TideDB/storage_engine/page"
	"TideDB/types"

	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, *diskmanager.DiskManager, *page.VolumeHeader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vol0")
	_, err := diskmanager.Format([]string{path}, diskmanager.FormatOptions{VolumeSize: 16 << 20, UndoSize: 1 << 20})
	require.NoError(t, err)
	dm, err := diskmanager.Open([]string{path}, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	hdr, err := dm.RootHeader()
	require.NoError(t, err)
	l, err := Open(dm, hdr, nil)
	require.NoError(t, err)
	return l, dm, hdr
}

func collectForward(t *testing.T, l *Log, from uint64, seq uint32) ([]Record, uint64) {
	t.Helper()
	var recs []Record
	end, _, err := l.ScanForward(context.Background(), from, seq, func(r Record) error {
		r.Payload = bytes.Clone(r.Payload)
		recs = append(recs, r)
		return nil
	})
	require.NoError(t, err)
	return recs, end
}

func TestRecordCodecPadding(t *testing.T) {
	for _, n := range []int{0, 1, 16, 17, 100, MaxPayload} {
		payload := bytes.Repeat([]byte{0xA5}, n)
		buf := encodeRecord(RecordUndo, 7, payload)
		require.Zero(t, len(buf)%LogAlign, "n=%d", n)

		rec, err := decodeRecord(buf, 0)
		require.NoError(t, err, "n=%d", n)
		require.Equal(t, uint32(7), rec.Seq)
		require.Equal(t, payload, rec.Payload[:n])

		// flipping a fill byte must be caught as well
		if HeadSize+n < len(buf)-TailSize {
			buf[HeadSize+n] ^= 1
			_, err = decodeRecord(buf, 0)
			require.ErrorIs(t, err, ErrCorrupt, "n=%d", n)
		}
	}
}

func TestUndoRoundTrip(t *testing.T) {
	l, dm, hdr := openTestLog(t)
	rng := rand.New(rand.NewSource(1))

	base := page.PhysOffset(0, hdr.DataBeg)
	orig := make([]byte, 64<<10)
	rng.Read(orig)
	require.NoError(t, dm.WriteAt(base, orig))

	// modify random ranges, logging the before-image first
	for i := 0; i < 50; i++ {
		off := rng.Intn(len(orig) - 2048)
		n := 1 + rng.Intn(2048)
		before := make([]byte, n)
		require.NoError(t, dm.ReadAt(base+uint64(off), before))
		_, err := l.LogUndo(base+uint64(off), before)
		require.NoError(t, err)

		after := make([]byte, n)
		rng.Read(after)
		require.NoError(t, dm.WriteAt(base+uint64(off), after))
	}
	require.NoError(t, l.Sync())

	next, _ := l.Position()
	err := l.ScanBackward(context.Background(), hdr.UndoFirst, next, func(r Record) error {
		if r.Type != RecordUndo {
			return nil
		}
		u, err := DecodeUndo(r)
		if err != nil {
			return err
		}
		return dm.WriteAt(u.Phys, u.Before)
	})
	require.NoError(t, err)

	got := make([]byte, len(orig))
	require.NoError(t, dm.ReadAt(base, got))
	require.Equal(t, orig, got)
}

func TestRecordsNeverCrossBlocks(t *testing.T) {
	l, _, hdr := openTestLog(t)
	rng := rand.New(rand.NewSource(2))

	for i := 0; i < 300; i++ {
		_, err := l.LogUndo(uint64(i)*8192, make([]byte, 1+rng.Intn(MaxUndoChunk)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Sync())

	recs, end := collectForward(t, l, hdr.UndoFirst, hdr.UndoSeq)
	next, _ := l.Position()
	require.Equal(t, next, end)

	starts := make(map[uint64]bool)
	undos := 0
	for _, r := range recs {
		within := (r.Offset - hdr.UndoBeg) % LogBlockSize
		require.LessOrEqual(t, within+uint64(r.Size), uint64(LogBlockSize))
		starts[r.Offset] = true
		if r.Type == RecordUndo {
			undos++
		}
	}
	require.Equal(t, 300, undos)
	for blk := hdr.UndoBeg; blk < next; blk += LogBlockSize {
		require.True(t, starts[blk], "block %#x does not start with a record", blk)
	}
}

func TestScanForwardStopsAtDiscontinuity(t *testing.T) {
	l, dm, hdr := openTestLog(t)

	var offsets []uint64
	for i := 0; i < 20; i++ {
		at, err := l.LogRedo(Redo{Op: RedoWrite, ObjID: 7, TID: types.TID(i + 1), Offset: uint64(i) * 100, Data: []byte("some data")})
		require.NoError(t, err)
		offsets = append(offsets, at)
	}
	require.NoError(t, l.Sync())

	// break the checksum of record 12
	require.NoError(t, dm.WriteAt(offsets[12]+HeadSize+8, []byte{0xFF, 0xFF}))

	recs, end := collectForward(t, l, hdr.UndoFirst, hdr.UndoSeq)
	require.Equal(t, offsets[12], end)
	redos := 0
	for _, r := range recs {
		if r.Type == RecordRedo {
			redos++
		}
	}
	require.Equal(t, 12, redos)

	// wrong starting sequence: nothing is valid
	_, end = collectForward(t, l, hdr.UndoFirst, hdr.UndoSeq+5)
	require.Equal(t, hdr.UndoFirst, end)

	err := l.ScanBackward(context.Background(), hdr.UndoFirst, offsets[15], nil)
	require.ErrorIs(t, err, ErrCorrupt)
	require.NoError(t, l.ScanBackward(context.Background(), hdr.UndoFirst, offsets[12], nil))
}

func TestUndoHistorySkipsRepeats(t *testing.T) {
	l, _, _ := openTestLog(t)

	lsn1, err := l.LogUndo(0x1000, make([]byte, 100))
	require.NoError(t, err)
	lsn2, err := l.LogUndo(0x1000, make([]byte, 60))
	require.NoError(t, err)
	require.Equal(t, lsn1, lsn2)

	// longer range than logged: needs its own record
	lsn3, err := l.LogUndo(0x1000, make([]byte, 200))
	require.NoError(t, err)
	require.Greater(t, lsn3, lsn2)

	l.ClearHistory()
	lsn4, err := l.LogUndo(0x1000, make([]byte, 60))
	require.NoError(t, err)
	require.Greater(t, lsn4, lsn3)
}

func TestFlushedLSNFollowsSync(t *testing.T) {
	l, _, _ := openTestLog(t)

	lsn, err := l.LogUndo(0x2000, []byte{1, 2, 3})
	require.NoError(t, err)
	require.Less(t, l.FlushedLSN(), lsn)
	require.NoError(t, l.Sync())
	require.Equal(t, lsn, l.FlushedLSN())
}

func TestLogFull(t *testing.T) {
	l, _, _ := openTestLog(t)

	require.NoError(t, l.Reserve(l.Free()))
	require.ErrorIs(t, l.Reserve(l.Free()+1), ErrLogFull)

	data := make([]byte, 4000)
	var err error
	for i := 0; i < 10000 && err == nil; i++ {
		_, err = l.LogRedo(Redo{Op: RedoWrite, ObjID: 1, TID: 1, Data: data})
	}
	require.ErrorIs(t, err, ErrLogFull)
	require.Less(t, l.Free(), uint64(2*MaxRecordSize))
}

func TestLogWrapsAround(t *testing.T) {
	l, _, hdr := openTestLog(t)
	capacity := l.Capacity()

	var appended uint64
	for appended < 2*capacity {
		for i := 0; i < 100; i++ {
			_, err := l.LogUndo(uint64(i)*4096, make([]byte, 300))
			require.NoError(t, err)
			appended += uint64(RecordSize(undoHeaderSize + 300))
		}
		require.NoError(t, l.Sync())
		l.Committed(NoRedo)
	}

	commit := *hdr
	l.FillHeader(&commit)
	for i := 0; i < 50; i++ {
		_, err := l.LogUndo(uint64(i)*4096+1, bytes.Repeat([]byte{byte(i)}, 300))
		require.NoError(t, err)
	}
	require.NoError(t, l.Sync())

	recs, end := collectForward(t, l, commit.UndoFirst, commit.UndoSeq)
	next, _ := l.Position()
	require.Equal(t, next, end)

	var undos []Undo
	for _, r := range recs {
		if r.Type == RecordUndo {
			u, err := DecodeUndo(r)
			require.NoError(t, err)
			undos = append(undos, u)
		}
	}
	require.Len(t, undos, 50)
	require.Equal(t, uint64(49*4096+1), undos[49].Phys)

	// the same range walked backwards
	n := 0
	require.NoError(t, l.ScanBackward(context.Background(), commit.UndoFirst, next, func(r Record) error {
		if r.Type == RecordUndo {
			n++
		}
		return nil
	}))
	require.Equal(t, 50, n)
}

func TestRedoChunksAndTerm(t *testing.T) {
	l, _, hdr := openTestLog(t)

	data := bytes.Repeat([]byte("0123456789"), 100)
	op := Redo{Op: RedoWrite, PFS: 1, ObjID: 42, TID: 9, Offset: 4096, Data: data}
	first, err := l.LogRedo(op)
	require.NoError(t, err)
	require.Equal(t, hdr.UndoFirst, first)
	require.NoError(t, l.LogTerm(op))
	require.NoError(t, l.Sync())

	recs, _ := collectForward(t, l, hdr.UndoFirst, AnySeq)
	var got []byte
	var term *Redo
	for _, r := range recs {
		if r.Type != RecordRedo {
			continue
		}
		redo, err := DecodeRedo(r)
		require.NoError(t, err)
		if redo.Op.IsTerm() {
			term = &redo
			continue
		}
		require.Equal(t, uint32(len(data)), redo.Len)
		require.Equal(t, uint32(len(got)), redo.ChunkOff)
		got = append(got, redo.Data...)
	}
	require.Equal(t, data, got)
	require.NotNil(t, term)
	require.Equal(t, RedoTermWrite, term.Op)
	require.Equal(t, op.Key(), term.Key())
}

func TestCommittedMovesRanges(t *testing.T) {
	l, _, hdr := openTestLog(t)

	redoAt, err := l.LogRedo(Redo{Op: RedoTrunc, ObjID: 3, TID: 5, Offset: 10})
	require.NoError(t, err)
	_, err = l.LogUndo(0x3000, make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, l.Sync())

	// appended after the sync: not part of the commit
	_, err = l.LogRedo(Redo{Op: RedoTrunc, ObjID: 3, TID: 6, Offset: 0})
	require.NoError(t, err)

	next, _ := l.Position()
	l.Committed(redoAt)
	commit := *hdr
	l.FillHeader(&commit)
	require.Equal(t, redoAt, commit.RedoFirst)
	require.Equal(t, commit.UndoFirst, commit.UndoNext)
	require.Less(t, commit.UndoFirst, next)
	require.True(t, l.Older(redoAt, commit.UndoFirst))
}
