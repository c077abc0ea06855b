package blockmap

import (
	"path/filepath"
	"testing"

	"TideDB/storage_engine/bufferpool"
	diskmanager "TideDB/storage_engine/disk_manager"
	"TideDB/storage_engine/page"

	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, vols int, volSize uint64) (*BlockMap, *bufferpool.BufferPool, *diskmanager.DiskManager) {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, vols)
	for i := range paths {
		paths[i] = filepath.Join(dir, "vol"+string(rune('0'+i)))
	}
	_, err := diskmanager.Format(paths, diskmanager.FormatOptions{VolumeSize: volSize, UndoSize: 1 << 20})
	require.NoError(t, err)
	dm, err := diskmanager.Open(paths, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	hdr, err := dm.RootHeader()
	require.NoError(t, err)
	pool := bufferpool.NewBufferPool(64, dm, nil)
	bm := New(pool, dm, hdr, nil)
	pool.SetTranslator(bm)
	return bm, pool, dm
}

func TestAllocAndTranslate(t *testing.T) {
	bm, _, dm := setup(t, 1, 16<<20)
	hdr, err := dm.RootHeader()
	require.NoError(t, err)

	off, err := bm.Alloc(page.ZoneMeta, 100)
	require.NoError(t, err)
	require.Equal(t, page.ZoneOffset(page.ZoneMeta, 0), off)

	next, err := bm.Alloc(page.ZoneMeta, page.BufferSize)
	require.NoError(t, err)
	require.Equal(t, off+page.BufferSize, next)

	phys, err := bm.Translate(next)
	require.NoError(t, err)
	require.Equal(t, page.PhysOffset(0, hdr.DataBeg+page.BufferSize), phys)

	_, err = bm.Translate(page.ZoneOffset(page.ZoneData, 0))
	require.ErrorIs(t, err, ErrUnmapped)

	raw := page.PhysOffset(0, 12345)
	got, err := bm.Translate(raw)
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestDataAllocStaysInsideBuffer(t *testing.T) {
	bm, _, _ := setup(t, 1, 16<<20)

	first, err := bm.Alloc(page.ZoneData, 4000)
	require.NoError(t, err)
	require.Equal(t, uint64(0), page.ZoneRelative(first))

	// 4032 used, 64 left: a 100 byte record moves to the next buffer
	second, err := bm.Alloc(page.ZoneData, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(page.BufferSize), page.ZoneRelative(second))

	third, err := bm.Alloc(page.ZoneData, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(page.BufferSize+128), page.ZoneRelative(third))

	// larger than a buffer may straddle buffers but not big-blocks
	big, err := bm.Alloc(page.ZoneData, 10000)
	require.NoError(t, err)
	require.Equal(t, uint64(page.BufferSize+192), page.ZoneRelative(big))
}

func TestBigBlocksRotateOverVolumes(t *testing.T) {
	bm, _, _ := setup(t, 2, 16<<20)

	var vols []uint32
	for i := 0; i < 4; i++ {
		off, err := bm.Alloc(page.ZoneData, page.BigBlockSize)
		require.NoError(t, err)
		phys, err := bm.Translate(off)
		require.NoError(t, err)
		vols = append(vols, page.PhysVolume(phys))
	}
	require.Equal(t, []uint32{0, 1, 0, 1}, vols)
}

func TestOutOfSpace(t *testing.T) {
	// root: header, 1 MiB log, L2 area, leaving 5 big-blocks of data
	bm, _, _ := setup(t, 1, 8<<20)

	require.NoError(t, bm.CheckSpace(0))
	require.ErrorIs(t, bm.CheckSpace(8<<20), ErrNoSpace)

	for i := 0; i < 5; i++ {
		_, err := bm.Alloc(page.ZoneData, page.BigBlockSize)
		require.NoError(t, err)
	}
	_, err := bm.Alloc(page.ZoneData, 64)
	require.ErrorIs(t, err, ErrNoSpace)
	require.Zero(t, bm.Space().FreeBigBlocks)
}

func TestFillLoadRoundTrip(t *testing.T) {
	bm, _, dm := setup(t, 1, 16<<20)

	hdr, err := dm.RootHeader()
	require.NoError(t, err)
	committed := *hdr

	_, err = bm.Alloc(page.ZoneMeta, page.BufferSize)
	require.NoError(t, err)
	bm.Fill(hdr)
	require.Equal(t, uint64(page.BufferSize), hdr.ZoneNext[page.ZoneMeta])
	require.Equal(t, hdr.L2Beg, hdr.Layer1[page.ZoneMeta][0])
	require.Equal(t, hdr.L2Beg+page.BufferSize, hdr.L2Next)

	// rolling back to the committed header forgets the allocation
	bm.Load(&committed)
	off, err := bm.Alloc(page.ZoneMeta, page.BufferSize)
	require.NoError(t, err)
	require.Equal(t, page.ZoneOffset(page.ZoneMeta, 0), off)
}

func TestCorruptLayer2Entry(t *testing.T) {
	bm, pool, dm := setup(t, 1, 16<<20)
	hdr, err := dm.RootHeader()
	require.NoError(t, err)

	off, err := bm.Alloc(page.ZoneMeta, page.BufferSize)
	require.NoError(t, err)

	buf, err := pool.GetBuffer(hdr.L2Beg, page.KindMeta, bufferpool.ModeLoad)
	require.NoError(t, err)
	require.NoError(t, pool.Modify(buf, 0, []byte{0xFF}))
	pool.ReleaseBuffer(buf)

	_, err = bm.Translate(off)
	require.ErrorIs(t, err, ErrCorrupt)
}
