package diskmanager

import (
	"bytes"
	"path/filepath"
	"testing"

	"TideDB/storage_engine/page"

	"github.com/stretchr/testify/require"
)

func formatVolumes(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, "vol"+string(rune('0'+i)))
	}
	_, err := Format(paths, FormatOptions{Label: "test", VolumeSize: 32 << 20, UndoSize: 2 << 20})
	require.NoError(t, err)
	return paths
}

func TestFormatLayout(t *testing.T) {
	paths := formatVolumes(t, 2)

	dm, err := Open(paths, false, nil)
	require.NoError(t, err)
	defer dm.Close()

	root, err := dm.RootHeader()
	require.NoError(t, err)
	require.Equal(t, uint64(page.BigBlockSize), root.UndoBeg)
	require.Equal(t, uint64(3*page.BigBlockSize), root.UndoEnd)
	require.Equal(t, root.UndoBeg, root.UndoFirst)
	require.Equal(t, root.UndoBeg, root.UndoNext)
	require.Equal(t, root.UndoBeg, root.RedoFirst)
	require.Equal(t, root.UndoEnd, root.L2Beg)
	require.Equal(t, root.L2Beg+page.BigBlockSize, root.DataBeg)
	require.Equal(t, root.DataBeg, root.VolFree[0])
	require.Equal(t, uint64(page.BigBlockSize), root.VolFree[1])
	require.Equal(t, "test", root.LabelString())

	vols := dm.Volumes()
	require.Len(t, vols, 2)
	require.Equal(t, uint32(1), vols[1].No)
	require.Equal(t, dm.FSID(), vols[1].Header.FSID)
}

func TestReadWriteAcrossVolumes(t *testing.T) {
	paths := formatVolumes(t, 2)
	dm, err := Open(paths, false, nil)
	require.NoError(t, err)
	defer dm.Close()

	data := bytes.Repeat([]byte("tide"), page.BufferSize/4)
	phys := page.PhysOffset(1, 4*page.BigBlockSize)
	require.NoError(t, dm.WriteAt(phys, data))
	require.NoError(t, dm.Sync())

	got := make([]byte, page.BufferSize)
	require.NoError(t, dm.ReadAt(phys, got))
	require.Equal(t, data, got)

	// never written: sparse zeroes
	require.NoError(t, dm.ReadAt(page.PhysOffset(0, 20*page.BigBlockSize), got))
	require.Equal(t, make([]byte, page.BufferSize), got)

	err = dm.ReadAt(page.PhysOffset(1, 32<<20), got)
	require.Error(t, err)
	_, err = dm.GetVolume(5)
	require.ErrorIs(t, err, ErrNoSuchVolume)
}

func TestSecondMountIsBusy(t *testing.T) {
	paths := formatVolumes(t, 1)
	dm, err := Open(paths, false, nil)
	require.NoError(t, err)

	_, err = Open(paths, false, nil)
	require.ErrorIs(t, err, ErrVolumeBusy)

	require.NoError(t, dm.Close())
	dm2, err := Open(paths, false, nil)
	require.NoError(t, err)
	require.NoError(t, dm2.Close())
}

func TestRootHeaderCommit(t *testing.T) {
	paths := formatVolumes(t, 1)
	dm, err := Open(paths, false, nil)
	require.NoError(t, err)

	hdr, err := dm.RootHeader()
	require.NoError(t, err)
	hdr.NextTID = 99
	hdr.Root = page.ZoneOffset(page.ZoneMeta, 0)
	require.NoError(t, dm.WriteRootHeader(hdr))
	require.NoError(t, dm.Close())

	dm, err = Open(paths, true, nil)
	require.NoError(t, err)
	defer dm.Close()
	got, err := dm.RootHeader()
	require.NoError(t, err)
	require.Equal(t, uint64(99), got.NextTID)
	require.ErrorIs(t, dm.WriteAt(page.PhysOffset(0, 0), make([]byte, 8)), ErrReadOnly)
}

func TestMissingVolumeRejected(t *testing.T) {
	paths := formatVolumes(t, 2)
	_, err := Open(paths[1:], false, nil)
	require.Error(t, err)
	_, err = Open(paths[:1], false, nil)
	require.Error(t, err)
}
