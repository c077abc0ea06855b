package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncPointsPersist(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewCheckpointManager(dir, nil)
	require.NoError(t, err)

	_, ok, err := cm.LoadSyncPoint("src", 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cm.SaveSyncPoint(SyncPoint{Source: "src", PFS: 1, SyncEndTID: 100}))
	require.NoError(t, cm.SaveSyncPoint(SyncPoint{Source: "src", PFS: 2, SyncEndTID: 50}))
	require.NoError(t, cm.SaveSyncPoint(SyncPoint{Source: "src", PFS: 1, SyncBegTID: 100, SyncEndTID: 200}))

	// a second manager sees the file
	cm2, err := NewCheckpointManager(dir, nil)
	require.NoError(t, err)
	p, ok, err := cm2.LoadSyncPoint("src", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(200), p.SyncEndTID)
	require.Equal(t, uint64(100), p.SyncBegTID)

	points, err := cm2.SyncPoints()
	require.NoError(t, err)
	require.Len(t, points, 2)

	require.NoError(t, cm2.DeleteSyncPoint("src", 1))
	_, ok, err = cm.LoadSyncPoint("src", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCorruptFileMeansFullResync(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o644))
	cm, err := NewCheckpointManager(dir, nil)
	require.NoError(t, err)

	_, ok, err := cm.LoadSyncPoint("src", 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, cm.SaveSyncPoint(SyncPoint{Source: "src", PFS: 1, SyncEndTID: 5}))
}
