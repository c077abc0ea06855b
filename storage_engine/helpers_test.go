package storageengine

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"TideDB/storage_engine/config"
	diskmanager "TideDB/storage_engine/disk_manager"
	txn "TideDB/storage_engine/transaction_manager"
	"TideDB/types"

	"github.com/stretchr/testify/require"
)

var errCrash = errors.New("simulated crash")

// formatVolumes creates a fresh single-volume store and returns options
// for it. The flusher only runs when kicked.
func formatVolumes(t *testing.T) config.Options {
	t.Helper()
	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "vol0")}
	_, err := diskmanager.Format(paths, diskmanager.FormatOptions{Label: "test", VolumeSize: 64 << 20, UndoSize: 4 << 20})
	require.NoError(t, err)

	opts := config.Default()
	opts.Volumes = paths
	opts.BufferCapacity = 512
	opts.FlushInterval = config.Duration{Duration: time.Hour}
	opts.Dedup.Enabled = false
	return opts
}

func openStore(t *testing.T, opts config.Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	return s
}

// crashAt returns a hook that fails the named commit step while armed.
func crashAt(stage string, armed func() bool) func(string) error {
	return func(s string) error {
		if s == stage && armed() {
			return errCrash
		}
		return nil
	}
}

// abandon drops the store the way a crash would: nothing pending is
// flushed, dirty buffers and unsynced log records are lost.
func (s *Store) abandon() {
	if s.closed.Swap(true) {
		return
	}
	if !s.opts.ReadOnly {
		close(s.stop)
		<-s.done
	}
	if s.dedup != nil {
		s.dedup.Close()
	}
	s.disk.Close()
}

func pattern(seed byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

func mustPut(t *testing.T, s *Store, ref txn.ObjectRef, rt types.RecType, key int64, data []byte) {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Put(tx, ref, rt, key, data))
	require.NoError(t, s.Commit(tx))
}

func mustWrite(t *testing.T, s *Store, ref txn.ObjectRef, off int64, data []byte) {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Write(tx, ref, off, data))
	require.NoError(t, s.Commit(tx))
}

func requireRead(t *testing.T, s *Store, ref txn.ObjectRef, off int64, want []byte) {
	t.Helper()
	got, err := s.Read(s.BeginReadOnly(), ref, off, len(want))
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got), "data at %d differs", off)
}

// treeKeys lists every element of ref in the tree, deleted ones included.
func treeKeys(t *testing.T, s *Store, ref txn.ObjectRef) []types.Key {
	t.Helper()
	beg := types.Key{Localization: ref.PFS, ObjID: ref.ObjID}
	end := types.Key{Localization: ref.PFS, ObjID: ref.ObjID, RecType: types.RecTypeMax, Key: 1<<63 - 1, CreateTID: types.MaxTID}
	c := s.tree.NewCursor(beg, end, types.NoTID)
	defer c.Close()
	var keys []types.Key
	for {
		leaf, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			return keys
		}
		keys = append(keys, leaf.Key)
	}
}
