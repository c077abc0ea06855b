package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "store.yaml", `
volumes: [/data/vol0, /data/vol1]
no_history: true
flush_interval: 250ms
redo_policy: fail
dedup:
  enabled: true
  max_cost: 8MiB
writer_id: 3
writer_bits: 2
`)
	opts, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/vol0", "/data/vol1"}, opts.Volumes)
	assert.True(t, opts.NoHistory)
	assert.Equal(t, 250*time.Millisecond, opts.FlushInterval.Duration)
	assert.Equal(t, RedoFail, opts.RedoPolicy)
	assert.Equal(t, Size(8<<20), opts.Dedup.MaxCost)
	assert.Equal(t, DefaultBufferCapacity, opts.BufferCapacity)
	assert.Equal(t, "/data", opts.StateDir)
}

func TestLoadJSONC(t *testing.T) {
	path := writeFile(t, "store.jsonc", `{
  // root volume first
  "volumes": ["/data/vol0"],
  "buffer_capacity": 128,
  "dirty_limit": 10,
}`)
	opts, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 128, opts.BufferCapacity)
	assert.Equal(t, 10, opts.DirtyLimit)
	assert.Equal(t, RedoSkip, opts.RedoPolicy)
	assert.Equal(t, DefaultFlushInterval, opts.FlushInterval.Duration)
}

func TestLoadRejects(t *testing.T) {
	_, err := LoadFile(writeFile(t, "store.toml", "x = 1"))
	require.ErrorIs(t, err, ErrUnknownFormat)

	_, err = LoadFile(writeFile(t, "store.yaml", "redo_policy: retry\n"))
	require.ErrorIs(t, err, ErrInvalid)

	_, err = LoadFile(writeFile(t, "store.yaml", "writer_id: 4\nwriter_bits: 2\n"))
	require.ErrorIs(t, err, ErrInvalid)

	_, err = LoadFile(writeFile(t, "store.json", `{"flush_interval": "soon"}`))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestFormatOptionsSizes(t *testing.T) {
	f, err := LoadFormatFile(writeFile(t, "format.yaml", "label: test\nvolume_size: 1GiB\nundo_size: 64 MiB\n"))
	require.NoError(t, err)
	d := f.Disk()
	assert.Equal(t, uint64(1<<30), d.VolumeSize)
	assert.Equal(t, uint64(64<<20), d.UndoSize)
	assert.Equal(t, "test", d.Label)
}
