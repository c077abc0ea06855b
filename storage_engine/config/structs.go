package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
)

// RedoPolicy decides what recovery does with a REDO operation it cannot
// re-execute.
type RedoPolicy string

const (
	// RedoSkip logs the failure and continues the mount.
	RedoSkip RedoPolicy = "skip"
	// RedoFail aborts the mount.
	RedoFail RedoPolicy = "fail"
)

// Options configure a mounted store.
type Options struct {
	// Volumes in volume number order; the first is the root volume.
	Volumes  []string `yaml:"volumes" json:"volumes"`
	ReadOnly bool     `yaml:"read_only" json:"read_only"`
	// NoHistory destroys elements on delete instead of marking them.
	NoHistory bool `yaml:"no_history" json:"no_history"`

	// BufferCapacity is the number of buffers the cache keeps.
	BufferCapacity int `yaml:"buffer_capacity" json:"buffer_capacity"`

	Dedup DedupOptions `yaml:"dedup" json:"dedup"`

	RedoPolicy RedoPolicy `yaml:"redo_policy" json:"redo_policy"`

	// FlushInterval is how often the flusher runs without being kicked.
	FlushInterval Duration `yaml:"flush_interval" json:"flush_interval"`
	// DirtyLimit throttles frontends once this many records are pending.
	DirtyLimit int `yaml:"dirty_limit" json:"dirty_limit"`
	// FlushGroupRecords caps the records one flush group moves.
	FlushGroupRecords int `yaml:"flush_group_records" json:"flush_group_records"`

	// WriterID in the low WriterBits of every allocated TID.
	WriterID   uint64 `yaml:"writer_id" json:"writer_id"`
	WriterBits uint   `yaml:"writer_bits" json:"writer_bits"`

	// StateDir holds mirror sync points; defaults to the root volume's
	// directory.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

type DedupOptions struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MaxCost bounds the bytes of data the hint cache describes.
	MaxCost Size `yaml:"max_cost" json:"max_cost"`
}

// FormatOptions is the geometry used when creating volumes.
type FormatOptions struct {
	Label      string `yaml:"label" json:"label"`
	VolumeSize Size   `yaml:"volume_size" json:"volume_size"`
	UndoSize   Size   `yaml:"undo_size" json:"undo_size"`
}

// Duration reads "250ms" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("%w: duration %q", ErrInvalid, b)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Size reads byte counts such as "64MiB" or "1 GB".
type Size uint64

func (s *Size) UnmarshalText(b []byte) error {
	v, err := humanize.ParseBytes(string(b))
	if err != nil {
		return fmt.Errorf("%w: size %q", ErrInvalid, b)
	}
	*s = Size(v)
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(s))), nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}
