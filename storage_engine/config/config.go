package config

import (
	diskmanager "TideDB/storage_engine/disk_manager"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBufferCapacity    = 4096
	DefaultDedupMaxCost      = 64 << 20
	DefaultFlushInterval     = 5 * time.Second
	DefaultDirtyLimit        = 65536
	DefaultFlushGroupRecords = 16384
)

// Default returns options with every tunable set.
func Default() Options {
	return Options{
		BufferCapacity:    DefaultBufferCapacity,
		Dedup:             DedupOptions{Enabled: true, MaxCost: DefaultDedupMaxCost},
		RedoPolicy:        RedoSkip,
		FlushInterval:     Duration{DefaultFlushInterval},
		DirtyLimit:        DefaultDirtyLimit,
		FlushGroupRecords: DefaultFlushGroupRecords,
	}
}

// LoadFile reads options from path over Default(). ".yaml" and ".yml" are
// YAML, ".json" and ".jsonc" are JSON with comments and trailing commas.
func LoadFile(path string) (Options, error) {
	opts := Default()
	if err := loadInto(path, &opts); err != nil {
		return Options{}, err
	}
	if err := opts.Validate(); err != nil {
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}
	return opts, nil
}

// LoadFormatFile reads format geometry from path.
func LoadFormatFile(path string) (FormatOptions, error) {
	var f FormatOptions
	if err := loadInto(path, &f); err != nil {
		return FormatOptions{}, err
	}
	return f, nil
}

func loadInto(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
	case ".json", ".jsonc":
		std, err := hujson.Standardize(data)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
		if err := json.Unmarshal(std, v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	return nil
}

// Validate fills zero tunables with defaults and rejects impossible ones.
func (o *Options) Validate() error {
	def := Default()
	if o.BufferCapacity <= 0 {
		o.BufferCapacity = def.BufferCapacity
	}
	if o.FlushInterval.Duration <= 0 {
		o.FlushInterval = def.FlushInterval
	}
	if o.DirtyLimit <= 0 {
		o.DirtyLimit = def.DirtyLimit
	}
	if o.FlushGroupRecords <= 0 {
		o.FlushGroupRecords = def.FlushGroupRecords
	}
	if o.Dedup.Enabled && o.Dedup.MaxCost == 0 {
		o.Dedup.MaxCost = def.Dedup.MaxCost
	}
	switch o.RedoPolicy {
	case "":
		o.RedoPolicy = RedoSkip
	case RedoSkip, RedoFail:
	default:
		return fmt.Errorf("%w: redo policy %q", ErrInvalid, o.RedoPolicy)
	}
	if o.WriterBits > 16 || o.WriterID >= 1<<o.WriterBits {
		return fmt.Errorf("%w: writer id %d does not fit %d bits", ErrInvalid, o.WriterID, o.WriterBits)
	}
	if o.StateDir == "" && len(o.Volumes) > 0 {
		o.StateDir = filepath.Dir(o.Volumes[0])
	}
	return nil
}

// Disk converts the geometry for the disk manager.
func (f FormatOptions) Disk() diskmanager.FormatOptions {
	return diskmanager.FormatOptions{
		Label:      f.Label,
		VolumeSize: uint64(f.VolumeSize),
		UndoSize:   uint64(f.UndoSize),
	}
}
