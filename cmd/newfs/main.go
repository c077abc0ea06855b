// newfs formats volumes for a new store.
// Usage: go run ./cmd/newfs [--label L] [--volume-size 256MiB] [--undo-size 8MiB] <vol0> [vol1 ...]
//    or: go run ./cmd/newfs --config format.yaml <vol0> ...
package main

import (
	"TideDB/storage_engine/config"
	diskmanager "TideDB/storage_engine/disk_manager"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "newfs: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		cfgPath  string
		label    string
		volSize  string
		undoSize string
		verbose  bool
	)
	fs := pflag.NewFlagSet("newfs", pflag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", "", "YAML or JSONC file with label, volume_size and undo_size")
	fs.StringVar(&label, "label", "", "filesystem label")
	fs.StringVar(&volSize, "volume-size", "", "size of each volume (default 256MiB)")
	fs.StringVar(&undoSize, "undo-size", "", "size of the UNDO/REDO log (default 8MiB)")
	fs.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: newfs [flags] <volume> [volume ...]")
	}
	logger := newLogger(verbose)

	var geo config.FormatOptions
	if cfgPath != "" {
		var err error
		if geo, err = config.LoadFormatFile(cfgPath); err != nil {
			return err
		}
	}
	if label != "" {
		geo.Label = label
	}
	for _, f := range []struct {
		val string
		dst *config.Size
	}{{volSize, &geo.VolumeSize}, {undoSize, &geo.UndoSize}} {
		if f.val == "" {
			continue
		}
		if err := f.dst.UnmarshalText([]byte(f.val)); err != nil {
			return err
		}
	}

	fsid, err := diskmanager.Format(fs.Args(), geo.Disk())
	if err != nil {
		return err
	}
	logger.Debug("volumes formatted", "volumes", fs.Args(), "geometry", geo)
	fmt.Printf("formatted %d volume(s), fsid %s", fs.NArg(), fsid)
	if geo.VolumeSize != 0 {
		fmt.Printf(", %s each", humanize.IBytes(uint64(geo.VolumeSize)))
	}
	fmt.Println()
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
