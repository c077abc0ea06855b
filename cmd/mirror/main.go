// mirror copies one PFS between stores as a mirror stream.
// Usage:
//
//	go run ./cmd/mirror read  --pfs 1 [--since TID] [--compress zstd] <vol0> ... > stream
//	go run ./cmd/mirror write --pfs 1 [--commit-every N] <vol0> ... < stream
//
// Both ends can be piped together: mirror read ... | ssh host mirror write ...
package main

import (
	storageengine "TideDB/storage_engine"
	"TideDB/storage_engine/config"
	"TideDB/types"
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mirror: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || (args[0] != "read" && args[0] != "write") {
		return fmt.Errorf("usage: mirror read|write [flags] <volume> [volume ...]")
	}
	mode := args[0]

	var (
		cfgPath     string
		pfs         uint32
		since       uint64
		compress    string
		commitEvery int
		verbose     bool
	)
	fs := pflag.NewFlagSet("mirror "+mode, pflag.ContinueOnError)
	fs.StringVar(&cfgPath, "config", "", "store options file (YAML or JSONC)")
	fs.Uint32Var(&pfs, "pfs", 1, "PFS to mirror")
	fs.Uint64Var(&since, "since", 0, "read: only changes after this TID (the target's last sync point)")
	fs.StringVar(&compress, "compress", "", "read: compress REC payloads with lz4 or zstd")
	fs.IntVar(&commitEvery, "commit-every", 0, "write: commit after this many records (0: once at the end)")
	fs.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	opts := config.Default()
	if cfgPath != "" {
		var err error
		if opts, err = config.LoadFile(cfgPath); err != nil {
			return err
		}
	}
	if fs.NArg() > 0 {
		opts.Volumes = fs.Args()
	}
	if len(opts.Volumes) == 0 {
		return fmt.Errorf("no volumes given")
	}
	opts.Logger = newLogger(verbose)
	opts.ReadOnly = mode == "read"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	s, err := storageengine.Open(ctx, opts)
	if err != nil {
		return err
	}

	if mode == "read" {
		out := bufio.NewWriterSize(os.Stdout, 1<<20)
		st, err := s.MirrorRead(ctx, out, storageengine.MirrorReadOptions{PFS: pfs, Since: types.TID(since), Compression: compress})
		if err == nil {
			err = out.Flush()
		}
		if cerr := s.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%d records, %d passed, %d skipped, %s\n",
			st.Records, st.Passed, st.Skipped, humanize.IBytes(st.WireBytes))
		return nil
	}

	hdr, st, err := s.MirrorWrite(ctx, bufio.NewReaderSize(os.Stdin, 1<<20), storageengine.MirrorWriteOptions{PFS: pfs, CommitEvery: commitEvery})
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "synced pfs %d of %s to %#x: %d records, %d deleted, %s\n",
		hdr.PFS, hdr.Source, hdr.SyncEndTID, st.Records, st.Deleted, humanize.IBytes(st.WireBytes))
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
