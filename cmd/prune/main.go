// prune destroys the history of a PFS that no snapshot can see.
// Usage:
//
//	go run ./cmd/prune --pfs 1 [--snapshot] <vol0> ...
package main

import (
	storageengine "TideDB/storage_engine"
	"TideDB/storage_engine/config"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
)

func main() {
	var (
		cfgPath  string
		pfs      uint32
		snapshot bool
		verbose  bool
	)
	pflag.StringVar(&cfgPath, "config", "", "store options file (YAML or JSONC)")
	pflag.Uint32Var(&pfs, "pfs", 1, "PFS to prune")
	pflag.BoolVar(&snapshot, "snapshot", false, "take a snapshot of the current state first")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pflag.Parse()

	if err := run(cfgPath, pfs, snapshot, verbose, pflag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "prune: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string, pfs uint32, snapshot, verbose bool, volumes []string) error {
	opts := config.Default()
	if cfgPath != "" {
		var err error
		if opts, err = config.LoadFile(cfgPath); err != nil {
			return err
		}
	}
	if len(volumes) > 0 {
		opts.Volumes = volumes
	}
	if len(opts.Volumes) == 0 {
		return fmt.Errorf("no volumes given")
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	s, err := storageengine.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if snapshot {
		tid, err := s.Snapshot(ctx, pfs)
		if err != nil {
			return err
		}
		fmt.Printf("snapshot %s\n", tid)
	}
	n, err := s.Prune(ctx, pfs)
	if err != nil {
		return err
	}
	fmt.Printf("pfs %d: %d elements destroyed\n", pfs, n)
	return s.Close()
}
