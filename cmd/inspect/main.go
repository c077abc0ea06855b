// Inspect a store without changing it: mounts read-only and prints the
// root header, tree, log and space statistics.
// Usage: go run ./cmd/inspect [--snapshots PFS] <vol0> [vol1 ...]
package main

import (
	storageengine "TideDB/storage_engine"
	"TideDB/storage_engine/config"
	"TideDB/storage_engine/page"
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		snapshots int64
		verbose   bool
	)
	fs := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	fs.Int64Var(&snapshots, "snapshots", -1, "also list the snapshots of this PFS")
	fs.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: inspect [flags] <volume> [volume ...]")
	}

	opts := config.Default()
	opts.Volumes = fs.Args()
	opts.ReadOnly = true
	opts.Dedup.Enabled = false
	opts.Logger = newLogger(verbose)

	ctx := context.Background()
	s, err := storageengine.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	st, err := s.Stats(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(w, "%s\t%v\n", k, v) }
	row("label", st.Label)
	row("fsid", st.FSID)
	row("last committed tid", st.LastCommitted)
	row("tree depth", st.Tree.Depth)
	row("tree nodes", fmt.Sprintf("%d internal, %d leaf", st.Tree.Internal, st.Tree.Leaves))
	row("elements", fmt.Sprintf("%d (%d deleted)", st.Tree.Elements, st.Tree.Deleted))
	row("mirror tid", st.Tree.MirrorTID)
	row("log", fmt.Sprintf("%s used of %s, undo_first %#x, redo_first %#x",
		humanize.IBytes(st.Log.Used), humanize.IBytes(st.Log.Capacity), st.Log.UndoFirst, st.Log.RedoFirst))
	row("big-blocks", fmt.Sprintf("%d of %d free (%s)", st.Space.FreeBigBlocks, st.Space.TotalBigBlocks,
		humanize.IBytes(st.Space.FreeBigBlocks*page.BigBlockSize)))
	for _, z := range st.Space.Zones {
		row(fmt.Sprintf("zone %v", z.Zone), fmt.Sprintf("%s in %d big-blocks", humanize.IBytes(z.Next), z.BigBlocks))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if snapshots >= 0 {
		snaps, err := s.Snapshots(uint32(snapshots))
		if err != nil {
			return err
		}
		fmt.Printf("\nsnapshots of pfs %d:\n", snapshots)
		for _, snap := range snaps {
			fmt.Printf("  %s  %s (%s)\n", snap.TID, snap.Time.Format("2006-01-02 15:04:05"), humanize.Time(snap.Time))
		}
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
