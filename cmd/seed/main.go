// Seed program: formats a store under demo/ and fills PFS 1 with a small
// directory tree (inodes, directory entries, file data), then takes a
// snapshot.
// Run: go run ./cmd/seed
// Then inspect: go run ./cmd/inspect --snapshots 1 demo/vol0
package main

import (
	storageengine "TideDB/storage_engine"
	"TideDB/storage_engine/config"
	diskmanager "TideDB/storage_engine/disk_manager"
	txn "TideDB/storage_engine/transaction_manager"
	"TideDB/types"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	baseDir = "demo"
	pfs     = 1
)

type file struct {
	obj  uint64
	name string
	body string
}

func main() {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		log.Fatalf("mkdir: %v", err)
	}
	vol := filepath.Join(baseDir, "vol0")
	if _, err := os.Stat(vol); os.IsNotExist(err) {
		if _, err := diskmanager.Format([]string{vol}, diskmanager.FormatOptions{Label: "demo"}); err != nil {
			log.Fatalf("format: %v", err)
		}
	}

	opts := config.Default()
	opts.Volumes = []string{vol}
	opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()
	s, err := storageengine.Open(ctx, opts)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer s.Close()

	root := txn.ObjectRef{PFS: pfs, ObjID: 1}
	files := []file{
		{2, "README", "TideDB demo store\n"},
		{3, "students.csv", "id,name,age\nS001,Alice,20\nS002,Bob,21\nS003,Carol,19\n"},
		{4, "big.txt", strings.Repeat("all work and no play\n", 2000)},
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	must := func(what string, err error) {
		if err != nil {
			log.Fatalf("%s: %v", what, err)
		}
	}
	must("root inode", s.Put(tx, root, types.RecTypeInode, 0, []byte("dir /")))
	for _, f := range files {
		ref := txn.ObjectRef{PFS: pfs, ObjID: f.obj}
		must("inode", s.Put(tx, ref, types.RecTypeInode, 0, []byte("file "+f.name)))
		must("dir entry", s.Put(tx, root, types.RecTypeDirEntry, int64(f.obj), []byte(f.name)))
		must("write", s.Write(tx, ref, 0, []byte(f.body)))
	}
	must("commit", s.Commit(tx))

	snap, err := s.Snapshot(ctx, pfs)
	must("snapshot", err)

	fmt.Printf("\n--- pfs %d, directory / ---\n", pfs)
	err = s.Scan(nil, root, types.RecTypeDirEntry, 0, 1<<62, func(leaf types.Leaf, data []byte) error {
		size, err := s.Size(nil, txn.ObjectRef{PFS: pfs, ObjID: uint64(leaf.Key.Key)})
		if err != nil {
			return err
		}
		fmt.Printf("  %-14s obj %d  %6d bytes\n", data, leaf.Key.Key, size)
		return nil
	})
	must("list", err)

	fmt.Println("\nDone. Snapshot", snap, "taken. Inspect with:")
	fmt.Println("  go run ./cmd/inspect --snapshots 1", vol)
}
