package diskmanager

import (
	"TideDB/storage_engine/page"
	"fmt"
	"os"

	"github.com/google/uuid"
)

const (
	DefaultVolumeSize = 256 << 20
	DefaultUndoSize   = 8 << 20
	MinUndoSize       = page.BigBlockSize
)

/*
Format lays out a fresh filesystem over the given paths. Path i becomes
volume i; volume 0 is the root volume.

Root volume layout, in big-blocks:

	[0]              volume header (one buffer used)
	[1, 1+undo)      circular UNDO/REDO log
	[1+undo]         layer2 tables of the block map
	[2+undo, ...)    allocatable big-blocks

Other volumes keep big-block 0 for their header and allocate from 1.
Volume files are created sparse at their full size.
*/
func Format(paths []string, opts FormatOptions) (uuid.UUID, error) {
	if len(paths) == 0 || len(paths) > page.MaxVolumes {
		return uuid.Nil, fmt.Errorf("format: need 1..%d volumes, got %d", page.MaxVolumes, len(paths))
	}
	if opts.VolumeSize == 0 {
		opts.VolumeSize = DefaultVolumeSize
	}
	if opts.UndoSize == 0 {
		opts.UndoSize = DefaultUndoSize
	}
	volSize := opts.VolumeSize &^ uint64(page.BigBlockMask)
	undoSize := (opts.UndoSize + page.BigBlockMask) &^ uint64(page.BigBlockMask)
	if undoSize < MinUndoSize {
		undoSize = MinUndoSize
	}

	rootData := page.BigBlockSize + undoSize + page.BigBlockSize
	if volSize <= rootData {
		return uuid.Nil, fmt.Errorf("format: volume size %d too small for a %d byte log", opts.VolumeSize, undoSize)
	}

	fsid := uuid.New()
	headers := make([]*page.VolumeHeader, len(paths))
	for i := range paths {
		h := &page.VolumeHeader{
			Signature: page.VolumeSignature,
			Version:   page.VolumeVersion,
			VolNo:     uint32(i),
			VolCount:  uint32(len(paths)),
			FSID:      fsid,
			VolSize:   volSize,
			DataBeg:   page.BigBlockSize,
		}
		h.SetLabel(opts.Label)
		headers[i] = h
	}

	root := headers[0]
	root.UndoBeg = page.BigBlockSize
	root.UndoEnd = root.UndoBeg + undoSize
	root.L2Beg = root.UndoEnd
	root.L2End = root.L2Beg + page.BigBlockSize
	root.DataBeg = root.L2End
	root.NextTID = 1
	root.UndoSeq = 1
	root.UndoFirst, root.UndoNext, root.RedoFirst = root.UndoBeg, root.UndoBeg, root.UndoBeg
	root.L2Next = root.L2Beg
	for i, h := range headers {
		root.VolFree[i] = h.DataBeg
	}

	for i, path := range paths {
		if err := writeFreshVolume(path, headers[i]); err != nil {
			return uuid.Nil, err
		}
	}
	return fsid, nil
}

func writeFreshVolume(path string, h *page.VolumeHeader) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("format: failed to create %s: %w", path, err)
	}
	defer file.Close()

	if err := file.Truncate(int64(h.VolSize)); err != nil {
		return fmt.Errorf("format: failed to size %s: %w", path, err)
	}
	data, err := h.Encode()
	if err != nil {
		return err
	}
	if _, err := file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("format: failed to write header of %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("format: failed to sync %s: %w", path, err)
	}
	return nil
}

// FSID returns the filesystem id shared by all mounted volumes.
func (dm *DiskManager) FSID() uuid.UUID {
	return dm.fsid
}
