package diskmanager

import (
	"TideDB/storage_engine/lock"
	"TideDB/storage_engine/page"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrVolumeBusy     = errors.New("diskmanager: volume is locked by another process")
	ErrNoSuchVolume   = errors.New("diskmanager: no such volume")
	ErrVolumeMismatch = errors.New("diskmanager: volume does not belong to this filesystem")
	ErrReadOnly       = errors.New("diskmanager: volumes are mounted read-only")
)

// ############################################# VOLUME ###################################################

// Volume is one backing file. It is created at mount and destroyed at
// unmount; buffers reference it while they do I/O.
type Volume struct {
	No     uint32
	Path   string
	Header *page.VolumeHeader // geometry as found at mount

	file *os.File
	refs lock.RefCount
	lk   lock.Lock
}

// ############################################# DISK MANAGER #############################################

// DiskManager owns the volumes of one filesystem and all raw I/O.
type DiskManager struct {
	volumes  map[uint32]*Volume
	fsid     uuid.UUID
	readOnly bool
	logger   *slog.Logger
	mu       sync.RWMutex
}

// FormatOptions control the geometry written by Format.
type FormatOptions struct {
	Label      string
	VolumeSize uint64 // per volume, rounded down to big-blocks
	UndoSize   uint64 // log region in the root volume, rounded up to big-blocks
}
