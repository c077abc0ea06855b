package bufferpool

import (
	diskmanager "TideDB/storage_engine/disk_manager"
	"TideDB/storage_engine/lock"
	"TideDB/storage_engine/page"
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrLogNotSynced = errors.New("bufferpool: buffer modified past the synced log")
	ErrNoTranslator = errors.New("bufferpool: no translator for zone offset")
)

// ############################################# BUFFER ###################################################

type Mode int

const (
	// ModeLoad reads the buffer from disk on first reference.
	ModeLoad Mode = iota
	// ModeNew zero-fills the buffer; used for freshly allocated space.
	ModeNew
)

// Buffer is one cached BufferSize block, keyed by its zone offset.
// The translation to a physical offset is done once on load and cached.
type Buffer struct {
	Offset uint64
	Kind   page.Kind
	Data   []byte

	phys    uint64
	refs    lock.RefCount
	lk      lock.Lock
	loaded  bool
	dead    bool // removed from the pool; a referencer must look again
	dirty   bool
	running bool // write in progress
	fresh   bool // newly allocated and never written, needs no UNDO
	ioerr   error
	undoLSN uint64 // log position of the last UNDO covering this buffer
	modseq  uint64 // bumped by every Modify
	lastUse uint64
}

// Phys returns the cached physical offset of the buffer.
func (b *Buffer) Phys() uint64 {
	return b.phys
}

// ############################################# NODE #####################################################

// Node is a B-Tree node view. It lives in the pool's node arena keyed by
// its offset and refers to its buffer by offset, not by pointer. A node
// with zero references survives while a NodeCache points at it.
type Node struct {
	Offset uint64

	refs   lock.RefCount
	buf    *Buffer // bound while referenced
	dead   bool
	caches map[*NodeCache]struct{}
}

// Data returns the node's bytes. Only valid while the node is referenced.
func (n *Node) Data() []byte {
	return n.buf.Data
}

// Buffer returns the backing buffer. Only valid while the node is referenced.
func (n *Node) Buffer() *Buffer {
	return n.buf
}

// NodeCache is a passive reference held by a structure outside the pool,
// typically an object remembering the last leaf it used.
type NodeCache struct {
	offset uint64
}

// ############################################# BUFFER POOL #############################################

// small interfaces so bufferpool doesn't import the log or the block map

// UndoLogger records before-images. LogUndo returns the log position of
// the record; FlushedLSN is the position the log is durable up to.
type UndoLogger interface {
	LogUndo(phys uint64, before []byte) (uint64, error)
	FlushedLSN() uint64
}

// Translator maps META and DATA zone offsets to physical offsets.
type Translator interface {
	Translate(zoneOffset uint64) (uint64, error)
}

// BufferPool caches buffers and node views with reference counts.
type BufferPool struct {
	buffers    map[uint64]*Buffer
	nodes      map[uint64]*Node
	capacity   int
	disk       *diskmanager.DiskManager
	translator Translator
	undo       UndoLogger
	tick       uint64
	hits       uint64
	misses     uint64
	logger     *slog.Logger
	mu         sync.Mutex
}

type BufferPoolStats struct {
	Buffers    int
	Referenced int
	Dirty      int
	Nodes      int
	Capacity   int
	HitRate    float64
}
