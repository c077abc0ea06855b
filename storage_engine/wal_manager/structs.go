package wal_manager

import (
	diskmanager "TideDB/storage_engine/disk_manager"
	"TideDB/types"
	"container/list"
	"log/slog"
	"sync"
)

const (
	Signature = 0xC84E

	HeadSize = 16
	TailSize = 16

	// LogAlign is the record granularity. It equals head+tail so every gap
	// left at the end of a block can hold a PAD record.
	LogAlign = HeadSize + TailSize

	// LogBlockSize: no record crosses a block boundary, so every block
	// starts with a record carrying a sequence number.
	LogBlockSize  = 512
	MaxRecordSize = LogBlockSize
	MaxPayload    = MaxRecordSize - HeadSize - TailSize

	undoHeaderSize = 16
	redoHeaderSize = 40

	MaxUndoChunk = MaxPayload - undoHeaderSize
	MaxRedoChunk = MaxPayload - redoHeaderSize

	// UndoHistorySize bounds the per-flush-pass UNDO history.
	UndoHistorySize = 1024
)

type RecordType uint16

const (
	RecordPad RecordType = iota + 1
	RecordUndo
	RecordRedo
)

func (t RecordType) String() string {
	switch t {
	case RecordPad:
		return "PAD"
	case RecordUndo:
		return "UNDO"
	case RecordRedo:
		return "REDO"
	}
	return "UNKNOWN"
}

type RedoOp uint16

const (
	RedoWrite RedoOp = iota + 1
	RedoTrunc
	RedoTermWrite
	RedoTermTrunc
)

func (op RedoOp) String() string {
	switch op {
	case RedoWrite:
		return "WRITE"
	case RedoTrunc:
		return "TRUNC"
	case RedoTermWrite:
		return "TERM_WRITE"
	case RedoTermTrunc:
		return "TERM_TRUNC"
	}
	return "UNKNOWN"
}

// IsTerm reports whether op marks an operation as durably applied.
func (op RedoOp) IsTerm() bool {
	return op == RedoTermWrite || op == RedoTermTrunc
}

/*
Record on disk, little-endian, LogAlign aligned:

	head  sig(2) type(2) size(4) seq(4) crc(4)
	payload
	zero fill
	tail  crc(4) type(2) sig(2) size(4) reserved(4)

size covers the whole record. crc is CRC32 (IEEE) over the first 12 head
bytes and the payload; the tail repeats it so the log can be walked
backwards.

A scanned Record's Payload points into the scanner's block buffer and is
only valid during the callback.
*/
type Record struct {
	Offset  uint64 // physical offset of the head
	Type    RecordType
	Size    uint32
	Seq     uint32
	Payload []byte
}

// Undo is the payload of an UNDO record: the bytes at Phys before a
// modification.
type Undo struct {
	Phys   uint64
	Before []byte
}

// Redo is one logged data operation, or one chunk of it. Len is the total
// length of a WRITE; ChunkOff locates Data inside it. For TRUNC, Offset is
// the new file size.
type Redo struct {
	Op       RedoOp
	PFS      uint32
	ObjID    uint64
	TID      types.TID
	Offset   uint64
	Len      uint32
	ChunkOff uint32
	Data     []byte
}

// Log is the circular UNDO/REDO log in the root volume.
//
// The active range is [redoFirst, next): REDO records of data not yet
// flushed start at redoFirst, UNDO records of the running flush group start
// at undoFirst. Records are staged in memory and written by Sync.
type Log struct {
	disk *diskmanager.DiskManager

	beg, end uint64 // region, physical
	next     uint64
	seq      uint32

	undoFirst uint64
	undoSeq   uint32
	redoFirst uint64

	// position after the last synced record
	synced    uint64
	syncedSeq uint32

	lsn        uint64 // records appended since open
	flushedLSN uint64 // records durable on disk

	pending []segment
	history *undoHistory

	logger *slog.Logger
	mu     sync.Mutex
}

// segment is a contiguous run of staged log bytes.
type segment struct {
	at   uint64
	data []byte
}

type historyEntry struct {
	phys uint64
	size int
}

// undoHistory remembers which byte ranges already have an UNDO record in
// the current flush pass. Bounded LRU.
type undoHistory struct {
	entries  map[uint64]*list.Element
	order    *list.List
	capacity int
}

type Stats struct {
	Capacity   uint64
	Used       uint64
	Next       uint64
	UndoFirst  uint64
	RedoFirst  uint64
	Seq        uint32
	Appended   uint64
	FlushedLSN uint64
}
