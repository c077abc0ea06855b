package storageengine

import (
	"TideDB/storage_engine/blockmap"
	bplus "TideDB/storage_engine/bplustree"
	"TideDB/storage_engine/bufferpool"
	checkpoint "TideDB/storage_engine/checkpoint_manager"
	"TideDB/storage_engine/config"
	"TideDB/storage_engine/dedup"
	diskmanager "TideDB/storage_engine/disk_manager"
	"TideDB/storage_engine/lock"
	"TideDB/storage_engine/page"
	"TideDB/storage_engine/record"
	txn "TideDB/storage_engine/transaction_manager"
	"TideDB/storage_engine/wal_manager"
	"TideDB/types"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

/*
Store ties the engine together.

	frontends ──▶ object sets (pending records) ──flusher──▶ B-Tree
	    │                                                      │
	    └──── REDO ──▶  log  ◀──── UNDO ──── buffer pool ◀─────┘

Frontends run standard transactions. File data goes through REDO first,
then becomes DATA records in the object's set; other record types go to
the set directly. Frontends never modify the tree.

One flusher goroutine moves records into the tree in flush groups. A group
is durable once the root volume header naming its tree root is written;
until then the UNDO written for every modified META buffer rolls it back
at the next mount.
*/

// DataBlockSize is the unit file data is stored in. A DATA record covers
// part or all of one aligned block.
const DataBlockSize = page.BufferSize

const (
	// asofLatest reads live elements and every pending record.
	asofLatest = types.MaxTID

	throttleWake    = 100 * time.Millisecond
	deadlockBackoff = time.Millisecond
	deadlockMax     = 50 * time.Millisecond
)

type Store struct {
	opts        config.Options
	disk        *diskmanager.DiskManager
	pool        *bufferpool.BufferPool
	bmap        *blockmap.BlockMap
	log         *wal_manager.Log
	txns        *txn.TxnManager
	tree        *bplus.BPlusTree
	dedup       *dedup.Cache // nil when disabled
	checkpoints *checkpoint.CheckpointManager

	hdr   page.VolumeHeader // last committed root header, owned by the flush path
	label string

	objMu   sync.Mutex
	objects map[txn.ObjectRef]*object
	dirty   []txn.ObjectRef // objects with records the flusher has not picked yet
	queued  map[txn.ObjectRef]bool
	pending atomic.Int64 // records held by all sets

	// REDO operations logged whose records are not all in a set yet
	inflightMu sync.Mutex
	inflight   map[uint64]int

	// flushMu serializes flush groups and mirror writes.
	flushMu   sync.Mutex
	groupMu   sync.Mutex
	groupDone chan struct{} // closed when the running flush group ends

	brokenMu sync.Mutex
	broken   error

	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	// crash, when set, is called between the commit steps of a flush group;
	// an error stops the commit there.
	crash func(stage string) error

	counters counters
	logger   *slog.Logger
}

// object is the in-memory side of one object: its pending records and the
// lock frontends hold while they rewrite its blocks.
type object struct {
	ref txn.ObjectRef
	set *record.Set
	lk  lock.Lock
}

type counters struct {
	groups    atomic.Uint64
	flushed   atomic.Uint64
	stale     atomic.Uint64
	terms     atomic.Uint64
	dedupHits atomic.Uint64
	deadlocks atomic.Uint64
	throttled atomic.Uint64
}

// flushGroup is the work of one flush group.
type flushGroup struct {
	tx      *txn.Transaction
	records []*record.Record
	// leaves as inserted, for records whose data was written by the group
	written map[*record.Record]types.Leaf
	placed  map[*record.Record]uint64
	// horizon is the newest TID whose records are all in this group or
	// already in the tree; zero when the group left records behind.
	horizon  types.TID
	modified bool
}

// Stats describes a mounted store.
type Stats struct {
	Label   string
	FSID    string
	Tree    bplus.Stats
	Log     wal_manager.Stats
	Space   blockmap.Space
	Pool    bufferpool.BufferPoolStats
	Dedup   *dedup.Stats
	Pending int64
	Objects int

	FlushGroups   uint64
	Flushed       uint64
	Stale         uint64
	Terminated    uint64
	DedupHits     uint64
	Deadlocks     uint64
	Throttled     uint64
	LastCommitted types.TID
}

// MirrorReadOptions select what MirrorRead streams.
type MirrorReadOptions struct {
	PFS uint32
	// Since is the target's last sync point, types.NoTID for a full stream.
	Since       types.TID
	Compression string
}

// MirrorWriteOptions control how MirrorWrite applies a stream.
type MirrorWriteOptions struct {
	// PFS the stream must carry; zero accepts any.
	PFS         uint32
	CommitEvery int
}
