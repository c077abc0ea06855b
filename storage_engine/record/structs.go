package record

import (
	"TideDB/storage_engine/lock"
	"TideDB/types"
	"fmt"

	"github.com/google/btree"
)

/*
Pending records of one object.

Frontends do not touch the B-Tree. Every mutation of an object becomes a
Record in the object's Set, and the flusher moves records into the tree
later. A Record is either live (an element to insert) or a tombstone (the
on-disk element with the same key is to be deleted).

	IDLE  ──flush group picks it──▶ SETUP ──written to the tree──▶ FLUSH
	  ▲                                                             │
	  └────────────── retry after a failed group ──────────────────┤
	                                                                ▼
	                                          freed once the group commits

Readers never see the Set alone: a Cursor merges it with the on-disk
elements of the same object.
*/

type State uint8

const (
	StateIdle State = iota
	StateSetup
	StateFlush
	stateFreed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSetup:
		return "SETUP"
	case StateFlush:
		return "FLUSH"
	case stateFreed:
		return "FREED"
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// RedoRef ties records to the REDO operation that produced them. The
// flusher terminates the operation once every record carrying the ref is
// in the tree.
type RedoRef struct {
	Op     uint16 // wal_manager.RedoWrite or RedoTrunc
	At     uint64 // log offset of the operation's first record
	TID    types.TID
	Offset uint64
}

type Record struct {
	Leaf      types.Leaf
	Data      []byte // payload of a live record, nil when it has none
	Tombstone bool
	Redo      *RedoRef

	state State
	set   *Set
}

func (r *Record) State() State {
	return r.state
}

// Set is the set holding r, nil once it was removed or freed.
func (r *Record) Set() *Set {
	return r.set
}

func (r *Record) String() string {
	kind := "live"
	if r.Tombstone {
		kind = "tombstone"
	}
	return fmt.Sprintf("%s %s [%s]", kind, r.Leaf.Key, r.state)
}

// Set is the ordered set of pending records of one object, ordered by
// record type, key, live before tombstone, create tid.
type Set struct {
	PFS   uint32
	ObjID uint64

	tree  *btree.BTreeG[*Record]
	gen   uint64 // bumped by every insert and remove, read atomically
	bytes int    // payload bytes held
	lk    lock.Lock
}

// Item is one result of a Cursor: a pending record, or an on-disk element
// when Record is nil.
type Item struct {
	Leaf   types.Leaf
	Record *Record
}

func (it Item) InMemory() bool {
	return it.Record != nil
}

// DiskCursor is the B-Tree side of a merge: a forward scan over the
// object's on-disk elements.
type DiskCursor interface {
	// Seek returns the first element at or after key (strictly after when
	// inclusive is false).
	Seek(key types.Key, inclusive bool) (types.Leaf, bool, error)
	// Next returns the element after the last one returned.
	Next() (types.Leaf, bool, error)
	// Generation changes whenever the tree changes.
	Generation() uint64
}
