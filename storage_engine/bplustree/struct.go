// Structure of the object B-Tree
/*
Tree
 ├── Internal Node (separator keys + child offsets + child mirror tids)
 │      └── Child Internal Nodes ...
 │             └── Leaf Nodes (element keys + element values + next offset)

- every node is one META buffer; node offsets are META zone offsets
- keys: 32 byte encoded types.Key, sorted ascending
- internal nodes: children length == len(keys)+1; child i holds keys in
  [keys[i-1], keys[i])
- leaf nodes: values length == len(keys), a value is the 24 byte tail of a
  types.Leaf
- leaf nodes linked with `next` for range scans
- all leaf nodes at same depth
- a node's mirror tid is >= every create/delete tid in its subtree; the
  parent keeps a copy per child so scans can skip whole subtrees

*/
package bplus

import (
	"TideDB/storage_engine/bufferpool"
	"TideDB/storage_engine/lock"
	"TideDB/storage_engine/page"
	"TideDB/types"
	"log/slog"
)

type NodeType uint8

const (
	NodeInternal NodeType = iota + 1
	NodeLeaf
)

func (nt NodeType) String() string {
	if nt == NodeLeaf {
		return "leaf"
	}
	return "internal"
}

const (
	MaxKeys = 32
	MinKeys = MaxKeys / 2

	// maxDepth bounds descents so a cycle on disk is reported, not followed.
	maxDepth = 32
)

type Node struct {
	offset   uint64
	nodeType NodeType
	keys     [][]byte    // keys in the node (sorted keys)
	children []uint64    // only for internal node
	mirrors  []types.TID // mirror tid per child, only for internal node
	values   [][]byte    // leaf nodes
	next     uint64      // only for leaf node, 0 at the end of the chain
	parent   uint64      // 0 for the root
	mirror   types.TID

	ref *bufferpool.Node
}

// Allocator hands out META zone space for new nodes.
type Allocator interface {
	Alloc(zone page.Zone, size int) (uint64, error)
}

type BPlusTree struct {
	root  uint64 // META offset of the root node, 0 for an empty tree
	pool  *bufferpool.BufferPool
	alloc Allocator

	// lk is shared by readers. Writers take it shared and upgrade; a failed
	// upgrade is reported as lock.ErrDeadlock.
	lk  lock.Lock
	gen uint64 // bumped by every modification, read atomically

	// nodes decoded by the running modification, so one node never has
	// two diverging in-memory copies. nil outside a modification.
	working map[uint64]*Node
	freed   []uint64

	logger *slog.Logger
}

// Stats describes the shape of the tree.
type Stats struct {
	Root      uint64
	Depth     int
	Internal  int
	Leaves    int
	Elements  int
	Deleted   int
	MirrorTID types.TID
}
