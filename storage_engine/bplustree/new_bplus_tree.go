package bplus

import (
	"TideDB/storage_engine/bufferpool"
	"TideDB/storage_engine/lock"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// NewBPlusTree opens the tree whose root node is at root (0 for an empty
// tree). Nodes live in the META zone of pool; new nodes come from alloc.
//
// The root offset is not persisted by the tree: the store copies Root()
// into the volume header when a flush group commits.
func NewBPlusTree(pool *bufferpool.BufferPool, alloc Allocator, root uint64, logger *slog.Logger) *BPlusTree {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BPlusTree{
		root:   root,
		pool:   pool,
		alloc:  alloc,
		logger: logger,
	}
}

// Root returns the META offset of the root node.
func (t *BPlusTree) Root() uint64 {
	t.lk.LockSh()
	defer t.lk.Unlock()
	return t.root
}

// SetRoot repositions the tree, used after recovery rolled the header back.
func (t *BPlusTree) SetRoot(root uint64) {
	t.lk.LockEx(0)
	defer t.lk.Unlock()
	t.root = root
	atomic.AddUint64(&t.gen, 1)
}

// Generation changes whenever the tree is modified. Cursors compare it to
// decide whether their position is still valid.
func (t *BPlusTree) Generation() uint64 {
	return atomic.LoadUint64(&t.gen)
}

// beginWrite takes the tree lock for a modification. Writers start shared
// and upgrade so that they never sleep on a reader while holding it; when
// the upgrade fails the caller gets lock.ErrDeadlock and must drop
// everything before retrying.
func (t *BPlusTree) beginWrite(owner lock.Owner) error {
	t.lk.LockSh()
	if err := t.lk.Upgrade(owner); err != nil {
		t.lk.Unlock()
		return fmt.Errorf("bplus: %w", err)
	}
	t.working = make(map[uint64]*Node)
	return nil
}

// endWrite releases every node the modification touched, invalidates the
// node caches of freed nodes and drops the lock.
func (t *BPlusTree) endWrite(modified bool) {
	for _, n := range t.working {
		t.pool.ReleaseNode(n.ref)
	}
	for _, off := range t.freed {
		t.pool.InvalidateNode(off)
	}
	t.working = nil
	t.freed = nil
	if modified {
		atomic.AddUint64(&t.gen, 1)
	}
	t.lk.Unlock()
}
