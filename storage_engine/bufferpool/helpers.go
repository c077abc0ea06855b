package bufferpool

import (
	"TideDB/storage_engine/page"
	"fmt"
)

/*
This file holds the node arena and helper functions for the bufferpool
*/

// GetNode references the B-Tree node at offset, binding it to its META
// buffer on the first reference. ModeNew is used for freshly allocated
// nodes so the buffer is zero-filled instead of read.
func (bp *BufferPool) GetNode(offset uint64, mode Mode) (*Node, error) {
	if offset&page.BufferMask != 0 {
		return nil, fmt.Errorf("node offset %#x is not buffer aligned", offset)
	}
	for {
		bp.mu.Lock()
		node, exists := bp.nodes[offset]
		if !exists {
			node = &Node{Offset: offset, caches: make(map[*NodeCache]struct{})}
			bp.nodes[offset] = node
		}
		bp.mu.Unlock()

		if !node.refs.RefInterlock() {
			return node, nil
		}

		bp.mu.Lock()
		dead := node.dead
		bp.mu.Unlock()
		if dead {
			node.refs.RefInterlockAbort()
			continue
		}

		if node.buf == nil {
			buf, err := bp.GetBuffer(offset, page.KindMeta, mode)
			if err != nil {
				node.refs.RefInterlockAbort()
				bp.maybeDestroyNode(node)
				return nil, err
			}
			node.buf = buf
		}
		node.refs.RefInterlockDone()
		return node, nil
	}
}

// ReleaseNode drops a node reference. The last release unbinds the buffer;
// the node itself is destroyed unless a NodeCache still points at it.
func (bp *BufferPool) ReleaseNode(node *Node) {
	if node == nil {
		return
	}
	if !node.refs.RelInterlock() {
		return
	}
	buf := node.buf
	node.buf = nil

	bp.mu.Lock()
	if len(node.caches) == 0 {
		bp.dropNodeLocked(node)
	}
	bp.mu.Unlock()
	node.refs.RelInterlockDone()

	bp.ReleaseBuffer(buf)
}

func (bp *BufferPool) dropNodeLocked(node *Node) {
	node.dead = true
	if bp.nodes[node.Offset] == node {
		delete(bp.nodes, node.Offset)
	}
}

func (bp *BufferPool) maybeDestroyNode(node *Node) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if node.refs.Count() == 0 && len(node.caches) == 0 {
		bp.dropNodeLocked(node)
	}
}

// CacheNode points cache at node, dropping whatever it pointed at before.
// The caller holds a reference on node.
func (bp *BufferPool) CacheNode(cache *NodeCache, node *Node) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.uncacheLocked(cache)
	node.caches[cache] = struct{}{}
	cache.offset = node.Offset
}

// CachedNode references the node cache points at, or returns nil if the
// cache is empty or was invalidated.
func (bp *BufferPool) CachedNode(cache *NodeCache) (*Node, error) {
	bp.mu.Lock()
	offset := cache.offset
	node := bp.nodes[offset]
	valid := offset != 0 && node != nil
	if valid {
		_, valid = node.caches[cache]
	}
	bp.mu.Unlock()

	if !valid {
		return nil, nil
	}
	return bp.GetNode(offset, ModeLoad)
}

func (bp *BufferPool) UncacheNode(cache *NodeCache) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.uncacheLocked(cache)
}

func (bp *BufferPool) uncacheLocked(cache *NodeCache) {
	if cache.offset == 0 {
		return
	}
	if node := bp.nodes[cache.offset]; node != nil {
		delete(node.caches, cache)
		if len(node.caches) == 0 && node.refs.Count() == 0 {
			bp.dropNodeLocked(node)
		}
	}
	cache.offset = 0
}

// InvalidateNode clears every NodeCache pointing at the node at offset.
// Called when a node is freed by a merge or a delete.
func (bp *BufferPool) InvalidateNode(offset uint64) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	node := bp.nodes[offset]
	if node == nil {
		return
	}
	for cache := range node.caches {
		cache.offset = 0
	}
	clear(node.caches)
	if node.refs.Count() == 0 {
		bp.dropNodeLocked(node)
	}
}

// ReadData copies len(dst) bytes of DATA zone starting at offset into dst.
// The range may span several buffers.
func (bp *BufferPool) ReadData(offset uint64, dst []byte) error {
	for len(dst) > 0 {
		within := int(offset & page.BufferMask)
		n := min(len(dst), page.BufferSize-within)

		buf, err := bp.GetBuffer(offset, page.KindData, ModeLoad)
		if err != nil {
			return err
		}
		buf.lk.LockSh()
		copy(dst[:n], buf.Data[within:within+n])
		buf.lk.Unlock()
		bp.ReleaseBuffer(buf)

		dst = dst[n:]
		offset += uint64(n)
	}
	return nil
}

// WriteData copies src into the DATA zone at offset. fresh marks space that
// was just allocated: a buffer entered at its first byte is zero-filled
// rather than read.
func (bp *BufferPool) WriteData(offset uint64, src []byte, fresh bool) error {
	for len(src) > 0 {
		within := int(offset & page.BufferMask)
		n := min(len(src), page.BufferSize-within)

		mode := ModeLoad
		if fresh && within == 0 {
			mode = ModeNew
		}
		buf, err := bp.GetBuffer(offset, page.KindData, mode)
		if err != nil {
			return err
		}
		err = bp.Modify(buf, within, src[:n])
		bp.ReleaseBuffer(buf)
		if err != nil {
			return err
		}

		src = src[n:]
		offset += uint64(n)
	}
	return nil
}

// MarkDirty marks a referenced buffer modified without generating UNDO.
// Only for kinds that are not logged.
func (bp *BufferPool) MarkDirty(buf *Buffer) error {
	if buf.Kind.Logged() {
		return fmt.Errorf("buffer %#x is %s and must be changed through Modify", buf.Offset, buf.Kind)
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()
	buf.dirty = true
	buf.modseq++
	return nil
}

// IsDirty reports whether a buffer has unwritten changes.
func (bp *BufferPool) IsDirty(buf *Buffer) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return buf.dirty
}

// DirtyCount returns the number of dirty buffers of a kind.
func (bp *BufferPool) DirtyCount(kind page.Kind) int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	n := 0
	for _, buf := range bp.buffers {
		if buf.dirty && buf.Kind == kind {
			n++
		}
	}
	return n
}

// GetStats returns current buffer pool statistics
func (bp *BufferPool) GetStats() BufferPoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	stats := BufferPoolStats{
		Buffers:  len(bp.buffers),
		Nodes:    len(bp.nodes),
		Capacity: bp.capacity,
	}
	for _, buf := range bp.buffers {
		if buf.refs.Count() > 0 {
			stats.Referenced++
		}
		if buf.dirty {
			stats.Dirty++
		}
	}
	if total := bp.hits + bp.misses; total > 0 {
		stats.HitRate = float64(bp.hits) / float64(total)
	}
	return stats
}

// Size returns the current number of buffers in the pool
func (bp *BufferPool) Size() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffers)
}

// Capacity returns the maximum capacity of the buffer pool
func (bp *BufferPool) Capacity() int {
	return bp.capacity
}

// Reset drops every buffer and node. Dirty state is lost; the store calls
// it only after a final flush or when discarding a failed mount.
func (bp *BufferPool) Reset() {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for _, buf := range bp.buffers {
		buf.dead = true
	}
	for _, node := range bp.nodes {
		node.dead = true
		for cache := range node.caches {
			cache.offset = 0
		}
	}
	bp.buffers = make(map[uint64]*Buffer, bp.capacity)
	bp.nodes = make(map[uint64]*Node)
}
