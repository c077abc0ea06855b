package bplus

import (
	"TideDB/storage_engine/bufferpool"
	"TideDB/storage_engine/page"
	"TideDB/types"
	"fmt"
)

// newNode allocates a META buffer and returns an empty Node. Only called
// inside a modification; the node is released by endWrite.
func (t *BPlusTree) newNode(nodeType NodeType) (*Node, error) {
	off, err := t.alloc.Alloc(page.ZoneMeta, page.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("newNode: failed to allocate node: %w", err)
	}
	ref, err := t.pool.GetNode(off, bufferpool.ModeNew)
	if err != nil {
		return nil, fmt.Errorf("newNode: failed to reference node %#x: %w", off, err)
	}

	n := &Node{
		offset:   off,
		nodeType: nodeType,
		keys:     make([][]byte, 0, MaxKeys+1),
		ref:      ref,
	}
	if nodeType == NodeLeaf {
		n.values = make([][]byte, 0, MaxKeys+1)
	} else {
		n.children = make([]uint64, 0, MaxKeys+2)
		n.mirrors = make([]types.TID, 0, MaxKeys+2)
	}
	t.working[off] = n
	return n, nil
}

// writeNode serializes a node back into its buffer. The buffer pool logs
// the before-image of whatever bytes change.
func (t *BPlusTree) writeNode(n *Node) error {
	data := make([]byte, page.BufferSize)
	if err := SerializeNode(n, data); err != nil {
		return err
	}
	if err := t.pool.Modify(n.ref.Buffer(), 0, data); err != nil {
		return fmt.Errorf("writeNode: failed to modify node %#x: %w", n.offset, err)
	}
	return nil
}

// fetchNode references and decodes the node at offset. Inside a
// modification the same *Node is returned for the same offset until
// endWrite; readers get a private copy and must releaseNode it.
func (t *BPlusTree) fetchNode(offset uint64) (*Node, error) {
	if offset == 0 {
		return nil, fmt.Errorf("%w: fetchNode: offset 0", ErrCorruptNode)
	}
	if t.working != nil {
		if n, ok := t.working[offset]; ok {
			return n, nil
		}
	}

	ref, err := t.pool.GetNode(offset, bufferpool.ModeLoad)
	if err != nil {
		return nil, fmt.Errorf("fetchNode: failed to reference node %#x: %w", offset, err)
	}
	n, err := DeserializeNode(ref.Data(), offset)
	if err != nil {
		t.pool.ReleaseNode(ref)
		return nil, err
	}
	n.ref = ref
	if t.working != nil {
		t.working[offset] = n
	}
	return n, nil
}

// releaseNode drops a reader's node. Nodes of a modification stay
// referenced until endWrite.
func (t *BPlusTree) releaseNode(n *Node) {
	if n == nil || t.working != nil {
		return
	}
	t.pool.ReleaseNode(n.ref)
	n.ref = nil
}

// freeNode takes a node out of the tree. Its space is not reused.
func (t *BPlusTree) freeNode(n *Node) {
	t.freed = append(t.freed, n.offset)
	t.logger.Debug("node freed", "offset", fmt.Sprintf("%#x", n.offset), "type", n.nodeType)
}
