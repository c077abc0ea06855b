package bplus

import (
	"TideDB/storage_engine/lock"
	"TideDB/types"
	"fmt"
)

// Insert adds leaf to the tree. An element with the exact same key, live
// or deleted, fails with ErrExists; mirroring relies on this to notice a
// replayed record. A busy tree fails with lock.ErrDeadlock.
func (t *BPlusTree) Insert(owner lock.Owner, leaf types.Leaf) error {
	if err := leaf.Validate(); err != nil {
		return err
	}
	if err := t.beginWrite(owner); err != nil {
		return err
	}
	modified := false
	defer func() { t.endWrite(modified) }()

	key := leaf.Key.Bytes()
	value := leaf.ValueBytes()
	tid := max(leaf.Key.CreateTID, leaf.DeleteTID)

	// If tree is empty
	if t.root == 0 {
		root, err := t.newNode(NodeLeaf)
		if err != nil {
			return fmt.Errorf("Insert: failed to allocate root: %w", err)
		}
		root.keys = append(root.keys, key)
		root.values = append(root.values, value)
		root.mirror = tid
		modified = true
		if err := t.writeNode(root); err != nil {
			return err
		}
		t.root = root.offset
		return nil
	}

	//find leaf
	node, err := t.findLeaf(key)
	if err != nil {
		return fmt.Errorf("Insert: failed to find leaf: %w", err)
	}
	if binarySearch(node.keys, key) != -1 {
		return fmt.Errorf("%w: %s", ErrExists, leaf.Key)
	}

	// Insert key/value in sorted position.
	pos := lowerBound(node.keys, key)
	node.keys = insert(node.keys, pos, key)
	node.values = insert(node.values, pos, value)
	modified = true

	// Split if overflow.
	if len(node.keys) > MaxKeys {
		if err := t.splitLeaf(node); err != nil {
			return err
		}
		// the element is in node or its new right sibling; both now carry
		// node's old mirror tid, propagate from whichever holds it
		if pos >= len(node.keys) {
			right, err := t.fetchNode(node.next)
			if err != nil {
				return err
			}
			return t.propagateMirror(right, tid)
		}
		return t.propagateMirror(node, tid)
	}
	if err := t.writeNode(node); err != nil {
		return err
	}
	return t.propagateMirror(node, tid)
}

// propagateMirror raises the mirror tid of n and of every ancestor's entry
// for the path to n to at least tid.
func (t *BPlusTree) propagateMirror(n *Node, tid types.TID) error {
	if n.mirror < tid {
		n.mirror = tid
		if err := t.writeNode(n); err != nil {
			return err
		}
	}
	child, parentOff := n.offset, n.parent
	for parentOff != 0 {
		parent, err := t.fetchNode(parentOff)
		if err != nil {
			return fmt.Errorf("propagateMirror: %w", err)
		}
		i := parent.childIndex(child)
		if i < 0 {
			return fmt.Errorf("%w: %#x is not a child of its parent %#x", ErrCorruptNode, child, parentOff)
		}
		if parent.mirrors[i] >= tid && parent.mirror >= tid {
			return nil
		}
		parent.mirrors[i] = max(parent.mirrors[i], tid)
		parent.mirror = max(parent.mirror, tid)
		if err := t.writeNode(parent); err != nil {
			return err
		}
		child, parentOff = parent.offset, parent.parent
	}
	return nil
}
