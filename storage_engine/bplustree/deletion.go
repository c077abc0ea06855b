package bplus

import (
	"TideDB/storage_engine/lock"
	"TideDB/types"
	"fmt"
)

/*
Two ways to delete an element:

	MarkDeleted  sets the element's delete tid and keeps it for history
	Delete       physically removes it, rebalancing the tree

Both raise the mirror tid along the path to the element so incremental
mirror scans revisit the subtree.
*/

// MarkDeleted sets the delete tid of the live element at key.
func (t *BPlusTree) MarkDeleted(owner lock.Owner, key types.Key, tid types.TID) error {
	if tid <= key.CreateTID {
		return fmt.Errorf("MarkDeleted: delete tid %s not after create tid of %s", tid, key)
	}
	if err := t.beginWrite(owner); err != nil {
		return err
	}
	modified := false
	defer func() { t.endWrite(modified) }()

	if t.root == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	k := key.Bytes()
	node, err := t.findLeaf(k)
	if err != nil {
		return fmt.Errorf("MarkDeleted: failed to find leaf: %w", err)
	}
	idx := binarySearch(node.keys, k)
	if idx == -1 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	leaf, err := node.leafAt(idx)
	if err != nil {
		return err
	}
	if leaf.Deleted() {
		return fmt.Errorf("%w: %s already deleted at %s", ErrNotFound, key, leaf.DeleteTID)
	}

	leaf.DeleteTID = tid
	node.values[idx] = leaf.ValueBytes()
	modified = true
	if err := t.writeNode(node); err != nil {
		return err
	}
	return t.propagateMirror(node, tid)
}

// Delete destroys the element at key.
func (t *BPlusTree) Delete(owner lock.Owner, key types.Key, tid types.TID) error {
	if err := t.beginWrite(owner); err != nil {
		return err
	}
	modified := false
	defer func() { t.endWrite(modified) }()

	if t.root == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key) // empty tree
	}
	k := key.Bytes()
	node, err := t.findLeaf(k)
	if err != nil {
		return fmt.Errorf("Delete: failed to find leaf: %w", err)
	}
	if binarySearch(node.keys, k) == -1 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	modified = true
	if err := t.propagateMirror(node, tid); err != nil {
		return err
	}

	if _, err := t.deleteRecursive(t.root, k); err != nil {
		return err
	}

	// An empty root leaf stays; an internal root left with a single child
	// was collapsed by deleteRecursive.
	return nil
}

func (t *BPlusTree) deleteRecursive(nodeOff uint64, key []byte) (bool, error) {
	node, err := t.fetchNode(nodeOff)
	if err != nil {
		return false, err
	}

	if node.nodeType == NodeLeaf {
		idx := binarySearch(node.keys, key)
		if idx == -1 {
			return false, fmt.Errorf("%w: key vanished during delete", ErrCorruptNode)
		}

		// Remove key and value.
		node.keys = remove(node.keys, idx)
		node.values = remove(node.values, idx)
		if err := t.writeNode(node); err != nil {
			return false, err
		}

		// Underflow if below MinKeys (except root).
		return len(node.keys) < MinKeys, nil
	}

	i := upperBound(node.keys, key)
	underflow, err := t.deleteRecursive(node.children[i], key)
	if err != nil || !underflow {
		return false, err
	}
	if err := t.rebalance(node, i); err != nil {
		return false, err
	}

	// ── Root collapse ─────────────────────────────────────────────────────────
	// If root becomes empty but has one child, promote the child to root.
	if nodeOff == t.root && len(node.keys) == 0 {
		newRoot, err := t.fetchNode(node.children[0])
		if err != nil {
			return false, err
		}
		newRoot.parent = 0
		if err := t.writeNode(newRoot); err != nil {
			return false, err
		}
		t.root = newRoot.offset
		t.freeNode(node)
		t.logger.Debug("tree shrank", "root", fmt.Sprintf("%#x", newRoot.offset))
		return false, nil
	}

	return len(node.keys) < MinKeys, nil
}

// rebalance fixes the underflowing child i of node by borrowing from a
// sibling or merging with one.
func (t *BPlusTree) rebalance(node *Node, i int) error {
	child, err := t.fetchNode(node.children[i])
	if err != nil {
		return err
	}

	var left, right *Node
	if i > 0 {
		if left, err = t.fetchNode(node.children[i-1]); err != nil {
			return err
		}
	}
	if i < len(node.children)-1 {
		if right, err = t.fetchNode(node.children[i+1]); err != nil {
			return err
		}
	}

	// ── Try borrow from left sibling ──────────────────────────────────────────
	if left != nil && len(left.keys) > MinKeys {
		last := len(left.keys) - 1
		if child.nodeType == NodeLeaf {
			// Leaf borrow: move left's last key/value to child's front.
			child.keys = insert(child.keys, 0, left.keys[last])
			child.values = insert(child.values, 0, left.values[last])
			left.keys = left.keys[:last]
			left.values = left.values[:last]

			// Update parent separator to child's new first key.
			node.keys[i-1] = child.keys[0]
		} else {
			// Internal borrow: rotate through parent.
			// Move separator from parent down to child, and left's last key up to parent.
			movedOff := left.children[last+1]
			child.keys = insert(child.keys, 0, node.keys[i-1])
			child.children = insert(child.children, 0, movedOff)
			child.mirrors = insert(child.mirrors, 0, left.mirrors[last+1])

			node.keys[i-1] = left.keys[last]
			left.keys = left.keys[:last]
			left.children = left.children[:last+1]
			left.mirrors = left.mirrors[:last+1]

			if err := t.reparent([]uint64{movedOff}, child.offset); err != nil {
				return err
			}
		}
		child.mirror = max(child.mirror, left.mirror)
		node.mirrors[i] = max(node.mirrors[i], child.mirror)
		return t.writeNodes(left, child, node)
	}

	// ── Try borrow from right sibling ─────────────────────────────────────────
	if right != nil && len(right.keys) > MinKeys {
		if child.nodeType == NodeLeaf {
			// Leaf borrow: move right's first key/value to child's end.
			child.keys = append(child.keys, right.keys[0])
			child.values = append(child.values, right.values[0])
			right.keys = remove(right.keys, 0)
			right.values = remove(right.values, 0)

			// Update parent separator to right's new first key.
			node.keys[i] = right.keys[0]
		} else {
			// Internal borrow: rotate through parent.
			movedOff := right.children[0]
			child.keys = append(child.keys, node.keys[i])
			child.children = append(child.children, movedOff)
			child.mirrors = append(child.mirrors, right.mirrors[0])

			// Parent separator becomes right's first key.
			node.keys[i] = right.keys[0]
			right.keys = remove(right.keys, 0)
			right.children = remove(right.children, 0)
			right.mirrors = remove(right.mirrors, 0)

			if err := t.reparent([]uint64{movedOff}, child.offset); err != nil {
				return err
			}
		}
		child.mirror = max(child.mirror, right.mirror)
		node.mirrors[i] = max(node.mirrors[i], child.mirror)
		return t.writeNodes(right, child, node)
	}

	// ── Merge with a sibling ──────────────────────────────────────────────────
	if left != nil {
		// Merge child into left.
		if err := t.mergeInto(left, child, node.keys[i-1]); err != nil {
			return err
		}
		node.mirrors[i-1] = max(node.mirrors[i-1], node.mirrors[i])

		// Remove separator key at i-1 and child at i from parent.
		node.keys = remove(node.keys, i-1)
		node.children = remove(node.children, i)
		node.mirrors = remove(node.mirrors, i)
		t.freeNode(child)
		return t.writeNodes(left, node)
	}
	if right != nil {
		// Merge right into child.
		if err := t.mergeInto(child, right, node.keys[i]); err != nil {
			return err
		}
		node.mirrors[i] = max(node.mirrors[i], node.mirrors[i+1])

		// Remove separator key at i and right child at i+1 from parent.
		node.keys = remove(node.keys, i)
		node.children = remove(node.children, i+1)
		node.mirrors = remove(node.mirrors, i+1)
		t.freeNode(right)
		return t.writeNodes(child, node)
	}
	return fmt.Errorf("%w: %#x has no siblings", ErrCorruptNode, child.offset)
}

// mergeInto appends src to its left neighbour dst. sep is the parent
// separator between them, pulled down for internal nodes.
func (t *BPlusTree) mergeInto(dst, src *Node, sep []byte) error {
	if dst.nodeType == NodeLeaf {
		dst.keys = append(dst.keys, src.keys...)
		dst.values = append(dst.values, src.values...)
		dst.next = src.next // skip over merged node in leaf chain
	} else {
		// Internal merge: pull separator from parent down.
		dst.keys = append(dst.keys, sep)
		dst.keys = append(dst.keys, src.keys...)
		dst.children = append(dst.children, src.children...)
		dst.mirrors = append(dst.mirrors, src.mirrors...)

		// Update parent pointers of moved children.
		if err := t.reparent(src.children, dst.offset); err != nil {
			return err
		}
	}
	dst.mirror = max(dst.mirror, src.mirror)
	return nil
}

func (t *BPlusTree) writeNodes(nodes ...*Node) error {
	for _, n := range nodes {
		if err := t.writeNode(n); err != nil {
			return err
		}
	}
	return nil
}
