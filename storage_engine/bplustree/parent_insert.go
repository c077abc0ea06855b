package bplus

import "fmt"

// insertIntoParent inserts sepKey and right into the parent of left.
// If the parent overflows, it splits and propagates upward.
func (t *BPlusTree) insertIntoParent(parentOff uint64, left *Node, sepKey []byte, right *Node) error {
	parent, err := t.fetchNode(parentOff)
	if err != nil {
		return fmt.Errorf("insertIntoParent: failed to fetch parent %#x: %w", parentOff, err)
	}

	// Find left in parent's children.
	idx := parent.childIndex(left.offset)
	if idx < 0 {
		return fmt.Errorf("%w: %#x is not a child of its parent %#x", ErrCorruptNode, left.offset, parentOff)
	}

	// Insert sepKey at idx, right at idx+1.
	parent.keys = insert(parent.keys, idx, sepKey)
	parent.children = insert(parent.children, idx+1, right.offset)
	parent.mirrors = insert(parent.mirrors, idx+1, right.mirror)
	parent.mirror = max(parent.mirror, right.mirror)

	// Split parent if overflow.
	if len(parent.keys) > MaxKeys {
		return t.splitInternal(parent)
	}
	return t.writeNode(parent)
}
