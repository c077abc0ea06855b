package bplus

import "fmt"

// splitLeaf moves the upper half of an overflowing leaf into a new right
// sibling and inserts the sibling into the parent.
func (t *BPlusTree) splitLeaf(leaf *Node) error {
	mid := len(leaf.keys) / 2

	right, err := t.newNode(NodeLeaf)
	if err != nil {
		return fmt.Errorf("splitLeaf: failed to allocate right sibling: %w", err)
	}

	right.keys = append(right.keys, leaf.keys[mid:]...)
	right.values = append(right.values, leaf.values[mid:]...)
	right.next = leaf.next // right inherits leaf's old next pointer
	right.parent = leaf.parent
	right.mirror = leaf.mirror

	leaf.keys = leaf.keys[:mid]
	leaf.values = leaf.values[:mid]
	leaf.next = right.offset

	if err := t.writeNode(leaf); err != nil {
		return err
	}
	if err := t.writeNode(right); err != nil {
		return err
	}

	sepKey := right.keys[0]

	if leaf.offset == t.root {
		return t.createNewRoot(leaf, sepKey, right)
	}
	return t.insertIntoParent(leaf.parent, leaf, sepKey, right)
}
