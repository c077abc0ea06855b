package bplus

import "fmt"

// splitInternal splits a full internal node and promotes the middle key.
func (t *BPlusTree) splitInternal(node *Node) error {
	// mid is the index of the key to promote
	mid := len(node.keys) / 2

	promoteKey := node.keys[mid]

	// Allocate right sibling.
	right, err := t.newNode(NodeInternal)
	if err != nil {
		return fmt.Errorf("splitInternal: failed to allocate right sibling: %w", err)
	}

	right.keys = append(right.keys, node.keys[mid+1:]...)
	right.children = append(right.children, node.children[mid+1:]...)
	right.mirrors = append(right.mirrors, node.mirrors[mid+1:]...)
	right.parent = node.parent
	right.mirror = node.mirror

	// Update parent pointers of moved children.
	if err := t.reparent(right.children, right.offset); err != nil {
		return fmt.Errorf("splitInternal: %w", err)
	}

	// Shrink left.
	node.keys = node.keys[:mid]
	node.children = node.children[:mid+1]
	node.mirrors = node.mirrors[:mid+1]
	if err := t.writeNode(node); err != nil {
		return err
	}
	if err := t.writeNode(right); err != nil {
		return err
	}

	// Root split?
	if node.offset == t.root {
		return t.createNewRoot(node, promoteKey, right)
	}

	return t.insertIntoParent(node.parent, node, promoteKey, right)
}

// reparent points the parent field of every node in children at parent.
func (t *BPlusTree) reparent(children []uint64, parent uint64) error {
	for _, childOff := range children {
		child, err := t.fetchNode(childOff)
		if err != nil {
			return fmt.Errorf("failed to fetch child %#x: %w", childOff, err)
		}
		if child.parent == parent {
			continue
		}
		child.parent = parent
		if err := t.writeNode(child); err != nil {
			return err
		}
	}
	return nil
}
