package bplus

import "fmt"

// createNewRoot creates a new root internal node with left and right as its
// two children, separated by promoteKey.
func (t *BPlusTree) createNewRoot(left *Node, promoteKey []byte, right *Node) error {
	root, err := t.newNode(NodeInternal)
	if err != nil {
		return fmt.Errorf("createNewRoot: failed to allocate new root: %w", err)
	}

	root.keys = append(root.keys, promoteKey)
	root.children = append(root.children, left.offset, right.offset)
	root.mirrors = append(root.mirrors, left.mirror, right.mirror)
	root.mirror = max(left.mirror, right.mirror)

	// Update parent pointers on both children.
	for _, child := range []*Node{left, right} {
		child.parent = root.offset
		if err := t.writeNode(child); err != nil {
			return err
		}
	}
	if err := t.writeNode(root); err != nil {
		return err
	}

	t.root = root.offset
	t.logger.Debug("tree grew", "root", fmt.Sprintf("%#x", root.offset))
	return nil
}
