package bplus

import "fmt"

// findLeaf descends from the root to the leaf that covers key. The tree
// must not be empty. Readers release the returned leaf.
func (t *BPlusTree) findLeaf(key []byte) (*Node, error) {
	nodeOff := t.root
	for depth := 0; depth < maxDepth; depth++ {
		node, err := t.fetchNode(nodeOff)
		if err != nil {
			return nil, fmt.Errorf("findLeaf: %w", err)
		}

		// Leaf found, caller releases.
		if node.nodeType == NodeLeaf {
			return node, nil
		}
		next := node.children[upperBound(node.keys, key)]
		t.releaseNode(node)
		nodeOff = next
	}
	return nil, fmt.Errorf("%w: findLeaf: deeper than %d levels", ErrCorruptNode, maxDepth)
}
