package bplus

import (
	"TideDB/types"
	"fmt"
)

// Lookup returns the element with exactly key, deleted or not.
func (t *BPlusTree) Lookup(key types.Key) (types.Leaf, error) {
	t.lk.LockSh()
	defer t.lk.Unlock()

	if t.root == 0 {
		return types.Leaf{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	k := key.Bytes()
	node, err := t.findLeaf(k)
	if err != nil {
		return types.Leaf{}, fmt.Errorf("failed to find leaf: %w", err)
	}
	defer t.releaseNode(node)

	idx := binarySearch(node.keys, k)
	if idx == -1 {
		return types.Leaf{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return node.leafAt(idx)
}
