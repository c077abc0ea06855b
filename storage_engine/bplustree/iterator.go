package bplus

import (
	"TideDB/storage_engine/bufferpool"
	"TideDB/types"
	"bytes"
)

// Cursor is a forward range scan over [beg, end] that only returns
// elements visible as of asof (types.NoTID: every element, deleted ones
// included).
//
// A cursor holds no lock or node reference between calls. It remembers its
// leaf through a NodeCache and the tree generation it was positioned at;
// when the tree changed in between, Next re-seeks strictly after the last
// key it returned.
type Cursor struct {
	tree *BPlusTree
	beg  []byte
	end  []byte
	asof types.TID

	cache bufferpool.NodeCache
	index int
	gen   uint64
	last  []byte
	done  bool
}

func (t *BPlusTree) NewCursor(beg, end types.Key, asof types.TID) *Cursor {
	return &Cursor{
		tree: t,
		beg:  beg.Bytes(),
		end:  end.Bytes(),
		asof: asof,
	}
}

// Generation is the tree generation, for callers merging the cursor with
// another source.
func (c *Cursor) Generation() uint64 {
	return c.tree.Generation()
}

// Seek positions the cursor at the first visible element at or after key
// (strictly after when inclusive is false) and returns it.
func (c *Cursor) Seek(key types.Key, inclusive bool) (types.Leaf, bool, error) {
	from := key.Bytes()
	if bytes.Compare(from, c.beg) < 0 {
		from, inclusive = c.beg, true
	}
	c.done = false

	t := c.tree
	t.lk.LockSh()
	defer t.lk.Unlock()
	return c.seekLocked(from, inclusive)
}

// Next returns the visible element after the last one returned.
func (c *Cursor) Next() (types.Leaf, bool, error) {
	if c.done {
		return types.Leaf{}, false, nil
	}
	if c.last == nil {
		return c.Seek(types.MinKey, true)
	}

	t := c.tree
	t.lk.LockSh()
	defer t.lk.Unlock()

	if c.gen != t.Generation() {
		return c.seekLocked(c.last, false)
	}
	ref, err := t.pool.CachedNode(&c.cache)
	if err != nil {
		return types.Leaf{}, false, err
	}
	if ref == nil {
		return c.seekLocked(c.last, false)
	}
	node, err := DeserializeNode(ref.Data(), ref.Offset)
	if err != nil {
		t.pool.ReleaseNode(ref)
		return types.Leaf{}, false, err
	}
	node.ref = ref
	return c.scanLocked(node, c.index+1)
}

func (c *Cursor) seekLocked(from []byte, inclusive bool) (types.Leaf, bool, error) {
	t := c.tree
	if t.root == 0 {
		c.finish()
		return types.Leaf{}, false, nil
	}
	node, err := t.findLeaf(from)
	if err != nil {
		return types.Leaf{}, false, err
	}
	i := lowerBound(node.keys, from)
	if !inclusive {
		i = upperBound(node.keys, from)
	}
	return c.scanLocked(node, i)
}

// scanLocked walks forward from element i of node, following the leaf
// chain, to the first visible element inside the range. It consumes the
// reference on node.
func (c *Cursor) scanLocked(node *Node, i int) (types.Leaf, bool, error) {
	t := c.tree
	for {
		for ; i < len(node.keys); i++ {
			if bytes.Compare(node.keys[i], c.end) > 0 {
				t.releaseNode(node)
				c.finish()
				return types.Leaf{}, false, nil
			}
			leaf, err := node.leafAt(i)
			if err != nil {
				t.releaseNode(node)
				return types.Leaf{}, false, err
			}
			if c.asof != types.NoTID && !leaf.VisibleAt(c.asof) {
				continue
			}
			t.pool.CacheNode(&c.cache, node.ref)
			c.index = i
			c.gen = t.Generation()
			c.last = node.keys[i]
			t.releaseNode(node)
			return leaf, true, nil
		}

		next := node.next
		t.releaseNode(node)
		if next == 0 {
			c.finish()
			return types.Leaf{}, false, nil
		}
		var err error
		if node, err = t.fetchNode(next); err != nil {
			return types.Leaf{}, false, err
		}
		i = 0
	}
}

func (c *Cursor) finish() {
	c.done = true
	c.tree.pool.UncacheNode(&c.cache)
}

// Close drops the cursor's node cache entry.
func (c *Cursor) Close() {
	c.finish()
}
