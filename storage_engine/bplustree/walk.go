package bplus

import (
	"TideDB/types"
	"bytes"
	"context"
	"fmt"
)

// Visitor receives the result of an incremental Scan.
type Visitor interface {
	// Leaf is called for every element in range, deleted ones included.
	Leaf(leaf types.Leaf) error
	// Skip is called for a key range [beg, end) whose subtree holds no
	// change newer than the scan's since tid. end is nil for "up to the
	// end of the scan range".
	Skip(beg, end []byte) error
}

// Scan walks the elements in [beg, end) in key order. With since set,
// subtrees whose mirror tid is not newer than since are reported through
// Skip instead of being descended into.
//
// The tree lock is held shared for the whole walk; ctx is polled at every
// node.
func (t *BPlusTree) Scan(ctx context.Context, beg, end types.Key, since types.TID, v Visitor) error {
	t.lk.LockSh()
	defer t.lk.Unlock()

	if t.root == 0 {
		return nil
	}
	w := &walker{t: t, ctx: ctx, beg: beg.Bytes(), end: end.Bytes(), since: since, v: v}
	return w.walk(t.root, nil, nil, 0)
}

type walker struct {
	t     *BPlusTree
	ctx   context.Context
	beg   []byte
	end   []byte
	since types.TID
	v     Visitor
}

// walk visits the subtree at off, which covers [lo, hi) (nil: unbounded).
func (w *walker) walk(off uint64, lo, hi []byte, depth int) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if depth >= maxDepth {
		return fmt.Errorf("%w: scan deeper than %d levels", ErrCorruptNode, maxDepth)
	}
	node, err := w.t.fetchNode(off)
	if err != nil {
		return err
	}
	defer w.t.releaseNode(node)

	if node.nodeType == NodeLeaf {
		for i, k := range node.keys {
			if bytes.Compare(k, w.beg) < 0 {
				continue
			}
			if bytes.Compare(k, w.end) >= 0 {
				break
			}
			leaf, err := node.leafAt(i)
			if err != nil {
				return err
			}
			if err := w.v.Leaf(leaf); err != nil {
				return err
			}
		}
		return nil
	}

	for i, child := range node.children {
		childLo, childHi := lo, hi
		if i > 0 {
			childLo = node.keys[i-1]
		}
		if i < len(node.keys) {
			childHi = node.keys[i]
		}
		if childHi != nil && bytes.Compare(childHi, w.beg) <= 0 {
			continue
		}
		if childLo != nil && bytes.Compare(childLo, w.end) >= 0 {
			break
		}
		if w.since != types.NoTID && node.mirrors[i] <= w.since {
			skipBeg := w.beg
			if childLo != nil && bytes.Compare(childLo, skipBeg) > 0 {
				skipBeg = childLo
			}
			var skipEnd []byte
			if childHi != nil && bytes.Compare(childHi, w.end) < 0 {
				skipEnd = childHi
			}
			if err := w.v.Skip(skipBeg, skipEnd); err != nil {
				return err
			}
			continue
		}
		if err := w.walk(child, childLo, childHi, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Stats walks the whole tree and describes its shape.
func (t *BPlusTree) Stats(ctx context.Context) (Stats, error) {
	t.lk.LockSh()
	defer t.lk.Unlock()

	s := Stats{Root: t.root}
	if t.root == 0 {
		return s, nil
	}
	var visit func(off uint64, depth int) error
	visit = func(off uint64, depth int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if depth >= maxDepth {
			return fmt.Errorf("%w: deeper than %d levels", ErrCorruptNode, maxDepth)
		}
		node, err := t.fetchNode(off)
		if err != nil {
			return err
		}
		defer t.releaseNode(node)

		s.Depth = max(s.Depth, depth+1)
		if off == t.root {
			s.MirrorTID = node.mirror
		}
		if node.nodeType == NodeLeaf {
			s.Leaves++
			s.Elements += len(node.keys)
			for i := range node.keys {
				leaf, err := node.leafAt(i)
				if err != nil {
					return err
				}
				if leaf.Deleted() {
					s.Deleted++
				}
			}
			return nil
		}
		s.Internal++
		for _, child := range node.children {
			if err := visit(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	err := visit(t.root, 0)
	return s, err
}

// MirrorTID returns the mirror tid of the whole tree.
func (t *BPlusTree) MirrorTID() (types.TID, error) {
	t.lk.LockSh()
	defer t.lk.Unlock()
	if t.root == 0 {
		return types.NoTID, nil
	}
	node, err := t.fetchNode(t.root)
	if err != nil {
		return types.NoTID, err
	}
	defer t.releaseNode(node)
	return node.mirror, nil
}
