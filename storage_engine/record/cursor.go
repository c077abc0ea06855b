package record

import (
	"TideDB/types"
	"fmt"
)

/*
Cursor merges an object's pending records with its on-disk elements.

Both sources are walked in parallel over the same key range and the
smaller head is returned first. Ties:

  - same (type, key), create tid equal or not: the pending record wins
    and both heads are consumed; a pending tombstone consumes both and
    returns nothing
  - two DATA records with the same base offset are the same block of the
    file, written again with another length: the pending record wins

Both sets of heads are cached between calls. The cursor remembers the
generation of the Set and of the disk side it last saw; when either
changed, both sides are re-positioned strictly after the largest key
consumed so far. Nothing at or below that key is ever returned again, so
the output is strictly ascending.
*/

type Cursor struct {
	set  *Set
	disk DiskCursor // nil when the object has nothing on disk
	beg  types.Key
	end  types.Key
	asof types.TID

	mem   *Record
	dsk   types.Leaf
	dskOK bool

	started  bool
	consumed bool
	maxKey   types.Key // largest key consumed from either side
	setGen   uint64
	diskGen  uint64
}

// NewCursor scans [beg, end] of set's object. Pending records newer than
// asof are invisible, as are pending tombstones whose delete tid is;
// types.NoTID sees everything. disk must apply the same asof itself.
func NewCursor(set *Set, disk DiskCursor, beg, end types.Key, asof types.TID) *Cursor {
	return &Cursor{set: set, disk: disk, beg: beg, end: end, asof: asof}
}

// Next returns the next item of the merged scan.
func (c *Cursor) Next() (Item, bool, error) {
	if !c.started {
		if err := c.position(); err != nil {
			return Item{}, false, err
		}
		c.started = true
	} else if c.set.Generation() != c.setGen || (c.disk != nil && c.disk.Generation() != c.diskGen) {
		if err := c.position(); err != nil {
			return Item{}, false, err
		}
	}

	for {
		switch {
		case c.mem != nil && c.dskOK && sameElement(c.mem, c.dsk):
			m, d := c.mem, c.dsk
			c.consume(m.Leaf.Key)
			c.consume(d.Key)
			if err := c.advanceBoth(); err != nil {
				return Item{}, false, err
			}
			if m.Tombstone {
				continue
			}
			return Item{Leaf: m.Leaf, Record: m}, true, nil

		case c.mem != nil && (!c.dskOK || c.mem.Leaf.Key.Compare(c.dsk.Key) < 0):
			m := c.mem
			c.consume(m.Leaf.Key)
			if err := c.advanceBoth(); err != nil {
				return Item{}, false, err
			}
			if m.Tombstone {
				continue
			}
			return Item{Leaf: m.Leaf, Record: m}, true, nil

		case c.dskOK:
			d := c.dsk
			c.consume(d.Key)
			if err := c.advanceBoth(); err != nil {
				return Item{}, false, err
			}
			return Item{Leaf: d}, true, nil

		default:
			return Item{}, false, nil
		}
	}
}

// sameElement applies the tie-break rules.
func sameElement(r *Record, leaf types.Leaf) bool {
	lvl := r.Leaf.Key.Level(leaf.Key)
	if lvl >= -1 && lvl <= 1 {
		return true
	}
	return r.Leaf.Key.RecType == types.RecTypeData && leaf.Key.RecType == types.RecTypeData &&
		(lvl == 2 || lvl == -2) && r.Leaf.DataBase() == leaf.DataBase()
}

func (c *Cursor) consume(k types.Key) {
	if !c.consumed || k.Compare(c.maxKey) > 0 {
		c.maxKey = k
	}
	c.consumed = true
}

// position (re)loads both heads from scratch.
func (c *Cursor) position() error {
	c.setGen = c.set.Generation()
	c.mem, c.dskOK = nil, false

	from, inclusive := c.beg, true
	if c.consumed {
		from, inclusive = c.maxKey, false
	}

	pivot := &Record{Leaf: types.Leaf{Key: from.WithoutTID()}}
	c.mem = c.memFrom(pivot, true)

	if c.disk != nil {
		c.diskGen = c.disk.Generation()
		leaf, ok, err := c.disk.Seek(from, inclusive)
		if err != nil {
			return fmt.Errorf("cursor: disk seek: %w", err)
		}
		c.setDisk(leaf, ok)
	}
	return nil
}

// advanceBoth refills whichever head was consumed. If either side changed
// since the heads were loaded, both are re-positioned instead.
func (c *Cursor) advanceBoth() error {
	if c.set.Generation() != c.setGen || (c.disk != nil && c.disk.Generation() != c.diskGen) {
		return c.position()
	}
	if c.mem != nil && c.mem.Leaf.Key.Compare(c.maxKey) <= 0 {
		c.mem = c.memFrom(c.mem, false)
	}
	for c.dskOK && c.dsk.Key.Compare(c.maxKey) <= 0 {
		leaf, ok, err := c.disk.Next()
		if err != nil {
			return fmt.Errorf("cursor: disk next: %w", err)
		}
		c.setDisk(leaf, ok)
	}
	return nil
}

func (c *Cursor) setDisk(leaf types.Leaf, ok bool) {
	if ok && leaf.Key.Compare(c.end) > 0 {
		ok = false
	}
	c.dsk, c.dskOK = leaf, ok
}

// memFrom returns the first usable record at or after pivot in set order:
// inside the range, above everything consumed and visible as of the
// cursor's tid.
func (c *Cursor) memFrom(pivot *Record, inclusive bool) *Record {
	endGroup := &Record{Leaf: types.Leaf{Key: c.end}, Tombstone: true}
	endGroup.Leaf.Key.CreateTID = types.MaxTID
	for {
		r := c.set.after(pivot, inclusive)
		if r == nil || less(endGroup, r) {
			return nil
		}
		if c.usable(r) {
			return r
		}
		pivot, inclusive = r, false
	}
}

func (c *Cursor) usable(r *Record) bool {
	k := r.Leaf.Key
	if k.Compare(c.beg) < 0 || k.Compare(c.end) > 0 {
		return false
	}
	if c.consumed && k.Compare(c.maxKey) <= 0 {
		return false
	}
	if c.asof == types.NoTID {
		return true
	}
	if r.Tombstone {
		return r.Leaf.DeleteTID <= c.asof
	}
	return k.CreateTID <= c.asof
}
