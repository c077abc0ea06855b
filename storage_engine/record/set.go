package record

import (
	"TideDB/types"
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
)

func less(a, b *Record) bool {
	ka, kb := a.Leaf.Key, b.Leaf.Key
	switch {
	case ka.RecType != kb.RecType:
		return ka.RecType < kb.RecType
	case ka.Key != kb.Key:
		return ka.Key < kb.Key
	case a.Tombstone != b.Tombstone:
		return !a.Tombstone
	}
	return ka.CreateTID < kb.CreateTID
}

func NewSet(pfs uint32, objID uint64) *Set {
	return &Set{
		PFS:   pfs,
		ObjID: objID,
		tree:  btree.NewG(16, less),
	}
}

// Generation changes whenever a record is inserted or removed.
func (s *Set) Generation() uint64 {
	return atomic.LoadUint64(&s.gen)
}

// Insert adds a new record in state IDLE.
func (s *Set) Insert(r *Record) error {
	if r.Leaf.Key.Localization != s.PFS || r.Leaf.Key.ObjID != s.ObjID {
		return fmt.Errorf("%w: %s into %08x:%016x", ErrWrongObj, r.Leaf.Key, s.PFS, s.ObjID)
	}
	if err := r.Leaf.Validate(); err != nil {
		return err
	}
	if r.set != nil {
		return fmt.Errorf("%w: %s is already in a set", ErrBadState, r)
	}

	s.lk.LockEx(0)
	defer s.lk.Unlock()

	if s.tree.Has(r) {
		return fmt.Errorf("%w: %s", ErrExists, r.Leaf.Key)
	}
	r.state = StateIdle
	r.set = s
	s.tree.ReplaceOrInsert(r)
	s.bytes += len(r.Data)
	atomic.AddUint64(&s.gen, 1)
	return nil
}

// Remove takes a record out of the set, whatever its state.
func (s *Set) Remove(r *Record) error {
	s.lk.LockEx(0)
	defer s.lk.Unlock()
	return s.removeLocked(r)
}

func (s *Set) removeLocked(r *Record) error {
	if r.set != s {
		return fmt.Errorf("%w: %s", ErrNotPending, r)
	}
	if got, ok := s.tree.Delete(r); !ok || got != r {
		return fmt.Errorf("%w: %s", ErrNotPending, r)
	}
	r.state = stateFreed
	r.set = nil
	s.bytes -= len(r.Data)
	atomic.AddUint64(&s.gen, 1)
	return nil
}

// RemoveIdle takes r out of the set unless a flush group already picked
// it up. It reports whether r was removed.
func (s *Set) RemoveIdle(r *Record) bool {
	s.lk.LockEx(0)
	defer s.lk.Unlock()
	if r.set != s || r.state != StateIdle {
		return false
	}
	return s.removeLocked(r) == nil
}

// Lookup returns the pending live record with exactly key, or nil.
func (s *Set) Lookup(key types.Key) *Record {
	s.lk.LockSh()
	defer s.lk.Unlock()
	r, ok := s.tree.Get(&Record{Leaf: types.Leaf{Key: key}})
	if !ok {
		return nil
	}
	return r
}

// LookupTombstone returns the pending tombstone for key, or nil.
func (s *Set) LookupTombstone(key types.Key) *Record {
	s.lk.LockSh()
	defer s.lk.Unlock()
	r, ok := s.tree.Get(&Record{Leaf: types.Leaf{Key: key}, Tombstone: true})
	if !ok {
		return nil
	}
	return r
}

func (s *Set) Len() int {
	s.lk.LockSh()
	defer s.lk.Unlock()
	return s.tree.Len()
}

// Bytes is the payload size held by the set's records.
func (s *Set) Bytes() int {
	s.lk.LockSh()
	defer s.lk.Unlock()
	return s.bytes
}

// Records returns the records in set order.
func (s *Set) Records() []*Record {
	s.lk.LockSh()
	defer s.lk.Unlock()
	out := make([]*Record, 0, s.tree.Len())
	s.tree.Ascend(func(r *Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Idle returns the records waiting for a flush group, in set order.
func (s *Set) Idle() []*Record {
	s.lk.LockSh()
	defer s.lk.Unlock()
	var out []*Record
	s.tree.Ascend(func(r *Record) bool {
		if r.state == StateIdle {
			out = append(out, r)
		}
		return true
	})
	return out
}

// Range returns the records with keys in [beg, end], in set order.
func (s *Set) Range(beg, end types.Key) []*Record {
	s.lk.LockSh()
	defer s.lk.Unlock()
	var out []*Record
	s.tree.AscendGreaterOrEqual(&Record{Leaf: types.Leaf{Key: beg}}, func(r *Record) bool {
		if r.Leaf.Key.Compare(end) > 0 {
			return false
		}
		if r.Leaf.Key.Compare(beg) >= 0 {
			out = append(out, r)
		}
		return true
	})
	return out
}

// after returns the first record ordered after pivot, or nil.
func (s *Set) after(pivot *Record, inclusive bool) *Record {
	s.lk.LockSh()
	defer s.lk.Unlock()
	var found *Record
	s.tree.AscendGreaterOrEqual(pivot, func(r *Record) bool {
		if !inclusive && !less(pivot, r) {
			return true
		}
		found = r
		return false
	})
	return found
}

// ############################################# FLUSH STATES ############################################

// BeginFlush moves every IDLE record to SETUP and returns them in order.
// Records created after this call stay IDLE for the next flush group.
func (s *Set) BeginFlush() []*Record {
	s.lk.LockEx(0)
	defer s.lk.Unlock()
	var out []*Record
	s.tree.Ascend(func(r *Record) bool {
		if r.state == StateIdle {
			r.state = StateSetup
			out = append(out, r)
		}
		return true
	})
	return out
}

// Flushing marks a SETUP record as written to the tree.
func (s *Set) Flushing(r *Record) error {
	s.lk.LockEx(0)
	defer s.lk.Unlock()
	if r.set != s || r.state != StateSetup {
		return fmt.Errorf("%w: flushing %s", ErrBadState, r)
	}
	r.state = StateFlush
	return nil
}

// Requeue returns a SETUP or FLUSH record to IDLE, after a failed group.
func (s *Set) Requeue(r *Record) error {
	s.lk.LockEx(0)
	defer s.lk.Unlock()
	if r.set != s || r.state == StateIdle {
		return fmt.Errorf("%w: requeue %s", ErrBadState, r)
	}
	r.state = StateIdle
	return nil
}

// Committed frees a FLUSH record once its flush group is durable.
func (s *Set) Committed(r *Record) error {
	s.lk.LockEx(0)
	defer s.lk.Unlock()
	if r.state != StateFlush {
		return fmt.Errorf("%w: commit %s", ErrBadState, r)
	}
	return s.removeLocked(r)
}

// Pending reports how many records are waiting for a flush group.
func (s *Set) Pending() int {
	s.lk.LockSh()
	defer s.lk.Unlock()
	n := 0
	s.tree.Ascend(func(r *Record) bool {
		if r.state == StateIdle {
			n++
		}
		return true
	})
	return n
}
