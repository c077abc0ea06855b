package lock

import (
	"sync"
	"sync/atomic"
)

/*
RefCount is the reference count that sits next to a Lock in every cached
structure.

	bit 31      CHECK       set on the 0->1 edge, cleared on the 1->0 edge
	bit 30      INTERLOCK   an initializer or destructor is running
	bits 0..29  count

Ref and Rel are pure counts. RefInterlock and RelInterlock combine the count
with mutual exclusion so exactly one caller performs the load on first
reference, or the teardown on last release, while everybody else waits:

	if rc.RefInterlock() {
		err := load()
		if err != nil {
			rc.RefInterlockAbort()
			return err
		}
		rc.RefInterlockDone()
	}

CHECK stays set until an initializer reports success, so a failed load is
retried by the next referencer.
*/

const (
	refCheck     uint32 = 1 << 31
	refInterlock uint32 = 1 << 30
	refCountMask uint32 = refInterlock - 1
)

type RefCount struct {
	word atomic.Uint32

	mu   sync.Mutex
	cond sync.Cond
}

func (rc *RefCount) Ref() {
	for {
		w := rc.word.Load()
		nw := w + 1
		if w&refCountMask == 0 {
			nw |= refCheck
		}
		if rc.word.CompareAndSwap(w, nw) {
			return
		}
	}
}

// Rel drops a reference and reports whether it was the last one.
func (rc *RefCount) Rel() bool {
	for {
		w := rc.word.Load()
		count := w & refCountMask
		if count == 0 {
			panic("refcount: release of unreferenced object")
		}
		nw := w - 1
		if count == 1 {
			nw &^= refCheck
		}
		if rc.word.CompareAndSwap(w, nw) {
			return count == 1
		}
	}
}

// RefInterlock adds a reference. It returns true when the caller must run
// the initializer and then call RefInterlockDone or RefInterlockAbort.
func (rc *RefCount) RefInterlock() bool {
	for {
		w := rc.word.Load()
		if w&refInterlock != 0 {
			rc.sleep(w)
			continue
		}
		count := w & refCountMask
		switch {
		case count == 0:
			if rc.word.CompareAndSwap(w, (w+1)|refCheck|refInterlock) {
				return true
			}
		case w&refCheck != 0:
			if rc.word.CompareAndSwap(w, (w+1)|refInterlock) {
				return true
			}
		default:
			if rc.word.CompareAndSwap(w, w+1) {
				return false
			}
		}
	}
}

// RefInterlockDone marks initialization complete.
func (rc *RefCount) RefInterlockDone() {
	rc.clear(refCheck | refInterlock)
}

// RefInterlockAbort gives up the reference taken by a failed initializer.
// CHECK stays set while other references remain so the next caller retries.
func (rc *RefCount) RefInterlockAbort() {
	for {
		w := rc.word.Load()
		count := w & refCountMask
		nw := (w - 1) &^ refInterlock
		if count == 1 {
			nw &^= refCheck
		}
		if rc.word.CompareAndSwap(w, nw) {
			rc.wakeup()
			return
		}
	}
}

// RelInterlock drops a reference. On the 1->0 edge it returns true with
// the interlock held; the caller tears down and calls RelInterlockDone.
func (rc *RefCount) RelInterlock() bool {
	for {
		w := rc.word.Load()
		if w&refInterlock != 0 {
			rc.sleep(w)
			continue
		}
		count := w & refCountMask
		if count == 0 {
			panic("refcount: release of unreferenced object")
		}
		if count == 1 {
			if rc.word.CompareAndSwap(w, (w-1)&^refCheck|refInterlock) {
				return true
			}
			continue
		}
		if rc.word.CompareAndSwap(w, w-1) {
			return false
		}
	}
}

// RelInterlockDone releases the interlock taken by RelInterlock.
func (rc *RefCount) RelInterlockDone() {
	rc.clear(refInterlock)
}

func (rc *RefCount) Count() int {
	return int(rc.word.Load() & refCountMask)
}

// Checked reports whether the CHECK flag is set.
func (rc *RefCount) Checked() bool {
	return rc.word.Load()&refCheck != 0
}

func (rc *RefCount) clear(bits uint32) {
	for {
		w := rc.word.Load()
		if rc.word.CompareAndSwap(w, w&^bits) {
			rc.wakeup()
			return
		}
	}
}

func (rc *RefCount) sleep(observed uint32) {
	rc.mu.Lock()
	if rc.cond.L == nil {
		rc.cond.L = &rc.mu
	}
	if rc.word.Load() == observed {
		rc.cond.Wait()
	}
	rc.mu.Unlock()
}

func (rc *RefCount) wakeup() {
	rc.mu.Lock()
	if rc.cond.L != nil {
		rc.cond.Broadcast()
	}
	rc.mu.Unlock()
}
