package lock

import (
	"fmt"
	"sync"
	"sync/atomic"
)

/*
Lock is the hold/share lock embedded in every cached structure
(volumes, buffers, nodes, objects, the tree and the store sync lock).

The lock word packs three things:

	bit 31      EXCLUSIVE   held exclusively
	bit 30      WANTED      somebody is sleeping on the word
	bits 0..29  hold count  shared holders, or exclusive recursion depth

All transitions are compare-and-swap loops on the word. A blocked caller
sets WANTED and sleeps; the release that clears the word wakes every
sleeper, and each re-evaluates the word from scratch.

Exclusive re-entry is allowed only for the owner that holds the lock.
Owner 0 is anonymous and never recurses.

The zero value is an unlocked lock.
*/

const (
	lockExclusive uint32 = 1 << 31
	lockWanted    uint32 = 1 << 30
	lockCountMask uint32 = lockWanted - 1
)

// Owner identifies the holder of an exclusive lock, usually a transaction.
type Owner uint64

type Lock struct {
	word  atomic.Uint32
	owner atomic.Uint64

	mu   sync.Mutex
	cond sync.Cond
}

// LockSh acquires the lock shared, sleeping while it is held exclusively.
func (l *Lock) LockSh() {
	for {
		w := l.word.Load()
		if w&lockExclusive == 0 {
			if l.word.CompareAndSwap(w, w+1) {
				return
			}
			continue
		}
		l.sleep(w)
	}
}

func (l *Lock) TryLockSh() error {
	for {
		w := l.word.Load()
		if w&lockExclusive != 0 {
			return ErrWouldBlock
		}
		if l.word.CompareAndSwap(w, w+1) {
			return nil
		}
	}
}

// LockEx acquires the lock exclusively. A caller that already holds the
// lock exclusively under the same owner recurses.
func (l *Lock) LockEx(owner Owner) {
	for {
		w := l.word.Load()
		switch l.tryEx(w, owner) {
		case acquired:
			return
		case busy:
			l.sleep(w)
		}
	}
}

func (l *Lock) TryLockEx(owner Owner) error {
	for {
		switch l.tryEx(l.word.Load(), owner) {
		case acquired:
			return nil
		case busy:
			return ErrWouldBlock
		}
	}
}

type attempt int

const (
	acquired attempt = iota
	busy
	raced
)

// tryEx makes one exclusive acquisition attempt against the observed word.
func (l *Lock) tryEx(w uint32, owner Owner) attempt {
	switch {
	case w&lockCountMask == 0:
		if !l.word.CompareAndSwap(w, (w&lockWanted)|lockExclusive|1) {
			return raced
		}
		l.owner.Store(uint64(owner))
		return acquired
	case w&lockExclusive != 0 && owner != 0 && Owner(l.owner.Load()) == owner:
		if !l.word.CompareAndSwap(w, w+1) {
			return raced
		}
		return acquired
	}
	return busy
}

// Unlock releases one hold, shared or exclusive.
func (l *Lock) Unlock() {
	for {
		w := l.word.Load()
		count := w & lockCountMask
		if count == 0 {
			panic("lock: unlock of unlocked lock")
		}
		if count > 1 {
			if l.word.CompareAndSwap(w, w-1) {
				return
			}
			continue
		}
		owner := l.owner.Load()
		if w&lockExclusive != 0 {
			l.owner.Store(0)
		}
		if l.word.CompareAndSwap(w, 0) {
			if w&lockWanted != 0 {
				l.wakeup()
			}
			return
		}
		if w&lockExclusive != 0 {
			// a sleeper set WANTED under us, we still own the lock
			l.owner.Store(owner)
		}
	}
}

// Upgrade converts a shared hold into an exclusive one. It never blocks:
// if anyone else holds the lock the result is ErrDeadlock and the lock is
// left exactly as it was.
func (l *Lock) Upgrade(owner Owner) error {
	for {
		w := l.word.Load()
		count := w & lockCountMask
		if w&lockExclusive != 0 {
			if owner != 0 && Owner(l.owner.Load()) == owner {
				return nil
			}
			return fmt.Errorf("%w: held exclusively by another owner", ErrDeadlock)
		}
		if count == 0 {
			return fmt.Errorf("lock: upgrade of unlocked lock")
		}
		if count > 1 {
			return ErrDeadlock
		}
		if l.word.CompareAndSwap(w, w|lockExclusive) {
			l.owner.Store(uint64(owner))
			return nil
		}
	}
}

// Downgrade turns a single exclusive hold into a shared hold and wakes
// sleepers so other shared lockers can proceed.
func (l *Lock) Downgrade() {
	for {
		w := l.word.Load()
		if w&lockExclusive == 0 || w&lockCountMask != 1 {
			panic("lock: downgrade requires a single exclusive hold")
		}
		owner := l.owner.Load()
		l.owner.Store(0)
		if l.word.CompareAndSwap(w, 1) {
			if w&lockWanted != 0 {
				l.wakeup()
			}
			return
		}
		l.owner.Store(owner)
	}
}

// Holders returns the hold count.
func (l *Lock) Holders() int {
	return int(l.word.Load() & lockCountMask)
}

func (l *Lock) IsExclusive() bool {
	return l.word.Load()&lockExclusive != 0
}

// OwnedBy reports whether owner holds the lock exclusively.
func (l *Lock) OwnedBy(owner Owner) bool {
	return l.IsExclusive() && Owner(l.owner.Load()) == owner
}

func (l *Lock) sleep(observed uint32) {
	if observed&lockWanted == 0 {
		if !l.word.CompareAndSwap(observed, observed|lockWanted) {
			return
		}
		observed |= lockWanted
	}

	l.mu.Lock()
	if l.cond.L == nil {
		l.cond.L = &l.mu
	}
	if l.word.Load() == observed {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

func (l *Lock) wakeup() {
	l.mu.Lock()
	if l.cond.L != nil {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}
