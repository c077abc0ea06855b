package lock

import "errors"

var (
	// ErrWouldBlock is returned by the try variants when the lock is held
	// in a conflicting mode.
	ErrWouldBlock = errors.New("lock: would block")

	// ErrDeadlock is returned by Upgrade when other shared holders exist.
	// The caller must drop everything it holds and retry from a clean state.
	ErrDeadlock = errors.New("lock: upgrade would deadlock")
)
