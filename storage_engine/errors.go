package storageengine

import "errors"

var (
	// ErrStoreBroken is returned once a flush group failed after it began
	// modifying the tree. Only a remount, which runs recovery, clears it.
	ErrStoreBroken    = errors.New("storage engine: store broken, remount required")
	ErrReadOnly       = errors.New("storage engine: store mounted read-only")
	ErrRecoveryNeeded = errors.New("storage engine: log holds uncommitted changes, mount read-write to recover")
	ErrClosed         = errors.New("storage engine: store closed")
	ErrNotFound       = errors.New("storage engine: record not found")
	ErrBadRange       = errors.New("storage engine: bad offset or length")
	ErrBadRecType     = errors.New("storage engine: record type not allowed here")
	ErrWrongTxn       = errors.New("storage engine: transaction kind not allowed here")
)
