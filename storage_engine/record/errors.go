package record

import "errors"

var (
	// ErrExists is returned when a live record with the exact same key, or a
	// second tombstone for one key, is already pending.
	ErrExists     = errors.New("record: record already pending")
	ErrWrongObj   = errors.New("record: key belongs to another object")
	ErrBadState   = errors.New("record: invalid state transition")
	ErrNotPending = errors.New("record: record is not in the set")
)
