package wal_manager

import "errors"

var (
	// ErrLogFull means the log region cannot hold the records being
	// appended. Discovered in the middle of a flush group it is a sizing
	// defect, not a runtime condition.
	ErrLogFull = errors.New("wal: log full")

	// ErrCorrupt is a structurally bad record inside a range that must be
	// valid. Fatal to the mount.
	ErrCorrupt = errors.New("wal: corrupt log record")
)
