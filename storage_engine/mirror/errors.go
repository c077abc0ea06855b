package mirror

import "errors"

var (
	ErrBadRecord  = errors.New("mirror: bad stream record")
	ErrNoHeader   = errors.New("mirror: stream does not start with a PFS header")
	ErrWrongPFS   = errors.New("mirror: stream is for another PFS")
	ErrTruncated  = errors.New("mirror: stream ended without a terminator")
	ErrCompressor = errors.New("mirror: unknown compression")
)

// ErrGap is returned when an incremental stream starts after the target's
// last sync point: changes in between would be lost.
var ErrGap = errors.New("mirror: stream does not continue the target's sync point")
