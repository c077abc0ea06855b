package types

import (
	"fmt"
	"math"
)

// TID is a transaction id. TIDs grow strictly; zero means "not set".
type TID uint64

const (
	NoTID  TID = 0
	MaxTID TID = math.MaxUint64
)

func (t TID) String() string {
	if t == MaxTID {
		return "max"
	}
	return fmt.Sprintf("%#016x", uint64(t))
}

// VisibleAt reports whether an element created at create and deleted at
// del (0 when live) is visible to a reader positioned at asof.
func VisibleAt(create, del, asof TID) bool {
	if create > asof {
		return false
	}
	return del == NoTID || del > asof
}
