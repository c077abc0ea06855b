package blockmap

import "errors"

var (
	ErrNoSpace    = errors.New("blockmap: no free big-blocks")
	ErrUnmapped   = errors.New("blockmap: zone offset not mapped")
	ErrOutOfRange = errors.New("blockmap: zone offset beyond addressable range")
	ErrCorrupt    = errors.New("blockmap: layer2 entry corrupt")
)
