package dedup

import (
	"TideDB/types"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
)

/*
Dedup hint cache.

Maps the BLAKE3 hash of a data block to a DATA leaf already holding those
bytes. It is only a hint: entries may be evicted or never admitted, and a
hit is always confirmed by comparing the bytes on disk before the caller
points a new record at the old block. A failed comparison falls back to a
normal write.

DATA big-blocks are never returned to the free pool, so a leaf's data
range keeps its bytes even after the record that wrote it is deleted.
*/

// HashSize is the length of a content hash.
const HashSize = 32

type Hash [HashSize]byte

// Entry is a candidate for sharing: a leaf whose data hashed to Hash.
type Entry struct {
	Hash Hash
	Leaf types.Leaf
}

// DataReader reads the DATA zone. *bufferpool.BufferPool implements it.
type DataReader interface {
	ReadData(offset uint64, dst []byte) error
}

type Cache struct {
	cache  *ristretto.Cache[string, Entry]
	reader DataReader
	logger *slog.Logger

	lookups      atomic.Uint64
	hits         atomic.Uint64
	verified     atomic.Uint64
	verifyFailed atomic.Uint64
	recorded     atomic.Uint64
}

type Stats struct {
	Lookups      uint64
	Hits         uint64 // candidates returned by Lookup
	Verified     uint64 // candidates whose bytes matched
	VerifyFailed uint64 // candidates rejected by the byte compare
	Recorded     uint64
	Evicted      uint64
}
