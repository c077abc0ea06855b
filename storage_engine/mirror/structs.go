package mirror

import (
	"TideDB/types"
	"fmt"
)

/*
Mirror stream.

A stream copies the elements of one PFS, in key order, from a source tree
to a target tree. It starts with a PFSD header and ends with a TERM
trailer. In between:

	REC         element changed after the since tid, with its data
	REC_NODATA  same, element has no data
	REC_BADCRC  same, but the data failed its checksum on the source; the
	            target keeps what it has
	PASS        element in range that did not change; the target keeps it
	SKIP        key range whose subtree did not change; the target keeps
	            everything in it

Anything the target holds in the PFS that is neither named by a record nor
covered by a SKIP does not exist on the source any more and is destroyed.

Wire record, little endian:

	0   signature  u32
	4   type       u8
	5   flags      u8   compression of a REC payload
	6   reserved   u16
	8   size       u32  whole record, head included
	12  crc        u32  crc32 of head[0:12] and the body
	16  body
*/

const (
	Signature uint32 = 0x4D524543
	HeadSize         = 16
	// MaxRecordSize bounds a record so a corrupt size cannot make the
	// reader allocate without limit.
	MaxRecordSize = 16 << 20
)

type RecordType uint8

const (
	RecPFSD RecordType = iota + 1
	RecRec
	RecNoData
	RecBadCRC
	RecPass
	RecSkip
	RecTerm
)

func (t RecordType) String() string {
	switch t {
	case RecPFSD:
		return "PFSD"
	case RecRec:
		return "REC"
	case RecNoData:
		return "REC_NODATA"
	case RecBadCRC:
		return "REC_BADCRC"
	case RecPass:
		return "PASS"
	case RecSkip:
		return "SKIP"
	case RecTerm:
		return "TERM"
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// Compression of REC payloads.
type Compression uint8

const (
	CompressNone Compression = 0
	CompressLZ4  Compression = 1
	CompressZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressLZ4:
		return "lz4"
	case CompressZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressNone, nil
	case "lz4":
		return CompressLZ4, nil
	case "zstd":
		return CompressZstd, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrCompressor, name)
}

// Header is the PFSD record. The stream holds every change in
// (SyncBegTID, SyncEndTID].
type Header struct {
	Source     string `cbor:"1,keyasint"`
	PFS        uint32 `cbor:"2,keyasint"`
	SyncBegTID uint64 `cbor:"3,keyasint"`
	SyncEndTID uint64 `cbor:"4,keyasint"`
}

// Trailer is the TERM record.
type Trailer struct {
	Records uint64 `cbor:"1,keyasint"`
	Bytes   uint64 `cbor:"2,keyasint"`
}

// Record is one decoded stream record.
type Record struct {
	Type RecordType
	Leaf types.Leaf // REC, REC_NODATA, REC_BADCRC, PASS
	Data []byte     // REC, uncompressed

	SkipBeg types.Key // SKIP range [SkipBeg, SkipEnd)
	SkipEnd types.Key

	Header  Header  // PFSD
	Trailer Trailer // TERM
}

// Stats counts what a Read produced or an Apply consumed.
type Stats struct {
	Records   uint64 // REC and REC_NODATA
	BadCRC    uint64
	Passed    uint64
	Skipped   uint64
	Deleted   uint64 // target elements destroyed
	DataBytes uint64
	WireBytes uint64
}
