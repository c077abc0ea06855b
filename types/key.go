package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

/*
Keys of the object store.

Every element of the B-Tree and every pending in-memory record is addressed
by the same five-part key:

	localization | obj_id | rec_type | key | create_tid

localization carries the pseudo-filesystem id so one tree holds several
independent namespaces. The encoded form is big-endian with the sign bit of
`key` flipped, so bytes.Compare on two encoded keys gives the logical order.

For DATA records the `key` field is base offset + length, not the base
offset. Range scans over file data have to account for that.
*/

type RecType uint16

const (
	RecTypeUnknown  RecType = 0
	RecTypeInode    RecType = 0x0001
	RecTypePseudoFS RecType = 0x0002
	RecTypeData     RecType = 0x0010
	RecTypeDirEntry RecType = 0x0011
	RecTypeDB       RecType = 0x0012
	RecTypeExt      RecType = 0x0013
	RecTypeFix      RecType = 0x0014
	RecTypeMax      RecType = 0xFFFF
)

func (rt RecType) String() string {
	switch rt {
	case RecTypeInode:
		return "INODE"
	case RecTypePseudoFS:
		return "PFS"
	case RecTypeData:
		return "DATA"
	case RecTypeDirEntry:
		return "DIRENTRY"
	case RecTypeDB:
		return "DB"
	case RecTypeExt:
		return "EXT"
	case RecTypeFix:
		return "FIX"
	}
	return fmt.Sprintf("RECTYPE(%#x)", uint16(rt))
}

const KeySize = 32

type Key struct {
	Localization uint32 // pseudo-filesystem id
	ObjID        uint64
	RecType      RecType
	Key          int64
	CreateTID    TID
}

var (
	MinKey = Key{}
	MaxKey = Key{
		Localization: math.MaxUint32,
		ObjID:        math.MaxUint64,
		RecType:      RecTypeMax,
		Key:          math.MaxInt64,
		CreateTID:    MaxTID,
	}
)

// Encode writes the 32 byte ordered form of k into dst.
func (k Key) Encode(dst []byte) {
	_ = dst[KeySize-1]
	binary.BigEndian.PutUint32(dst[0:4], k.Localization)
	binary.BigEndian.PutUint64(dst[4:12], k.ObjID)
	binary.BigEndian.PutUint16(dst[12:14], uint16(k.RecType))
	dst[14], dst[15] = 0, 0
	binary.BigEndian.PutUint64(dst[16:24], uint64(k.Key)^(1<<63))
	binary.BigEndian.PutUint64(dst[24:32], uint64(k.CreateTID))
}

func (k Key) Bytes() []byte {
	buf := make([]byte, KeySize)
	k.Encode(buf)
	return buf
}

func DecodeKey(src []byte) (Key, error) {
	if len(src) < KeySize {
		return Key{}, fmt.Errorf("decode key: short buffer (%d bytes)", len(src))
	}
	return Key{
		Localization: binary.BigEndian.Uint32(src[0:4]),
		ObjID:        binary.BigEndian.Uint64(src[4:12]),
		RecType:      RecType(binary.BigEndian.Uint16(src[12:14])),
		Key:          int64(binary.BigEndian.Uint64(src[16:24]) ^ (1 << 63)),
		CreateTID:    TID(binary.BigEndian.Uint64(src[24:32])),
	}, nil
}

// Compare orders keys by localization, object, record type, key and
// create tid.
func (k Key) Compare(o Key) int {
	switch {
	case k.Localization != o.Localization:
		return cmpUint(uint64(k.Localization), uint64(o.Localization))
	case k.ObjID != o.ObjID:
		return cmpUint(k.ObjID, o.ObjID)
	case k.RecType != o.RecType:
		return cmpUint(uint64(k.RecType), uint64(o.RecType))
	case k.Key != o.Key:
		if k.Key < o.Key {
			return -1
		}
		return 1
	}
	return cmpUint(uint64(k.CreateTID), uint64(o.CreateTID))
}

// Level reports how far apart two keys are, signed like Compare:
// ±5 localization, ±4 object, ±3 record type, ±2 key, ±1 create tid, 0 equal.
func (k Key) Level(o Key) int {
	switch {
	case k.Localization != o.Localization:
		return 5 * cmpUint(uint64(k.Localization), uint64(o.Localization))
	case k.ObjID != o.ObjID:
		return 4 * cmpUint(k.ObjID, o.ObjID)
	case k.RecType != o.RecType:
		return 3 * cmpUint(uint64(k.RecType), uint64(o.RecType))
	case k.Key != o.Key:
		if k.Key < o.Key {
			return -2
		}
		return 2
	case k.CreateTID != o.CreateTID:
		return cmpUint(uint64(k.CreateTID), uint64(o.CreateTID))
	}
	return 0
}

// SameObject reports whether both keys address the same object.
func (k Key) SameObject(o Key) bool {
	return k.Localization == o.Localization && k.ObjID == o.ObjID
}

// WithoutTID returns k with create tid zeroed, the lowest key of that
// (type, key) pair.
func (k Key) WithoutTID() Key {
	k.CreateTID = 0
	return k
}

func (k Key) String() string {
	return fmt.Sprintf("%08x:%016x:%s:%d@%s", k.Localization, k.ObjID, k.RecType, k.Key, k.CreateTID)
}

// CompareEncoded compares two encoded keys.
func CompareEncoded(a, b []byte) int {
	return bytes.Compare(a, b)
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
