package types

import (
	"encoding/binary"
	"fmt"
)

// LeafValueSize is the encoded size of the part of a leaf that is not key.
const LeafValueSize = 24

// Leaf describes one stored record: its key and where its payload lives.
// DataOffset is a DATA-zone logical offset, 0 when the record has no data.
type Leaf struct {
	Key        Key
	DeleteTID  TID
	DataOffset uint64
	DataLen    uint32
	DataCRC    uint32
}

func (l Leaf) Deleted() bool {
	return l.DeleteTID != NoTID
}

func (l Leaf) VisibleAt(asof TID) bool {
	return VisibleAt(l.Key.CreateTID, l.DeleteTID, asof)
}

// DataBase returns the base offset of a DATA record, whose key is
// base + length.
func (l Leaf) DataBase() int64 {
	return l.Key.Key - int64(l.DataLen)
}

// Validate checks the tid ordering invariant.
func (l Leaf) Validate() error {
	if l.DeleteTID != NoTID && l.DeleteTID <= l.Key.CreateTID {
		return fmt.Errorf("leaf %s: delete tid %s not after create tid", l.Key, l.DeleteTID)
	}
	return nil
}

func (l Leaf) EncodeValue(dst []byte) {
	_ = dst[LeafValueSize-1]
	binary.BigEndian.PutUint64(dst[0:8], uint64(l.DeleteTID))
	binary.BigEndian.PutUint64(dst[8:16], l.DataOffset)
	binary.BigEndian.PutUint32(dst[16:20], l.DataLen)
	binary.BigEndian.PutUint32(dst[20:24], l.DataCRC)
}

func (l Leaf) ValueBytes() []byte {
	buf := make([]byte, LeafValueSize)
	l.EncodeValue(buf)
	return buf
}

// DecodeLeaf rebuilds a leaf from an encoded key and value.
func DecodeLeaf(key, value []byte) (Leaf, error) {
	k, err := DecodeKey(key)
	if err != nil {
		return Leaf{}, err
	}
	if len(value) < LeafValueSize {
		return Leaf{}, fmt.Errorf("decode leaf %s: short value (%d bytes)", k, len(value))
	}
	return Leaf{
		Key:        k,
		DeleteTID:  TID(binary.BigEndian.Uint64(value[0:8])),
		DataOffset: binary.BigEndian.Uint64(value[8:16]),
		DataLen:    binary.BigEndian.Uint32(value[16:20]),
		DataCRC:    binary.BigEndian.Uint32(value[20:24]),
	}, nil
}
