package wal_manager

import (
	"TideDB/types"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordSize is the aligned on-disk size of a record carrying n payload bytes.
func RecordSize(n int) int {
	return (HeadSize + n + TailSize + LogAlign - 1) &^ (LogAlign - 1)
}

func encodeRecord(typ RecordType, seq uint32, payload []byte) []byte {
	size := RecordSize(len(payload))
	buf := make([]byte, size)

	binary.LittleEndian.PutUint16(buf[0:2], Signature)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(typ))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size))
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	copy(buf[HeadSize:], payload)
	crc := calculateCRC(buf[0:12], buf[HeadSize:size-TailSize])
	binary.LittleEndian.PutUint32(buf[12:16], crc)

	tail := buf[size-TailSize:]
	binary.LittleEndian.PutUint32(tail[0:4], crc)
	binary.LittleEndian.PutUint16(tail[4:6], uint16(typ))
	binary.LittleEndian.PutUint16(tail[6:8], Signature)
	binary.LittleEndian.PutUint32(tail[8:12], uint32(size))
	return buf
}

// calculateCRC computes CRC32 over the head prefix and the zero-filled payload
func calculateCRC(head, payload []byte) uint32 {
	hasher := crc32.NewIEEE()
	hasher.Write(head)
	hasher.Write(payload)
	return hasher.Sum32()
}

// headSize reads and sanity checks the size field of a head at the start
// of b. b extends at least to the end of the log block.
func headSize(b []byte) (int, bool) {
	if len(b) < HeadSize || binary.LittleEndian.Uint16(b[0:2]) != Signature {
		return 0, false
	}
	size := int(binary.LittleEndian.Uint32(b[4:8]))
	if size < LogAlign || size%LogAlign != 0 || size > len(b) {
		return 0, false
	}
	return size, true
}

// decodeRecord validates one whole record: head, tail and CRC must agree.
// The payload keeps the zero fill; typed decoders know their lengths.
func decodeRecord(b []byte, offset uint64) (Record, error) {
	size, ok := headSize(b)
	if !ok || size != len(b) {
		return Record{}, fmt.Errorf("%w: bad head at %#x", ErrCorrupt, offset)
	}
	typ := RecordType(binary.LittleEndian.Uint16(b[2:4]))
	crc := binary.LittleEndian.Uint32(b[12:16])
	payload := b[HeadSize : size-TailSize]

	tail := b[size-TailSize:]
	if binary.LittleEndian.Uint32(tail[0:4]) != crc ||
		RecordType(binary.LittleEndian.Uint16(tail[4:6])) != typ ||
		binary.LittleEndian.Uint16(tail[6:8]) != Signature ||
		int(binary.LittleEndian.Uint32(tail[8:12])) != size {
		return Record{}, fmt.Errorf("%w: tail mismatch at %#x", ErrCorrupt, offset)
	}
	if calculateCRC(b[0:12], payload) != crc {
		return Record{}, fmt.Errorf("%w: crc mismatch at %#x", ErrCorrupt, offset)
	}
	switch typ {
	case RecordPad, RecordUndo, RecordRedo:
	default:
		return Record{}, fmt.Errorf("%w: unknown type %d at %#x", ErrCorrupt, typ, offset)
	}

	return Record{
		Offset:  offset,
		Type:    typ,
		Size:    uint32(size),
		Seq:     binary.LittleEndian.Uint32(b[8:12]),
		Payload: payload,
	}, nil
}

// tailSize reads the size a tail ending at the end of b claims.
func tailSize(b []byte) (int, bool) {
	if len(b) < TailSize {
		return 0, false
	}
	tail := b[len(b)-TailSize:]
	if binary.LittleEndian.Uint16(tail[6:8]) != Signature {
		return 0, false
	}
	size := int(binary.LittleEndian.Uint32(tail[8:12]))
	if size < LogAlign || size%LogAlign != 0 || size > len(b) {
		return 0, false
	}
	return size, true
}

// ############################################# PAYLOADS #################################################

func (u *Undo) encode() []byte {
	buf := make([]byte, undoHeaderSize+len(u.Before))
	binary.LittleEndian.PutUint64(buf[0:8], u.Phys)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(u.Before)))
	copy(buf[undoHeaderSize:], u.Before)
	return buf
}

// DecodeUndo decodes the payload of an UNDO record.
func DecodeUndo(rec Record) (Undo, error) {
	p := rec.Payload
	if rec.Type != RecordUndo || len(p) < undoHeaderSize {
		return Undo{}, fmt.Errorf("%w: not an undo record at %#x", ErrCorrupt, rec.Offset)
	}
	n := int(binary.LittleEndian.Uint32(p[8:12]))
	if undoHeaderSize+n > len(p) {
		return Undo{}, fmt.Errorf("%w: undo length %d at %#x", ErrCorrupt, n, rec.Offset)
	}
	return Undo{
		Phys:   binary.LittleEndian.Uint64(p[0:8]),
		Before: p[undoHeaderSize : undoHeaderSize+n],
	}, nil
}

func (r *Redo) encode() []byte {
	buf := make([]byte, redoHeaderSize+len(r.Data))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(r.Op))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(r.Data)))
	binary.LittleEndian.PutUint32(buf[4:8], r.PFS)
	binary.LittleEndian.PutUint64(buf[8:16], r.ObjID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.TID))
	binary.LittleEndian.PutUint64(buf[24:32], r.Offset)
	binary.LittleEndian.PutUint32(buf[32:36], r.Len)
	binary.LittleEndian.PutUint32(buf[36:40], r.ChunkOff)
	copy(buf[redoHeaderSize:], r.Data)
	return buf
}

// DecodeRedo decodes the payload of a REDO record.
func DecodeRedo(rec Record) (Redo, error) {
	p := rec.Payload
	if rec.Type != RecordRedo || len(p) < redoHeaderSize {
		return Redo{}, fmt.Errorf("%w: not a redo record at %#x", ErrCorrupt, rec.Offset)
	}
	n := int(binary.LittleEndian.Uint16(p[2:4]))
	if redoHeaderSize+n > len(p) {
		return Redo{}, fmt.Errorf("%w: redo chunk length %d at %#x", ErrCorrupt, n, rec.Offset)
	}
	r := Redo{
		Op:       RedoOp(binary.LittleEndian.Uint16(p[0:2])),
		PFS:      binary.LittleEndian.Uint32(p[4:8]),
		ObjID:    binary.LittleEndian.Uint64(p[8:16]),
		TID:      types.TID(binary.LittleEndian.Uint64(p[16:24])),
		Offset:   binary.LittleEndian.Uint64(p[24:32]),
		Len:      binary.LittleEndian.Uint32(p[32:36]),
		ChunkOff: binary.LittleEndian.Uint32(p[36:40]),
		Data:     p[redoHeaderSize : redoHeaderSize+n],
	}
	if r.Op < RedoWrite || r.Op > RedoTermTrunc {
		return Redo{}, fmt.Errorf("%w: redo op %d at %#x", ErrCorrupt, r.Op, rec.Offset)
	}
	if r.Op == RedoWrite && uint64(r.ChunkOff)+uint64(n) > uint64(r.Len) {
		return Redo{}, fmt.Errorf("%w: redo chunk beyond write at %#x", ErrCorrupt, rec.Offset)
	}
	return r, nil
}

// TermKey identifies the operation a TERM record terminates.
type TermKey struct {
	Op     RedoOp // RedoWrite or RedoTrunc
	PFS    uint32
	ObjID  uint64
	TID    types.TID
	Offset uint64
}

// Key returns the key matching this operation to its TERM record.
func (r *Redo) Key() TermKey {
	op := r.Op
	switch op {
	case RedoTermWrite:
		op = RedoWrite
	case RedoTermTrunc:
		op = RedoTrunc
	}
	return TermKey{Op: op, PFS: r.PFS, ObjID: r.ObjID, TID: r.TID, Offset: r.Offset}
}
