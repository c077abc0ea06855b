package page

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

/*
Volume header, stored in the first buffer of every volume.

Geometry fields are written once by Format. The commit fields are only
meaningful in the root volume (volume 0): they are the single point at
which a flush group becomes durable, and are rewritten as the last step
of every commit.

	root        B-Tree root node (META zone offset)
	next_tid    TID high-water mark
	undo_first  start of the uncommitted log range
	undo_next   advisory end of the log, may lag the real end
	redo_first  oldest log offset still needed for REDO replay
	undo_seq    sequence number the record at undo_first carries
	zone_next   append offsets of the META and DATA zones
	layer1      per-zone layer1 tables of the block map
	vol_free    next never-allocated big-block byte offset per volume
	l2_next     next free layer2 table slot in the root volume

The header is little-endian and protected by a CRC32 over everything that
precedes the CRC field.
*/

const (
	VolumeSignature uint64 = 0x314C4F5645444954 // "TIDEVOL1"
	VolumeVersion   uint32 = 1

	// Layer1Entries is the number of layer2 tables a zone can address.
	Layer1Entries = 16
	// Layer2Entries is the number of big-blocks one layer2 table maps.
	Layer2Entries = BufferSize / Layer2EntrySize
	Layer2EntrySize = 16
)

var ErrBadHeader = errors.New("page: bad volume header")

type VolumeHeader struct {
	Signature uint64
	Version   uint32
	VolNo     uint32
	VolCount  uint32
	Reserved0 uint32
	FSID      uuid.UUID
	Label     [32]byte
	VolSize   uint64

	UndoBeg uint64
	UndoEnd uint64
	L2Beg   uint64
	L2End   uint64
	DataBeg uint64

	Root      uint64
	NextTID   uint64
	UndoFirst uint64
	UndoNext  uint64
	RedoFirst uint64
	UndoSeq   uint32
	Reserved1 uint32
	ZoneNext  [NumZones]uint64
	Layer1    [NumZones][Layer1Entries]uint64
	VolFree   [MaxVolumes]uint64
	L2Next    uint64

	CRC       uint32
	Reserved2 uint32
}

// Encode serializes the header into a buffer-sized block.
func (h *VolumeHeader) Encode() ([]byte, error) {
	var buf bytes.Buffer
	h.CRC = 0
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("encode volume header: %w", err)
	}
	out := make([]byte, BufferSize)
	n := copy(out, buf.Bytes())
	if n != buf.Len() {
		return nil, fmt.Errorf("encode volume header: %d bytes does not fit a buffer", buf.Len())
	}
	crcAt := headerCRCOffset()
	h.CRC = crc32.ChecksumIEEE(out[:crcAt])
	binary.LittleEndian.PutUint32(out[crcAt:], h.CRC)
	return out, nil
}

// DecodeVolumeHeader parses and validates a header block.
func DecodeVolumeHeader(data []byte) (*VolumeHeader, error) {
	if len(data) < headerCRCOffset()+4 {
		return nil, fmt.Errorf("%w: short block (%d bytes)", ErrBadHeader, len(data))
	}
	h := &VolumeHeader{}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if h.Signature != VolumeSignature {
		return nil, fmt.Errorf("%w: signature %#x", ErrBadHeader, h.Signature)
	}
	if h.Version != VolumeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadHeader, h.Version)
	}
	crcAt := headerCRCOffset()
	if got := crc32.ChecksumIEEE(data[:crcAt]); got != h.CRC {
		return nil, fmt.Errorf("%w: crc %#x, want %#x", ErrBadHeader, got, h.CRC)
	}
	return h, nil
}

// LabelString returns the label without trailing zero bytes.
func (h *VolumeHeader) LabelString() string {
	return string(bytes.TrimRight(h.Label[:], "\x00"))
}

func (h *VolumeHeader) SetLabel(label string) {
	h.Label = [32]byte{}
	copy(h.Label[:], label)
}

// IsRoot reports whether this is the header of the root volume.
func (h *VolumeHeader) IsRoot() bool {
	return h.VolNo == 0
}

// UndoSize is the size of the log region in bytes.
func (h *VolumeHeader) UndoSize() uint64 {
	return h.UndoEnd - h.UndoBeg
}

func headerCRCOffset() int {
	return binary.Size(VolumeHeader{}) - 8
}
