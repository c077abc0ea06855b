package page

import "fmt"

/*
Buffer geometry and addressing shared by the disk manager, the block map,
the buffer pool and the log.

Storage is addressed three ways:

	physical offset   vol<<52 | byte offset inside the volume file
	zone offset       zone<<60 | offset inside the zone's address space
	raw zone offset   a physical offset used as a zone offset (zone 0)

The raw zone lets the volume header, the log region and the block map's own
layer2 tables be cached through the same buffer pool without translation.
META (B-Tree nodes) and DATA (record payloads) offsets go through the
block map.
*/

const (
	BufferSize = 4096
	BufferMask = BufferSize - 1

	BigBlockSize = 1 << 20
	BigBlockMask = BigBlockSize - 1

	// DataAlign is the allocation granularity inside the DATA zone.
	DataAlign = 64

	VolumeShift = 52
	ZoneShift   = 60
	MaxVolumes  = 8

	byteOffsetMask = 1<<VolumeShift - 1
	zoneOffsetMask = 1<<ZoneShift - 1
)

type Zone uint8

const (
	ZoneRaw Zone = iota
	ZoneMeta
	ZoneData
	NumZones
)

func (z Zone) String() string {
	switch z {
	case ZoneRaw:
		return "raw"
	case ZoneMeta:
		return "meta"
	case ZoneData:
		return "data"
	}
	return fmt.Sprintf("zone(%d)", uint8(z))
}

// ZoneOffset encodes an offset inside a zone's address space.
func ZoneOffset(z Zone, off uint64) uint64 {
	return uint64(z)<<ZoneShift | off&zoneOffsetMask
}

func OffsetZone(off uint64) Zone {
	return Zone(off >> ZoneShift)
}

// ZoneRelative strips the zone bits.
func ZoneRelative(off uint64) uint64 {
	return off & zoneOffsetMask
}

func PhysOffset(vol uint32, byteOff uint64) uint64 {
	return uint64(vol)<<VolumeShift | byteOff&byteOffsetMask
}

func PhysVolume(phys uint64) uint32 {
	return uint32((phys & zoneOffsetMask) >> VolumeShift)
}

func PhysByte(phys uint64) uint64 {
	return phys & byteOffsetMask
}

// Kind is the type of a cached buffer. Each kind carries its own flush
// behavior instead of a table of callbacks.
type Kind uint8

const (
	KindVolumeHeader Kind = iota + 1
	KindMeta
	KindUndo
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindVolumeHeader:
		return "volume-header"
	case KindMeta:
		return "meta"
	case KindUndo:
		return "undo"
	case KindData:
		return "data"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Logged reports whether modifications of this kind need an UNDO record
// before they are applied.
func (k Kind) Logged() bool {
	return k == KindMeta
}

// WriteOrder is the position of this kind in a flush group's write
// sequence: log, then data, then meta, then the volume header last.
func (k Kind) WriteOrder() int {
	switch k {
	case KindUndo:
		return 0
	case KindData:
		return 1
	case KindMeta:
		return 2
	case KindVolumeHeader:
		return 3
	}
	return 4
}

// WaitsForLog reports whether a dirty buffer of this kind may only be
// written once the log is synced past its last UNDO record.
func (k Kind) WaitsForLog() bool {
	return k == KindMeta
}

// DefaultZone is the zone allocations of this kind come from.
func (k Kind) DefaultZone() Zone {
	switch k {
	case KindMeta:
		return ZoneMeta
	case KindData:
		return ZoneData
	}
	return ZoneRaw
}
