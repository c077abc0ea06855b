package blockmap

import (
	"TideDB/storage_engine/bufferpool"
	diskmanager "TideDB/storage_engine/disk_manager"
	"TideDB/storage_engine/page"
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"sync"
)

// BlockMap translates META and DATA zone offsets to physical offsets and
// hands out space in both zones.
//
// Zone space is mapped one big-block at a time. Layer1 (one array per zone,
// kept in the root volume header) holds the raw offset of a layer2 table;
// each layer2 table is one buffer in the root volume's L2 area whose entries
// map a big-block of zone space to a physical big-block.
type BlockMap struct {
	pool *bufferpool.BufferPool
	disk *diskmanager.DiskManager

	zoneNext [page.NumZones]uint64
	layer1   [page.NumZones][page.Layer1Entries]uint64
	volFree  [page.MaxVolumes]uint64
	volSize  [page.MaxVolumes]uint64
	volCount int
	nextVol  int
	l2Next   uint64
	l2End    uint64

	logger *slog.Logger
	mu     sync.Mutex
}

// Layer2Entry maps one big-block of zone space.
type Layer2Entry struct {
	Phys     uint64
	Zone     page.Zone
	Reserved uint16
	CRC      uint32
}

func (e Layer2Entry) encode() []byte {
	out := make([]byte, page.Layer2EntrySize)
	binary.LittleEndian.PutUint64(out[0:8], e.Phys)
	binary.LittleEndian.PutUint16(out[8:10], uint16(e.Zone))
	binary.LittleEndian.PutUint16(out[10:12], e.Reserved)
	binary.LittleEndian.PutUint32(out[12:16], crc32.ChecksumIEEE(out[:12]))
	return out
}

func decodeLayer2Entry(b []byte) (Layer2Entry, bool) {
	e := Layer2Entry{
		Phys:     binary.LittleEndian.Uint64(b[0:8]),
		Zone:     page.Zone(binary.LittleEndian.Uint16(b[8:10])),
		Reserved: binary.LittleEndian.Uint16(b[10:12]),
		CRC:      binary.LittleEndian.Uint32(b[12:16]),
	}
	return e, e.CRC == crc32.ChecksumIEEE(b[:12])
}

// Usage describes one zone.
type Usage struct {
	Zone      page.Zone
	Next      uint64 // bytes of zone space handed out
	BigBlocks int    // big-blocks mapped
}

// Space is the allocator's view of free storage.
type Space struct {
	FreeBigBlocks  uint64
	TotalBigBlocks uint64
	Zones          []Usage
}
