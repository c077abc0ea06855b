package blockmap

import (
	"TideDB/storage_engine/bufferpool"
	diskmanager "TideDB/storage_engine/disk_manager"
	"TideDB/storage_engine/page"
	"fmt"
	"log/slog"
)

/*
Allocation state (zone cursors, layer1, per-volume free cursors, the L2
area cursor) lives in memory between commits and is copied into the root
header by Fill at the end of every flush group. Layer2 entries are changed
through the buffer pool, so they are UNDO logged like any other meta-data:
after a crash the header and the layer2 tables roll back together.

Big-blocks are never returned to the free cursors; space is reused only by
reformatting.
*/

const zoneLimit = uint64(page.Layer1Entries) * page.Layer2Entries * page.BigBlockSize

// New creates a block map over the mounted volumes, loading the allocation
// state from the committed root header.
func New(pool *bufferpool.BufferPool, disk *diskmanager.DiskManager, hdr *page.VolumeHeader, logger *slog.Logger) *BlockMap {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	bm := &BlockMap{pool: pool, disk: disk, logger: logger}
	for _, vol := range disk.Volumes() {
		bm.volSize[vol.No] = vol.Header.VolSize
		bm.volCount++
	}
	bm.Load(hdr)
	return bm
}

// Load replaces the in-memory allocation state with the header's.
func (bm *BlockMap) Load(hdr *page.VolumeHeader) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.zoneNext = hdr.ZoneNext
	bm.layer1 = hdr.Layer1
	bm.volFree = hdr.VolFree
	bm.l2Next = hdr.L2Next
	bm.l2End = hdr.L2End
}

// Fill copies the allocation state into hdr for commit.
func (bm *BlockMap) Fill(hdr *page.VolumeHeader) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	hdr.ZoneNext = bm.zoneNext
	hdr.Layer1 = bm.layer1
	hdr.VolFree = bm.volFree
	hdr.L2Next = bm.l2Next
}

func split(rel uint64) (i1, i2 int) {
	bb := rel / page.BigBlockSize
	return int(bb / page.Layer2Entries), int(bb % page.Layer2Entries)
}

// Translate maps a zone offset to a physical offset. RAW offsets are
// already physical.
func (bm *BlockMap) Translate(off uint64) (uint64, error) {
	zone := page.OffsetZone(off)
	if zone == page.ZoneRaw {
		return off, nil
	}
	if zone >= page.NumZones {
		return 0, fmt.Errorf("%w: %#x", ErrOutOfRange, off)
	}
	rel := page.ZoneRelative(off)
	if rel >= zoneLimit {
		return 0, fmt.Errorf("%w: %#x", ErrOutOfRange, off)
	}
	i1, i2 := split(rel)

	bm.mu.Lock()
	l2 := bm.layer1[zone][i1]
	bm.mu.Unlock()
	if l2 == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrUnmapped, off)
	}

	buf, err := bm.pool.GetBuffer(l2, page.KindMeta, bufferpool.ModeLoad)
	if err != nil {
		return 0, fmt.Errorf("layer2 table for %#x: %w", off, err)
	}
	raw := buf.Data[i2*page.Layer2EntrySize : (i2+1)*page.Layer2EntrySize]
	empty := isZero(raw)
	entry, ok := decodeLayer2Entry(raw)
	bm.pool.ReleaseBuffer(buf)

	switch {
	case empty:
		return 0, fmt.Errorf("%w: %#x", ErrUnmapped, off)
	case !ok, entry.Zone != zone:
		return 0, fmt.Errorf("%w: table %#x entry %d", ErrCorrupt, l2, i2)
	}
	return entry.Phys + rel&page.BigBlockMask, nil
}

// Alloc hands out size bytes of zone space. META allocations are whole
// buffers; DATA allocations are rounded to DataAlign and never straddle a
// buffer when they fit in one. No allocation crosses a big-block.
func (bm *BlockMap) Alloc(zone page.Zone, size int) (uint64, error) {
	if size <= 0 || size > page.BigBlockSize {
		return 0, fmt.Errorf("blockmap: bad allocation size %d", size)
	}
	switch zone {
	case page.ZoneMeta:
		size = roundUp(size, page.BufferSize)
	case page.ZoneData:
		size = roundUp(size, page.DataAlign)
	default:
		return 0, fmt.Errorf("blockmap: cannot allocate from zone %s", zone)
	}
	n := uint64(size)

	bm.mu.Lock()
	defer bm.mu.Unlock()

	next := bm.zoneNext[zone]
	if n <= page.BufferSize && next&page.BufferMask+n > page.BufferSize {
		next = (next + page.BufferMask) &^ uint64(page.BufferMask)
	}
	if next&page.BigBlockMask+n > page.BigBlockSize {
		next = (next + page.BigBlockMask) &^ uint64(page.BigBlockMask)
	}
	if next+n > zoneLimit {
		return 0, fmt.Errorf("%w: zone %s exhausted", ErrNoSpace, zone)
	}
	if next&page.BigBlockMask == 0 {
		if err := bm.mapBigBlockLocked(zone, next); err != nil {
			return 0, err
		}
	}
	bm.zoneNext[zone] = next + n
	return page.ZoneOffset(zone, next), nil
}

// mapBigBlockLocked assigns a physical big-block to the zone big-block at
// rel, creating its layer2 table if needed.
func (bm *BlockMap) mapBigBlockLocked(zone page.Zone, rel uint64) error {
	i1, i2 := split(rel)

	l2 := bm.layer1[zone][i1]
	mode := bufferpool.ModeLoad
	newTable := l2 == 0
	if newTable {
		if bm.l2Next+page.BufferSize > bm.l2End {
			return fmt.Errorf("%w: layer2 area full", ErrNoSpace)
		}
		l2 = bm.l2Next
		mode = bufferpool.ModeNew
	}

	vol, phys, err := bm.takeBigBlockLocked()
	if err != nil {
		return err
	}

	buf, err := bm.pool.GetBuffer(l2, page.KindMeta, mode)
	if err != nil {
		bm.volFree[vol] -= page.BigBlockSize
		return err
	}
	entry := Layer2Entry{Phys: phys, Zone: zone}
	err = bm.pool.Modify(buf, i2*page.Layer2EntrySize, entry.encode())
	bm.pool.ReleaseBuffer(buf)
	if err != nil {
		bm.volFree[vol] -= page.BigBlockSize
		return fmt.Errorf("map big-block %d of zone %s: %w", rel/page.BigBlockSize, zone, err)
	}

	if newTable {
		bm.layer1[zone][i1] = l2
		bm.l2Next += page.BufferSize
	}
	bm.logger.Debug("big-block mapped", "zone", zone, "rel", fmt.Sprintf("%#x", rel), "phys", fmt.Sprintf("%#x", phys))
	return nil
}

// takeBigBlockLocked takes the next free big-block, rotating over volumes.
func (bm *BlockMap) takeBigBlockLocked() (uint32, uint64, error) {
	for i := 0; i < bm.volCount; i++ {
		vol := (bm.nextVol + i) % bm.volCount
		if bm.volFree[vol]+page.BigBlockSize <= bm.volSize[vol] {
			off := bm.volFree[vol]
			bm.volFree[vol] += page.BigBlockSize
			bm.nextVol = (vol + 1) % bm.volCount
			return uint32(vol), page.PhysOffset(uint32(vol), off), nil
		}
	}
	return 0, 0, ErrNoSpace
}

// CheckSpace fails with ErrNoSpace unless bytes more of zone space could be
// backed by free big-blocks. Each zone may need a fresh big-block for the
// tail of its current one, which is accounted for.
func (bm *BlockMap) CheckSpace(bytes uint64) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	need := (bytes+page.BigBlockMask)/page.BigBlockSize + uint64(page.NumZones-1)
	if free := bm.freeBigBlocksLocked(); free < need {
		return fmt.Errorf("%w: need %d big-blocks, %d free", ErrNoSpace, need, free)
	}
	return nil
}

func (bm *BlockMap) freeBigBlocksLocked() uint64 {
	var free uint64
	for vol := 0; vol < bm.volCount; vol++ {
		if bm.volSize[vol] > bm.volFree[vol] {
			free += (bm.volSize[vol] - bm.volFree[vol]) / page.BigBlockSize
		}
	}
	return free
}

// Space reports free and used space.
func (bm *BlockMap) Space() Space {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	s := Space{FreeBigBlocks: bm.freeBigBlocksLocked()}
	for vol := 0; vol < bm.volCount; vol++ {
		s.TotalBigBlocks += bm.volSize[vol] / page.BigBlockSize
	}
	for z := page.ZoneMeta; z < page.NumZones; z++ {
		next := bm.zoneNext[z]
		s.Zones = append(s.Zones, Usage{
			Zone:      z,
			Next:      next,
			BigBlocks: int((next + page.BigBlockMask) / page.BigBlockSize),
		})
	}
	return s
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
