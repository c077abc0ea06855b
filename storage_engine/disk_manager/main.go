package diskmanager

import (
	"TideDB/storage_engine/page"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

/*
This is the main file of the disk manager.
It owns:
the volume files (os.File) and their flock,
reading/writing raw bytes at physical offsets (ReadAt, WriteAt),
the root volume header, which is written directly and never cached.

Physical offset encoding:
phys = vol << 52 | byte offset inside the volume file

The buffer pool asks the disk manager for bytes on a miss and hands dirty
buffers back to it at flush time.
*/

// Open mounts the volumes at paths. Every volume is flocked; a volume held
// by another process fails the whole mount with ErrVolumeBusy.
func Open(paths []string, readOnly bool, logger *slog.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("diskmanager: no volumes given")
	}

	dm := &DiskManager{
		volumes:  make(map[uint32]*Volume, len(paths)),
		readOnly: readOnly,
		logger:   logger,
	}

	for _, path := range paths {
		vol, err := dm.openVolume(path)
		if err != nil {
			dm.Close()
			return nil, err
		}
		if _, dup := dm.volumes[vol.No]; dup {
			vol.close()
			dm.Close()
			return nil, fmt.Errorf("diskmanager: volume %d given twice (%s)", vol.No, path)
		}
		if len(dm.volumes) == 0 {
			dm.fsid = vol.Header.FSID
		} else if vol.Header.FSID != dm.fsid {
			vol.close()
			dm.Close()
			return nil, fmt.Errorf("%w: %s", ErrVolumeMismatch, path)
		}
		dm.volumes[vol.No] = vol
	}

	root, ok := dm.volumes[0]
	if !ok {
		dm.Close()
		return nil, fmt.Errorf("diskmanager: root volume missing: %w", ErrNoSuchVolume)
	}
	if int(root.Header.VolCount) != len(dm.volumes) {
		count := root.Header.VolCount
		dm.Close()
		return nil, fmt.Errorf("diskmanager: filesystem has %d volumes, %d given", count, len(paths))
	}

	dm.logger.Info("volumes mounted", "fsid", dm.fsid, "volumes", len(dm.volumes), "read_only", readOnly)
	return dm, nil
}

func (dm *DiskManager) openVolume(path string) (*Volume, error) {
	flag, how := os.O_RDWR, unix.LOCK_EX
	if dm.readOnly {
		flag, how = os.O_RDONLY, unix.LOCK_SH
	}

	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), how|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrVolumeBusy, path)
		}
		return nil, fmt.Errorf("failed to lock volume %s: %w", path, err)
	}

	block := make([]byte, page.BufferSize)
	if _, err := file.ReadAt(block, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	hdr, err := page.DecodeVolumeHeader(block)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("volume %s: %w", path, err)
	}

	return &Volume{
		No:     hdr.VolNo,
		Path:   path,
		Header: hdr,
		file:   file,
	}, nil
}

// GetVolume references a mounted volume. Release it with ReleaseVolume.
func (dm *DiskManager) GetVolume(no uint32) (*Volume, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	vol, ok := dm.volumes[no]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchVolume, no)
	}
	vol.refs.Ref()
	return vol, nil
}

func (dm *DiskManager) ReleaseVolume(vol *Volume) {
	vol.refs.Rel()
}

// Volumes returns the mounted volumes ordered by number.
func (dm *DiskManager) Volumes() []*Volume {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	out := make([]*Volume, 0, len(dm.volumes))
	for _, vol := range dm.volumes {
		out = append(out, vol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].No < out[j].No })
	return out
}

func (dm *DiskManager) ReadOnly() bool {
	return dm.readOnly
}

// ReadAt fills buf from the physical offset phys. Reads past the end of a
// sparse volume file return zeroes.
func (dm *DiskManager) ReadAt(phys uint64, buf []byte) error {
	vol, err := dm.GetVolume(page.PhysVolume(phys))
	if err != nil {
		return err
	}
	defer dm.ReleaseVolume(vol)

	off := page.PhysByte(phys)
	if off+uint64(len(buf)) > vol.Header.VolSize {
		return fmt.Errorf("read %d bytes at %#x beyond end of volume %d", len(buf), phys, vol.No)
	}

	vol.lk.LockSh()
	defer vol.lk.Unlock()
	if vol.file == nil {
		return fmt.Errorf("volume %d is closed", vol.No)
	}

	n, err := vol.file.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read %d bytes at %#x: %w", len(buf), phys, err)
	}
	// Pad with zeros if partial read
	clear(buf[n:])
	return nil
}

// WriteAt writes buf at the physical offset phys.
func (dm *DiskManager) WriteAt(phys uint64, buf []byte) error {
	if dm.readOnly {
		return ErrReadOnly
	}
	vol, err := dm.GetVolume(page.PhysVolume(phys))
	if err != nil {
		return err
	}
	defer dm.ReleaseVolume(vol)

	off := page.PhysByte(phys)
	if off+uint64(len(buf)) > vol.Header.VolSize {
		return fmt.Errorf("write %d bytes at %#x beyond end of volume %d", len(buf), phys, vol.No)
	}

	vol.lk.LockSh()
	defer vol.lk.Unlock()
	if vol.file == nil {
		return fmt.Errorf("volume %d is closed", vol.No)
	}

	if _, err := vol.file.WriteAt(buf, int64(off)); err != nil {
		return fmt.Errorf("failed to write %d bytes at %#x: %w", len(buf), phys, err)
	}
	return nil
}

// Sync flushes every volume to stable storage.
func (dm *DiskManager) Sync() error {
	if dm.readOnly {
		return nil
	}
	for _, vol := range dm.Volumes() {
		vol.lk.LockSh()
		var err error
		if vol.file != nil {
			err = vol.file.Sync()
		}
		vol.lk.Unlock()
		if err != nil {
			return fmt.Errorf("failed to sync volume %d: %w", vol.No, err)
		}
	}
	return nil
}

// RootHeader re-reads the root volume header from disk.
func (dm *DiskManager) RootHeader() (*page.VolumeHeader, error) {
	block := make([]byte, page.BufferSize)
	if err := dm.ReadAt(page.PhysOffset(0, 0), block); err != nil {
		return nil, fmt.Errorf("failed to read root header: %w", err)
	}
	return page.DecodeVolumeHeader(block)
}

// WriteRootHeader writes the root volume header directly, bypassing the
// buffer pool, and syncs the root volume. This is the commit point of a
// flush group.
func (dm *DiskManager) WriteRootHeader(hdr *page.VolumeHeader) error {
	data, err := hdr.Encode()
	if err != nil {
		return err
	}
	if err := dm.WriteAt(page.PhysOffset(0, 0), data); err != nil {
		return fmt.Errorf("failed to write root header: %w", err)
	}

	vol, err := dm.GetVolume(0)
	if err != nil {
		return err
	}
	defer dm.ReleaseVolume(vol)
	vol.lk.LockSh()
	defer vol.lk.Unlock()
	if err := vol.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync root header: %w", err)
	}
	return nil
}

// Close unlocks and closes every volume. Outstanding volume references are
// a caller bug and are reported, not waited for.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var lastErr error
	for no, vol := range dm.volumes {
		if n := vol.refs.Count(); n != 0 {
			dm.logger.Warn("closing referenced volume", "volume", no, "refs", n)
		}
		if err := vol.close(); err != nil {
			lastErr = err
		}
		delete(dm.volumes, no)
	}
	return lastErr
}

func (v *Volume) close() error {
	v.lk.LockEx(0)
	defer v.lk.Unlock()

	if v.file == nil {
		return nil
	}
	_ = unix.Flock(int(v.file.Fd()), unix.LOCK_UN)
	err := v.file.Close()
	v.file = nil
	return err
}
