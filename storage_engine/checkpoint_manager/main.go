package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/natefinch/atomic"
)

/*
Checkpoint manager keeps the sync points of mirror targets in a small JSON
file next to the volumes. A mirror write records a sync point only after
the flush group holding the mirrored elements committed, so a crash
between the two repeats the last incremental stream, which is harmless:
applying a stream is idempotent.
*/

const FileName = "mirror_sync.json"

func NewCheckpointManager(dir string, logger *slog.Logger) (*CheckpointManager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &CheckpointManager{
		checkpointPath: filepath.Join(dir, FileName),
		logger:         logger,
	}, nil
}

// SaveSyncPoint atomically replaces the sync point of (p.Source, p.PFS).
func (cm *CheckpointManager) SaveSyncPoint(p SyncPoint) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cp, err := cm.load()
	if err != nil {
		return err
	}
	p.Timestamp = time.Now().Unix()
	replaced := false
	for i := range cp.Points {
		if cp.Points[i].Source == p.Source && cp.Points[i].PFS == p.PFS {
			cp.Points[i] = p
			replaced = true
		}
	}
	if !replaced {
		cp.Points = append(cp.Points, p)
	}
	sort.Slice(cp.Points, func(i, j int) bool {
		if cp.Points[i].Source != cp.Points[j].Source {
			return cp.Points[i].Source < cp.Points[j].Source
		}
		return cp.Points[i].PFS < cp.Points[j].PFS
	})

	if err := cm.store(cp); err != nil {
		return err
	}
	cm.logger.Info("sync point saved", "source", p.Source, "pfs", p.PFS, "end_tid", fmt.Sprintf("%#x", p.SyncEndTID))
	return nil
}

// LoadSyncPoint returns the sync point of (source, pfs). A target that was
// never synchronized gets a zero SyncPoint and false.
func (cm *CheckpointManager) LoadSyncPoint(source string, pfs uint32) (SyncPoint, bool, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	cp, err := cm.load()
	if err != nil {
		return SyncPoint{}, false, err
	}
	for _, p := range cp.Points {
		if p.Source == source && p.PFS == pfs {
			return p, true, nil
		}
	}
	return SyncPoint{Source: source, PFS: pfs}, false, nil
}

// SyncPoints returns every recorded sync point.
func (cm *CheckpointManager) SyncPoints() ([]SyncPoint, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cp, err := cm.load()
	if err != nil {
		return nil, err
	}
	return cp.Points, nil
}

// DeleteSyncPoint forgets (source, pfs), forcing a full resync.
func (cm *CheckpointManager) DeleteSyncPoint(source string, pfs uint32) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cp, err := cm.load()
	if err != nil {
		return err
	}
	kept := cp.Points[:0]
	for _, p := range cp.Points {
		if p.Source != source || p.PFS != pfs {
			kept = append(kept, p)
		}
	}
	cp.Points = kept
	return cm.store(cp)
}

func (cm *CheckpointManager) load() (*Checkpoint, error) {
	data, err := os.ReadFile(cm.checkpointPath)
	if errors.Is(err, fs.ErrNotExist) {
		return &Checkpoint{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		// a full resync is always correct
		cm.logger.Warn("checkpoint file corrupted, forgetting sync points", "path", cm.checkpointPath, "err", err)
		return &Checkpoint{}, nil
	}
	return &cp, nil
}

func (cm *CheckpointManager) store(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := atomic.WriteFile(cm.checkpointPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}
