package checkpoint

import (
	"log/slog"
	"sync"
)

// CheckpointManager persists mirror sync points.
type CheckpointManager struct {
	checkpointPath string
	logger         *slog.Logger
	mu             sync.RWMutex
}

// SyncPoint records how far a target has been synchronized from one
// source PFS. The next incremental mirror read starts after SyncEndTID.
type SyncPoint struct {
	Source     string `json:"source"` // source filesystem id
	PFS        uint32 `json:"pfs"`
	SyncBegTID uint64 `json:"sync_beg_tid"`
	SyncEndTID uint64 `json:"sync_end_tid"`
	Records    uint64 `json:"records"`
	Timestamp  int64  `json:"timestamp"` // informational only
}

// Checkpoint is the file content.
type Checkpoint struct {
	Points []SyncPoint `json:"points"`
}
