package wal_manager

import "fmt"

/*
This file holds the staging of appended records.

stage: lowest level. Queues raw record bytes at their log position.
Nothing touches disk; the bytes are only in memory.

writePending: writes every staged segment through the disk manager.
Called by Sync, which then forces the volume to stable storage.
*/

// stage queues record bytes at position at, extending the last segment
// when contiguous.
func (l *Log) stage(at uint64, data []byte) {
	if n := len(l.pending); n > 0 {
		last := &l.pending[n-1]
		if last.at+uint64(len(last.data)) == at {
			last.data = append(last.data, data...)
			return
		}
	}
	l.pending = append(l.pending, segment{at: at, data: data})
}

func (l *Log) writePending() error {
	for i, seg := range l.pending {
		if err := l.disk.WriteAt(seg.at, seg.data); err != nil {
			l.pending = l.pending[i:]
			return fmt.Errorf("failed to write log at %#x: %w", seg.at, err)
		}
	}
	l.pending = l.pending[:0]
	return nil
}

func (l *Log) pendingBytes() int {
	n := 0
	for _, seg := range l.pending {
		n += len(seg.data)
	}
	return n
}
