package wal_manager

import (
	"context"
	"fmt"
)

// AnySeq makes ScanForward accept whatever sequence number the first
// record carries. Sequence numbers skip zero.
const AnySeq uint32 = 0

func nextSeq(s uint32) uint32 {
	s++
	if s == AnySeq {
		s++
	}
	return s
}

// blockReader caches the last log block read.
type blockReader struct {
	l    *Log
	base uint64
	buf  []byte
}

func (l *Log) newBlockReader() *blockReader {
	return &blockReader{l: l, base: ^uint64(0), buf: make([]byte, LogBlockSize)}
}

// block returns the log block containing off and off's position in it.
func (br *blockReader) block(off uint64) ([]byte, int, error) {
	within := (off - br.l.beg) % LogBlockSize
	base := off - within
	if base != br.base {
		if err := br.l.disk.ReadAt(base, br.buf); err != nil {
			br.base = ^uint64(0)
			return nil, 0, fmt.Errorf("failed to read log block %#x: %w", base, err)
		}
		br.base = base
	}
	return br.buf, int(within), nil
}

// ScanForward walks records from `from`, which must carry sequence seq,
// and stops at the first record that is missing, malformed or out of
// sequence: that position is the real end of the log. It returns the end
// and the sequence number a record there would carry. Scanning stops
// early on a callback error or when ctx is done.
func (l *Log) ScanForward(ctx context.Context, from uint64, seq uint32, fn func(Record) error) (uint64, uint32, error) {
	if !l.inRegion(from) {
		return 0, 0, fmt.Errorf("%w: scan start %#x outside region", ErrCorrupt, from)
	}
	br := l.newBlockReader()
	pos, expect := from, seq
	var scanned uint64

	for {
		if err := ctx.Err(); err != nil {
			return pos, expect, err
		}
		block, within, err := br.block(pos)
		if err != nil {
			return pos, expect, err
		}
		size, ok := headSize(block[within:])
		if !ok || scanned+uint64(size) > l.Capacity()-LogBlockSize {
			break
		}
		rec, err := decodeRecord(block[within:within+size], pos)
		if err != nil {
			break
		}
		if expect != AnySeq && rec.Seq != expect {
			break
		}
		if fn != nil {
			if err := fn(rec); err != nil {
				return pos, expect, err
			}
		}
		expect = nextSeq(rec.Seq)
		pos = l.advance(pos, uint64(size))
		scanned += uint64(size)
	}
	return pos, expect, nil
}

// ScanBackward walks the records of [from, to) from the newest to the
// oldest. Every record in the range must be intact; anything else is
// ErrCorrupt.
func (l *Log) ScanBackward(ctx context.Context, from, to uint64, fn func(Record) error) error {
	if !l.inRegion(from) || !l.inRegion(to) {
		return fmt.Errorf("%w: scan range [%#x, %#x) outside region", ErrCorrupt, from, to)
	}
	br := l.newBlockReader()
	remaining := l.Distance(from, to)
	pos := to

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		// the record ending at pos lies in the block before pos
		endPos := pos
		if endPos == l.beg {
			endPos = l.end
		}
		block, within, err := br.block(endPos - 1)
		if err != nil {
			return err
		}
		within++

		size, ok := tailSize(block[:within])
		if !ok || uint64(size) > remaining {
			return fmt.Errorf("%w: bad tail before %#x", ErrCorrupt, pos)
		}
		start := endPos - uint64(size)
		rec, err := decodeRecord(block[within-size:within], start)
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(rec); err != nil {
				return err
			}
		}
		pos = start
		remaining -= uint64(size)
	}
	return nil
}
