package mirror

import (
	checkpoint "TideDB/storage_engine/checkpoint_manager"
	"TideDB/types"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Target is the tree a stream is applied to.
type Target interface {
	// Keys lists the keys of the target's elements in [beg, end), deleted
	// elements included.
	Keys(ctx context.Context, beg, end types.Key) ([]types.Key, error)
	// Put stores leaf, replacing an element with the same key. data is the
	// element's payload, nil when it has none.
	Put(ctx context.Context, leaf types.Leaf, data []byte) error
	// Destroy removes the element with key.
	Destroy(ctx context.Context, key types.Key) error
	// Commit makes everything applied so far durable.
	Commit(ctx context.Context) error
}

type ApplyOptions struct {
	// PFS the stream must carry; zero accepts whatever the header names.
	PFS uint32
	// CommitEvery commits after that many applied records; zero commits
	// once at the end.
	CommitEvery int
	// Checkpoints, when set, is checked for continuity before applying
	// and receives the new sync point afterwards.
	Checkpoints *checkpoint.CheckpointManager
}

// Apply reads one stream from r and applies it to dst.
func Apply(ctx context.Context, r io.Reader, dst Target, opts ApplyOptions, logger *slog.Logger) (Header, Stats, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dec := NewDecoder(r)

	first, err := dec.Next()
	if errors.Is(err, io.EOF) || (err == nil && first.Type != RecPFSD) {
		return Header{}, Stats{}, ErrNoHeader
	}
	if err != nil {
		return Header{}, Stats{}, err
	}
	hdr := first.Header
	if opts.PFS != 0 && hdr.PFS != opts.PFS {
		return hdr, Stats{}, fmt.Errorf("%w: stream pfs %d, want %d", ErrWrongPFS, hdr.PFS, opts.PFS)
	}
	if opts.Checkpoints != nil && hdr.SyncBegTID != 0 {
		point, ok, err := opts.Checkpoints.LoadSyncPoint(hdr.Source, hdr.PFS)
		if err != nil {
			return hdr, Stats{}, err
		}
		if !ok || point.SyncEndTID < hdr.SyncBegTID {
			return hdr, Stats{}, fmt.Errorf("%w: target synced to %#x, stream starts at %#x", ErrGap, point.SyncEndTID, hdr.SyncBegTID)
		}
	}

	a := &applier{ctx: ctx, dst: dst, opts: opts, hdr: hdr}
	a.pos, a.end = PFSRange(hdr.PFS)
	a.first = true

	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return hdr, a.stats, ErrTruncated
		}
		if err != nil {
			return hdr, a.stats, err
		}
		if rec.Type == RecTerm {
			if rec.Trailer.Records != a.stats.Records {
				return hdr, a.stats, fmt.Errorf("%w: trailer counts %d records, stream had %d", ErrBadRecord, rec.Trailer.Records, a.stats.Records)
			}
			break
		}
		if err := a.apply(rec); err != nil {
			return hdr, a.stats, err
		}
	}

	// whatever is left after the last record is gone on the source
	if err := a.destroyBefore(a.end); err != nil {
		return hdr, a.stats, err
	}
	if err := dst.Commit(ctx); err != nil {
		return hdr, a.stats, fmt.Errorf("mirror: commit: %w", err)
	}
	a.stats.WireBytes = dec.Read()

	if opts.Checkpoints != nil {
		err := opts.Checkpoints.SaveSyncPoint(checkpoint.SyncPoint{
			Source:     hdr.Source,
			PFS:        hdr.PFS,
			SyncBegTID: hdr.SyncBegTID,
			SyncEndTID: hdr.SyncEndTID,
			Records:    a.stats.Records,
		})
		if err != nil {
			return hdr, a.stats, err
		}
	}
	logger.Info("mirror stream applied",
		"pfs", hdr.PFS, "source", hdr.Source, "end_tid", fmt.Sprintf("%#x", hdr.SyncEndTID),
		"records", a.stats.Records, "deleted", a.stats.Deleted, "skipped", a.stats.Skipped)
	return hdr, a.stats, nil
}

type applier struct {
	ctx   context.Context
	dst   Target
	opts  ApplyOptions
	hdr   Header
	stats Stats

	// target elements in [pos, next record) are destroyed
	pos     types.Key
	end     types.Key
	first   bool
	last    types.Key
	applied int
}

func (a *applier) apply(rec Record) error {
	if err := a.ctx.Err(); err != nil {
		return err
	}
	switch rec.Type {
	case RecSkip:
		if err := a.order(rec.SkipBeg); err != nil {
			return err
		}
		if err := a.destroyBefore(rec.SkipBeg); err != nil {
			return err
		}
		a.pos, a.last = rec.SkipEnd, rec.SkipEnd
		a.stats.Skipped++
		return nil

	case RecRec, RecNoData, RecBadCRC, RecPass:
		k := rec.Leaf.Key
		if k.Localization != a.hdr.PFS {
			return fmt.Errorf("%w: element %s outside pfs %d", ErrBadRecord, k, a.hdr.PFS)
		}
		if err := a.order(k); err != nil {
			return err
		}
		if err := a.destroyBefore(k); err != nil {
			return err
		}
		a.pos, a.last = successor(k), k

		switch rec.Type {
		case RecPass:
			a.stats.Passed++
			return nil
		case RecBadCRC:
			a.stats.BadCRC++
			return nil
		}
		leaf := rec.Leaf
		leaf.DataOffset = 0 // the target places data itself
		if err := a.dst.Put(a.ctx, leaf, rec.Data); err != nil {
			return fmt.Errorf("mirror: put %s: %w", k, err)
		}
		a.stats.Records++
		a.stats.DataBytes += uint64(len(rec.Data))
		return a.maybeCommit()
	}
	return fmt.Errorf("%w: unexpected %s", ErrBadRecord, rec.Type)
}

// order checks that stream keys only move forward.
func (a *applier) order(k types.Key) error {
	if !a.first && k.Compare(a.last) < 0 {
		return fmt.Errorf("%w: %s after %s", ErrBadRecord, k, a.last)
	}
	a.first = false
	return nil
}

func (a *applier) destroyBefore(k types.Key) error {
	if k.Compare(a.pos) <= 0 {
		return nil
	}
	keys, err := a.dst.Keys(a.ctx, a.pos, k)
	if err != nil {
		return fmt.Errorf("mirror: list target: %w", err)
	}
	for _, victim := range keys {
		if err := a.dst.Destroy(a.ctx, victim); err != nil {
			return fmt.Errorf("mirror: destroy %s: %w", victim, err)
		}
		a.stats.Deleted++
		if err := a.maybeCommit(); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) maybeCommit() error {
	a.applied++
	if a.opts.CommitEvery > 0 && a.applied >= a.opts.CommitEvery {
		a.applied = 0
		if err := a.dst.Commit(a.ctx); err != nil {
			return fmt.Errorf("mirror: commit: %w", err)
		}
	}
	return nil
}

// successor returns the smallest key above k.
func successor(k types.Key) types.Key {
	if k.CreateTID < types.MaxTID {
		k.CreateTID++
		return k
	}
	k.CreateTID = 0
	k.Key++
	return k
}
