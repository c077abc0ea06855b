package mirror

import (
	bplus "TideDB/storage_engine/bplustree"
	"TideDB/types"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
)

// Source is the tree a stream is read from. *bplus.BPlusTree implements it.
type Source interface {
	Scan(ctx context.Context, beg, end types.Key, since types.TID, v bplus.Visitor) error
}

// DataReader reads element data. *bufferpool.BufferPool implements it.
type DataReader interface {
	ReadData(offset uint64, dst []byte) error
}

type ReadOptions struct {
	Source string // id of the source filesystem, copied into the header
	PFS    uint32
	// Since is the target's last sync point; NoTID streams everything.
	Since types.TID
	// Until is the newest tid the stream covers. Newer changes met during
	// the scan are left for the next stream.
	Until       types.TID
	Compression Compression
}

// PFSRange returns the half-open key range holding every element of pfs.
func PFSRange(pfs uint32) (types.Key, types.Key) {
	beg := types.Key{Localization: pfs}
	if pfs == math.MaxUint32 {
		return beg, types.MaxKey
	}
	return beg, types.Key{Localization: pfs + 1}
}

// Read writes the stream of opts.PFS to w.
func Read(ctx context.Context, w io.Writer, src Source, data DataReader, opts ReadOptions, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Until == types.NoTID || opts.Until < opts.Since {
		return Stats{}, fmt.Errorf("mirror: bad tid range (%s, %s]", opts.Since, opts.Until)
	}
	enc := NewEncoder(w, opts.Compression)
	hdr := Header{Source: opts.Source, PFS: opts.PFS, SyncBegTID: uint64(opts.Since), SyncEndTID: uint64(opts.Until)}
	if err := enc.WriteHeader(hdr); err != nil {
		return Stats{}, err
	}

	beg, end := PFSRange(opts.PFS)
	v := &streamVisitor{enc: enc, data: data, since: opts.Since, until: opts.Until, end: end}
	if err := src.Scan(ctx, beg, end, opts.Since, v); err != nil {
		return v.stats, fmt.Errorf("mirror: read pfs %d: %w", opts.PFS, err)
	}
	if err := enc.WriteTrailer(Trailer{Records: v.stats.Records, Bytes: v.stats.DataBytes}); err != nil {
		return v.stats, err
	}
	if err := enc.Flush(); err != nil {
		return v.stats, err
	}
	v.stats.WireBytes = enc.Written()
	logger.Info("mirror stream read",
		"pfs", opts.PFS, "since", opts.Since, "until", opts.Until,
		"records", v.stats.Records, "passed", v.stats.Passed, "skipped", v.stats.Skipped,
		"bad_crc", v.stats.BadCRC, "bytes", v.stats.WireBytes)
	return v.stats, nil
}

type streamVisitor struct {
	enc   *Encoder
	data  DataReader
	since types.TID
	until types.TID
	end   types.Key
	stats Stats
}

func (v *streamVisitor) Leaf(leaf types.Leaf) error {
	if leaf.Key.CreateTID > v.until {
		// the next stream carries it
		return nil
	}
	if leaf.DeleteTID > v.until {
		leaf.DeleteTID = types.NoTID
	}

	changed := v.since == types.NoTID || leaf.Key.CreateTID > v.since || leaf.DeleteTID > v.since
	if !changed {
		v.stats.Passed++
		return v.enc.WriteLeaf(RecPass, leaf)
	}
	if leaf.DataOffset == 0 || leaf.DataLen == 0 {
		v.stats.Records++
		return v.enc.WriteLeaf(RecNoData, leaf)
	}

	buf := make([]byte, leaf.DataLen)
	if err := v.data.ReadData(leaf.DataOffset, buf); err != nil {
		return fmt.Errorf("read data of %s: %w", leaf.Key, err)
	}
	if crc32.ChecksumIEEE(buf) != leaf.DataCRC {
		v.stats.BadCRC++
		return v.enc.WriteLeaf(RecBadCRC, leaf)
	}
	v.stats.Records++
	v.stats.DataBytes += uint64(len(buf))
	return v.enc.WriteRec(leaf, buf)
}

func (v *streamVisitor) Skip(beg, end []byte) error {
	b, err := types.DecodeKey(beg)
	if err != nil {
		return err
	}
	e := v.end
	if end != nil {
		if e, err = types.DecodeKey(end); err != nil {
			return err
		}
	}
	v.stats.Skipped++
	return v.enc.WriteSkip(b, e)
}
