package mirror

import (
	"TideDB/types"
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	leafBodySize = types.KeySize + types.LeafValueSize
	skipBodySize = 2 * types.KeySize
	recExtraSize = 4 // uncompressed length of a REC payload
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("mirror: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("mirror: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("mirror: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("mirror: zstd decoder initialization failed: " + err.Error())
	}
}

// ############################################# ENCODER ##################################################

// Encoder writes stream records.
type Encoder struct {
	w        *bufio.Writer
	compress Compression
	written  uint64
}

func NewEncoder(w io.Writer, compress Compression) *Encoder {
	return &Encoder{w: bufio.NewWriterSize(w, 64<<10), compress: compress}
}

// Written is the number of bytes encoded so far.
func (e *Encoder) Written() uint64 {
	return e.written
}

func (e *Encoder) Flush() error {
	return e.w.Flush()
}

func (e *Encoder) writeRecord(typ RecordType, flags uint8, body ...[]byte) error {
	size := HeadSize
	for _, b := range body {
		size += len(b)
	}
	if size > MaxRecordSize {
		return fmt.Errorf("%w: %s of %d bytes", ErrBadRecord, typ, size)
	}
	head := make([]byte, HeadSize)
	binary.LittleEndian.PutUint32(head[0:4], Signature)
	head[4] = byte(typ)
	head[5] = flags
	binary.LittleEndian.PutUint32(head[8:12], uint32(size))

	h := crc32.NewIEEE()
	h.Write(head[0:12])
	for _, b := range body {
		h.Write(b)
	}
	binary.LittleEndian.PutUint32(head[12:16], h.Sum32())

	if _, err := e.w.Write(head); err != nil {
		return err
	}
	for _, b := range body {
		if _, err := e.w.Write(b); err != nil {
			return err
		}
	}
	e.written += uint64(size)
	return nil
}

func leafBody(leaf types.Leaf) []byte {
	b := make([]byte, leafBodySize)
	leaf.Key.Encode(b[:types.KeySize])
	leaf.EncodeValue(b[types.KeySize:])
	return b
}

func (e *Encoder) WriteHeader(h Header) error {
	body, err := encMode.Marshal(h)
	if err != nil {
		return fmt.Errorf("mirror: encode header: %w", err)
	}
	return e.writeRecord(RecPFSD, 0, body)
}

func (e *Encoder) WriteTrailer(t Trailer) error {
	body, err := encMode.Marshal(t)
	if err != nil {
		return fmt.Errorf("mirror: encode trailer: %w", err)
	}
	return e.writeRecord(RecTerm, 0, body)
}

// WriteRec writes a changed element with its data. The payload is
// compressed when that makes it smaller.
func (e *Encoder) WriteRec(leaf types.Leaf, data []byte) error {
	extra := make([]byte, recExtraSize)
	binary.LittleEndian.PutUint32(extra, uint32(len(data)))

	payload, flags := data, uint8(CompressNone)
	if e.compress != CompressNone && len(data) > 0 {
		packed, err := compress(data, e.compress)
		if err != nil {
			return err
		}
		if packed != nil {
			payload, flags = packed, uint8(e.compress)
		}
	}
	return e.writeRecord(RecRec, flags, leafBody(leaf), extra, payload)
}

// WriteLeaf writes a REC_NODATA, REC_BADCRC or PASS record.
func (e *Encoder) WriteLeaf(typ RecordType, leaf types.Leaf) error {
	switch typ {
	case RecNoData, RecBadCRC, RecPass:
	default:
		return fmt.Errorf("%w: %s carries more than a leaf", ErrBadRecord, typ)
	}
	return e.writeRecord(typ, 0, leafBody(leaf))
}

func (e *Encoder) WriteSkip(beg, end types.Key) error {
	body := make([]byte, skipBodySize)
	beg.Encode(body[:types.KeySize])
	end.Encode(body[types.KeySize:])
	return e.writeRecord(RecSkip, 0, body)
}

// compress returns nil when data does not shrink.
func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("mirror: lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, nil
		}
		return dst[:n], nil
	case CompressZstd:
		dst := zstdEncoder.EncodeAll(data, nil)
		if len(dst) >= len(data) {
			return nil, nil
		}
		return dst, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrCompressor, c)
}

func decompress(src []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressNone:
		if len(src) != size {
			return nil, fmt.Errorf("%w: payload %d bytes, want %d", ErrBadRecord, len(src), size)
		}
		return src, nil
	case CompressLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil || n != size {
			return nil, fmt.Errorf("%w: lz4 payload: %d of %d bytes: %v", ErrBadRecord, n, size, err)
		}
		return dst, nil
	case CompressZstd:
		dst, err := zstdDecoder.DecodeAll(src, make([]byte, 0, size))
		if err != nil || len(dst) != size {
			return nil, fmt.Errorf("%w: zstd payload: %d of %d bytes: %v", ErrBadRecord, len(dst), size, err)
		}
		return dst, nil
	}
	return nil, fmt.Errorf("%w: flags %d", ErrCompressor, c)
}

// ############################################# DECODER ##################################################

// Decoder reads stream records.
type Decoder struct {
	r    *bufio.Reader
	read uint64
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Read is the number of bytes decoded so far.
func (d *Decoder) Read() uint64 {
	return d.read
}

// Next decodes one record. It returns io.EOF at a clean end of input.
func (d *Decoder) Next() (Record, error) {
	head := make([]byte, HeadSize)
	if _, err := io.ReadFull(d.r, head); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("%w: short head", ErrBadRecord)
		}
		return Record{}, err
	}
	if binary.LittleEndian.Uint32(head[0:4]) != Signature {
		return Record{}, fmt.Errorf("%w: bad signature at byte %d", ErrBadRecord, d.read)
	}
	typ := RecordType(head[4])
	flags := head[5]
	size := int(binary.LittleEndian.Uint32(head[8:12]))
	if size < HeadSize || size > MaxRecordSize {
		return Record{}, fmt.Errorf("%w: size %d at byte %d", ErrBadRecord, size, d.read)
	}
	body := make([]byte, size-HeadSize)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Record{}, fmt.Errorf("%w: short body at byte %d", ErrBadRecord, d.read)
	}
	h := crc32.NewIEEE()
	h.Write(head[0:12])
	h.Write(body)
	if h.Sum32() != binary.LittleEndian.Uint32(head[12:16]) {
		return Record{}, fmt.Errorf("%w: crc mismatch at byte %d", ErrBadRecord, d.read)
	}
	at := d.read
	d.read += uint64(size)

	rec := Record{Type: typ}
	switch typ {
	case RecPFSD:
		if err := decMode.Unmarshal(body, &rec.Header); err != nil {
			return Record{}, fmt.Errorf("%w: header at byte %d: %v", ErrBadRecord, at, err)
		}
	case RecTerm:
		if err := decMode.Unmarshal(body, &rec.Trailer); err != nil {
			return Record{}, fmt.Errorf("%w: trailer at byte %d: %v", ErrBadRecord, at, err)
		}
	case RecSkip:
		if len(body) != skipBodySize {
			return Record{}, fmt.Errorf("%w: SKIP of %d bytes at byte %d", ErrBadRecord, len(body), at)
		}
		rec.SkipBeg, _ = types.DecodeKey(body[:types.KeySize])
		rec.SkipEnd, _ = types.DecodeKey(body[types.KeySize:])
	case RecNoData, RecBadCRC, RecPass:
		if len(body) != leafBodySize {
			return Record{}, fmt.Errorf("%w: %s of %d bytes at byte %d", ErrBadRecord, typ, len(body), at)
		}
		leaf, err := types.DecodeLeaf(body[:types.KeySize], body[types.KeySize:])
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
		}
		rec.Leaf = leaf
	case RecRec:
		if len(body) < leafBodySize+recExtraSize {
			return Record{}, fmt.Errorf("%w: REC of %d bytes at byte %d", ErrBadRecord, len(body), at)
		}
		leaf, err := types.DecodeLeaf(body[:types.KeySize], body[types.KeySize:leafBodySize])
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
		}
		n := int(binary.LittleEndian.Uint32(body[leafBodySize:]))
		if n != int(leaf.DataLen) {
			return Record{}, fmt.Errorf("%w: REC payload %d bytes, leaf says %d", ErrBadRecord, n, leaf.DataLen)
		}
		data, err := decompress(body[leafBodySize+recExtraSize:], Compression(flags), n)
		if err != nil {
			return Record{}, err
		}
		rec.Leaf, rec.Data = leaf, data
	default:
		return Record{}, fmt.Errorf("%w: type %d at byte %d", ErrBadRecord, typ, at)
	}
	return rec, nil
}
