package dedup

import (
	"TideDB/types"
	"bytes"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/zeebo/blake3"
)

// New creates a cache holding at most maxCost bytes worth of entries,
// each entry costing the length of the data it describes.
func New(reader DataReader, maxCost int64, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if maxCost <= 0 {
		return nil, fmt.Errorf("%w: max cost %d", ErrDisabled, maxCost)
	}
	// ristretto wants ~10 counters per item; assume 4 KiB items
	counters := max(maxCost/4096*10, 1000)
	cache, err := ristretto.NewCache(&ristretto.Config[string, Entry]{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("dedup: create cache: %w", err)
	}
	return &Cache{cache: cache, reader: reader, logger: logger}, nil
}

// Sum returns the content hash of data.
func Sum(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// Lookup returns a candidate leaf for data. The candidate must be
// confirmed with Verify before use.
func (c *Cache) Lookup(data []byte) (Entry, bool) {
	c.lookups.Add(1)
	h := Sum(data)
	e, ok := c.cache.Get(string(h[:]))
	if !ok || e.Hash != h || int(e.Leaf.DataLen) != len(data) {
		return Entry{}, false
	}
	c.hits.Add(1)
	return e, true
}

// Verify compares data against the bytes the candidate's leaf points at.
// A mismatch drops the entry.
func (c *Cache) Verify(e Entry, data []byte) (bool, error) {
	if int(e.Leaf.DataLen) != len(data) || e.Leaf.DataOffset == 0 {
		c.reject(e, "length")
		return false, nil
	}
	ondisk := make([]byte, len(data))
	if err := c.reader.ReadData(e.Leaf.DataOffset, ondisk); err != nil {
		return false, fmt.Errorf("dedup: read candidate %s: %w", e.Leaf.Key, err)
	}
	if !bytes.Equal(ondisk, data) {
		c.reject(e, "content")
		return false, nil
	}
	c.verified.Add(1)
	return true, nil
}

func (c *Cache) reject(e Entry, why string) {
	c.verifyFailed.Add(1)
	c.cache.Del(string(e.Hash[:]))
	c.logger.Debug("dedup candidate rejected", "key", e.Leaf.Key, "reason", why)
}

// Record offers a freshly written DATA leaf and its bytes to the cache.
// The cache may decline it.
func (c *Cache) Record(leaf types.Leaf, data []byte) {
	if leaf.Key.RecType != types.RecTypeData || leaf.DataOffset == 0 || len(data) == 0 {
		return
	}
	h := Sum(data)
	if c.cache.Set(string(h[:]), Entry{Hash: h, Leaf: leaf}, int64(len(data))) {
		c.recorded.Add(1)
	}
}

// Wait blocks until buffered Record calls are applied.
func (c *Cache) Wait() {
	c.cache.Wait()
}

func (c *Cache) Clear() {
	c.cache.Clear()
}

func (c *Cache) Close() {
	c.cache.Close()
}

func (c *Cache) Stats() Stats {
	s := Stats{
		Lookups:      c.lookups.Load(),
		Hits:         c.hits.Load(),
		Verified:     c.verified.Load(),
		VerifyFailed: c.verifyFailed.Load(),
		Recorded:     c.recorded.Load(),
	}
	if m := c.cache.Metrics; m != nil {
		s.Evicted = m.KeysEvicted()
	}
	return s
}
