package storageengine

import (
	bplus "TideDB/storage_engine/bplustree"
	"TideDB/storage_engine/lock"
	txn "TideDB/storage_engine/transaction_manager"
	"TideDB/types"
	"context"
	"errors"
	"hash/crc32"
	"time"
)

// mirrorTarget applies a mirror stream straight to the tree. Elements keep
// the TIDs of the source; the transaction manager is told about them so
// local TIDs stay ahead.
type mirrorTarget struct {
	s      *Store
	tx     *txn.Transaction
	newest types.TID
	dirty  bool // tree modified since the last commit
}

func (t *mirrorTarget) Keys(ctx context.Context, beg, end types.Key) ([]types.Key, error) {
	c := t.s.tree.NewCursor(beg, types.MaxKey, types.NoTID)
	defer c.Close()
	var keys []types.Key
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		leaf, ok, err := c.Next()
		if err != nil || !ok {
			return keys, err
		}
		if leaf.Key.Compare(end) >= 0 {
			return keys, nil
		}
		keys = append(keys, leaf.Key)
	}
}

func (t *mirrorTarget) Put(ctx context.Context, leaf types.Leaf, data []byte) error {
	t.s.txns.Observe(leaf.Key.CreateTID)
	t.s.txns.Observe(leaf.DeleteTID)
	t.newest = max(t.newest, leaf.Key.CreateTID, leaf.DeleteTID)

	leaf.DataOffset = 0
	leaf.DataLen = uint32(len(data))
	if len(data) > 0 {
		leaf.DataCRC = crc32.ChecksumIEEE(data)
		off, err := t.s.placeData(data, &leaf)
		if err != nil {
			return err
		}
		leaf.DataOffset = off
	}
	return t.retry(ctx, func(owner lock.Owner) error {
		err := t.s.tree.Insert(owner, leaf)
		if errors.Is(err, bplus.ErrExists) {
			t.dirty = true
			if err := t.s.tree.Delete(owner, leaf.Key, t.s.txns.AllocTID()); err != nil {
				return err
			}
			err = t.s.tree.Insert(owner, leaf)
		}
		if err == nil {
			t.dirty = true
		}
		return err
	})
}

func (t *mirrorTarget) Destroy(ctx context.Context, key types.Key) error {
	return t.retry(ctx, func(owner lock.Owner) error {
		err := t.s.tree.Delete(owner, key, t.s.txns.AllocTID())
		if isNotFound(err) {
			return nil
		}
		if err == nil {
			t.dirty = true
		}
		return err
	})
}

func (t *mirrorTarget) Commit(ctx context.Context) error {
	if err := t.s.commitGroup(&flushGroup{tx: t.tx}); err != nil {
		return err
	}
	t.dirty = false
	if t.newest != types.NoTID {
		t.s.txns.Committed(t.newest)
	}
	return nil
}

func (t *mirrorTarget) retry(ctx context.Context, fn func(lock.Owner) error) error {
	return t.s.retryTree(ctx, t.tx, fn)
}

// retryTree repeats fn while the tree lock is lost to readers.
func (s *Store) retryTree(ctx context.Context, tx *txn.Transaction, fn func(lock.Owner) error) error {
	backoff := deadlockBackoff
	for {
		err := fn(tx.Owner())
		if !errors.Is(err, lock.ErrDeadlock) {
			return err
		}
		s.counters.deadlocks.Add(1)
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, deadlockMax)
	}
}
