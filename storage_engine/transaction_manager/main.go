package txn

import (
	"TideDB/storage_engine/lock"
	"TideDB/types"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

/*
Transaction manager hands out TIDs and scopes units of work.

TIDs are strictly increasing. With writerBits = n, the low n bits of every
TID hold the writer id, so independent writers sharing a tree through
mirroring never allocate the same TID.

Standard and flush transactions hold the store sync lock shared for their
whole life. The flusher takes the lock exclusively only at the start of a
flush group (Exclusive), long enough to snapshot the dirty set, and then
drops back to shared (Shared). Read-only transactions take no lock and
read as of the newest TID handed out when they began.
*/

func NewTxnManager(writerID uint64, writerBits uint, logger *slog.Logger) (*TxnManager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if writerBits > 16 || writerID >= 1<<writerBits {
		return nil, fmt.Errorf("%w: id %d, bits %d", ErrBadWriterBit, writerID, writerBits)
	}
	return &TxnManager{
		nextID:     1,
		writerID:   writerID,
		writerBits: writerBits,
		activeTxns: make(map[uint64]*Transaction),
		logger:     logger,
	}, nil
}

// Restore positions TID allocation after next, the committed high-water
// mark, and records everything below it as committed.
func (tm *TxnManager) Restore(next types.TID) {
	atomic.StoreUint64(&tm.tidSeq, uint64(next)>>tm.writerBits)
	tm.mu.Lock()
	if next > 0 {
		tm.committed = next - 1
	}
	tm.mu.Unlock()
}

// AllocTID returns a TID larger than every TID allocated or observed so far.
func (tm *TxnManager) AllocTID() types.TID {
	seq := atomic.AddUint64(&tm.tidSeq, 1)
	return types.TID(seq<<tm.writerBits | tm.writerID)
}

// Observe makes sure future TIDs are larger than tid, which came from
// elsewhere (REDO replay, a mirror stream).
func (tm *TxnManager) Observe(tid types.TID) {
	want := uint64(tid) >> tm.writerBits
	for {
		cur := atomic.LoadUint64(&tm.tidSeq)
		if cur >= want || atomic.CompareAndSwapUint64(&tm.tidSeq, cur, want) {
			return
		}
	}
}

// NextTID is the high-water mark recorded in the root header at commit.
func (tm *TxnManager) NextTID() types.TID {
	return types.TID((atomic.LoadUint64(&tm.tidSeq) + 1) << tm.writerBits)
}

// Committed records the newest TID covered by a committed flush group.
func (tm *TxnManager) Committed(tid types.TID) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tid > tm.committed {
		tm.committed = tid
	}
}

// LastCommitted returns the newest TID covered by a committed flush group.
func (tm *TxnManager) LastCommitted() types.TID {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.committed
}

// Begin starts a new transaction and registers it as active.
func (tm *TxnManager) Begin(kind Kind) *Transaction {
	// Use atomic increment to safely issue txn IDs from multiple goroutines.
	txnID := atomic.AddUint64(&tm.nextID, 1) - 1

	txn := &Transaction{
		ID:    txnID,
		Kind:  kind,
		Time:  time.Now(),
		State: TxnActive,
		owner: lock.Owner(atomic.AddUint64(&tm.owners, 1)),
		tm:    tm,
	}

	switch kind {
	case KindReadOnly:
		txn.TID = tm.NextTID() - 1
	default:
		tm.syncLock.LockSh()
		txn.syncHeld = true
		txn.TID = tm.AllocTID()
	}

	tm.mu.Lock()
	tm.activeTxns[txnID] = txn
	tm.mu.Unlock()

	return txn
}

// Owner is the lock owner identity of the transaction.
func (t *Transaction) Owner() lock.Owner {
	return t.owner
}

// Exclusive converts a flush transaction's shared sync lock hold into an
// exclusive one, waiting for every frontend to leave. Used at the start of
// a flush group.
func (t *Transaction) Exclusive() error {
	if t.Kind != KindFlush {
		return ErrWrongKind
	}
	if t.State != TxnActive || !t.syncHeld {
		return ErrNotActive
	}
	if t.exclusive {
		return nil
	}
	t.tm.syncLock.Unlock()
	t.tm.syncLock.LockEx(t.owner)
	t.exclusive = true
	return nil
}

// Shared drops an exclusive sync lock hold back to shared.
func (t *Transaction) Shared() {
	if t.exclusive {
		t.tm.syncLock.Downgrade()
		t.exclusive = false
	}
}

func (t *Transaction) release() {
	if t.syncHeld {
		t.tm.syncLock.Unlock()
		t.syncHeld = false
		t.exclusive = false
	}
}

// Commit marks a transaction as committed and removes it from the active set.
func (tm *TxnManager) Commit(txn *Transaction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.activeTxns[txn.ID]; !exists {
		// Already committed/aborted or never existed; idempotent.
		return nil
	}

	if txn.State == TxnAborted {
		return fmt.Errorf("transaction %d was already aborted", txn.ID)
	}

	txn.release()
	txn.State = TxnCommitted
	delete(tm.activeTxns, txn.ID)

	tm.logger.Debug("transaction committed", "id", txn.ID, "kind", txn.Kind, "tid", txn.TID)
	return nil
}

// Abort marks a transaction as aborted and removes it from the active set.
// Pending records a standard transaction created stay where they are; the
// caller undoes them through the object API before aborting.
func (tm *TxnManager) Abort(txn *Transaction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.activeTxns[txn.ID]; !exists {
		// Already committed/aborted or never existed; idempotent.
		return nil
	}

	if txn.State == TxnCommitted {
		return fmt.Errorf("transaction %d was already committed", txn.ID)
	}

	txn.release()
	txn.State = TxnAborted
	delete(tm.activeTxns, txn.ID)

	return nil
}

// GetTransaction returns the transaction with the given ID, or nil if not found.
func (tm *TxnManager) GetTransaction(txnID uint64) *Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.activeTxns[txnID]
}

// IsActive returns true if the given txnID is currently active.
func (tm *TxnManager) IsActive(txnID uint64) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, exists := tm.activeTxns[txnID]
	return exists
}

// ActiveTransactions returns a snapshot of all currently active transactions.
func (tm *TxnManager) ActiveTransactions() []*Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	txns := make([]*Transaction, 0, len(tm.activeTxns))
	for _, txn := range tm.activeTxns {
		txns = append(txns, txn)
	}
	return txns
}

// SyncHolders reports how many transactions hold the sync lock.
func (tm *TxnManager) SyncHolders() int {
	return tm.syncLock.Holders()
}
