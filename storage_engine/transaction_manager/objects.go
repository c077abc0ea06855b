package txn

/*
Before the transaction gets committed, the objects it touched only have
pending records in memory. The transaction keeps the list so the store can
queue those objects for the flusher when the transaction ends.
*/

// MarkDirty remembers that the transaction changed pending records of an
// object. Repeated calls for the same object are collapsed.
func (txn *Transaction) MarkDirty(pfs uint32, objID uint64) {
	ref := ObjectRef{PFS: pfs, ObjID: objID}
	for _, have := range txn.dirty {
		if have == ref {
			return
		}
	}
	txn.dirty = append(txn.dirty, ref)
}

// Dirty returns the objects changed by the transaction.
func (txn *Transaction) Dirty() []ObjectRef {
	return txn.dirty
}
