package wal_manager

import "container/list"

func newUndoHistory(capacity int) *undoHistory {
	return &undoHistory{
		entries:  make(map[uint64]*list.Element, capacity),
		order:    list.New(),
		capacity: capacity,
	}
}

// covered reports whether [phys, phys+size) was already logged in this
// flush pass. A hit refreshes the entry.
func (h *undoHistory) covered(phys uint64, size int) bool {
	elem, ok := h.entries[phys]
	if !ok {
		return false
	}
	h.order.MoveToFront(elem)
	return elem.Value.(*historyEntry).size >= size
}

// add records a logged range, evicting the least recently used entry when full.
func (h *undoHistory) add(phys uint64, size int) {
	if elem, ok := h.entries[phys]; ok {
		entry := elem.Value.(*historyEntry)
		entry.size = max(entry.size, size)
		h.order.MoveToFront(elem)
		return
	}
	if h.order.Len() >= h.capacity {
		oldest := h.order.Back()
		h.order.Remove(oldest)
		delete(h.entries, oldest.Value.(*historyEntry).phys)
	}
	h.entries[phys] = h.order.PushFront(&historyEntry{phys: phys, size: size})
}

func (h *undoHistory) clear() {
	clear(h.entries)
	h.order.Init()
}

func (h *undoHistory) len() int {
	return h.order.Len()
}
