package txn

import (
	"TideDB/storage_engine/lock"
	"TideDB/types"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNotActive    = errors.New("txn: transaction not active")
	ErrWrongKind    = errors.New("txn: operation not valid for this transaction kind")
	ErrBadWriterBit = errors.New("txn: writer id does not fit the writer bits")
)

type TxnState uint8

const (
	TxnActive TxnState = iota
	TxnCommitted
	TxnAborted
)

type Kind uint8

const (
	// KindReadOnly reads as of the last committed TID and takes no locks.
	KindReadOnly Kind = iota + 1
	// KindStandard covers one external operation.
	KindStandard
	// KindFlush is used by the flusher, one per flush group.
	KindFlush
)

func (k Kind) String() string {
	switch k {
	case KindReadOnly:
		return "read-only"
	case KindStandard:
		return "standard"
	case KindFlush:
		return "flush"
	}
	return "unknown"
}

type Transaction struct {
	ID    uint64
	Kind  Kind
	TID   types.TID // allocated TID, or the as-of TID for read-only
	Time  time.Time
	State TxnState

	owner     lock.Owner
	syncHeld  bool
	exclusive bool

	// objects whose pending records this transaction changed
	dirty []ObjectRef
	tm    *TxnManager
}

// ObjectRef names an object across pseudo-filesystems.
type ObjectRef struct {
	PFS   uint32
	ObjID uint64
}

type TxnManager struct {
	nextID uint64
	owners uint64

	// TIDs are seq<<writerBits | writerID
	tidSeq     uint64
	writerID   uint64
	writerBits uint

	committed  types.TID // newest TID in the tree
	syncLock   lock.Lock
	activeTxns map[uint64]*Transaction // all currently active transactions

	logger *slog.Logger
	mu     sync.RWMutex
}
