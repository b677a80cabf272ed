package gamma

import (
	"encoding/binary"
	"fmt"

	farm "github.com/dgryski/go-farm"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/gammastm/gamma/internal"
)

// snapshot is a committed value together with its version.
type snapshot struct {
	value   any
	version uint64
}

// listenerNode is one retry latch waiting for the next change of a ref.
type listenerNode struct {
	latch *internal.RetryLatch
	era   uint64
	next  *listenerNode
}

// BaseRef is an untyped transactional cell. Use Ref[T] for a typed view.
type BaseRef struct {
	stm  *Stm
	id   uint64
	hash uint64
	orec internal.Orec

	current   atomic.Pointer[snapshot]
	listeners atomic.Pointer[listenerNode]

	// constructor is the transaction that may publish a ref created by
	// Stm.NewConstructingRef, nil once published or abandoned.
	constructor atomic.Pointer[Txn]
}

func newBaseRef(s *Stm, value any, version uint64) *BaseRef {
	id := s.refIDs.Inc()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id)

	ref := &BaseRef{
		stm:  s,
		id:   id,
		hash: farm.Hash64(buf[:]),
	}
	ref.current.Store(&snapshot{value: value, version: version})
	return ref
}

// ID returns the process unique id of the ref.
func (r *BaseRef) ID() uint64 {
	return r.id
}

// Version returns the version of the last committed write.
func (r *BaseRef) Version() uint64 {
	return r.current.Load().version
}

// Orec exposes the ownership record for inspection.
func (r *BaseRef) Orec() *internal.Orec {
	return &r.orec
}

func (r *BaseRef) load() *snapshot {
	return r.current.Load()
}

// hasReadConflict reports whether the value seen by tl may have been
// overwritten. A ref locked by tl's transaction can't change underneath it.
func (r *BaseRef) hasReadConflict(tl *Tranlocal) bool {
	if tl.lockMode != LockNone {
		return false
	}
	if r.orec.IsExclusive() {
		return true
	}
	return r.current.Load().version != tl.version
}

// registerChangeListener makes the next write of the ref open latch in era.
// When the ref already moved past version the latch is opened right away.
func (r *BaseRef) registerChangeListener(latch *internal.RetryLatch, era, version uint64) {
	node := &listenerNode{latch: latch, era: era}
	for {
		head := r.listeners.Load()
		node.next = head
		if r.listeners.CompareAndSwap(head, node) {
			break
		}
	}
	if r.current.Load().version != version {
		latch.Open(era)
	}
}

// publish installs a new committed value with the next version and hands
// back the listeners waiting for it. The caller holds the commit lock.
func (r *BaseRef) publish(value any) *listenerNode {
	r.current.Store(&snapshot{value: value, version: r.current.Load().version + 1})
	return r.listeners.Swap(nil)
}

func notifyListeners(node *listenerNode) {
	for ; node != nil; node = node.next {
		node.latch.Open(node.era)
	}
}

func (r *BaseRef) String() string {
	s := r.current.Load()
	return fmt.Sprintf("Ref(id=%d, version=%d, value=%v)", r.id, s.version, s.value)
}

// AtomicGet reads the committed value in a one shot transaction.
func (r *BaseRef) AtomicGet() (any, error) {
	var value any
	err := r.atomically(func(txn *Txn) error {
		tl, err := txn.OpenForRead(r, LockNone)
		if err != nil {
			return err
		}
		value = tl.value
		return nil
	})
	return value, err
}

// atomicUpdate exclusively locks the ref, calls fn with the committed value
// and writes the result when fn asks for it. It returns the old value.
func (r *BaseRef) atomicUpdate(fn func(old any) (any, bool)) (any, error) {
	var old any
	err := r.atomically(func(txn *Txn) error {
		tl, err := txn.OpenForWrite(r, LockExclusive)
		if err != nil {
			return err
		}
		old = tl.value
		if update, write := fn(old); write {
			tl.value = update
		}
		return nil
	})
	return old, err
}

// AtomicSet writes v in a one shot transaction.
func (r *BaseRef) AtomicSet(v any) error {
	_, err := r.atomicUpdate(func(any) (any, bool) { return v, true })
	return err
}

// AtomicGetAndSet writes v and returns the previous value.
func (r *BaseRef) AtomicGetAndSet(v any) (any, error) {
	return r.atomicUpdate(func(any) (any, bool) { return v, true })
}

// AtomicCompareAndSet writes update when the committed value equals expected.
func (r *BaseRef) AtomicCompareAndSet(expected, update any) (bool, error) {
	var swapped bool
	_, err := r.atomicUpdate(func(old any) (any, bool) {
		swapped = valuesEqual(old, expected)
		return update, swapped
	})
	return swapped, err
}

// AtomicAlterAndGet applies fn to the committed value and returns the result.
func (r *BaseRef) AtomicAlterAndGet(fn func(old any) any) (any, error) {
	if fn == nil {
		return nil, errors.WithMessage(ErrIllegalArgument, "nil function")
	}
	var updated any
	_, err := r.atomicUpdate(func(old any) (any, bool) {
		updated = fn(old)
		return updated, true
	})
	return updated, err
}

// atomically runs body once in a transaction of the atomic family. Conflicts
// are reported as ErrLocked.
func (r *BaseRef) atomically(body func(txn *Txn) error) error {
	f := r.stm.atomicFactory
	txn := f.Begin()
	defer f.release(txn)

	if err := body(txn); err != nil {
		txn.abortQuietly()
		if errors.Is(err, ErrReadWriteConflict) {
			return errors.WithMessagef(ErrLocked, "ref %d", r.id)
		}
		return err
	}
	if err := txn.Commit(); err != nil {
		if errors.Is(err, ErrReadWriteConflict) {
			return errors.WithMessagef(ErrLocked, "ref %d", r.id)
		}
		return err
	}
	return nil
}
