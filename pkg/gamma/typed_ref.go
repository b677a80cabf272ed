package gamma

import (
	"fmt"

	"github.com/pkg/errors"
)

// Ref is a typed view of a BaseRef.
type Ref[T any] struct {
	base *BaseRef
}

// NewRef creates a committed ref holding v.
func NewRef[T any](s *Stm, v T) *Ref[T] {
	return &Ref[T]{base: s.NewBaseRef(v)}
}

// NewRefIn creates a ref holding v that becomes visible when txn commits.
func NewRefIn[T any](txn *Txn, v T) (*Ref[T], error) {
	if txn == nil {
		return nil, errors.WithMessage(ErrIllegalArgument, "nil transaction")
	}
	base, err := txn.factory.stm.NewConstructingRef(txn)
	if err != nil {
		return nil, err
	}
	tl := txn.set.find(base)
	tl.value = v
	return &Ref[T]{base: base}, nil
}

// Base returns the untyped ref.
func (r *Ref[T]) Base() *BaseRef {
	return r.base
}

// Get reads the value in txn.
func (r *Ref[T]) Get(txn *Txn) (T, error) {
	return r.GetAndLock(txn, LockNone)
}

// GetAndLock reads the value in txn and locks the ref with at least lockMode.
func (r *Ref[T]) GetAndLock(txn *Txn, lockMode LockMode) (T, error) {
	tl, err := txn.OpenForRead(r.base, lockMode)
	if err != nil {
		var zero T
		return zero, err
	}
	return cast[T](tl.value), nil
}

// Set writes v in txn.
func (r *Ref[T]) Set(txn *Txn, v T) error {
	tl, err := txn.OpenForWrite(r.base, LockNone)
	if err != nil {
		return err
	}
	tl.value = v
	return nil
}

// GetAndSet writes v in txn and returns the previous value.
func (r *Ref[T]) GetAndSet(txn *Txn, v T) (T, error) {
	tl, err := txn.OpenForWrite(r.base, LockNone)
	if err != nil {
		var zero T
		return zero, err
	}
	old := cast[T](tl.value)
	tl.value = v
	return old, nil
}

// Alter replaces the value with fn applied to it and returns the new value.
func (r *Ref[T]) Alter(txn *Txn, fn func(old T) T) (T, error) {
	var zero T
	if fn == nil {
		return zero, txn.abortWith(errors.WithMessage(ErrIllegalArgument, "nil function"))
	}
	tl, err := txn.OpenForWrite(r.base, LockNone)
	if err != nil {
		return zero, err
	}
	updated := fn(cast[T](tl.value))
	tl.value = updated
	return updated, nil
}

// Commute applies fn at commit, see Txn.Commute.
func (r *Ref[T]) Commute(txn *Txn, fn func(old T) T) error {
	if fn == nil {
		return txn.abortWith(errors.WithMessage(ErrIllegalArgument, "nil function"))
	}
	return txn.Commute(r.base, func(old any) any {
		return fn(cast[T](old))
	})
}

// Ensure makes sure the ref is unchanged when txn commits.
func (r *Ref[T]) Ensure(txn *Txn) error {
	return txn.Ensure(r.base)
}

// Acquire locks the ref in txn with at least lockMode.
func (r *Ref[T]) Acquire(txn *Txn, lockMode LockMode) error {
	return txn.Acquire(r.base, lockMode)
}

// Version returns the version of the last committed write.
func (r *Ref[T]) Version() uint64 {
	return r.base.Version()
}

// AtomicGet reads the committed value. It fails with ErrLocked while the ref
// is exclusively locked.
func (r *Ref[T]) AtomicGet() (T, error) {
	v, err := r.base.AtomicGet()
	return cast[T](v), err
}

// AtomicSet writes v in a one shot transaction.
func (r *Ref[T]) AtomicSet(v T) error {
	return r.base.AtomicSet(v)
}

// AtomicGetAndSet writes v and returns the previous value.
func (r *Ref[T]) AtomicGetAndSet(v T) (T, error) {
	old, err := r.base.AtomicGetAndSet(v)
	return cast[T](old), err
}

// AtomicCompareAndSet writes update if the committed value equals expected.
func (r *Ref[T]) AtomicCompareAndSet(expected, update T) (bool, error) {
	return r.base.AtomicCompareAndSet(expected, update)
}

// AtomicAlterAndGet applies fn to the committed value and returns the result.
func (r *Ref[T]) AtomicAlterAndGet(fn func(old T) T) (T, error) {
	if fn == nil {
		var zero T
		return zero, errors.WithMessage(ErrIllegalArgument, "nil function")
	}
	v, err := r.base.AtomicAlterAndGet(func(old any) any {
		return fn(cast[T](old))
	})
	return cast[T](v), err
}

func (r *Ref[T]) String() string {
	return fmt.Sprintf("Ref[%T](%s)", *new(T), r.base)
}

func cast[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}
