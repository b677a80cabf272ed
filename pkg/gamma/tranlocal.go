package gamma

import (
	"fmt"
	"reflect"
)

type tranlocalMode uint8

const (
	modeRead tranlocalMode = iota
	modeWrite
	modeConstruct
	modeCommute
)

func (m tranlocalMode) String() string {
	switch m {
	case modeRead:
		return "read"
	case modeWrite:
		return "write"
	case modeConstruct:
		return "construct"
	case modeCommute:
		return "commute"
	default:
		return fmt.Sprintf("tranlocalMode(%d)", uint8(m))
	}
}

// CommuteFunc computes the new value of a ref from its old one. It must not
// touch any ref.
type CommuteFunc func(old any) any

// Tranlocal is the transaction local view of one ref.
type Tranlocal struct {
	ref *BaseRef

	value any
	// readValue is the value the ref had when it was opened, for the dirty
	// check.
	readValue any
	// version is the version observed when the ref was opened.
	version uint64
	mode    tranlocalMode
	// lockMode is the lock this transaction holds on the ref.
	lockMode LockMode
	// hasDepartObligation is set for arrivals counted in the orec surplus.
	hasDepartObligation bool
	isDirty             bool
	isEnsured           bool
	commutes            []CommuteFunc

	// fixed length working set chain
	prev, next *Tranlocal
}

// Ref returns the ref this tranlocal belongs to.
func (tl *Tranlocal) Ref() *BaseRef { return tl.ref }

// Value returns the transaction local value.
func (tl *Tranlocal) Value() any { return tl.value }

// SetValue replaces the transaction local value. Only tranlocals returned by
// OpenForWrite or OpenForConstruction may be changed.
func (tl *Tranlocal) SetValue(v any) { tl.value = v }

// Version returns the ref version observed when it was opened.
func (tl *Tranlocal) Version() uint64 { return tl.version }

// LockMode returns the lock held on the ref.
func (tl *Tranlocal) LockMode() LockMode { return tl.lockMode }

func (tl *Tranlocal) IsWrite() bool        { return tl.mode == modeWrite }
func (tl *Tranlocal) IsConstructing() bool { return tl.mode == modeConstruct }
func (tl *Tranlocal) IsCommuting() bool    { return tl.mode == modeCommute }

// isTrackedRead reports whether the tranlocal observed a committed version
// a retry can wait on.
func (tl *Tranlocal) isTrackedRead() bool {
	return tl.mode == modeRead || tl.mode == modeWrite
}

func (tl *Tranlocal) String() string {
	return fmt.Sprintf("Tranlocal(ref=%d, mode=%s, version=%d, lock=%s)", tl.ref.id, tl.mode, tl.version, tl.lockMode)
}

// clear drops every reference so the tranlocal can be reused.
func (tl *Tranlocal) clear() {
	commutes := tl.commutes[:0]
	for i := range tl.commutes {
		tl.commutes[i] = nil
	}
	*tl = Tranlocal{commutes: commutes}
}

// valuesEqual compares two ref values. Values of incomparable types are never
// equal.
func valuesEqual(a, b any) (equal bool) {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	// Interfaces nested in structs may still hold incomparable values.
	defer func() {
		if recover() != nil {
			equal = false
		}
	}()
	return a == b
}
