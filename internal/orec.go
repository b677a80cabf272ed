package internal

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Orec word layout, least significant bit first:
//
//	bits  0-1   lock mode (LockNone, LockRead, LockWrite, LockExclusive)
//	bit   2     read biased
//	bits  3-12  readonly count
//	bits 13-32  read lock count
//	bits 33-63  surplus
const (
	lockModeMask = uint64(0x3)

	readBiasedBit = uint64(1) << 2

	readonlyCountShift = 3
	readonlyCountBits  = 10
	readonlyCountMask  = (uint64(1)<<readonlyCountBits - 1) << readonlyCountShift

	readLockCountShift = 13
	readLockCountBits  = 20
	readLockCountMask  = (uint64(1)<<readLockCountBits - 1) << readLockCountShift

	surplusShift = 33
	surplusBits  = 31
	surplusMask  = (uint64(1)<<surplusBits - 1) << surplusShift
)

// MaxReadonlyCount is the largest readonly streak an orec can record. A read
// biased threshold above it can never be reached.
const MaxReadonlyCount = 1<<readonlyCountBits - 1

const (
	maxReadLockCount = 1<<readLockCountBits - 1
	maxSurplus       = 1<<surplusBits - 1
)

var (
	errTooManyDeparts   = errors.New("orec: depart without matching arrive")
	errNotLocked        = errors.New("orec: release of a lock that is not held")
	errSurplusOverflow  = errors.New("orec: surplus overflow")
	errReadLockOverflow = errors.New("orec: read lock count overflow")
)

// LockMode is the strength of a lock on a ref.
type LockMode uint8

const (
	// LockNone holds nothing.
	LockNone LockMode = iota
	// LockRead may be shared by many transactions and prevents others from
	// acquiring a Write or Exclusive lock.
	LockRead
	// LockWrite is held by at most one transaction. Unlocked readers are
	// still allowed.
	LockWrite
	// LockExclusive is held by at most one transaction and also blocks
	// arrivals of readers.
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "None"
	case LockRead:
		return "Read"
	case LockWrite:
		return "Write"
	case LockExclusive:
		return "Exclusive"
	default:
		return fmt.Sprintf("LockMode(%d)", uint8(m))
	}
}

// ParseLockMode parses the case insensitive name of a lock mode.
func ParseLockMode(s string) (LockMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return LockNone, nil
	case "read":
		return LockRead, nil
	case "write":
		return LockWrite, nil
	case "exclusive":
		return LockExclusive, nil
	default:
		return LockNone, errors.Errorf("unknown lock mode %q", s)
	}
}

func (m LockMode) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(m.String())), nil
}

func (m *LockMode) UnmarshalText(text []byte) error {
	mode, err := ParseLockMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ArriveResult reports the outcome of an arrive.
type ArriveResult uint8

const (
	// ArriveRegistered means the arrival was counted in the surplus and must
	// be matched by exactly one depart.
	ArriveRegistered ArriveResult = iota
	// ArriveUnregistered means the orec is read biased and the arrival was
	// not counted, so no depart must follow.
	ArriveUnregistered
	// ArriveLocked means the orec could not be entered within the spin
	// budget because of an incompatible lock.
	ArriveLocked
)

// Orec is the ownership record of a single ref. All state lives in one word
// that is only ever changed by compare and swap.
// Note that the orec doesn't enforce ownership, callers must pass the lock
// mode they actually hold.
type Orec struct {
	word atomic.Uint64
}

// InitExclusive puts a fresh orec in the Exclusive state. It is used for refs
// that are constructed inside a transaction and must stay invisible until
// that transaction commits.
func (o *Orec) InitExclusive() {
	o.word.Store(uint64(LockExclusive))
}

// Arrive registers a reader. It spins at most spinCount times while the orec
// is exclusively locked.
func (o *Orec) Arrive(spinCount int) ArriveResult {
	for {
		current := o.word.Load()
		if lockModeOf(current) == LockExclusive {
			spinCount--
			if spinCount < 0 {
				return ArriveLocked
			}
			continue
		}

		if current&readBiasedBit != 0 {
			return ArriveUnregistered
		}

		next := incSurplus(current)
		if o.word.CompareAndSwap(current, next) {
			return ArriveRegistered
		}
	}
}

// ArriveAndLock registers a reader and acquires a lock of the desired mode in
// a single step.
func (o *Orec) ArriveAndLock(spinCount int, desired LockMode) ArriveResult {
	if desired == LockNone {
		return o.Arrive(spinCount)
	}

	for {
		current := o.word.Load()
		if !compatible(current, desired) {
			spinCount--
			if spinCount < 0 {
				return ArriveLocked
			}
			continue
		}

		next := acquire(current, desired)
		result := ArriveUnregistered
		if current&readBiasedBit == 0 {
			next = incSurplus(next)
			result = ArriveRegistered
		}
		if o.word.CompareAndSwap(current, next) {
			return result
		}
	}
}

// TryLockAfterArrive upgrades the lock a transaction already holds on this
// orec from held to desired. Downgrades are ignored.
func (o *Orec) TryLockAfterArrive(spinCount int, held, desired LockMode) bool {
	if desired <= held {
		return true
	}

	for {
		current := o.word.Load()
		withoutMine := release(current, held)
		if !compatible(withoutMine, desired) {
			spinCount--
			if spinCount < 0 {
				return false
			}
			continue
		}

		if o.word.CompareAndSwap(current, acquire(withoutMine, desired)) {
			return true
		}
	}
}

// UpgradeToCommitLock turns the Write or Exclusive lock held by a committing
// transaction into the Exclusive commit lock, which keeps new readers out
// while the new value is published. It reports whether readers other than the
// caller may hold a view of the old value.
func (o *Orec) UpgradeToCommitLock(registered bool) bool {
	previous := o.update(func(current uint64) uint64 {
		mode := lockModeOf(current)
		if mode != LockWrite && mode != LockExclusive {
			panic(errors.WithStack(errNotLocked))
		}
		return withLockMode(current, LockExclusive)
	})

	surplus := surplusOf(previous)
	if registered {
		surplus--
	}
	return surplus > 0 || previous&readBiasedBit != 0
}

// DepartAfterReading undoes a registered arrival of a transaction that did
// not write, and counts towards read bias.
func (o *Orec) DepartAfterReading(readBiasedThreshold int) {
	o.DepartAfterReadingAndUnlock(readBiasedThreshold, true, LockNone)
}

// DepartAfterReadingAndUnlock releases the held lock and, when registered,
// undoes the arrival and counts towards read bias.
func (o *Orec) DepartAfterReadingAndUnlock(readBiasedThreshold int, registered bool, held LockMode) {
	if !registered && held == LockNone {
		return
	}

	o.update(func(current uint64) uint64 {
		next := release(current, held)
		if !registered {
			return next
		}

		next = decSurplus(next)
		readonly := readonlyCountOf(next)
		if readonly < MaxReadonlyCount {
			readonly++
		}
		next = withReadonlyCount(next, readonly)
		if readonly >= uint64(readBiasedThreshold) {
			next |= readBiasedBit
		}
		return next
	})
}

// DepartAfterFailure undoes a registered arrival without counting towards
// read bias.
func (o *Orec) DepartAfterFailure() {
	o.DepartAfterFailureAndUnlock(true, LockNone)
}

// DepartAfterFailureAndUnlock releases the held lock and, when registered,
// undoes the arrival.
func (o *Orec) DepartAfterFailureAndUnlock(registered bool, held LockMode) {
	if !registered && held == LockNone {
		return
	}

	o.update(func(current uint64) uint64 {
		next := release(current, held)
		if registered {
			next = decSurplus(next)
		}
		return next
	})
}

// DepartAfterUpdateAndUnlock is called exactly once per committed write,
// after the new version was published under the commit lock. It resets the
// readonly streak, clears read bias and releases the lock.
func (o *Orec) DepartAfterUpdateAndUnlock(registered bool) {
	o.update(func(current uint64) uint64 {
		next := release(current, LockExclusive)
		if registered {
			next = decSurplus(next)
		}
		next = withReadonlyCount(next, 0)
		return next &^ readBiasedBit
	})
}

// LockMode returns the mode of the strongest lock currently held.
func (o *Orec) LockMode() LockMode {
	return lockModeOf(o.word.Load())
}

// IsExclusive reports whether the orec is exclusively locked.
func (o *Orec) IsExclusive() bool {
	return o.LockMode() == LockExclusive
}

// Surplus returns the number of registered, not yet departed, arrivals.
func (o *Orec) Surplus() int {
	return int(surplusOf(o.word.Load()))
}

// ReadLockCount returns the number of Read lock holders.
func (o *Orec) ReadLockCount() int {
	return int(readLockCountOf(o.word.Load()))
}

// ReadonlyCount returns the current streak of non-writing departs.
func (o *Orec) ReadonlyCount() int {
	return int(readonlyCountOf(o.word.Load()))
}

// IsReadBiased reports whether arrivals are currently untracked.
func (o *Orec) IsReadBiased() bool {
	return o.word.Load()&readBiasedBit != 0
}

func (o *Orec) String() string {
	w := o.word.Load()
	return fmt.Sprintf("Orec(lock=%s, readLocks=%d, surplus=%d, readonly=%d, readBiased=%t)",
		lockModeOf(w), readLockCountOf(w), surplusOf(w), readonlyCountOf(w), w&readBiasedBit != 0)
}

func (o *Orec) update(fn func(current uint64) uint64) uint64 {
	for {
		current := o.word.Load()
		if o.word.CompareAndSwap(current, fn(current)) {
			return current
		}
	}
}

// compatible reports whether a lock of the desired mode may be added to the
// locks already recorded in w.
func compatible(w uint64, desired LockMode) bool {
	mode := lockModeOf(w)
	switch desired {
	case LockNone:
		return true
	case LockRead:
		return mode == LockNone || mode == LockRead
	default:
		return mode == LockNone
	}
}

func acquire(w uint64, desired LockMode) uint64 {
	switch desired {
	case LockNone:
		return w
	case LockRead:
		count := readLockCountOf(w)
		if count == maxReadLockCount {
			panic(errors.WithStack(errReadLockOverflow))
		}
		return withLockMode(withReadLockCount(w, count+1), LockRead)
	default:
		return withLockMode(w, desired)
	}
}

func release(w uint64, held LockMode) uint64 {
	switch held {
	case LockNone:
		return w
	case LockRead:
		count := readLockCountOf(w)
		if lockModeOf(w) != LockRead || count == 0 {
			panic(errors.WithStack(errNotLocked))
		}
		w = withReadLockCount(w, count-1)
		if count == 1 {
			w = withLockMode(w, LockNone)
		}
		return w
	default:
		if lockModeOf(w) != held && !(held == LockWrite && lockModeOf(w) == LockExclusive) {
			panic(errors.WithStack(errNotLocked))
		}
		return withLockMode(w, LockNone)
	}
}

func incSurplus(w uint64) uint64 {
	surplus := surplusOf(w)
	if surplus == maxSurplus {
		panic(errors.WithStack(errSurplusOverflow))
	}
	return withSurplus(w, surplus+1)
}

func decSurplus(w uint64) uint64 {
	surplus := surplusOf(w)
	if surplus == 0 {
		panic(errors.WithStack(errTooManyDeparts))
	}
	return withSurplus(w, surplus-1)
}

func lockModeOf(w uint64) LockMode {
	return LockMode(w & lockModeMask)
}

func withLockMode(w uint64, mode LockMode) uint64 {
	return w&^lockModeMask | uint64(mode)
}

func readonlyCountOf(w uint64) uint64 {
	return (w & readonlyCountMask) >> readonlyCountShift
}

func withReadonlyCount(w, count uint64) uint64 {
	return w&^readonlyCountMask | count<<readonlyCountShift
}

func readLockCountOf(w uint64) uint64 {
	return (w & readLockCountMask) >> readLockCountShift
}

func withReadLockCount(w, count uint64) uint64 {
	return w&^readLockCountMask | count<<readLockCountShift
}

func surplusOf(w uint64) uint64 {
	return (w & surplusMask) >> surplusShift
}

func withSurplus(w, surplus uint64) uint64 {
	return w&^surplusMask | surplus<<surplusShift
}
