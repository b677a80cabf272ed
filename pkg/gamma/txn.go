package gamma

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gammastm/gamma/internal"
)

// TxnStatus is the lifecycle state of a transaction.
type TxnStatus uint8

const (
	TxnActive TxnStatus = iota
	TxnPrepared
	TxnCommitted
	TxnAborted
)

func (s TxnStatus) String() string {
	switch s {
	case TxnActive:
		return "Active"
	case TxnPrepared:
		return "Prepared"
	case TxnCommitted:
		return "Committed"
	case TxnAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("TxnStatus(%d)", uint8(s))
	}
}

// IsAlive reports whether the transaction can still commit or abort.
func (s TxnStatus) IsAlive() bool {
	return s == TxnActive || s == TxnPrepared
}

// Txn is a transaction. A Txn is used by one goroutine at a time and must
// not be kept after the executor that handed it out returns.
//
// Every failure of a live transaction aborts it before the error is
// returned.
type Txn struct {
	factory    *TxnFactory
	config     *TxnConfig
	shape      Shape
	set        tranlocalSet
	retryLatch *internal.RetryLatch

	spec             *SpeculativeConfiguration
	status           TxnStatus
	attempt          int
	remainingTimeout time.Duration

	hasWrites   bool
	hasEnsures  bool
	hasCommutes bool
	abortOnly   bool

	richMansConflictScan bool
	// localConflictCount is the global conflict count at which all reads
	// were last known to be consistent.
	localConflictCount uint64
	evaluatingCommute  bool

	retryPending bool
	retryEra     uint64

	listeners []TxnListener
}

func newTxn(f *TxnFactory, shape Shape) *Txn {
	var set tranlocalSet
	switch shape {
	case LeanMono, FatMono:
		set = newFixedSet(1)
	case LeanFixed, FatFixed:
		set = newFixedSet(f.config.MaxFixedLength)
	default:
		set = newVariableSet(f.config.MaxFixedLength)
	}
	return &Txn{
		factory:    f,
		config:     f.config,
		shape:      shape,
		set:        set,
		retryLatch: internal.NewRetryLatch(),
	}
}

// init prepares a pooled transaction for its first attempt.
func (t *Txn) init(spec *SpeculativeConfiguration) {
	t.attempt = 1
	t.remainingTimeout = t.config.Timeout.Duration
	t.start(spec)
}

// start resets the per attempt state. The working set must be empty.
func (t *Txn) start(spec *SpeculativeConfiguration) {
	t.spec = spec
	t.status = TxnActive
	t.hasWrites = false
	t.hasEnsures = false
	t.hasCommutes = false
	t.abortOnly = false
	t.evaluatingCommute = false
	t.retryPending = false
	t.listeners = t.listeners[:0]
	t.richMansConflictScan = spec.IsRichMansConflictScanRequired()
	t.localConflictCount = t.factory.counter().Count()
}

// Status returns the lifecycle state.
func (t *Txn) Status() TxnStatus { return t.status }

// Attempt returns the one based attempt number.
func (t *Txn) Attempt() int { return t.attempt }

// RemainingTimeout returns what is left of the retry timeout.
func (t *Txn) RemainingTimeout() time.Duration { return t.remainingTimeout }

// Config returns the family configuration.
func (t *Txn) Config() *TxnConfig { return t.config }

// Shape returns the shape the transaction was built with.
func (t *Txn) Shape() Shape { return t.shape }

// SpeculativeConfiguration returns the configuration the attempt started with.
func (t *Txn) SpeculativeConfiguration() *SpeculativeConfiguration { return t.spec }

// IsAbortOnly reports whether the transaction can only abort.
func (t *Txn) IsAbortOnly() bool { return t.abortOnly }

// Size returns the number of refs in the working set.
func (t *Txn) Size() int { return t.set.size() }

func (t *Txn) String() string {
	return fmt.Sprintf("Txn(family=%s, shape=%s, status=%s, attempt=%d, size=%d)",
		t.config.FamilyName, t.shape, t.status, t.attempt, t.set.size())
}

// OpenForRead opens ref for reading and acquires at least lockMode on it.
func (t *Txn) OpenForRead(ref *BaseRef, lockMode LockMode) (*Tranlocal, error) {
	if err := t.checkOpen(ref); err != nil {
		return nil, err
	}
	if lockMode < t.config.ReadLockMode {
		lockMode = t.config.ReadLockMode
	}
	return t.open(ref, lockMode, false)
}

// OpenForWrite opens ref for writing and acquires at least lockMode on it.
// The value is written at commit.
func (t *Txn) OpenForWrite(ref *BaseRef, lockMode LockMode) (*Tranlocal, error) {
	if err := t.checkOpen(ref); err != nil {
		return nil, err
	}
	if t.config.Readonly {
		return nil, t.abortWith(errors.WithMessagef(ErrReadonly, "write of ref %d", ref.id))
	}
	if lockMode < t.config.WriteLockMode {
		lockMode = t.config.WriteLockMode
	}
	return t.open(ref, lockMode, true)
}

// OpenForConstruction opens a ref created by Stm.NewConstructingRef. The
// ref becomes visible when the transaction commits.
func (t *Txn) OpenForConstruction(ref *BaseRef) (*Tranlocal, error) {
	if err := t.checkOpen(ref); err != nil {
		return nil, err
	}
	if t.config.Readonly {
		return nil, t.abortWith(errors.WithMessagef(ErrReadonly, "construction of ref %d", ref.id))
	}
	if !t.spec.has(featureConstruction) {
		return nil, t.speculativeFailure((*SpeculativeConfiguration).NewWithConstructedObjects, "construction")
	}

	if tl := t.set.find(ref); tl != nil {
		if tl.mode != modeConstruct {
			return nil, t.abortWith(errors.WithMessagef(ErrIllegalArgument, "ref %d is already committed", ref.id))
		}
		return tl, nil
	}
	if ref.constructor.Load() != t || ref.Version() != 0 || !ref.orec.IsExclusive() {
		return nil, t.abortWith(errors.WithMessagef(ErrIllegalArgument, "ref %d is not under construction by this transaction", ref.id))
	}

	tl, err := t.newTranlocal(ref)
	if err != nil {
		return nil, err
	}
	tl.mode = modeConstruct
	tl.lockMode = LockExclusive
	t.hasWrites = true
	return tl, nil
}

// Commute schedules fn to be applied to ref at commit without reading it
// now, so concurrent commuting transactions don't conflict. If the ref is
// read in this transaction before commit, fn is applied right away.
func (t *Txn) Commute(ref *BaseRef, fn CommuteFunc) error {
	if err := t.checkOpen(ref); err != nil {
		return err
	}
	if fn == nil {
		return t.abortWith(errors.WithMessage(ErrIllegalArgument, "nil commute function"))
	}
	if t.config.Readonly {
		return t.abortWith(errors.WithMessagef(ErrReadonly, "commute on ref %d", ref.id))
	}
	if !t.spec.has(featureCommute) {
		return t.speculativeFailure((*SpeculativeConfiguration).NewWithCommute, "commute")
	}

	if tl := t.set.find(ref); tl != nil {
		switch tl.mode {
		case modeCommute:
			tl.commutes = append(tl.commutes, fn)
			return nil
		case modeRead:
			if t.config.WriteLockMode > tl.lockMode {
				if err := t.lock(tl, t.config.WriteLockMode); err != nil {
					return err
				}
			}
			tl.mode = modeWrite
			t.hasWrites = true
		}
		value, err := t.applyCommutes(tl.value, fn)
		if err != nil {
			return err
		}
		tl.value = value
		return nil
	}

	tl, err := t.newTranlocal(ref)
	if err != nil {
		return err
	}
	tl.mode = modeCommute
	tl.commutes = append(tl.commutes, fn)
	t.hasWrites = true
	t.hasCommutes = true
	return nil
}

// Ensure reads ref and makes sure it is unchanged when the transaction
// commits, by taking a Read lock on it during prepare.
func (t *Txn) Ensure(ref *BaseRef) error {
	if err := t.checkOpen(ref); err != nil {
		return err
	}
	if !t.spec.has(featureEnsure) {
		return t.speculativeFailure((*SpeculativeConfiguration).NewWithEnsure, "ensure")
	}
	tl, err := t.open(ref, t.config.ReadLockMode, false)
	if err != nil {
		return err
	}
	if tl.mode != modeConstruct {
		tl.isEnsured = true
		t.hasEnsures = true
	}
	return nil
}

// Acquire opens ref for reading and locks it with at least lockMode.
func (t *Txn) Acquire(ref *BaseRef, lockMode LockMode) error {
	_, err := t.OpenForRead(ref, lockMode)
	return err
}

// Register adds a listener for the remaining events of this attempt.
func (t *Txn) Register(listener TxnListener) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if listener == nil {
		return t.abortWith(errors.WithMessage(ErrIllegalArgument, "nil listener"))
	}
	if !t.spec.has(featureListeners) {
		return t.speculativeFailure((*SpeculativeConfiguration).NewWithListeners, "listeners")
	}
	t.listeners = append(t.listeners, listener)
	return nil
}

// SetAbortOnly makes the transaction fail with ErrAbortOnly when it
// prepares or commits.
func (t *Txn) SetAbortOnly() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if !t.spec.has(featureAbortOnly) {
		return t.speculativeFailure((*SpeculativeConfiguration).NewWithAbortOnly, "abort-only")
	}
	t.abortOnly = true
	return nil
}

// Retry aborts the transaction and returns ErrRetry. The body must return
// that error so the executor can block until one of the refs read by this
// attempt is written.
func (t *Txn) Retry() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if !t.config.BlockingAllowed {
		return t.abortWith(errors.WithMessagef(ErrRetryNotAllowed, "family %s", t.config.FamilyName))
	}
	if !t.spec.has(featureListeners) {
		return t.speculativeFailure((*SpeculativeConfiguration).NewWithListeners, "listeners")
	}

	tracked := false
	t.set.each(func(tl *Tranlocal) bool {
		tracked = tl.isTrackedRead()
		return !tracked
	})
	if !tracked {
		return t.abortWith(errors.WithMessagef(ErrRetryNotPossible, "family %s", t.config.FamilyName))
	}

	era := t.retryLatch.Reset()
	t.set.each(func(tl *Tranlocal) bool {
		if tl.isTrackedRead() {
			tl.ref.registerChangeListener(t.retryLatch, era, tl.version)
		}
		return true
	})
	t.retryEra = era
	t.retryPending = true
	t.abortQuietly()
	return t.controlFlowError(ErrRetry, "waiting for a change of %d refs", t.set.size())
}

// Abort releases everything the transaction holds. Aborting an aborted
// transaction does nothing.
func (t *Txn) Abort() error {
	switch t.status {
	case TxnAborted:
		return nil
	case TxnCommitted:
		return errors.WithMessagef(ErrDeadTxn, "abort of committed %s", t)
	}
	t.releaseAll()
	t.status = TxnAborted
	t.factory.stm.metrics.incAbort(t.config.FamilyName)
	return t.notify(PostAbort)
}

// abortQuietly aborts a live transaction on a failure path. Listener errors
// are logged since the failure itself is what gets returned.
func (t *Txn) abortQuietly() {
	if !t.status.IsAlive() {
		return
	}
	if err := t.Abort(); err != nil {
		t.factory.logger.Warn("abort listener failed", zap.Int("attempt", t.attempt), zap.Error(err))
	}
}

func (t *Txn) abortWith(err error) error {
	t.abortQuietly()
	return err
}

// releaseAll departs from every ref and drops every lock. Constructed refs
// stay exclusively locked.
func (t *Txn) releaseAll() {
	t.set.each(func(tl *Tranlocal) bool {
		if tl.mode != modeConstruct {
			tl.ref.orec.DepartAfterFailureAndUnlock(tl.hasDepartObligation, tl.lockMode)
		} else {
			// An abandoned construction stays locked for good.
			tl.ref.constructor.Store(nil)
		}
		tl.hasDepartObligation = false
		tl.lockMode = LockNone
		return true
	})
}

func (t *Txn) notify(event TxnEvent) error {
	for _, l := range t.config.PermanentListeners {
		if err := l.Notify(t, event); err != nil {
			return errors.Wrapf(err, "permanent %s listener", event)
		}
	}
	for _, l := range t.listeners {
		if err := l.Notify(t, event); err != nil {
			return errors.Wrapf(err, "%s listener", event)
		}
	}
	return nil
}

func (t *Txn) checkActive() error {
	switch t.status {
	case TxnActive:
		return nil
	case TxnPrepared:
		t.abortQuietly()
		return errors.WithMessagef(ErrPreparedTxn, "%s", t)
	default:
		return errors.WithMessagef(ErrDeadTxn, "%s", t)
	}
}

// checkOpen validates a ref operation.
func (t *Txn) checkOpen(ref *BaseRef) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if ref == nil {
		return t.abortWith(errors.WithMessage(ErrIllegalArgument, "nil ref"))
	}
	if ref.stm != t.factory.stm {
		return t.abortWith(errors.WithMessagef(ErrIllegalArgument, "ref %d belongs to another stm", ref.id))
	}
	if t.evaluatingCommute {
		return t.abortWith(errors.WithMessagef(ErrIllegalCommute, "ref %d opened by a commute function", ref.id))
	}
	return nil
}

func (t *Txn) open(ref *BaseRef, lockMode LockMode, write bool) (*Tranlocal, error) {
	if lockMode != LockNone && !t.spec.has(featureLocks) {
		return nil, t.speculativeFailure((*SpeculativeConfiguration).NewWithLocks, "locks")
	}

	if tl := t.set.find(ref); tl != nil {
		switch tl.mode {
		case modeConstruct:
			return tl, nil
		case modeCommute:
			if lockMode < t.config.WriteLockMode {
				lockMode = t.config.WriteLockMode
			}
			if err := t.fixate(tl, lockMode); err != nil {
				return nil, err
			}
			return tl, nil
		}
		if lockMode > tl.lockMode {
			if err := t.lock(tl, lockMode); err != nil {
				return nil, err
			}
		}
		if write && tl.mode == modeRead {
			tl.mode = modeWrite
			t.hasWrites = true
		}
		return tl, nil
	}

	tl, err := t.newTranlocal(ref)
	if err != nil {
		return nil, err
	}
	if err := t.arrive(tl, lockMode); err != nil {
		return nil, err
	}
	if write {
		tl.mode = modeWrite
		t.hasWrites = true
	}
	if err := t.checkReadConsistency(); err != nil {
		return nil, err
	}
	return tl, nil
}

// newTranlocal adds ref to the working set, escalating the family when the
// shape can't hold it.
func (t *Txn) newTranlocal(ref *BaseRef) (*Tranlocal, error) {
	size := t.set.size()
	if !t.richMansConflictScan && size+1 > t.config.MaxPoorMansConflictScanLength {
		return nil, t.speculativeFailure((*SpeculativeConfiguration).NewWithRichMansConflictScan, "rich-mans-conflict-scan")
	}
	tl := t.set.add(ref)
	if tl == nil {
		return nil, t.speculativeFailure(func(c *SpeculativeConfiguration) *SpeculativeConfiguration {
			return c.NewWithMinimalLength(size + 1)
		}, "length")
	}
	return tl, nil
}

// arrive registers the transaction at the ref's orec, takes lockMode and
// loads the committed value.
func (t *Txn) arrive(tl *Tranlocal, lockMode LockMode) error {
	ref := tl.ref
	var result internal.ArriveResult
	if lockMode == LockNone {
		result = ref.orec.Arrive(t.config.SpinCount)
	} else {
		result = ref.orec.ArriveAndLock(t.config.SpinCount, lockMode)
	}
	if result == internal.ArriveLocked {
		return t.conflict("ref %d is locked", ref.id)
	}

	tl.hasDepartObligation = result == internal.ArriveRegistered
	tl.lockMode = lockMode
	s := ref.load()
	tl.value = s.value
	tl.readValue = s.value
	tl.version = s.version
	return nil
}

// lock strengthens the lock held on an opened ref. The value read before
// must still be current.
func (t *Txn) lock(tl *Tranlocal, desired LockMode) error {
	if !tl.ref.orec.TryLockAfterArrive(t.config.SpinCount, tl.lockMode, desired) {
		return t.conflict("failed to lock ref %d %s", tl.ref.id, desired)
	}
	tl.lockMode = desired
	if tl.mode != modeCommute && tl.ref.load().version != tl.version {
		return t.conflict("ref %d changed before it was locked", tl.ref.id)
	}
	return nil
}

// fixate turns a pending commute into a write by reading the ref and
// applying the commute functions.
func (t *Txn) fixate(tl *Tranlocal, lockMode LockMode) error {
	if err := t.arrive(tl, lockMode); err != nil {
		return err
	}
	value, err := t.applyCommutes(tl.value, tl.commutes...)
	if err != nil {
		return err
	}
	tl.value = value
	for i := range tl.commutes {
		tl.commutes[i] = nil
	}
	tl.commutes = tl.commutes[:0]
	tl.mode = modeWrite
	return t.checkReadConsistency()
}

// applyCommutes evaluates commute functions. A function that touched the
// transaction aborted it, which is reported as ErrIllegalCommute.
func (t *Txn) applyCommutes(value any, fns ...CommuteFunc) (any, error) {
	t.evaluatingCommute = true
	defer func() { t.evaluatingCommute = false }()
	for _, fn := range fns {
		value = fn(value)
		if t.status != TxnActive {
			return nil, errors.WithMessage(ErrIllegalCommute, "commute function used the transaction")
		}
	}
	return value, nil
}

// checkReadConsistency validates the reads after a new one was added. The
// rich man's scan only walks the working set when the global conflict
// counter moved.
func (t *Txn) checkReadConsistency() error {
	if t.set.size() <= 1 {
		return nil
	}
	if t.richMansConflictScan {
		global := t.factory.counter().Count()
		if global == t.localConflictCount {
			return nil
		}
		if !t.isReadConsistent() {
			return t.conflict("read invalidated, conflict count %d", global)
		}
		t.localConflictCount = global
		return nil
	}
	if !t.isReadConsistent() {
		return t.conflict("read invalidated")
	}
	return nil
}

// isReadConsistent walks the working set looking for reads that were
// overwritten.
func (t *Txn) isReadConsistent() bool {
	consistent := true
	t.set.each(func(tl *Tranlocal) bool {
		if tl.isTrackedRead() && tl.ref.hasReadConflict(tl) {
			consistent = false
		}
		return consistent
	})
	return consistent
}

func (t *Txn) conflict(format string, args ...interface{}) error {
	t.factory.stm.metrics.incConflict(t.config.FamilyName)
	t.abortQuietly()
	return t.controlFlowError(ErrReadWriteConflict, format, args...)
}

// speculativeFailure escalates the family and aborts.
func (t *Txn) speculativeFailure(next func(*SpeculativeConfiguration) *SpeculativeConfiguration, feature string) error {
	t.factory.escalate(next, feature)
	t.abortQuietly()
	return t.controlFlowError(ErrSpeculativeConfiguration, "%s %s needed", t.shape, feature)
}

// controlFlowError returns sentinel as is when control flow errors are reused
// and a wrapped copy with context otherwise.
func (t *Txn) controlFlowError(sentinel error, format string, args ...interface{}) error {
	if t.config.ControlFlowErrorsReused {
		return sentinel
	}
	return errors.Wrapf(sentinel, "[%s attempt %d] %s", t.config.FamilyName, t.attempt, fmt.Sprintf(format, args...))
}
