package gamma

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxnLifecycle(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	ref := NewRef(s, 1)

	txn := f.Begin()
	assert.Equal(t, TxnActive, txn.Status())
	require.NoError(t, ref.Set(txn, 2))
	require.NoError(t, txn.Prepare())
	assert.Equal(t, TxnPrepared, txn.Status())
	require.NoError(t, txn.Prepare(), "prepare is idempotent")
	require.NoError(t, txn.Commit())
	assert.Equal(t, TxnCommitted, txn.Status())
	require.NoError(t, txn.Commit(), "commit is idempotent")

	assert.ErrorIs(t, txn.Abort(), ErrDeadTxn)
	assert.ErrorIs(t, txn.Prepare(), ErrDeadTxn)
	_, err := ref.Get(txn)
	assert.ErrorIs(t, err, ErrDeadTxn)
	assert.Equal(t, 2, atomicGet(t, ref))

	aborted := f.Begin()
	require.NoError(t, ref.Set(aborted, 3))
	require.NoError(t, aborted.Abort())
	require.NoError(t, aborted.Abort(), "abort is idempotent")
	assert.ErrorIs(t, aborted.Commit(), ErrDeadTxn)
	assert.Equal(t, 2, atomicGet(t, ref))
}

func TestTxnOperationOnPreparedAborts(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	ref := NewRef(s, 1)

	txn := f.Begin()
	require.NoError(t, ref.Set(txn, 2))
	require.NoError(t, txn.Prepare())
	assert.Equal(t, LockWrite, ref.Base().Orec().LockMode())

	_, err := ref.Get(txn)
	assert.ErrorIs(t, err, ErrPreparedTxn)
	assert.Equal(t, TxnAborted, txn.Status())
	assert.Equal(t, LockNone, ref.Base().Orec().LockMode())
	assert.Equal(t, 0, ref.Base().Orec().Surplus())
	assert.Equal(t, 1, atomicGet(t, ref))
}

func TestTxnReadsOwnWrites(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	ref := NewRef(s, "a")

	txn := f.Begin()
	require.NoError(t, ref.Set(txn, "b"))
	v, err := ref.Get(txn)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.Equal(t, "a", atomicGet(t, ref), "writes are invisible before commit")

	old, err := ref.GetAndSet(txn, "c")
	require.NoError(t, err)
	assert.Equal(t, "b", old)
	require.NoError(t, txn.Commit())
	assert.Equal(t, "c", atomicGet(t, ref))
}

func TestExclusiveLockBlocksReaders(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	ref := NewRef(s, 1)

	owner := f.Begin()
	require.NoError(t, ref.Acquire(owner, LockExclusive))

	reader := f.Begin()
	_, err := ref.Get(reader)
	assert.ErrorIs(t, err, ErrReadWriteConflict)
	assert.Equal(t, TxnAborted, reader.Status())

	_, err = ref.AtomicGet()
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, owner.Commit())
	assert.Equal(t, 1, atomicGet(t, ref))
	assert.Equal(t, LockNone, ref.Base().Orec().LockMode())
}

func TestWriteLockAllowsReadersButNotTheirCommit(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	ref := NewRef(s, 1)

	owner := f.Begin()
	require.NoError(t, ref.Acquire(owner, LockWrite))

	reader := f.Begin()
	v, err := ref.Get(reader)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, ref.Set(reader, 2))
	assert.ErrorIs(t, reader.Commit(), ErrReadWriteConflict)
	assert.Equal(t, TxnAborted, reader.Status())

	require.NoError(t, ref.Set(owner, 3))
	require.NoError(t, owner.Commit())
	assert.Equal(t, 3, atomicGet(t, ref))
}

func TestReadLocksAreShared(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	ref := NewRef(s, 1)

	first, second := f.Begin(), f.Begin()
	require.NoError(t, ref.Acquire(first, LockRead))
	require.NoError(t, ref.Acquire(second, LockRead))
	assert.Equal(t, 2, ref.Base().Orec().ReadLockCount())

	writer := f.Begin()
	assert.ErrorIs(t, ref.Acquire(writer, LockWrite), ErrReadWriteConflict)

	// A read lock can't be upgraded while another reader holds one.
	assert.ErrorIs(t, ref.Acquire(first, LockWrite), ErrReadWriteConflict)
	require.NoError(t, ref.Acquire(second, LockExclusive))
	require.NoError(t, second.Abort())
	assert.Equal(t, LockNone, ref.Base().Orec().LockMode())
}

func TestLostUpdateIsDetected(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	ref := NewRef(s, 10)

	slow := f.Begin()
	v, err := ref.Get(slow)
	require.NoError(t, err)

	require.NoError(t, ref.AtomicSet(20))

	require.NoError(t, ref.Set(slow, v+1))
	assert.ErrorIs(t, slow.Commit(), ErrReadWriteConflict)
	assert.Equal(t, 20, atomicGet(t, ref))
}

func TestVersionMonotonicity(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	ref := NewRef(s, 0)
	require.Equal(t, uint64(1), ref.Version())

	for i := 1; i <= 5; i++ {
		txn := f.Begin()
		require.NoError(t, ref.Set(txn, i))
		require.NoError(t, txn.Commit())
		assert.Equal(t, uint64(i+1), ref.Version())
	}

	readonly := f.Begin()
	_, err := ref.Get(readonly)
	require.NoError(t, err)
	require.NoError(t, readonly.Commit())
	assert.Equal(t, uint64(6), ref.Version())

	aborted := f.Begin()
	require.NoError(t, ref.Set(aborted, 100))
	require.NoError(t, aborted.Abort())
	assert.Equal(t, uint64(6), ref.Version())

	// Writing the value that is already there is not a write.
	unchanged := f.Begin()
	require.NoError(t, ref.Set(unchanged, 5))
	require.NoError(t, unchanged.Commit())
	assert.Equal(t, uint64(6), ref.Version())
}

func TestDirtyCheckDisabled(t *testing.T) {
	s := newTestStm(t)
	f := newTestFactory(t, s, func(cfg *TxnConfig) {
		cfg.Speculative = false
		cfg.DirtyCheck = false
	})
	ref := NewRef(s, 7)

	txn := f.Begin()
	require.NoError(t, ref.Set(txn, 7))
	require.NoError(t, txn.Commit())
	assert.Equal(t, uint64(2), ref.Version())
}

func TestExclusiveReadLockModeSkipsPrepare(t *testing.T) {
	s := newTestStm(t)
	f := newTestFactory(t, s, func(cfg *TxnConfig) {
		cfg.ReadLockMode = LockExclusive
		cfg.WriteLockMode = LockExclusive
		cfg.DirtyCheck = false
	})
	a, b := NewRef(s, 1), NewRef(s, 2)

	err := f.Atomic(context.Background(), func(txn *Txn) error {
		va, err := a.Get(txn)
		if err != nil {
			return err
		}
		assert.Equal(t, LockExclusive, a.Base().Orec().LockMode())
		return b.Set(txn, va+10)
	})
	require.NoError(t, err)
	assert.Equal(t, 11, atomicGet(t, b))
	assert.Equal(t, uint64(1), a.Version())
	assert.Equal(t, uint64(2), b.Version())
}

func TestReadBiasRoundTrip(t *testing.T) {
	s := newTestStm(t)
	f := newTestFactory(t, s, func(cfg *TxnConfig) {
		cfg.Speculative = false
		cfg.ReadBiasedThreshold = 4
	})
	ref := NewRef(s, 1)
	orec := ref.Base().Orec()

	read := func() {
		txn := f.Begin()
		_, err := ref.Get(txn)
		require.NoError(t, err)
		require.NoError(t, txn.Commit())
	}

	for i := 0; i < 3; i++ {
		read()
	}
	assert.False(t, orec.IsReadBiased())
	read()
	assert.True(t, orec.IsReadBiased())

	// Readers of a read biased ref are not tracked.
	reader := f.Begin()
	_, err := ref.Get(reader)
	require.NoError(t, err)
	assert.Equal(t, 0, orec.Surplus())

	// A write always counts as a conflict for untracked readers and ends
	// the read bias.
	before := s.GlobalConflictCount()
	writer := f.Begin()
	require.NoError(t, ref.Set(writer, 2))
	require.NoError(t, writer.Commit())
	assert.Equal(t, before+1, s.GlobalConflictCount())
	assert.False(t, orec.IsReadBiased())
	assert.Equal(t, 0, orec.ReadonlyCount())

	require.NoError(t, reader.Commit())
	assert.Equal(t, 0, orec.Surplus())
}

func TestWriterSignalsConflictOnlyWithReaders(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	ref := NewRef(s, 1)

	before := s.GlobalConflictCount()
	writer := f.Begin()
	require.NoError(t, ref.Set(writer, 2))
	require.NoError(t, writer.Commit())
	assert.Equal(t, before, s.GlobalConflictCount(), "no reader, no conflict")

	reader := f.Begin()
	_, err := ref.Get(reader)
	require.NoError(t, err)

	writer = f.Begin()
	require.NoError(t, ref.Set(writer, 3))
	require.NoError(t, writer.Commit())
	assert.Equal(t, before+1, s.GlobalConflictCount())
	require.NoError(t, reader.Abort())
}

func TestRichMansConflictScanDetectsStaleRead(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	a, b := NewRef(s, 1), NewRef(s, 1)

	reader := f.Begin()
	require.True(t, reader.richMansConflictScan)
	_, err := a.Get(reader)
	require.NoError(t, err)

	writer := f.Begin()
	require.NoError(t, a.Set(writer, 2))
	require.NoError(t, b.Set(writer, 2))
	require.NoError(t, writer.Commit())

	_, err = b.Get(reader)
	assert.ErrorIs(t, err, ErrReadWriteConflict)
	assert.Equal(t, TxnAborted, reader.Status())
}

func TestPoorMansConflictScanDetectsStaleRead(t *testing.T) {
	s := newTestStm(t)
	f := newTestFactory(t, s, nil)
	a, b := NewRef(s, 1), NewRef(s, 1)

	// Grow the family so the reader fits both refs without escalating.
	err := f.Atomic(context.Background(), func(txn *Txn) error {
		if _, err := a.Get(txn); err != nil {
			return err
		}
		_, err := b.Get(txn)
		return err
	})
	require.NoError(t, err)

	reader := f.Begin()
	require.Equal(t, LeanFixed, reader.Shape())
	require.False(t, reader.richMansConflictScan)
	_, err = a.Get(reader)
	require.NoError(t, err)

	require.NoError(t, a.AtomicSet(2))

	_, err = b.Get(reader)
	assert.ErrorIs(t, err, ErrReadWriteConflict)
}

func TestEnsurePreventsWriteSkew(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	a, b := NewRef(s, 1), NewRef(s, 1)

	first := f.Begin()
	require.NoError(t, a.Ensure(first))
	require.NoError(t, b.Set(first, 0))
	require.NoError(t, first.Prepare())
	assert.Equal(t, LockRead, a.Base().Orec().LockMode())

	second := f.Begin()
	require.NoError(t, b.Ensure(second))
	require.NoError(t, a.Set(second, 0))
	assert.ErrorIs(t, second.Commit(), ErrReadWriteConflict)

	require.NoError(t, first.Commit())
	assert.Equal(t, 1, atomicGet(t, a))
	assert.Equal(t, 0, atomicGet(t, b))
	assert.Equal(t, LockNone, a.Base().Orec().LockMode())
}

func TestCommuteDoesNotConflict(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	counter := NewRef(s, 0)

	first, second := f.Begin(), f.Begin()
	inc := func(v int) int { return v + 1 }
	require.NoError(t, counter.Commute(first, inc))
	require.NoError(t, counter.Commute(second, inc))
	require.NoError(t, counter.Commute(second, inc))
	assert.Equal(t, 0, counter.Base().Orec().Surplus(), "commuting doesn't arrive")

	require.NoError(t, first.Commit())
	require.NoError(t, second.Commit())
	assert.Equal(t, 3, atomicGet(t, counter))
}

func TestCommuteIsFixatedByRead(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	counter := NewRef(s, 10)

	txn := f.Begin()
	require.NoError(t, counter.Commute(txn, func(v int) int { return v * 2 }))
	v, err := counter.Get(txn)
	require.NoError(t, err)
	assert.Equal(t, 20, v)

	// Once read, commuting applies right away.
	require.NoError(t, counter.Commute(txn, func(v int) int { return v + 1 }))
	v, err = counter.Get(txn)
	require.NoError(t, err)
	assert.Equal(t, 21, v)
	require.NoError(t, txn.Commit())
	assert.Equal(t, 21, atomicGet(t, counter))
}

func TestCommuteMayNotOpenRefs(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	counter, other := NewRef(s, 0), NewRef(s, 5)

	txn := f.Begin()
	require.NoError(t, counter.Commute(txn, func(v int) int {
		o, _ := other.Get(txn)
		return v + o
	}))
	assert.ErrorIs(t, txn.Commit(), ErrIllegalCommute)
	assert.Equal(t, TxnAborted, txn.Status())
	assert.Equal(t, 0, atomicGet(t, counter))
	assert.Equal(t, LockNone, counter.Base().Orec().LockMode())
}

func TestAbortOnly(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	ref := NewRef(s, 1)

	txn := f.Begin()
	require.NoError(t, ref.Set(txn, 2))
	require.NoError(t, txn.SetAbortOnly())
	assert.True(t, txn.IsAbortOnly())

	err := txn.Commit()
	assert.ErrorIs(t, err, ErrAbortOnly)
	assert.ErrorIs(t, err, ErrReadWriteConflict)
	assert.Equal(t, TxnAborted, txn.Status())
	assert.Equal(t, 1, atomicGet(t, ref))
}

func TestConstructedRef(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)

	txn := f.Begin()
	ref, err := NewRefIn(txn, "fresh")
	require.NoError(t, err)
	v, err := ref.Get(txn)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)

	other := f.Begin()
	_, err = ref.Get(other)
	assert.ErrorIs(t, err, ErrReadWriteConflict, "invisible before commit")

	require.NoError(t, txn.Commit())
	assert.Equal(t, "fresh", atomicGet(t, ref))
	assert.Equal(t, uint64(1), ref.Version())
}

func TestAbortedConstructionStaysLocked(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)

	txn := f.Begin()
	ref, err := NewRefIn(txn, 1)
	require.NoError(t, err)
	require.NoError(t, txn.Abort())

	_, err = ref.AtomicGet()
	assert.ErrorIs(t, err, ErrLocked)
	assert.True(t, ref.Base().Orec().IsExclusive())
}

func TestConstructedRefBelongsToItsTransaction(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)

	owner := f.Begin()
	ref, err := NewRefIn(owner, 1)
	require.NoError(t, err)

	intruder := f.Begin()
	_, err = intruder.OpenForConstruction(ref.Base())
	assert.ErrorIs(t, err, ErrIllegalArgument)
	assert.Equal(t, TxnAborted, intruder.Status())

	require.NoError(t, owner.Commit())
	assert.Equal(t, 1, atomicGet(t, ref))
	assert.Equal(t, uint64(1), ref.Version())
	assert.Equal(t, LockNone, ref.Base().Orec().LockMode())

	// Neither a published nor an abandoned ref can be constructed again.
	late := f.Begin()
	_, err = late.OpenForConstruction(ref.Base())
	assert.ErrorIs(t, err, ErrIllegalArgument)

	abandoned := f.Begin()
	orphan, err := NewRefIn(abandoned, 2)
	require.NoError(t, err)
	require.NoError(t, abandoned.Abort())
	late = f.Begin()
	_, err = late.OpenForConstruction(orphan.Base())
	assert.ErrorIs(t, err, ErrIllegalArgument)
	assert.True(t, orphan.Base().Orec().IsExclusive())
}

func TestReadonlyTxnRejectsWrites(t *testing.T) {
	s := newTestStm(t)
	f := newTestFactory(t, s, func(cfg *TxnConfig) {
		cfg.Readonly = true
	})
	ref := NewRef(s, 1)

	txn := f.Begin()
	_, err := ref.Get(txn)
	require.NoError(t, err)
	assert.ErrorIs(t, ref.Set(txn, 2), ErrReadonly)
	assert.Equal(t, TxnAborted, txn.Status())
}

func TestIllegalArguments(t *testing.T) {
	s := newTestStm(t)
	foreign := NewRef(newTestStm(t), 1)
	f := newFatFactory(t, s)

	txn := f.Begin()
	_, err := txn.OpenForRead(nil, LockNone)
	assert.ErrorIs(t, err, ErrIllegalArgument)
	assert.Equal(t, TxnAborted, txn.Status())

	txn = f.Begin()
	_, err = foreign.Get(txn)
	assert.ErrorIs(t, err, ErrIllegalArgument)

	txn = f.Begin()
	assert.ErrorIs(t, txn.Register(nil), ErrIllegalArgument)
}

func TestListeners(t *testing.T) {
	s := newTestStm(t)
	var permanent []TxnEvent
	f := newTestFactory(t, s, func(cfg *TxnConfig) {
		cfg.Speculative = false
		cfg.PermanentListeners = []TxnListener{TxnListenerFunc(func(_ *Txn, e TxnEvent) error {
			permanent = append(permanent, e)
			return nil
		})}
	})
	ref := NewRef(s, 1)

	var events []TxnEvent
	txn := f.Begin()
	require.NoError(t, txn.Register(TxnListenerFunc(func(_ *Txn, e TxnEvent) error {
		events = append(events, e)
		return nil
	})))
	require.NoError(t, ref.Set(txn, 2))
	require.NoError(t, txn.Commit())
	assert.Equal(t, []TxnEvent{PrePrepare, PostCommit}, events)
	assert.Equal(t, []TxnEvent{PrePrepare, PostCommit}, permanent)

	permanent = nil
	txn = f.Begin()
	require.NoError(t, txn.Abort())
	assert.Equal(t, []TxnEvent{PostAbort}, permanent)
}

func TestFailingPrePrepareListenerAborts(t *testing.T) {
	s := newTestStm(t)
	f := newFatFactory(t, s)
	ref := NewRef(s, 1)
	boom := errors.New("boom")

	var events []TxnEvent
	txn := f.Begin()
	require.NoError(t, txn.Register(TxnListenerFunc(func(_ *Txn, e TxnEvent) error {
		events = append(events, e)
		if e == PrePrepare {
			return boom
		}
		return nil
	})))
	require.NoError(t, ref.Set(txn, 2))

	assert.ErrorIs(t, txn.Commit(), boom)
	assert.Equal(t, TxnAborted, txn.Status())
	assert.Equal(t, []TxnEvent{PrePrepare, PostAbort}, events)
	assert.Equal(t, 1, atomicGet(t, ref))
}

func TestSpeculativeFailureEscalatesFamily(t *testing.T) {
	s := newTestStm(t)
	f := newTestFactory(t, s, nil)
	ref := NewRef(s, 1)

	txn := f.Begin()
	assert.Equal(t, LeanMono, txn.Shape())
	err := ref.Acquire(txn, LockWrite)
	assert.ErrorIs(t, err, ErrSpeculativeConfiguration)
	assert.Equal(t, TxnAborted, txn.Status())
	assert.Equal(t, 0, ref.Base().Orec().Surplus())

	assert.True(t, f.SpeculativeConfiguration().has(featureLocks))
	txn = f.Begin()
	assert.Equal(t, FatMono, txn.Shape())
	require.NoError(t, ref.Acquire(txn, LockWrite))
	require.NoError(t, txn.Abort())
}

func TestFreshControlFlowErrors(t *testing.T) {
	s := newTestStm(t)
	f := newTestFactory(t, s, func(cfg *TxnConfig) {
		cfg.Speculative = false
		cfg.ControlFlowErrorsReused = false
	})
	ref := NewRef(s, 1)

	owner := f.Begin()
	require.NoError(t, ref.Acquire(owner, LockExclusive))

	txn := f.Begin()
	_, err := ref.Get(txn)
	require.Error(t, err)
	assert.NotEqual(t, ErrReadWriteConflict, err)
	assert.ErrorIs(t, err, ErrReadWriteConflict)
	assert.Contains(t, err.Error(), t.Name())
	assert.True(t, IsControlFlow(err))
	require.NoError(t, owner.Abort())
}
