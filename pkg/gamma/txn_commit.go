package gamma

import "github.com/pkg/errors"

// Prepare acquires the commit locks and validates the reads, after which
// Commit can't fail on a conflict. Preparing a prepared transaction does
// nothing.
func (t *Txn) Prepare() error {
	switch t.status {
	case TxnPrepared:
		return nil
	case TxnCommitted, TxnAborted:
		return errors.WithMessagef(ErrDeadTxn, "prepare of %s", t)
	}
	return t.prepare()
}

func (t *Txn) prepare() error {
	if t.abortOnly {
		t.abortQuietly()
		return t.controlFlowError(ErrAbortOnly, "commit of an abort only transaction")
	}
	if err := t.notify(PrePrepare); err != nil {
		t.abortQuietly()
		return err
	}
	if t.hasWrites || t.hasEnsures {
		if err := t.prepareWork(); err != nil {
			return err
		}
	}
	t.status = TxnPrepared
	return nil
}

func (t *Txn) prepareWork() error {
	if t.config.skipPrepare() && !t.hasCommutes {
		// Everything is exclusively locked since it was opened.
		t.set.each(func(tl *Tranlocal) bool {
			tl.isDirty = tl.mode == modeWrite
			return true
		})
		return nil
	}

	var err error
	dirty := false
	t.set.each(func(tl *Tranlocal) bool {
		switch tl.mode {
		case modeCommute:
			err = t.prepareCommute(tl)
			dirty = true
		case modeWrite:
			err = t.prepareWrite(tl)
			dirty = dirty || tl.isDirty
		case modeRead:
			if tl.isEnsured {
				err = t.prepareEnsure(tl)
			}
		}
		return err == nil
	})
	if err != nil {
		return err
	}

	if dirty {
		if err := t.validateReads(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Txn) prepareWrite(tl *Tranlocal) error {
	if t.config.DirtyCheck && valuesEqual(tl.value, tl.readValue) {
		tl.isDirty = false
		if tl.isEnsured {
			return t.prepareEnsure(tl)
		}
		return nil
	}
	tl.isDirty = true
	if tl.lockMode < LockWrite {
		return t.lock(tl, LockWrite)
	}
	return nil
}

func (t *Txn) prepareEnsure(tl *Tranlocal) error {
	if tl.lockMode < LockRead {
		return t.lock(tl, LockRead)
	}
	return nil
}

func (t *Txn) prepareCommute(tl *Tranlocal) error {
	lockMode := t.config.WriteLockMode
	if lockMode < LockWrite {
		lockMode = LockWrite
	}
	if err := t.arrive(tl, lockMode); err != nil {
		return err
	}
	value, err := t.applyCommutes(tl.value, tl.commutes...)
	if err != nil {
		return err
	}
	tl.value = value
	tl.mode = modeWrite
	tl.isDirty = true
	return nil
}

// validateReads checks the unlocked reads of a writing transaction once its
// writes are locked.
func (t *Txn) validateReads() error {
	if t.richMansConflictScan {
		global := t.factory.counter().Count()
		if global == t.localConflictCount {
			return nil
		}
		if !t.isReadConsistent() {
			return t.conflict("read invalidated before commit, conflict count %d", global)
		}
		return nil
	}
	if !t.isReadConsistent() {
		return t.conflict("read invalidated before commit")
	}
	return nil
}

// Commit makes the writes of the transaction visible. An active transaction
// is prepared first. Committing a committed transaction does nothing.
func (t *Txn) Commit() error {
	switch t.status {
	case TxnCommitted:
		return nil
	case TxnAborted:
		return errors.WithMessagef(ErrDeadTxn, "commit of %s", t)
	case TxnActive:
		if err := t.prepare(); err != nil {
			return err
		}
	}

	wake := t.commitWrites()
	t.status = TxnCommitted
	t.factory.stm.metrics.incCommit(t.config.FamilyName)
	for _, node := range wake {
		notifyListeners(node)
	}
	return t.notify(PostCommit)
}

// commitWrites publishes the dirty writes of a prepared transaction and
// departs from every other ref. All written refs are moved to the
// exclusive commit lock before the first value is published, so a reader
// either sees none of the new values or has its reads invalidated.
func (t *Txn) commitWrites() []*listenerNode {
	if t.hasWrites {
		conflict := false
		t.set.each(func(tl *Tranlocal) bool {
			if tl.mode == modeWrite && tl.isDirty && tl.ref.orec.UpgradeToCommitLock(tl.hasDepartObligation) {
				conflict = true
			}
			return true
		})
		if conflict {
			t.factory.counter().Signal()
		}
	}

	var wake []*listenerNode
	t.set.each(func(tl *Tranlocal) bool {
		orec := &tl.ref.orec
		switch {
		case tl.mode == modeConstruct:
			tl.ref.constructor.Store(nil)
			if node := tl.ref.publish(tl.value); node != nil {
				wake = append(wake, node)
			}
			orec.DepartAfterUpdateAndUnlock(false)
		case tl.mode == modeWrite && tl.isDirty:
			if node := tl.ref.publish(tl.value); node != nil {
				wake = append(wake, node)
			}
			orec.DepartAfterUpdateAndUnlock(tl.hasDepartObligation)
		default:
			orec.DepartAfterReadingAndUnlock(t.config.ReadBiasedThreshold, tl.hasDepartObligation, tl.lockMode)
		}
		tl.hasDepartObligation = false
		tl.lockMode = LockNone
		return true
	})
	return wake
}
