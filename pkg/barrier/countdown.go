package barrier

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gammastm/gamma/pkg/gamma"
)

// CountDownCommitBarrier commits its transactions once a fixed number of
// parties joined.
type CountDownCommitBarrier struct {
	commitBarrier
	parties int
}

// NewCountDownCommitBarrier creates a closed barrier waiting for parties.
func NewCountDownCommitBarrier(parties int, opts ...Option) (*CountDownCommitBarrier, error) {
	if parties <= 0 {
		return nil, errors.WithMessagef(gamma.ErrIllegalArgument, "parties must be positive, got %d", parties)
	}
	b := &CountDownCommitBarrier{parties: parties}
	b.init(opts)
	return b, nil
}

// Parties returns the number of parties the barrier waits for.
func (b *CountDownCommitBarrier) Parties() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parties
}

// AtomicIncParties raises the number of parties by extra.
func (b *CountDownCommitBarrier) AtomicIncParties(extra int) error {
	if extra < 0 {
		return errors.WithMessagef(gamma.ErrIllegalArgument, "extra parties can't be negative, got %d", extra)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateClosed {
		return errors.WithMessagef(ErrCommitBarrierOpen, "can't add parties, barrier is %s", b.state)
	}
	b.parties += extra
	return nil
}

// JoinCommit prepares txn and blocks until all parties joined, then every
// transaction is committed. If ctx is done first the barrier is aborted. A
// failing prepare is returned without counting txn as a party.
func (b *CountDownCommitBarrier) JoinCommit(ctx context.Context, txn Txn) error {
	p, last, err := b.join(txn)
	if err != nil {
		return err
	}
	if last {
		return p.err
	}
	return b.await(ctx, p)
}

// JoinCommitUninterruptibly is JoinCommit without cancellation.
func (b *CountDownCommitBarrier) JoinCommitUninterruptibly(txn Txn) error {
	return b.JoinCommit(context.Background(), txn)
}

// TryJoinCommit is JoinCommit that waits at most timeout. It returns false
// when the wait timed out, in which case the barrier is aborted.
func (b *CountDownCommitBarrier) TryJoinCommit(ctx context.Context, txn Txn, timeout time.Duration) (bool, error) {
	p, last, err := b.join(txn)
	if err != nil {
		return false, err
	}
	if last {
		return true, p.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.openCh:
	case <-timer.C:
		if b.abort() {
			return false, nil
		}
		<-b.openCh
	case <-ctx.Done():
		if b.abort() {
			return false, errors.Wrapf(ErrCommitBarrierAborted, "interrupted: %v", ctx.Err())
		}
		<-b.openCh
	}
	if err := b.outcome(p); err != nil {
		return false, err
	}
	return true, nil
}

// CountDown counts a party that has no transaction.
func (b *CountDownCommitBarrier) CountDown() error {
	b.mu.Lock()
	if b.state != stateClosed {
		b.mu.Unlock()
		return errors.WithMessagef(ErrCommitBarrierOpen, "can't count down, barrier is %s", b.state)
	}
	b.numberWaiting++
	return b.maybeCommitAndUnlock()
}

// join prepares txn and commits the barrier when it is the last party.
func (b *CountDownCommitBarrier) join(txn Txn) (*party, bool, error) {
	p, err := b.prepare(txn)
	if err != nil {
		return nil, false, err
	}
	if b.numberWaiting < b.parties {
		b.mu.Unlock()
		return p, false, nil
	}
	// Task errors don't concern the joining transaction.
	if err := b.maybeCommitAndUnlock(); err != nil {
		b.logger.Warn("commit barrier task failed", zap.Error(err))
	}
	return p, true, nil
}

// maybeCommitAndUnlock commits the barrier if every party arrived and
// releases the lock. It returns the error of the first failing commit task.
func (b *CountDownCommitBarrier) maybeCommitAndUnlock() error {
	if b.numberWaiting < b.parties {
		b.mu.Unlock()
		return nil
	}
	parties, tasks := b.openLocked(stateCommitted)
	b.mu.Unlock()
	return b.finishCommit(parties, tasks)
}
