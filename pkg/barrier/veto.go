package barrier

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// VetoCommitBarrier commits its transactions as soon as one party vetoes.
type VetoCommitBarrier struct {
	commitBarrier
}

// NewVetoCommitBarrier creates a closed barrier.
func NewVetoCommitBarrier(opts ...Option) *VetoCommitBarrier {
	b := &VetoCommitBarrier{}
	b.init(opts)
	return b
}

// JoinCommit prepares txn and blocks until some party vetoes the commit or
// the barrier aborts. If ctx is done first the barrier is aborted.
func (b *VetoCommitBarrier) JoinCommit(ctx context.Context, txn Txn) error {
	p, err := b.prepare(txn)
	if err != nil {
		return err
	}
	b.mu.Unlock()
	return b.await(ctx, p)
}

// JoinCommitUninterruptibly is JoinCommit without cancellation.
func (b *VetoCommitBarrier) JoinCommitUninterruptibly(txn Txn) error {
	return b.JoinCommit(context.Background(), txn)
}

// VetoCommit prepares txn, when not nil, and commits it together with every
// joined transaction. It returns the commit error of txn.
func (b *VetoCommitBarrier) VetoCommit(txn Txn) error {
	var p *party
	if txn != nil {
		var err error
		if p, err = b.prepare(txn); err != nil {
			return err
		}
	} else {
		b.mu.Lock()
		if b.state != stateClosed {
			s := b.state
			b.mu.Unlock()
			return errors.WithMessagef(ErrCommitBarrierOpen, "can't veto, barrier is %s", s)
		}
	}

	parties, tasks := b.openLocked(stateCommitted)
	b.mu.Unlock()
	if err := b.finishCommit(parties, tasks); err != nil {
		b.logger.Warn("commit barrier task failed", zap.Error(err))
	}
	if p != nil {
		return p.err
	}
	return nil
}
