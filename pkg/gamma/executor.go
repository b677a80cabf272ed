package gamma

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Atomic runs body in a transaction of the family and commits it. The body
// is run again after a read write conflict, after a blocking retry was woken
// up and after a speculative failure. Any other error aborts the transaction
// and is returned as is.
func (f *TxnFactory) Atomic(ctx context.Context, body func(txn *Txn) error) error {
	if body == nil {
		return errors.WithMessage(ErrIllegalArgument, "nil transaction body")
	}
	_, err := Execute(ctx, f, func(txn *Txn) (struct{}, error) {
		return struct{}{}, body(txn)
	})
	return err
}

// Execute is Atomic for a body that returns a result.
func Execute[T any](ctx context.Context, f *TxnFactory, body func(txn *Txn) (T, error)) (T, error) {
	var zero T
	if body == nil {
		return zero, errors.WithMessage(ErrIllegalArgument, "nil transaction body")
	}

	var b backoff.BackOff
	txn := f.Begin()
	defer func() {
		f.release(txn)
	}()

	for {
		result, err := runOnce(txn, body)
		if err == nil {
			return result, nil
		}

		switch {
		case errors.Is(err, ErrSpeculativeConfiguration):
			txn = f.upgrade(txn)
			continue
		case errors.Is(err, ErrRetry):
			if err := f.awaitRetry(ctx, txn); err != nil {
				return zero, err
			}
		case errors.Is(err, ErrReadWriteConflict):
			if b == nil {
				b = f.newBackOff()
			}
			delay := b.NextBackOff()
			f.logger.Debug("transaction conflict",
				zap.Int("attempt", txn.attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
			if err := f.sleep(ctx, delay); err != nil {
				return zero, err
			}
		default:
			return zero, err
		}

		if txn.attempt >= f.config.MaxRetries {
			return zero, errors.Wrapf(ErrTooManyRetries, "[%s] gave up after %d attempts", f.config.FamilyName, txn.attempt)
		}
		txn.attempt++
		txn = f.upgrade(txn)
	}
}

// runOnce runs one attempt of body and commits on success.
func runOnce[T any](txn *Txn, body func(txn *Txn) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			txn.abortQuietly()
			panic(r)
		}
	}()

	result, err = body(txn)
	if err != nil {
		txn.abortQuietly()
		return result, err
	}
	return result, txn.Commit()
}

// awaitRetry blocks until a ref read by the retrying attempt changes.
func (f *TxnFactory) awaitRetry(ctx context.Context, txn *Txn) error {
	if !txn.retryPending {
		return errors.WithMessagef(ErrRetryNotPossible, "[%s] ErrRetry returned without Txn.Retry", f.config.FamilyName)
	}
	txn.retryPending = false
	latch, era := txn.retryLatch, txn.retryEra

	f.stm.metrics.incRetryWait(f.config.FamilyName)
	f.logger.Debug("transaction waiting for a change",
		zap.Int("attempt", txn.attempt),
		zap.Duration("remaining-timeout", txn.remainingTimeout))

	if !f.config.hasTimeout() {
		if !f.config.Interruptible {
			latch.AwaitUninterruptibly(era)
			return nil
		}
		if err := latch.Await(ctx, era); err != nil {
			return errors.Wrapf(ErrRetryInterrupted, "[%s attempt %d] %v", f.config.FamilyName, txn.attempt, err)
		}
		return nil
	}

	var remaining time.Duration
	if f.config.Interruptible {
		var err error
		remaining, err = latch.AwaitTimeout(ctx, era, txn.remainingTimeout)
		if err != nil {
			return errors.Wrapf(ErrRetryInterrupted, "[%s attempt %d] %v", f.config.FamilyName, txn.attempt, err)
		}
	} else {
		remaining = latch.AwaitUninterruptiblyTimeout(era, txn.remainingTimeout)
	}
	txn.remainingTimeout = remaining
	if !latch.IsOpen() {
		f.stm.metrics.incRetryTimeout(f.config.FamilyName)
		return errors.Wrapf(ErrRetryTimeout, "[%s attempt %d] after %s", f.config.FamilyName, txn.attempt, f.config.Timeout)
	}
	return nil
}

func (f *TxnFactory) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.config.BackoffInitial.Duration
	b.MaxInterval = f.config.BackoffMax.Duration
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits out a backoff delay. Only interruptible families stop early.
func (f *TxnFactory) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if !f.config.Interruptible {
		time.Sleep(delay)
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ErrRetryInterrupted, "[%s] %v", f.config.FamilyName, ctx.Err())
	}
}
