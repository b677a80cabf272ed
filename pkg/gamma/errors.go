package gamma

import "github.com/pkg/errors"

// Errors returned by transactions. Test for them with errors.Is: depending on
// TxnConfig.ControlFlowErrorsReused the control flow errors are returned as is
// or wrapped with a message and a stack.
var (
	// ErrDeadTxn is returned for an operation on a committed or aborted
	// transaction.
	ErrDeadTxn = errors.New("gamma: transaction is dead")
	// ErrPreparedTxn is returned for an operation that needs an active
	// transaction on a prepared one. The transaction is aborted.
	ErrPreparedTxn = errors.New("gamma: transaction is prepared")
	// ErrReadWriteConflict means a lock could not be acquired or a read was
	// invalidated. The transaction body should be run again.
	ErrReadWriteConflict = errors.New("gamma: read write conflict")
	// ErrAbortOnly is the conflict returned when committing a transaction
	// that was marked abort only.
	ErrAbortOnly = errors.WithMessage(ErrReadWriteConflict, "transaction is abort only")
	// ErrRetry is returned by Txn.Retry. The transaction body must return it
	// so the executor can block until one of the refs read changes.
	ErrRetry = errors.New("gamma: retry")
	// ErrRetryTimeout means the transaction timeout elapsed while blocked in
	// a retry.
	ErrRetryTimeout = errors.New("gamma: retry timed out")
	// ErrRetryInterrupted means the context of an interruptible transaction
	// was done while it was blocked in a retry.
	ErrRetryInterrupted = errors.New("gamma: retry interrupted")
	// ErrRetryNotPossible means Retry was called on a transaction that has
	// not read anything it could wait on.
	ErrRetryNotPossible = errors.New("gamma: retry not possible without tracked reads")
	// ErrRetryNotAllowed means Retry was called while blocking is disabled.
	ErrRetryNotAllowed = errors.New("gamma: retry not allowed, blocking is disabled")
	// ErrSpeculativeConfiguration means the transaction shape lacks a needed
	// feature. The family configuration has been escalated already and the
	// executor rebuilds the transaction.
	ErrSpeculativeConfiguration = errors.New("gamma: speculative configuration failure")
	// ErrTooManyRetries means the executor gave up after TxnConfig.MaxRetries
	// attempts.
	ErrTooManyRetries = errors.New("gamma: too many retries")
	// ErrLocked is returned by the atomic ref operations when the ref is
	// locked by a transaction.
	ErrLocked = errors.New("gamma: ref is locked")
	// ErrReadonly is returned for a write in a readonly transaction.
	ErrReadonly = errors.New("gamma: transaction is readonly")
	// ErrIllegalCommute is returned when a commute function opens a ref.
	ErrIllegalCommute = errors.New("gamma: commute function may not open refs")
	// ErrIllegalArgument is returned for a nil or foreign ref or a nil
	// function.
	ErrIllegalArgument = errors.New("gamma: illegal argument")
)

// IsControlFlow reports whether err is part of the expected retry driven
// control flow rather than a failure to report.
func IsControlFlow(err error) bool {
	return errors.Is(err, ErrReadWriteConflict) ||
		errors.Is(err, ErrRetry) ||
		errors.Is(err, ErrSpeculativeConfiguration)
}
