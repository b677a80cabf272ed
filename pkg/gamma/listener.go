package gamma

import "fmt"

// TxnEvent is a point in the lifecycle of a transaction.
type TxnEvent uint8

const (
	// PrePrepare is sent before the transaction acquires its commit locks.
	// An error aborts the transaction.
	PrePrepare TxnEvent = iota
	// PostCommit is sent after the writes are visible.
	PostCommit
	// PostAbort is sent after the transaction released everything.
	PostAbort
)

func (e TxnEvent) String() string {
	switch e {
	case PrePrepare:
		return "PrePrepare"
	case PostCommit:
		return "PostCommit"
	case PostAbort:
		return "PostAbort"
	default:
		return fmt.Sprintf("TxnEvent(%d)", uint8(e))
	}
}

// TxnListener is notified synchronously of transaction events.
type TxnListener interface {
	Notify(txn *Txn, event TxnEvent) error
}

// TxnListenerFunc adapts a function to TxnListener.
type TxnListenerFunc func(txn *Txn, event TxnEvent) error

func (f TxnListenerFunc) Notify(txn *Txn, event TxnEvent) error {
	return f(txn, event)
}
