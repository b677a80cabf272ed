package internal

import "go.uber.org/atomic"

// ConflictCounter is the global conflict counter shared by all transactions
// of one stm. A committing writer signals it when readers of the refs it
// writes might be invalidated, so transactions that see an unchanged count
// can skip validating their reads.
type ConflictCounter struct {
	count atomic.Uint64
}

// Signal atomically increments the counter and retrieves the new value.
func (c *ConflictCounter) Signal() uint64 {
	return c.count.Inc()
}

// Count atomically retrieves the current value.
func (c *ConflictCounter) Count() uint64 {
	return c.count.Load()
}
