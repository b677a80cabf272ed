package gamma

import "github.com/gammastm/gamma/internal"

// LockMode is the strength of a lock a transaction holds on a ref.
type LockMode = internal.LockMode

const (
	LockNone      = internal.LockNone
	LockRead      = internal.LockRead
	LockWrite     = internal.LockWrite
	LockExclusive = internal.LockExclusive
)

// ParseLockMode parses "none", "read", "write" or "exclusive".
func ParseLockMode(s string) (LockMode, error) {
	return internal.ParseLockMode(s)
}
