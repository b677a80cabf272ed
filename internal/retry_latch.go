package internal

import (
	"context"
	"sync"
	"time"
)

// RetryLatch lets a blocked transaction wait until one of the refs it read
// changes. Every Reset starts a new era; Open only has effect for the era it
// was registered with, so a stale notification can never wake a later wait.
type RetryLatch struct {
	mu     sync.Mutex
	era    uint64
	isOpen bool
	openCh chan struct{}
}

// NewRetryLatch returns a closed latch.
func NewRetryLatch() *RetryLatch {
	return &RetryLatch{openCh: make(chan struct{})}
}

// Era returns the current era.
func (l *RetryLatch) Era() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.era
}

// IsOpen reports whether the latch is open in the current era.
func (l *RetryLatch) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isOpen
}

// Open opens the latch if it is still in the given era.
func (l *RetryLatch) Open(era uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.era != era || l.isOpen {
		return
	}
	l.isOpen = true
	close(l.openCh)
}

// Reset closes the latch and moves it to the next era. It returns the new era.
func (l *RetryLatch) Reset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.era++
	if l.isOpen {
		l.isOpen = false
		l.openCh = make(chan struct{})
	}
	return l.era
}

// wait returns the channel to wait on, or nil when the wait for era is
// already over.
func (l *RetryLatch) wait(era uint64) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.era != era || l.isOpen {
		return nil
	}
	return l.openCh
}

// Await blocks until the latch opens for era or ctx is done.
func (l *RetryLatch) Await(ctx context.Context, era uint64) error {
	ch := l.wait(era)
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitUninterruptibly blocks until the latch opens for era.
func (l *RetryLatch) AwaitUninterruptibly(era uint64) {
	if ch := l.wait(era); ch != nil {
		<-ch
	}
}

// AwaitTimeout blocks until the latch opens for era, the timeout elapses or
// ctx is done. It returns the part of the timeout that is left; zero or less
// means the wait timed out.
func (l *RetryLatch) AwaitTimeout(ctx context.Context, era uint64, timeout time.Duration) (time.Duration, error) {
	ch := l.wait(era)
	if ch == nil {
		return timeout, nil
	}
	if timeout <= 0 {
		return timeout, nil
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return timeout - time.Since(start), nil
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return timeout - time.Since(start), ctx.Err()
	}
}

// AwaitUninterruptiblyTimeout is AwaitTimeout without cancellation.
func (l *RetryLatch) AwaitUninterruptiblyTimeout(era uint64, timeout time.Duration) time.Duration {
	remaining, _ := l.AwaitTimeout(context.Background(), era, timeout)
	return remaining
}
