// Package barrier lets independent transactions commit together or not at
// all.
package barrier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gammastm/gamma/pkg/gamma"
)

var (
	// ErrCommitBarrierOpen is returned for an operation that needs a closed
	// barrier after the barrier committed or aborted. A transaction passed
	// to the failing call is left untouched, unless the barrier opened while
	// it was being prepared, in which case it is aborted.
	ErrCommitBarrierOpen = errors.New("barrier: commit barrier is open")
	// ErrCommitBarrierAborted is returned to the parties that were waiting
	// when the barrier aborted. Their transactions are aborted.
	ErrCommitBarrierAborted = errors.New("barrier: commit barrier aborted")
)

// Txn is the part of a transaction a barrier drives. *gamma.Txn implements
// it.
type Txn interface {
	Prepare() error
	Commit() error
	Abort() error
}

// Task is run once when the barrier commits or aborts.
type Task func() error

type state uint8

const (
	stateClosed state = iota
	stateCommitted
	stateAborted
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "Closed"
	case stateCommitted:
		return "Committed"
	case stateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Option configures a barrier.
type Option func(*commitBarrier)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(b *commitBarrier) {
		b.logger = logger
	}
}

// WithMetrics makes the barrier count its outcome into m.
func WithMetrics(m *gamma.Metrics) Option {
	return func(b *commitBarrier) {
		b.metrics = m
	}
}

// party is a transaction waiting in the barrier and the result of its
// commit.
type party struct {
	txn Txn
	err error
}

// commitBarrier holds what the barrier kinds share: the state machine, the
// waiting parties and the tasks.
type commitBarrier struct {
	mu            sync.Mutex
	state         state
	numberWaiting int
	joined        []*party
	onCommit      []Task
	onAbort       []Task
	timer         *time.Timer
	// openCh is closed once every party has been committed or aborted.
	openCh chan struct{}

	logger  *zap.Logger
	metrics *gamma.Metrics
}

func (b *commitBarrier) init(opts []Option) {
	b.openCh = make(chan struct{})
	b.logger = zap.NewNop()
	for _, opt := range opts {
		opt(b)
	}
}

// IsClosed reports whether the barrier still accepts parties.
func (b *commitBarrier) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateClosed
}

// IsCommitted reports whether the barrier committed.
func (b *commitBarrier) IsCommitted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateCommitted
}

// IsAborted reports whether the barrier aborted.
func (b *commitBarrier) IsAborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateAborted
}

// NumberWaiting returns the number of parties that joined so far.
func (b *commitBarrier) NumberWaiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numberWaiting
}

// RegisterOnCommitTask adds a task run after the barrier committed.
func (b *commitBarrier) RegisterOnCommitTask(task Task) error {
	return b.registerTask(&b.onCommit, task)
}

// RegisterOnAbortTask adds a task run after the barrier aborted.
func (b *commitBarrier) RegisterOnAbortTask(task Task) error {
	return b.registerTask(&b.onAbort, task)
}

func (b *commitBarrier) registerTask(tasks *[]Task, task Task) error {
	if task == nil {
		return errors.WithMessage(gamma.ErrIllegalArgument, "nil task")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateClosed {
		return errors.WithMessagef(ErrCommitBarrierOpen, "can't register a task, barrier is %s", b.state)
	}
	*tasks = append(*tasks, task)
	return nil
}

// SetTimeout aborts the barrier when it is still closed after d. A later
// call replaces the earlier timeout.
func (b *commitBarrier) SetTimeout(d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateClosed {
		return errors.WithMessagef(ErrCommitBarrierOpen, "can't set a timeout, barrier is %s", b.state)
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d, func() {
		if b.abort() {
			b.logger.Info("commit barrier timed out", zap.Duration("timeout", d))
		}
	})
	return nil
}

// Abort aborts every joined transaction and runs the abort tasks. Aborting
// an aborted barrier does nothing; aborting a committed one fails with
// ErrCommitBarrierOpen. The returned error is the one of the first failing
// abort task.
func (b *commitBarrier) Abort() error {
	b.mu.Lock()
	switch b.state {
	case stateAborted:
		b.mu.Unlock()
		return nil
	case stateCommitted:
		b.mu.Unlock()
		return errors.WithMessage(ErrCommitBarrierOpen, "can't abort a committed barrier")
	}
	parties, tasks := b.openLocked(stateAborted)
	b.mu.Unlock()
	return b.finishAbort(parties, tasks)
}

// abort aborts the barrier if it is closed and reports whether it did.
func (b *commitBarrier) abort() bool {
	b.mu.Lock()
	if b.state != stateClosed {
		b.mu.Unlock()
		return false
	}
	parties, tasks := b.openLocked(stateAborted)
	b.mu.Unlock()
	if err := b.finishAbort(parties, tasks); err != nil {
		b.logger.Warn("commit barrier abort task failed", zap.Error(err))
	}
	return true
}

// openLocked moves a closed barrier to to and hands back the parties and
// tasks to finish outside the lock.
func (b *commitBarrier) openLocked(to state) ([]*party, []Task) {
	b.state = to
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	joined := b.joined
	b.joined = nil
	var tasks []Task
	if to == stateCommitted {
		tasks = b.onCommit
	} else {
		tasks = b.onAbort
	}
	b.onCommit, b.onAbort = nil, nil
	return joined, tasks
}

func (b *commitBarrier) finishAbort(parties []*party, tasks []Task) error {
	for _, p := range parties {
		if err := p.txn.Abort(); err != nil {
			p.err = err
			b.logger.Warn("commit barrier party abort failed", zap.Error(err))
		}
	}
	b.metrics.BarrierAborted()
	close(b.openCh)
	return runTasks(tasks)
}

// finishCommit commits every prepared party, releases the waiting ones and
// runs the commit tasks.
func (b *commitBarrier) finishCommit(parties []*party, tasks []Task) error {
	for _, p := range parties {
		p.err = p.txn.Commit()
		if p.err != nil {
			b.logger.Warn("commit barrier party commit failed", zap.Error(p.err))
		}
	}
	b.metrics.BarrierCommitted()
	close(b.openCh)
	return runTasks(tasks)
}

func runTasks(tasks []Task) error {
	for i, task := range tasks {
		if err := task(); err != nil {
			return errors.Wrapf(err, "barrier task %d", i)
		}
	}
	return nil
}

// prepare prepares txn and adds it to the waiting parties. On success b.mu
// is held. The prepare runs unlocked so listeners of txn may use the
// barrier. If the barrier opened meanwhile txn is aborted.
func (b *commitBarrier) prepare(txn Txn) (*party, error) {
	if txn == nil {
		return nil, errors.WithMessage(gamma.ErrIllegalArgument, "nil transaction")
	}
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != stateClosed {
		return nil, errors.WithMessagef(ErrCommitBarrierOpen, "can't join, barrier is %s", s)
	}
	if err := txn.Prepare(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if s = b.state; s != stateClosed {
		b.mu.Unlock()
		if err := txn.Abort(); err != nil {
			b.logger.Warn("commit barrier party abort failed", zap.Error(err))
		}
		return nil, errors.WithMessagef(ErrCommitBarrierOpen, "barrier became %s while preparing", s)
	}
	p := &party{txn: txn}
	b.joined = append(b.joined, p)
	b.numberWaiting++
	return p, nil
}

// await blocks until the barrier opened and returns the outcome for p. When
// ctx is done first the barrier is aborted.
func (b *commitBarrier) await(ctx context.Context, p *party) error {
	select {
	case <-b.openCh:
	case <-ctx.Done():
		if b.abort() {
			return errors.Wrapf(ErrCommitBarrierAborted, "interrupted: %v", ctx.Err())
		}
		// Someone else opened the barrier concurrently.
		<-b.openCh
	}
	return b.outcome(p)
}

func (b *commitBarrier) outcome(p *party) error {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s == stateAborted {
		if p.err != nil {
			return &abortedError{cause: p.err}
		}
		return ErrCommitBarrierAborted
	}
	return p.err
}

// abortedError is ErrCommitBarrierAborted for a party whose abort failed.
// It matches both ErrCommitBarrierAborted and the abort error.
type abortedError struct {
	cause error
}

func (e *abortedError) Error() string {
	return ErrCommitBarrierAborted.Error() + ": " + e.cause.Error()
}

func (e *abortedError) Is(target error) bool { return target == ErrCommitBarrierAborted }

func (e *abortedError) Unwrap() error { return e.cause }

// AwaitOpen blocks until the barrier committed or aborted, or ctx is done.
func (b *commitBarrier) AwaitOpen(ctx context.Context) error {
	select {
	case <-b.openCh:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// AwaitOpenUninterruptibly blocks until the barrier committed or aborted.
func (b *commitBarrier) AwaitOpenUninterruptibly() {
	<-b.openCh
}

// TryAwaitOpen waits at most timeout for the barrier to open and reports
// whether it did.
func (b *commitBarrier) TryAwaitOpen(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.openCh:
		return true
	case <-timer.C:
		return false
	}
}
