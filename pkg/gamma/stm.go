package gamma

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/gammastm/gamma/internal"
)

const atomicFamilyName = "gamma.atomic"

// Stm owns a set of refs and the transactions that access them. Refs of
// different Stm instances can't be mixed in one transaction.
type Stm struct {
	config  *TxnConfig
	logger  *zap.Logger
	metrics *Metrics

	counter internal.ConflictCounter
	refIDs  atomic.Uint64

	defaultFactory *TxnFactory
	atomicFactory  *TxnFactory
}

// Option configures an Stm.
type Option func(*Stm)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stm) {
		s.logger = logger
	}
}

// WithMetrics makes the Stm record into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Stm) {
		s.metrics = m
	}
}

// WithDefaultTxnConfig sets the configuration of Stm.Atomic and Stm.Begin.
func WithDefaultTxnConfig(cfg *TxnConfig) Option {
	return func(s *Stm) {
		s.config = cfg
	}
}

// New creates an Stm.
func New(opts ...Option) (*Stm, error) {
	s := &Stm{
		config: DefaultTxnConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.defaultFactory, err = s.NewTxnFactory(s.config); err != nil {
		return nil, errors.WithMessage(err, "default transaction config")
	}

	atomicConfig := DefaultTxnConfig()
	atomicConfig.FamilyName = atomicFamilyName
	atomicConfig.WriteLockMode = LockExclusive
	atomicConfig.ControlFlowErrorsReused = true
	s.atomicFactory = newTxnFactory(s, atomicConfig, newFullSpeculativeConfiguration(1))
	return s, nil
}

// NewTxnFactory creates a transaction family for cfg.
func (s *Stm) NewTxnFactory(cfg *TxnConfig) (*TxnFactory, error) {
	cfg = cfg.Clone()
	cfg.Adjust()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTxnFactory(s, cfg, initialSpeculativeConfiguration(cfg)), nil
}

// Begin starts a transaction of the default family.
func (s *Stm) Begin() *Txn {
	return s.defaultFactory.Begin()
}

// Atomic runs body in a transaction of the default family until it commits.
func (s *Stm) Atomic(ctx context.Context, body func(txn *Txn) error) error {
	return s.defaultFactory.Atomic(ctx, body)
}

// DefaultTxnFactory returns the family used by Begin and Atomic.
func (s *Stm) DefaultTxnFactory() *TxnFactory {
	return s.defaultFactory
}

// GlobalConflictCount returns the number of commits that may have
// invalidated readers.
func (s *Stm) GlobalConflictCount() uint64 {
	return s.counter.Count()
}

// Metrics returns the metrics the Stm records into, possibly nil.
func (s *Stm) Metrics() *Metrics {
	return s.metrics
}

// Logger returns the logger of the Stm.
func (s *Stm) Logger() *zap.Logger {
	return s.logger
}

// NewBaseRef creates a committed ref holding value.
func (s *Stm) NewBaseRef(value any) *BaseRef {
	return newBaseRef(s, value, 1)
}

// NewConstructingRef creates a ref that stays exclusively locked until txn
// commits. If txn aborts the ref is never usable.
func (s *Stm) NewConstructingRef(txn *Txn) (*BaseRef, error) {
	if txn == nil || txn.factory.stm != s {
		return nil, errors.WithMessage(ErrIllegalArgument, "transaction of another stm")
	}
	ref := newBaseRef(s, nil, 0)
	ref.orec.InitExclusive()
	ref.constructor.Store(txn)
	if _, err := txn.OpenForConstruction(ref); err != nil {
		return nil, err
	}
	return ref, nil
}
