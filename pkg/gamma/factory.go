package gamma

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gammastm/gamma/internal"
)

// Shape is the working set layout and feature level of a transaction.
type Shape uint8

const (
	LeanMono Shape = iota
	LeanFixed
	FatMono
	FatFixed
	FatVariable

	numShapes
)

func (s Shape) String() string {
	switch s {
	case LeanMono:
		return "LeanMono"
	case LeanFixed:
		return "LeanFixed"
	case FatMono:
		return "FatMono"
	case FatFixed:
		return "FatFixed"
	case FatVariable:
		return "FatVariable"
	default:
		return fmt.Sprintf("Shape(%d)", uint8(s))
	}
}

// IsFat reports whether the shape supports every feature.
func (s Shape) IsFat() bool {
	return s >= FatMono
}

// shapeFor picks the cheapest shape serving spec. There is no lean variable
// shape: a lean family that outgrows the fixed length becomes FatVariable.
func shapeFor(cfg *TxnConfig, spec *SpeculativeConfiguration) Shape {
	if !cfg.Speculative {
		return FatVariable
	}
	length := spec.MinimalLength()
	switch {
	case length > cfg.MaxFixedLength:
		return FatVariable
	case spec.IsFat() && length <= 1:
		return FatMono
	case spec.IsFat():
		return FatFixed
	case length <= 1:
		return LeanMono
	default:
		return LeanFixed
	}
}

// TxnFactory creates the transactions of one family. The family shares a
// speculative configuration and a pool of transactions per shape.
type TxnFactory struct {
	stm    *Stm
	config *TxnConfig
	logger *zap.Logger
	cell   *speculativeCell
	pools  [numShapes]sync.Pool
}

func newTxnFactory(s *Stm, cfg *TxnConfig, initial *SpeculativeConfiguration) *TxnFactory {
	f := &TxnFactory{
		stm:    s,
		config: cfg,
		logger: s.logger.With(zap.String("family", cfg.FamilyName)),
		cell:   newSpeculativeCell(initial),
	}
	for i := range f.pools {
		shape := Shape(i)
		f.pools[i].New = func() any {
			return newTxn(f, shape)
		}
	}
	return f
}

// Config returns the configuration of the family. It must not be changed.
func (f *TxnFactory) Config() *TxnConfig {
	return f.config
}

// SpeculativeConfiguration returns the current configuration of the family.
func (f *TxnFactory) SpeculativeConfiguration() *SpeculativeConfiguration {
	return f.cell.load()
}

// Stm returns the owner of the family.
func (f *TxnFactory) Stm() *Stm {
	return f.stm
}

// Begin starts a transaction in the cheapest shape the family currently
// allows.
func (f *TxnFactory) Begin() *Txn {
	spec := f.cell.load()
	txn := f.take(shapeFor(f.config, spec))
	txn.init(spec)
	return txn
}

func (f *TxnFactory) take(shape Shape) *Txn {
	return f.pools[shape].Get().(*Txn)
}

// release returns a finished transaction to its pool.
func (f *TxnFactory) release(txn *Txn) {
	if txn.status == TxnActive || txn.status == TxnPrepared {
		txn.abortQuietly()
	}
	txn.set.reset()
	txn.listeners = txn.listeners[:0]
	f.pools[txn.shape].Put(txn)
}

// upgrade replaces txn, aborted by a speculative failure, with a transaction
// matching the escalated family configuration. Attempt and remaining
// timeout carry over.
func (f *TxnFactory) upgrade(txn *Txn) *Txn {
	spec := f.cell.load()
	shape := shapeFor(f.config, spec)
	next := txn
	if shape != txn.shape {
		next = f.take(shape)
		next.attempt = txn.attempt
		next.remainingTimeout = txn.remainingTimeout
		f.release(txn)
	}
	next.set.reset()
	next.start(spec)
	return next
}

// escalate grows the family configuration.
func (f *TxnFactory) escalate(next func(*SpeculativeConfiguration) *SpeculativeConfiguration, feature string) {
	updated, changed := f.cell.escalate(next)
	if !changed {
		return
	}
	f.stm.metrics.incEscalation(f.config.FamilyName, feature)
	f.logger.Debug("speculative configuration escalated",
		zap.String("feature", feature),
		zap.Stringer("configuration", updated),
		zap.Stringer("shape", shapeFor(f.config, updated)))
}

func (f *TxnFactory) counter() *internal.ConflictCounter {
	return &f.stm.counter
}
