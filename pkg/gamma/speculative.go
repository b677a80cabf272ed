package gamma

import (
	"fmt"
	"strings"

	"go.uber.org/atomic"
)

// feature is a capability a transaction shape may lack.
type feature uint16

const (
	featureFat feature = 1 << iota
	featureListeners
	featureLocks
	featureCommute
	featureConstruction
	featureAbortOnly
	featureEnsure
	featureRichMansConflictScan

	allFeatures = featureFat | featureListeners | featureLocks | featureCommute |
		featureConstruction | featureAbortOnly | featureEnsure | featureRichMansConflictScan
)

var featureNames = []struct {
	f    feature
	name string
}{
	{featureFat, "fat"},
	{featureListeners, "listeners"},
	{featureLocks, "locks"},
	{featureCommute, "commute"},
	{featureConstruction, "construction"},
	{featureAbortOnly, "abort-only"},
	{featureEnsure, "ensure"},
	{featureRichMansConflictScan, "rich-mans-conflict-scan"},
}

func (f feature) String() string {
	var names []string
	for _, fn := range featureNames {
		if f&fn.f != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}

// SpeculativeConfiguration records which features the transactions of a
// family turned out to need. It is immutable: every NewWithX method returns
// the receiver when nothing changes and a new value otherwise, so a family
// configuration only ever grows.
type SpeculativeConfiguration struct {
	features      feature
	minimalLength int
}

// newSpeculativeConfiguration returns the most optimistic configuration.
func newSpeculativeConfiguration() *SpeculativeConfiguration {
	return &SpeculativeConfiguration{}
}

// newFullSpeculativeConfiguration returns a configuration with every feature,
// used when speculation is disabled.
func newFullSpeculativeConfiguration(minimalLength int) *SpeculativeConfiguration {
	return &SpeculativeConfiguration{features: allFeatures, minimalLength: minimalLength}
}

// initialSpeculativeConfiguration derives the starting point of a family
// from its configuration.
func initialSpeculativeConfiguration(cfg *TxnConfig) *SpeculativeConfiguration {
	if !cfg.Speculative {
		return newFullSpeculativeConfiguration(0)
	}

	c := newSpeculativeConfiguration()
	if cfg.ReadLockMode != LockNone || cfg.WriteLockMode != LockNone {
		c = c.NewWithLocks()
	}
	if len(cfg.PermanentListeners) > 0 {
		c = c.NewWithListeners()
	}
	if cfg.MaxPoorMansConflictScanLength == 0 {
		c = c.NewWithRichMansConflictScan()
	}
	return c
}

func (c *SpeculativeConfiguration) with(f feature) *SpeculativeConfiguration {
	if c.features&f == f {
		return c
	}
	return &SpeculativeConfiguration{features: c.features | f, minimalLength: c.minimalLength}
}

func (c *SpeculativeConfiguration) has(f feature) bool {
	return c.features&f == f
}

// NewWithListeners adds support for listeners and blocking retries.
func (c *SpeculativeConfiguration) NewWithListeners() *SpeculativeConfiguration {
	return c.with(featureFat | featureListeners)
}

// NewWithLocks adds support for explicit lock modes.
func (c *SpeculativeConfiguration) NewWithLocks() *SpeculativeConfiguration {
	return c.with(featureFat | featureLocks)
}

// NewWithCommute adds support for commuting operations.
func (c *SpeculativeConfiguration) NewWithCommute() *SpeculativeConfiguration {
	return c.with(featureFat | featureCommute)
}

// NewWithConstructedObjects adds support for refs constructed inside a
// transaction.
func (c *SpeculativeConfiguration) NewWithConstructedObjects() *SpeculativeConfiguration {
	return c.with(featureFat | featureConstruction)
}

// NewWithAbortOnly adds support for Txn.SetAbortOnly.
func (c *SpeculativeConfiguration) NewWithAbortOnly() *SpeculativeConfiguration {
	return c.with(featureFat | featureAbortOnly)
}

// NewWithEnsure adds support for Txn.Ensure.
func (c *SpeculativeConfiguration) NewWithEnsure() *SpeculativeConfiguration {
	return c.with(featureFat | featureEnsure)
}

// NewWithRichMansConflictScan switches read validation to the global conflict
// counter. It doesn't make the shape fat.
func (c *SpeculativeConfiguration) NewWithRichMansConflictScan() *SpeculativeConfiguration {
	return c.with(featureRichMansConflictScan)
}

// NewWithMinimalLength raises the minimal working set length.
func (c *SpeculativeConfiguration) NewWithMinimalLength(length int) *SpeculativeConfiguration {
	if length <= c.minimalLength {
		return c
	}
	return &SpeculativeConfiguration{features: c.features, minimalLength: length}
}

// IsFat reports whether the lean shapes are ruled out.
func (c *SpeculativeConfiguration) IsFat() bool {
	return c.has(featureFat)
}

// IsRichMansConflictScanRequired reports whether reads are validated through
// the global conflict counter.
func (c *SpeculativeConfiguration) IsRichMansConflictScanRequired() bool {
	return c.has(featureRichMansConflictScan)
}

// MinimalLength returns the working set length transactions must support.
func (c *SpeculativeConfiguration) MinimalLength() int {
	return c.minimalLength
}

// Includes reports whether c has at least the features and length of other.
func (c *SpeculativeConfiguration) Includes(other *SpeculativeConfiguration) bool {
	return c.features&other.features == other.features && c.minimalLength >= other.minimalLength
}

func (c *SpeculativeConfiguration) String() string {
	return fmt.Sprintf("SpeculativeConfiguration(features=%s, minimalLength=%d)", c.features, c.minimalLength)
}

// speculativeCell is the shared, monotonically growing configuration of one
// transaction family.
type speculativeCell struct {
	current atomic.Pointer[SpeculativeConfiguration]
}

func newSpeculativeCell(initial *SpeculativeConfiguration) *speculativeCell {
	cell := &speculativeCell{}
	cell.current.Store(initial)
	return cell
}

func (c *speculativeCell) load() *SpeculativeConfiguration {
	return c.current.Load()
}

// escalate applies next to the current configuration until it sticks. It
// returns the configuration now in place and whether this call changed it.
func (c *speculativeCell) escalate(next func(*SpeculativeConfiguration) *SpeculativeConfiguration) (*SpeculativeConfiguration, bool) {
	for {
		current := c.current.Load()
		updated := next(current)
		if updated == current {
			return current, false
		}
		if c.current.CompareAndSwap(current, updated) {
			return updated, true
		}
	}
}
