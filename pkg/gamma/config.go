package gamma

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/gammastm/gamma/internal"
)

const (
	defaultFamilyName                    = "gamma.default"
	defaultMaxRetries                    = 1000
	defaultSpinCount                     = 64
	defaultReadBiasedThreshold           = 128
	defaultMaxFixedLength                = 20
	defaultMaxPoorMansConflictScanLength = 20
	defaultBackoffInitial                = time.Microsecond
	defaultBackoffMax                    = 10 * time.Millisecond
)

// Duration is a time.Duration that reads from and writes to text, so it can
// be used in toml files ("10ms", "1m30s").
type Duration struct {
	time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

// TxnConfig configures a family of transactions.
type TxnConfig struct {
	// FamilyName identifies the transactions sharing one speculative
	// configuration.
	FamilyName string `toml:"family-name" json:"family-name"`
	// Speculative starts transactions lean and lets them grow on demand.
	// When false every transaction is fat and variable length.
	Speculative bool `toml:"speculative" json:"speculative"`
	Readonly    bool `toml:"readonly" json:"readonly"`
	// ReadLockMode is the minimal lock acquired on every read.
	ReadLockMode LockMode `toml:"read-lock-mode" json:"read-lock-mode"`
	// WriteLockMode is the minimal lock acquired on every write. It can't be
	// weaker than ReadLockMode.
	WriteLockMode LockMode `toml:"write-lock-mode" json:"write-lock-mode"`
	// DirtyCheck skips writes that leave the value unchanged.
	DirtyCheck      bool `toml:"dirty-check" json:"dirty-check"`
	BlockingAllowed bool `toml:"blocking-allowed" json:"blocking-allowed"`
	// Interruptible makes retry waits end when the executor context is done.
	Interruptible bool `toml:"interruptible" json:"interruptible"`
	// Timeout bounds the total time spent blocked in retries. Zero means no
	// timeout.
	Timeout    Duration `toml:"timeout" json:"timeout"`
	MaxRetries int      `toml:"max-retries" json:"max-retries"`
	// SpinCount bounds how often a lock or arrival is tried before it is
	// treated as a conflict.
	SpinCount int `toml:"spin-count" json:"spin-count"`
	// ReadBiasedThreshold is the readonly streak after which a ref stops
	// tracking its readers.
	ReadBiasedThreshold int `toml:"read-biased-threshold" json:"read-biased-threshold"`
	// MaxFixedLength is the capacity of the fixed length transaction shapes.
	MaxFixedLength int `toml:"max-fixed-length" json:"max-fixed-length"`
	// MaxPoorMansConflictScanLength is the largest working set validated by
	// walking every read instead of using the global conflict counter.
	MaxPoorMansConflictScanLength int `toml:"max-poor-mans-conflict-scan-length" json:"max-poor-mans-conflict-scan-length"`
	// ControlFlowErrorsReused returns the bare sentinel errors for conflicts,
	// retries and speculative failures instead of wrapping them with a
	// message and stack.
	ControlFlowErrorsReused bool     `toml:"control-flow-errors-reused" json:"control-flow-errors-reused"`
	BackoffInitial          Duration `toml:"backoff-initial" json:"backoff-initial"`
	BackoffMax              Duration `toml:"backoff-max" json:"backoff-max"`

	// PermanentListeners are notified for every transaction of the family.
	PermanentListeners []TxnListener `toml:"-" json:"-"`
}

// DefaultTxnConfig returns the default configuration.
func DefaultTxnConfig() *TxnConfig {
	return &TxnConfig{
		FamilyName:                    defaultFamilyName,
		Speculative:                   true,
		DirtyCheck:                    true,
		BlockingAllowed:               true,
		MaxRetries:                    defaultMaxRetries,
		SpinCount:                     defaultSpinCount,
		ReadBiasedThreshold:           defaultReadBiasedThreshold,
		MaxFixedLength:                defaultMaxFixedLength,
		MaxPoorMansConflictScanLength: defaultMaxPoorMansConflictScanLength,
		ControlFlowErrorsReused:       true,
		BackoffInitial:                NewDuration(defaultBackoffInitial),
		BackoffMax:                    NewDuration(defaultBackoffMax),
	}
}

// LoadTxnConfig reads a toml file on top of the default configuration.
func LoadTxnConfig(path string) (*TxnConfig, error) {
	cfg := DefaultTxnConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	cfg.Adjust()
	return cfg, cfg.Validate()
}

// DecodeTxnConfig parses toml text on top of the default configuration.
func DecodeTxnConfig(data string) (*TxnConfig, error) {
	cfg := DefaultTxnConfig()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	cfg.Adjust()
	return cfg, cfg.Validate()
}

// Clone returns a copy that shares nothing mutable with c.
func (c *TxnConfig) Clone() *TxnConfig {
	clone := *c
	clone.PermanentListeners = append([]TxnListener(nil), c.PermanentListeners...)
	return &clone
}

// Adjust replaces unset values with their defaults.
func (c *TxnConfig) Adjust() {
	adjustString(&c.FamilyName, defaultFamilyName)
	adjustInt(&c.MaxRetries, defaultMaxRetries)
	adjustInt(&c.SpinCount, defaultSpinCount)
	adjustInt(&c.ReadBiasedThreshold, defaultReadBiasedThreshold)
	adjustInt(&c.MaxFixedLength, defaultMaxFixedLength)
	adjustDuration(&c.BackoffInitial, defaultBackoffInitial)
	adjustDuration(&c.BackoffMax, defaultBackoffMax)
}

// Validate checks that the configuration can be used.
func (c *TxnConfig) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return errors.Errorf("max-retries can't be negative, got %d", c.MaxRetries)
	case c.SpinCount < 0:
		return errors.Errorf("spin-count can't be negative, got %d", c.SpinCount)
	case c.ReadBiasedThreshold < 1 || c.ReadBiasedThreshold > internal.MaxReadonlyCount:
		return errors.Errorf("read-biased-threshold must be in [1, %d], got %d",
			internal.MaxReadonlyCount, c.ReadBiasedThreshold)
	case c.MaxFixedLength < 1:
		return errors.Errorf("max-fixed-length must be positive, got %d", c.MaxFixedLength)
	case c.MaxPoorMansConflictScanLength < 0:
		return errors.Errorf("max-poor-mans-conflict-scan-length can't be negative, got %d",
			c.MaxPoorMansConflictScanLength)
	case c.Timeout.Duration < 0:
		return errors.Errorf("timeout can't be negative, got %s", c.Timeout)
	case c.BackoffInitial.Duration > c.BackoffMax.Duration:
		return errors.Errorf("backoff-initial %s exceeds backoff-max %s", c.BackoffInitial, c.BackoffMax)
	case c.ReadLockMode > LockExclusive || c.WriteLockMode > LockExclusive:
		return errors.Errorf("unknown lock mode")
	case c.WriteLockMode < c.ReadLockMode:
		return errors.Errorf("write-lock-mode %s can't be weaker than read-lock-mode %s",
			c.WriteLockMode, c.ReadLockMode)
	case c.Readonly && c.WriteLockMode > c.ReadLockMode:
		return errors.Errorf("readonly transactions can't use write-lock-mode %s", c.WriteLockMode)
	}
	for i, l := range c.PermanentListeners {
		if l == nil {
			return errors.Errorf("permanent listener %d is nil", i)
		}
	}
	return nil
}

// hasTimeout reports whether retries are bounded in time.
func (c *TxnConfig) hasTimeout() bool {
	return c.Timeout.Duration > 0
}

// skipPrepare reports whether every ref is exclusively locked when opened and
// every write is really written, so prepare has nothing left to lock.
func (c *TxnConfig) skipPrepare() bool {
	return c.ReadLockMode == LockExclusive && !c.DirtyCheck
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}
