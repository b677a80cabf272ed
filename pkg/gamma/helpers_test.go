package gamma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStm(t *testing.T, opts ...Option) *Stm {
	s, err := New(opts...)
	require.NoError(t, err)
	return s
}

func newTestFactory(t *testing.T, s *Stm, adjust func(cfg *TxnConfig)) *TxnFactory {
	cfg := DefaultTxnConfig()
	cfg.FamilyName = t.Name()
	cfg.SpinCount = 4
	if adjust != nil {
		adjust(cfg)
	}
	f, err := s.NewTxnFactory(cfg)
	require.NoError(t, err)
	return f
}

// newFatFactory returns a family that starts with every feature.
func newFatFactory(t *testing.T, s *Stm) *TxnFactory {
	return newTestFactory(t, s, func(cfg *TxnConfig) {
		cfg.Speculative = false
	})
}

func atomicGet[T any](t *testing.T, ref *Ref[T]) T {
	v, err := ref.AtomicGet()
	require.NoError(t, err)
	return v
}
