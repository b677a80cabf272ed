package internal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSpin = 16

func TestOrecArriveDepart(t *testing.T) {
	var o Orec

	assert.Equal(t, ArriveRegistered, o.Arrive(testSpin))
	assert.Equal(t, ArriveRegistered, o.Arrive(testSpin))
	assert.Equal(t, 2, o.Surplus())

	o.DepartAfterReading(100)
	o.DepartAfterFailure()
	assert.Equal(t, 0, o.Surplus())
	// Only the reading depart counts towards read bias.
	assert.Equal(t, 1, o.ReadonlyCount())
	assert.Equal(t, LockNone, o.LockMode())
}

func TestOrecDepartWithoutArrivePanics(t *testing.T) {
	var o Orec
	assert.Panics(t, func() { o.DepartAfterFailure() })
}

func TestOrecArriveFailsOnExclusive(t *testing.T) {
	var o Orec
	require.Equal(t, ArriveRegistered, o.ArriveAndLock(testSpin, LockExclusive))

	assert.Equal(t, ArriveLocked, o.Arrive(testSpin))
	assert.Equal(t, ArriveLocked, o.ArriveAndLock(testSpin, LockRead))
	assert.Equal(t, 1, o.Surplus())

	o.DepartAfterFailureAndUnlock(true, LockExclusive)
	assert.Equal(t, ArriveRegistered, o.Arrive(testSpin))
}

func TestOrecLockCompatibility(t *testing.T) {
	tests := []struct {
		held     LockMode
		desired  LockMode
		expected bool
	}{
		{LockNone, LockRead, true},
		{LockNone, LockWrite, true},
		{LockNone, LockExclusive, true},
		{LockRead, LockRead, true},
		{LockRead, LockWrite, false},
		{LockRead, LockExclusive, false},
		{LockWrite, LockRead, false},
		{LockWrite, LockWrite, false},
		{LockWrite, LockExclusive, false},
		{LockExclusive, LockRead, false},
		{LockExclusive, LockWrite, false},
		{LockExclusive, LockExclusive, false},
	}

	for _, tt := range tests {
		t.Run(tt.held.String()+"/"+tt.desired.String(), func(t *testing.T) {
			var o Orec
			require.Equal(t, ArriveRegistered, o.ArriveAndLock(testSpin, tt.held))

			result := o.ArriveAndLock(testSpin, tt.desired)
			if tt.expected {
				assert.NotEqual(t, ArriveLocked, result)
			} else {
				assert.Equal(t, ArriveLocked, result)
			}
		})
	}
}

func TestOrecReadLocksAreShared(t *testing.T) {
	var o Orec
	require.Equal(t, ArriveRegistered, o.ArriveAndLock(testSpin, LockRead))
	require.Equal(t, ArriveRegistered, o.ArriveAndLock(testSpin, LockRead))
	assert.Equal(t, 2, o.ReadLockCount())
	assert.Equal(t, LockRead, o.LockMode())

	// A shared read lock can't be upgraded.
	assert.False(t, o.TryLockAfterArrive(testSpin, LockRead, LockWrite))

	o.DepartAfterReadingAndUnlock(100, true, LockRead)
	assert.Equal(t, 1, o.ReadLockCount())
	assert.True(t, o.TryLockAfterArrive(testSpin, LockRead, LockWrite))
	assert.Equal(t, LockWrite, o.LockMode())
	assert.Equal(t, 0, o.ReadLockCount())
}

func TestOrecTryLockAfterArrive(t *testing.T) {
	var o Orec
	require.Equal(t, ArriveRegistered, o.Arrive(testSpin))

	assert.True(t, o.TryLockAfterArrive(testSpin, LockNone, LockWrite))
	// Downgrades are ignored.
	assert.True(t, o.TryLockAfterArrive(testSpin, LockWrite, LockRead))
	assert.Equal(t, LockWrite, o.LockMode())

	assert.True(t, o.TryLockAfterArrive(testSpin, LockWrite, LockExclusive))
	assert.Equal(t, LockExclusive, o.LockMode())
	assert.Equal(t, 1, o.Surplus())
}

func TestOrecUpgradeToCommitLockDetectsReaders(t *testing.T) {
	var o Orec
	require.Equal(t, ArriveRegistered, o.ArriveAndLock(testSpin, LockWrite))
	assert.False(t, o.UpgradeToCommitLock(true))
	o.DepartAfterUpdateAndUnlock(true)

	require.Equal(t, ArriveRegistered, o.Arrive(testSpin))
	require.Equal(t, ArriveRegistered, o.ArriveAndLock(testSpin, LockWrite))
	assert.True(t, o.UpgradeToCommitLock(true))
	assert.True(t, o.IsExclusive())
	o.DepartAfterUpdateAndUnlock(true)

	assert.Equal(t, 1, o.Surplus())
	assert.Equal(t, LockNone, o.LockMode())
}

func TestOrecReadBiasRoundTrip(t *testing.T) {
	const threshold = 4
	var o Orec

	for i := 0; i < threshold; i++ {
		require.False(t, o.IsReadBiased())
		require.Equal(t, ArriveRegistered, o.Arrive(testSpin))
		o.DepartAfterReading(threshold)
	}
	assert.True(t, o.IsReadBiased())
	assert.Equal(t, threshold, o.ReadonlyCount())

	// Arrivals on a read biased orec are not tracked.
	assert.Equal(t, ArriveUnregistered, o.Arrive(testSpin))
	assert.Equal(t, 0, o.Surplus())

	result := o.ArriveAndLock(testSpin, LockWrite)
	require.Equal(t, ArriveUnregistered, result)
	// Untracked readers may exist, so the writer must signal a conflict.
	assert.True(t, o.UpgradeToCommitLock(false))
	o.DepartAfterUpdateAndUnlock(false)

	assert.False(t, o.IsReadBiased())
	assert.Equal(t, 0, o.ReadonlyCount())
	assert.Equal(t, ArriveRegistered, o.Arrive(testSpin))
}

func TestOrecReadonlyCountSaturates(t *testing.T) {
	var o Orec
	for i := 0; i < MaxReadonlyCount+10; i++ {
		require.Equal(t, ArriveRegistered, o.Arrive(testSpin))
		o.DepartAfterReading(MaxReadonlyCount + 1)
	}
	assert.Equal(t, MaxReadonlyCount, o.ReadonlyCount())
	assert.False(t, o.IsReadBiased())
}

func TestOrecInitExclusive(t *testing.T) {
	var o Orec
	o.InitExclusive()
	assert.Equal(t, ArriveLocked, o.Arrive(testSpin))

	o.DepartAfterUpdateAndUnlock(false)
	assert.Equal(t, LockNone, o.LockMode())
	assert.Equal(t, 0, o.Surplus())
}

func TestOrecConcurrentArrivals(t *testing.T) {
	const goroutines, rounds = 8, 1000
	var o Orec
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if o.Arrive(testSpin) == ArriveRegistered {
					o.DepartAfterFailure()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, o.Surplus())
	assert.Contains(t, o.String(), "surplus=0")
}

func TestParseLockMode(t *testing.T) {
	for _, mode := range []LockMode{LockNone, LockRead, LockWrite, LockExclusive} {
		text, err := mode.MarshalText()
		require.NoError(t, err)

		var parsed LockMode
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, mode, parsed)
	}

	mode, err := ParseLockMode("EXCLUSIVE")
	require.NoError(t, err)
	assert.Equal(t, LockExclusive, mode)

	_, err = ParseLockMode("upgradable")
	assert.Error(t, err)
}
