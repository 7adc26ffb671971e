package decode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, cooldown)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, StateClosed, b.State(), "circuit stays closed below the threshold")

	require.NoError(t, b.Allow())
	b.Failure()

	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	assert.Equal(t, 5, b.ConsecutiveFailures())
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	assert.Zero(t, b.ConsecutiveFailures())

	// A fresh run of failures is needed to open again
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenTrialSucceeds(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)

	b.Failure()
	b.Failure()
	require.Equal(t, StateOpen, b.State())

	// Before the cooldown elapses everything is rejected
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow(), "cooldown expiry admits one trial call")
	assert.Equal(t, StateHalfOpen, b.State())

	// Concurrent calls are rejected while the trial is in flight
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_HalfOpenTrialFails(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)

	b.Failure()
	b.Failure()

	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()

	// Failed trial reopens with a fresh cooldown
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	*now = now.Add(59 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "cooldown restarts from the failed trial")

	*now = now.Add(2 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreaker_Defaults(t *testing.T) {
	b := NewBreaker(0, 0)
	assert.Equal(t, DefaultFailureThreshold, b.threshold)
	assert.Equal(t, DefaultCooldown, b.cooldown)
}
