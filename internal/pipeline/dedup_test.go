package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedup_Admit(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d := NewDedup(10*time.Second, true, nil)
	d.now = func() time.Time { return now }

	assert.True(t, d.Admit(42), "first sighting should be admitted")
	assert.False(t, d.Admit(42), "repeat within window should be rejected")

	// A different fingerprint is unaffected
	assert.True(t, d.Admit(43))

	// After the window the same fingerprint is admitted again
	now = now.Add(11 * time.Second)
	assert.True(t, d.Admit(42))
}

func TestDedup_Disabled(t *testing.T) {
	d := NewDedup(10*time.Second, false, nil)

	assert.True(t, d.Admit(42))
	assert.True(t, d.Admit(42))
	assert.Zero(t, d.Len())
}

func TestDedup_Forget(t *testing.T) {
	d := NewDedup(10*time.Second, true, nil)

	assert.True(t, d.Admit(42))
	assert.False(t, d.Admit(42))

	// Forgetting re-opens the window for an immediate resubmission
	d.Forget(42)
	assert.True(t, d.Admit(42))

	// Forgetting an unknown fingerprint is a no-op
	d.Forget(99)
	assert.Equal(t, 1, d.Len())
}

func TestDedup_Sweep(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d := NewDedup(10*time.Second, true, nil)
	d.now = func() time.Time { return now }

	d.Admit(1)
	d.Admit(2)
	now = now.Add(5 * time.Second)
	d.Admit(3)

	assert.Equal(t, 3, d.Len())

	// Only the first two entries have expired
	now = now.Add(6 * time.Second)
	assert.Equal(t, 2, d.Sweep())
	assert.Equal(t, 1, d.Len())
}
