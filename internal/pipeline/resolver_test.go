package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeyStore struct {
	keys       map[string]string
	getErr     error
	pending    []string
	pendingErr error
}

func (s *fakeKeyStore) GetKey(_ context.Context, meterID string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	return s.keys[meterID], nil
}

func (s *fakeKeyStore) MarkPendingMeter(_ context.Context, meterID, _ string) error {
	s.pending = append(s.pending, meterID)
	return s.pendingErr
}

func TestParseKeyPolicy(t *testing.T) {
	policy, err := ParseKeyPolicy("strict")
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, policy)

	policy, err = ParseKeyPolicy("lenient")
	require.NoError(t, err)
	assert.Equal(t, PolicyLenient, policy)

	_, err = ParseKeyPolicy("whatever")
	assert.Error(t, err)
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("embedded key wins without store lookup", func(t *testing.T) {
		store := &fakeKeyStore{keys: map[string]string{"meter-1": "deadbeef"}}
		r := NewResolver(store, PolicyStrict, nil)

		job := &Job{
			KeyHex:    "cafebabe",
			MeterHint: &MeterHint{MeterID: "meter-1"},
		}

		resolved := r.Resolve(ctx, job)
		assert.Equal(t, OutcomeKeyEmbedded, resolved.Outcome)
		assert.Equal(t, "cafebabe", resolved.KeyHex)
		assert.Empty(t, store.pending)
	})

	t.Run("store lookup hit", func(t *testing.T) {
		store := &fakeKeyStore{keys: map[string]string{"meter-1": "deadbeef"}}
		r := NewResolver(store, PolicyStrict, nil)

		job := &Job{MeterHint: &MeterHint{MeterID: "meter-1"}}

		resolved := r.Resolve(ctx, job)
		assert.Equal(t, OutcomeKeyFound, resolved.Outcome)
		assert.Equal(t, "deadbeef", resolved.KeyHex)
	})

	t.Run("strict policy fails on missing key and marks pending", func(t *testing.T) {
		store := &fakeKeyStore{keys: map[string]string{}}
		r := NewResolver(store, PolicyStrict, nil)

		job := &Job{MeterHint: &MeterHint{MeterID: "meter-9", Manufacturer: "KAM"}}

		resolved := r.Resolve(ctx, job)
		assert.Equal(t, OutcomeKeyMissing, resolved.Outcome)
		assert.Empty(t, resolved.KeyHex)
		assert.Equal(t, []string{"meter-9"}, store.pending)
	})

	t.Run("lenient policy proceeds without key", func(t *testing.T) {
		store := &fakeKeyStore{keys: map[string]string{}}
		r := NewResolver(store, PolicyLenient, nil)

		job := &Job{MeterHint: &MeterHint{MeterID: "meter-9"}}

		resolved := r.Resolve(ctx, job)
		assert.Equal(t, OutcomeSendWithoutKey, resolved.Outcome)
		assert.Empty(t, resolved.KeyHex)
	})

	t.Run("store failure is treated as a miss", func(t *testing.T) {
		store := &fakeKeyStore{getErr: errors.New("connection refused")}
		r := NewResolver(store, PolicyStrict, nil)

		job := &Job{MeterHint: &MeterHint{MeterID: "meter-1"}}

		resolved := r.Resolve(ctx, job)
		assert.Equal(t, OutcomeKeyMissing, resolved.Outcome)
	})

	t.Run("no meter hint skips the store entirely", func(t *testing.T) {
		store := &fakeKeyStore{keys: map[string]string{}}
		r := NewResolver(store, PolicyStrict, nil)

		resolved := r.Resolve(ctx, &Job{})
		assert.Equal(t, OutcomeKeyMissing, resolved.Outcome)
		assert.Empty(t, store.pending)
	})
}
