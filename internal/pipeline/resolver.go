package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

// KeyPolicy controls what happens when no decryption key can be found for
// a telegram. Selected once at configuration time.
type KeyPolicy int

const (
	// PolicyStrict fails the job when no key is available; the decoder is
	// never called without a key.
	PolicyStrict KeyPolicy = iota
	// PolicyLenient sends the telegram to the decoder without a key.
	PolicyLenient
)

// ParseKeyPolicy converts the configuration string to a KeyPolicy.
func ParseKeyPolicy(s string) (KeyPolicy, error) {
	switch s {
	case "strict":
		return PolicyStrict, nil
	case "lenient":
		return PolicyLenient, nil
	default:
		return PolicyStrict, fmt.Errorf("unknown key policy %q", s)
	}
}

func (p KeyPolicy) String() string {
	if p == PolicyLenient {
		return "lenient"
	}
	return "strict"
}

// Outcome describes how a key resolution concluded.
type Outcome string

const (
	OutcomeKeyEmbedded    Outcome = "key_embedded"
	OutcomeKeyFound       Outcome = "key_found"
	OutcomeKeyMissing     Outcome = ReasonKeyMissing
	OutcomeSendWithoutKey Outcome = "send_without_key"
)

// ResolvedKey is the result of key resolution for one job.
type ResolvedKey struct {
	KeyHex  string
	Outcome Outcome
}

// KeyStore is the narrow lookup contract against the external key store.
type KeyStore interface {
	// GetKey returns the stored key for a meter, or "" when none exists.
	GetKey(ctx context.Context, meterID string) (string, error)
	// MarkPendingMeter records a meter seen without a key so an operator
	// can provision one.
	MarkPendingMeter(ctx context.Context, meterID, manufacturer string) error
}

// Resolver resolves the decryption key for a job: embedded key first, then
// the key store, then the configured policy. Lookup failures are treated
// as a miss and logged, never retried inline; the store owns its own
// resilience.
type Resolver struct {
	store  KeyStore
	policy KeyPolicy
	logger *slog.Logger
}

// NewResolver creates a key resolver.
func NewResolver(store KeyStore, policy KeyPolicy, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, policy: policy, logger: logger}
}

// Resolve returns the key to decode with, or the policy verdict when none
// is available.
func (r *Resolver) Resolve(ctx context.Context, job *Job) ResolvedKey {
	if job.KeyHex != "" {
		return ResolvedKey{KeyHex: job.KeyHex, Outcome: OutcomeKeyEmbedded}
	}

	meterID := job.MeterID()
	if meterID != "" && r.store != nil {
		key, err := r.store.GetKey(ctx, meterID)
		if err != nil {
			r.logger.Warn("Key store lookup failed, treating as missing",
				slog.String("job_id", job.ID),
				slog.String("meter_id", meterID),
				slog.Any("error", err),
			)
		} else if key != "" {
			return ResolvedKey{KeyHex: key, Outcome: OutcomeKeyFound}
		}

		manufacturer := ""
		if job.MeterHint != nil {
			manufacturer = job.MeterHint.Manufacturer
		}
		if err := r.store.MarkPendingMeter(ctx, meterID, manufacturer); err != nil {
			r.logger.Warn("Failed to mark meter pending",
				slog.String("meter_id", meterID),
				slog.Any("error", err),
			)
		}
	}

	if r.policy == PolicyLenient {
		return ResolvedKey{Outcome: OutcomeSendWithoutKey}
	}
	return ResolvedKey{Outcome: OutcomeKeyMissing}
}
