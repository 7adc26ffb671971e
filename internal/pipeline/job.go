package pipeline

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Job status constants, one per pipeline stage.
const (
	StatusQueued       = "queued"
	StatusResolvingKey = "resolving_key"
	StatusDecoding     = "decoding"
	StatusPublishing   = "publishing"
	StatusDone         = "done"
	StatusFailed       = "failed"
)

// MinRawHexLen is the minimum accepted telegram length in hex characters (20 bytes).
const MinRawHexLen = 40

// MeterHint identifies the sending meter when the gateway could parse the
// telegram header. Used for key lookup when no key is embedded in the request.
type MeterHint struct {
	MeterID      string
	Manufacturer string
}

// TelegramRecord is the normalized ingest-boundary input to the pipeline.
type TelegramRecord struct {
	GatewayID  string
	RawHex     string
	KeyHex     string
	MeterHint  *MeterHint
	ReceivedAt time.Time
	Metadata   map[string]any
}

// Job is the unit of pipeline work. Immutable after creation except Status
// and Attempt; owned exclusively by the worker processing it.
type Job struct {
	ID          string
	GatewayID   string
	RawHex      string
	KeyHex      string
	MeterHint   *MeterHint
	ReceivedAt  time.Time
	Metadata    map[string]any
	Fingerprint uint64
	Status      string

	// Attempt is the number of decode calls actually made for this job.
	Attempt int

	// FailureReason is the terminal reason code, set only when Status is
	// StatusFailed.
	FailureReason string
}

// NewJob validates a telegram record and constructs a queued Job with a
// fresh id and a dedup fingerprint. It has no side effects beyond object
// construction; enqueueing is the caller's next step.
func NewJob(rec TelegramRecord) (*Job, error) {
	if rec.GatewayID == "" {
		return nil, fmt.Errorf("%w: gateway_id is required", ErrInvalidTelegram)
	}

	if len(rec.RawHex) < MinRawHexLen {
		return nil, fmt.Errorf("%w: raw_hex must be at least %d hex characters", ErrInvalidTelegram, MinRawHexLen)
	}

	if _, err := hex.DecodeString(rec.RawHex); err != nil {
		return nil, fmt.Errorf("%w: raw_hex must be an even-length hex string", ErrInvalidTelegram)
	}

	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	return &Job{
		ID:          uuid.New().String(),
		GatewayID:   rec.GatewayID,
		RawHex:      rec.RawHex,
		KeyHex:      rec.KeyHex,
		MeterHint:   rec.MeterHint,
		ReceivedAt:  receivedAt,
		Metadata:    rec.Metadata,
		Fingerprint: Fingerprint(rec.GatewayID, rec.RawHex),
		Status:      StatusQueued,
	}, nil
}

// MeterID returns the hinted meter id, or empty when no hint was supplied.
func (j *Job) MeterID() string {
	if j.MeterHint == nil {
		return ""
	}
	return j.MeterHint.MeterID
}

// Fingerprint derives the dedup fingerprint for a telegram. Hex case is
// normalized so the same frame reported with different casing collides.
func Fingerprint(gatewayID, rawHex string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(gatewayID)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strings.ToLower(rawHex))
	return d.Sum64()
}
