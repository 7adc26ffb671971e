package pipeline

import "errors"

var (
	// ErrInvalidTelegram is returned when an inbound record fails validation
	// and never enters the pipeline.
	ErrInvalidTelegram = errors.New("invalid telegram")

	// ErrQueueFull signals backpressure to the ingest boundary.
	ErrQueueFull = errors.New("queue full")

	// ErrQueueClosed is returned from Dequeue after shutdown has drained the queue.
	ErrQueueClosed = errors.New("queue closed")
)

// Reason codes carried on error-topic publishes and telegram history rows.
const (
	ReasonKeyMissing = "decrypt_key_missing"
)
