package decode

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth is returned when the decode service rejects the credentials.
	// Deterministic for a given token; never retried.
	ErrAuth = errors.New("decode service rejected credentials")

	// ErrBadRequest is returned when the decode service rejects the request
	// payload. Deterministic for a given input; never retried.
	ErrBadRequest = errors.New("decode service rejected request")

	// ErrTimeout is returned when a decode call exceeds its deadline.
	ErrTimeout = errors.New("decode request timed out")

	// ErrUnavailable is returned for transport failures and 5xx responses.
	ErrUnavailable = errors.New("decode service unavailable")

	// ErrCircuitOpen is returned without any network I/O while the circuit
	// breaker is open. It unwraps to ErrUnavailable.
	ErrCircuitOpen = fmt.Errorf("%w: circuit open", ErrUnavailable)
)

// RateLimitError is returned on a 429 response. RetryAfter carries the
// server-provided delay when present, zero otherwise.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("decode service rate limited, retry after %s", e.RetryAfter)
	}
	return "decode service rate limited"
}

// IsRetryable reports whether a decode error may be retried within one
// decode call. Auth and bad-request failures are deterministic and never
// retried.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// Reason maps a decode error to the reason code carried on error-topic
// publishes and history rows.
func Reason(err error) string {
	var rl *RateLimitError
	switch {
	case errors.Is(err, ErrAuth):
		return "decode_auth_error"
	case errors.Is(err, ErrBadRequest):
		return "decode_bad_request"
	case errors.Is(err, ErrTimeout):
		return "decode_timeout"
	case errors.As(err, &rl):
		return "decode_rate_limited"
	default:
		return "decode_unavailable"
	}
}
