package decode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/omsbridge/bridge/internal/observability"
)

const (
	// DefaultMaxAttempts bounds retries within one decode call.
	DefaultMaxAttempts = 3
	// DefaultBackoffInitial is the first retry delay.
	DefaultBackoffInitial = 250 * time.Millisecond
	// DefaultBackoffMax caps the exponential retry delay.
	DefaultBackoffMax = 10 * time.Second

	maxResponseBytes = 1 << 20
	bodyPreviewLen   = 500
)

// Config holds decode-service client configuration
type Config struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	MaxAttempts      int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Result is the decode service's normalized output. Body carries the full
// original response and is passed opaquely into the publish payload.
type Result struct {
	MeterID      string          `json:"meterId"`
	Manufacturer string          `json:"manufacturer"`
	Type         string          `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	Values       json.RawMessage `json:"values"`
	Body         json.RawMessage `json:"-"`
}

// Client calls the external decode service with retry, exponential
// backoff, and a shared circuit breaker. Safe for concurrent use.
type Client struct {
	config     *Config
	httpClient *http.Client
	breaker    *Breaker
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewClient creates a decode client.
func NewClient(config *Config, logger *slog.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = DefaultBackoffInitial
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = DefaultBackoffMax
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    NewBreaker(config.BreakerThreshold, config.BreakerCooldown),
		logger:     logger,
		metrics:    metrics,
	}
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() State {
	return c.breaker.State()
}

// Decode sends a telegram to the decode service. Timeout, unavailability,
// and rate limiting are retried up to the attempt cap; auth and
// bad-request failures return immediately. Every failure feeds the
// breaker, and while the circuit is open calls fail without network I/O.
// The second return value is the number of HTTP attempts actually made,
// zero when the breaker rejected the call outright.
func (c *Client) Decode(ctx context.Context, rawHex, keyHex string, mapping json.RawMessage) (*Result, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err := c.breaker.Allow(); err != nil {
			c.recordBreakerState(ctx)
			return nil, attempts, err
		}

		attempts++
		result, err := c.call(ctx, rawHex, keyHex, mapping)
		if err == nil {
			c.breaker.Success()
			c.recordBreakerState(ctx)
			return result, attempts, nil
		}

		c.breaker.Failure()
		c.recordBreakerState(ctx)
		lastErr = err

		if !IsRetryable(err) || attempt == c.config.MaxAttempts {
			break
		}

		delay := c.retryDelay(attempt, err)
		c.logger.Warn("Decode call failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.MaxAttempts),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return nil, attempts, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, attempts, lastErr
}

// retryDelay returns the exponential backoff delay for an attempt,
// honoring a server-provided rate-limit delay when present.
func (c *Client) retryDelay(attempt int, err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}

	delay := c.config.BackoffInitial << uint(attempt-1)
	if delay > c.config.BackoffMax {
		delay = c.config.BackoffMax
	}
	return delay
}

// call performs one HTTP exchange with the decode service.
func (c *Client) call(ctx context.Context, rawHex, keyHex string, mapping json.RawMessage) (*Result, error) {
	params := url.Values{}
	params.Set("raw", rawHex)
	if keyHex != "" {
		params.Set("key", keyHex)
	}

	endpoint := c.config.BaseURL + "/api/mbus?" + params.Encode()

	var reqBody io.Reader
	if len(mapping) > 0 {
		reqBody = bytes.NewReader(mapping)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	req.Header.Set("Accept", "application/json")
	if len(mapping) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result Result
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("%w: malformed response body: %v", ErrUnavailable, err)
		}
		result.Body = body
		return &result, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadRequest, resp.StatusCode, preview(body))

	default:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

func (c *Client) recordBreakerState(ctx context.Context) {
	c.metrics.RecordBreakerState(ctx, int(c.breaker.State()))
}

// parseRetryAfter handles the delay-seconds form of the Retry-After header.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func preview(body []byte) string {
	if len(body) > bodyPreviewLen {
		body = body[:bodyPreviewLen]
	}
	return string(body)
}
