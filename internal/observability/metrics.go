package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for all bridge metrics.
const MeterName = "github.com/omsbridge/bridge"

// Metrics holds the bridge-specific metric instruments.
type Metrics struct {
	telegramsReceived  metric.Int64Counter
	telegramsDuplicate metric.Int64Counter
	queueRejected      metric.Int64Counter
	queueDepth         metric.Int64Gauge
	stageDuration      metric.Float64Histogram
	decodeFailures     metric.Int64Counter
	decodeAuthFailures metric.Int64Counter
	breakerState       metric.Int64Gauge
	backlogSize        metric.Int64Gauge
	backlogDropped     metric.Int64Counter
	published          metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with the given MeterProvider.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	// Instrument creation only fails on invalid parameters; fall back to a
	// bare instrument so a partial failure never leaves a nil field.
	var err error

	m.telegramsReceived, err = meter.Int64Counter(
		"bridge.telegram.received",
		metric.WithDescription("Telegrams accepted at the ingest boundary"),
		metric.WithUnit("{telegram}"),
	)
	if err != nil {
		m.telegramsReceived, _ = meter.Int64Counter("bridge.telegram.received")
	}

	m.telegramsDuplicate, err = meter.Int64Counter(
		"bridge.telegram.duplicate",
		metric.WithDescription("Telegrams dropped by the dedup filter"),
		metric.WithUnit("{telegram}"),
	)
	if err != nil {
		m.telegramsDuplicate, _ = meter.Int64Counter("bridge.telegram.duplicate")
	}

	m.queueRejected, err = meter.Int64Counter(
		"bridge.queue.rejected",
		metric.WithDescription("Enqueue attempts rejected because the queue was full"),
		metric.WithUnit("{telegram}"),
	)
	if err != nil {
		m.queueRejected, _ = meter.Int64Counter("bridge.queue.rejected")
	}

	m.queueDepth, err = meter.Int64Gauge(
		"bridge.queue.depth",
		metric.WithDescription("Number of jobs waiting in the pipeline queue"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.queueDepth, _ = meter.Int64Gauge("bridge.queue.depth")
	}

	m.stageDuration, err = meter.Float64Histogram(
		"bridge.stage.duration",
		metric.WithDescription("Duration of pipeline stages in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.stageDuration, _ = meter.Float64Histogram("bridge.stage.duration")
	}

	m.decodeFailures, err = meter.Int64Counter(
		"bridge.decode.failure",
		metric.WithDescription("Decode calls that ended in a terminal failure"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.decodeFailures, _ = meter.Int64Counter("bridge.decode.failure")
	}

	m.decodeAuthFailures, err = meter.Int64Counter(
		"bridge.decode.auth_failure",
		metric.WithDescription("Decode authentication failures, alarm-worthy"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.decodeAuthFailures, _ = meter.Int64Counter("bridge.decode.auth_failure")
	}

	m.breakerState, err = meter.Int64Gauge(
		"bridge.decode.breaker_state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 open, 2 half-open"),
	)
	if err != nil {
		m.breakerState, _ = meter.Int64Gauge("bridge.decode.breaker_state")
	}

	m.backlogSize, err = meter.Int64Gauge(
		"bridge.publish.backlog_size",
		metric.WithDescription("Messages buffered while the broker is unreachable"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		m.backlogSize, _ = meter.Int64Gauge("bridge.publish.backlog_size")
	}

	m.backlogDropped, err = meter.Int64Counter(
		"bridge.publish.backlog_dropped",
		metric.WithDescription("Messages evicted from the publish backlog"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		m.backlogDropped, _ = meter.Int64Counter("bridge.publish.backlog_dropped")
	}

	m.published, err = meter.Int64Counter(
		"bridge.publish.count",
		metric.WithDescription("Messages handed to the broker or backlog"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		m.published, _ = meter.Int64Counter("bridge.publish.count")
	}

	return m
}

// RecordReceived records a telegram accepted at the boundary.
func (m *Metrics) RecordReceived(ctx context.Context, gatewayID string) {
	m.telegramsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("gateway_id", gatewayID)))
}

// RecordDuplicate records a telegram dropped by the dedup filter.
func (m *Metrics) RecordDuplicate(ctx context.Context) {
	m.telegramsDuplicate.Add(ctx, 1)
}

// RecordQueueRejected records a rejected enqueue attempt.
func (m *Metrics) RecordQueueRejected(ctx context.Context) {
	m.queueRejected.Add(ctx, 1)
}

// RecordQueueDepth records the current queue depth.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int) {
	m.queueDepth.Record(ctx, int64(depth))
}

// RecordStage records the duration of one pipeline stage for a job.
func (m *Metrics) RecordStage(ctx context.Context, stage string, duration time.Duration) {
	m.stageDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordDecodeFailure records a terminal decode failure with its reason code.
func (m *Metrics) RecordDecodeFailure(ctx context.Context, reason string) {
	m.decodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDecodeAuthFailure records an authentication failure against the decode service.
func (m *Metrics) RecordDecodeAuthFailure(ctx context.Context) {
	m.decodeAuthFailures.Add(ctx, 1)
}

// RecordBreakerState records the circuit breaker state as a numeric gauge.
func (m *Metrics) RecordBreakerState(ctx context.Context, state int) {
	m.breakerState.Record(ctx, int64(state))
}

// RecordBacklogSize records the current publish backlog size.
func (m *Metrics) RecordBacklogSize(ctx context.Context, size int) {
	m.backlogSize.Record(ctx, int64(size))
}

// RecordBacklogDropped records messages evicted from the backlog.
func (m *Metrics) RecordBacklogDropped(ctx context.Context, n int64) {
	m.backlogDropped.Add(ctx, n)
}

// RecordPublish records a message handed to the broker or backlog.
func (m *Metrics) RecordPublish(ctx context.Context, kind string) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic_kind", kind)))
}
