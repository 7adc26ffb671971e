package observability

import (
	"go.opentelemetry.io/otel/metric/noop"
)

// NewNoopMetrics creates metrics that do nothing. Used in tests and when
// no meter provider is configured.
func NewNoopMetrics() *Metrics {
	meter := noop.NewMeterProvider().Meter("")
	m := &Metrics{}

	// Noop meter never returns errors.
	m.telegramsReceived, _ = meter.Int64Counter("bridge.telegram.received")    //nolint:errcheck
	m.telegramsDuplicate, _ = meter.Int64Counter("bridge.telegram.duplicate")  //nolint:errcheck
	m.queueRejected, _ = meter.Int64Counter("bridge.queue.rejected")           //nolint:errcheck
	m.queueDepth, _ = meter.Int64Gauge("bridge.queue.depth")                   //nolint:errcheck
	m.stageDuration, _ = meter.Float64Histogram("bridge.stage.duration")       //nolint:errcheck
	m.decodeFailures, _ = meter.Int64Counter("bridge.decode.failure")          //nolint:errcheck
	m.decodeAuthFailures, _ = meter.Int64Counter("bridge.decode.auth_failure") //nolint:errcheck
	m.breakerState, _ = meter.Int64Gauge("bridge.decode.breaker_state")        //nolint:errcheck
	m.backlogSize, _ = meter.Int64Gauge("bridge.publish.backlog_size")         //nolint:errcheck
	m.backlogDropped, _ = meter.Int64Counter("bridge.publish.backlog_dropped") //nolint:errcheck
	m.published, _ = meter.Int64Counter("bridge.publish.count")                //nolint:errcheck

	return m
}
