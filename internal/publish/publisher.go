package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/omsbridge/bridge/internal/decode"
	"github.com/omsbridge/bridge/internal/observability"
	"github.com/omsbridge/bridge/internal/pipeline"
)

// Envelope schema tags, versioned so downstream consumers can dispatch.
const (
	schemaRaw    = "oms.bridge.raw.v1"
	schemaParsed = "oms.bridge.v1"
	schemaError  = "oms.bridge.error.v1"
	schemaTest   = "oms.bridge.test.v1"
)

const (
	defaultPublishTimeout   = 2 * time.Second
	defaultReconnectInitial = 1 * time.Second
	defaultReconnectMax     = 60 * time.Second
	defaultBacklogCapacity  = 2048
)

// Config holds MQTT publisher configuration
type Config struct {
	URL              string
	Username         string
	Password         string
	ClientID         string
	QoS              byte
	Retain           bool
	RawTopic         string
	ParsedTopic      string
	ErrorTopic       string
	BacklogCapacity  int
	PublishTimeout   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// brokerClient is the slice of the paho client the publisher uses.
type brokerClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher maintains one long-lived broker connection with an explicit
// reconnect loop. While disconnected, outbound messages land in a bounded
// drop-oldest backlog that is flushed in FIFO order on reconnect.
// Telemetry publishes are never retained, regardless of the configured
// default, so new subscribers never replay stale readings.
type Publisher struct {
	config  *Config
	client  brokerClient
	logger  *slog.Logger
	metrics *observability.Metrics
	backlog *backlog

	mu        sync.Mutex
	connected bool
	closed    bool

	flushMu sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPublisher creates a publisher for the given broker.
func NewPublisher(config *Config, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	p := newPublisher(config, logger, metrics)

	opts := mqtt.NewClientOptions().
		AddBroker(config.URL).
		SetClientID(config.ClientID).
		SetUsername(config.Username).
		SetPassword(config.Password).
		SetAutoReconnect(false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = mqtt.NewClient(opts)
	return p
}

// newPublisherWithClient wires a pre-built client, used by tests.
func newPublisherWithClient(config *Config, client brokerClient, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	p := newPublisher(config, logger, metrics)
	p.client = client
	return p
}

func newPublisher(config *Config, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if config.BacklogCapacity <= 0 {
		config.BacklogCapacity = defaultBacklogCapacity
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaultPublishTimeout
	}
	if config.ReconnectInitial <= 0 {
		config.ReconnectInitial = defaultReconnectInitial
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = defaultReconnectMax
	}

	return &Publisher{
		config:  config,
		logger:  logger,
		metrics: metrics,
		backlog: newBacklog(config.BacklogCapacity),
		stopCh:  make(chan struct{}),
	}
}

// Start begins connecting to the broker in the background. Publishes made
// before the connection is up are buffered in the backlog.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.connectLoop()
}

// Close stops the reconnect loop and disconnects from the broker.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.client.Disconnect(250)
	p.logger.Info("Broker connection closed")
}

// connectLoop dials the broker with exponential backoff until it succeeds
// or the publisher is closed. Connectivity is assumed eventually restored,
// so attempts are unbounded.
func (p *Publisher) connectLoop() {
	defer p.wg.Done()

	delay := p.config.ReconnectInitial
	for attempt := 1; ; attempt++ {
		token := p.client.Connect()
		token.Wait()
		if token.Error() == nil {
			return
		}

		p.logger.Warn("Failed to connect to broker",
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.Any("error", token.Error()),
		)

		select {
		case <-p.stopCh:
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > p.config.ReconnectMax {
			delay = p.config.ReconnectMax
		}
	}
}

// onConnect flushes the backlog before new messages are accepted live.
func (p *Publisher) onConnect(_ mqtt.Client) {
	p.logger.Info("Connected to broker", slog.String("url", p.config.URL))
	p.flushBacklog()
	p.setConnected(true)

	// Messages pushed while the flush was finishing.
	p.flushBacklog()
}

func (p *Publisher) onConnectionLost(_ mqtt.Client, err error) {
	p.setConnected(false)
	p.logger.Warn("Broker connection lost, buffering publishes",
		slog.Any("error", err),
	)

	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if !closed {
		go p.connectLoop()
	}
}

// flushBacklog sends buffered messages in FIFO order. On a send failure
// the unsent remainder is requeued in place and the flush stops.
func (p *Publisher) flushBacklog() {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	msgs := p.backlog.drain()
	if len(msgs) == 0 {
		return
	}

	for i, m := range msgs {
		token := p.client.Publish(m.topic, p.config.QoS, false, m.payload)
		if !token.WaitTimeout(p.config.PublishTimeout) || token.Error() != nil {
			p.backlog.requeue(msgs[i:])
			p.logger.Warn("Backlog flush interrupted",
				slog.Int("flushed", i),
				slog.Int("remaining", len(msgs)-i),
			)
			return
		}
	}

	p.logger.Info("Backlog flushed", slog.Int("messages", len(msgs)))
}

func (p *Publisher) setConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	p.mu.Unlock()
}

// Connected reports whether the broker connection is up.
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// BacklogSize returns the number of buffered messages.
func (p *Publisher) BacklogSize() int {
	return p.backlog.len()
}

// BacklogDropped returns the total number of messages evicted from the backlog.
func (p *Publisher) BacklogDropped() int64 {
	return p.backlog.droppedCount()
}

// PublishRaw publishes the raw telegram. Called unconditionally for every
// job, before decoding, so raw data survives any decode failure.
func (p *Publisher) PublishRaw(ctx context.Context, job *pipeline.Job) error {
	envelope := rawEnvelope{
		Schema:    schemaRaw,
		IngestID:  job.ID,
		GatewayID: job.GatewayID,
		MeterID:   job.MeterID(),
		RxTime:    job.ReceivedAt.UTC().Format(time.RFC3339),
		RawHex:    job.RawHex,
		Metadata:  job.Metadata,
	}

	topic := renderTopic(p.config.RawTopic, job.GatewayID, job.MeterID(), job.ID)
	return p.publish(ctx, "raw", topic, envelope)
}

// PublishParsed publishes the normalized reading on the parsed topic.
func (p *Publisher) PublishParsed(ctx context.Context, job *pipeline.Job, result *decode.Result) error {
	meterID := result.MeterID
	if meterID == "" {
		meterID = job.MeterID()
	}

	envelope := parsedEnvelope{
		Schema:       schemaParsed,
		IngestID:     job.ID,
		GatewayID:    job.GatewayID,
		MeterID:      meterID,
		Manufacturer: result.Manufacturer,
		RxTime:       job.ReceivedAt.UTC().Format(time.RFC3339),
		RawHex:       job.RawHex,
		Metadata:     job.Metadata,
		Reading:      result.Body,
	}

	topic := renderTopic(p.config.ParsedTopic, job.GatewayID, meterID, job.ID)
	return p.publish(ctx, "parsed", topic, envelope)
}

// PublishError publishes a terminal job failure with its reason code.
func (p *Publisher) PublishError(ctx context.Context, job *pipeline.Job, reason string) error {
	envelope := errorEnvelope{
		Schema:    schemaError,
		IngestID:  job.ID,
		GatewayID: job.GatewayID,
		MeterID:   job.MeterID(),
		Reason:    reason,
		RxTime:    job.ReceivedAt.UTC().Format(time.RFC3339),
		RawHex:    job.RawHex,
		Metadata:  job.Metadata,
	}

	topic := renderTopic(p.config.ErrorTopic, job.GatewayID, job.MeterID(), job.ID)
	return p.publish(ctx, "error", topic, envelope)
}

// PublishTest sends a test message on the parsed topic with placeholder
// ids. Unlike telemetry it honors the configured retain flag and fails
// when the broker is down instead of buffering.
func (p *Publisher) PublishTest(ctx context.Context) (string, error) {
	if !p.Connected() {
		return "", fmt.Errorf("broker not connected")
	}

	topic := renderTopic(p.config.ParsedTopic, "test-gateway", "test-meter", "test")
	payload, err := json.Marshal(map[string]string{
		"schema":     schemaTest,
		"message":    "broker_test",
		"gateway_id": "test-gateway",
		"meter_id":   "test-meter",
	})
	if err != nil {
		return "", err
	}

	token := p.client.Publish(topic, p.config.QoS, p.config.Retain, payload)
	if !token.WaitTimeout(p.config.PublishTimeout) {
		return "", fmt.Errorf("publish to %s timed out", topic)
	}
	if token.Error() != nil {
		return "", token.Error()
	}
	return topic, nil
}

// publish sends a message on the live connection or, when disconnected or
// the send fails, buffers it. Broker unavailability is never surfaced as a
// job failure.
func (p *Publisher) publish(ctx context.Context, kind, topic string, envelope any) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	p.metrics.RecordPublish(ctx, kind)

	// A live send is only allowed when the backlog is empty; anything still
	// buffered from an earlier outage or partial flush must go out first so
	// delivery stays in FIFO order.
	if p.Connected() && p.backlog.len() == 0 {
		token := p.client.Publish(topic, p.config.QoS, false, payload)
		if token.WaitTimeout(p.config.PublishTimeout) && token.Error() == nil {
			return nil
		}
		p.logger.Warn("Publish failed on live connection, buffering",
			slog.String("topic", topic),
			slog.Any("error", token.Error()),
		)
	}

	if evicted := p.backlog.push(message{topic: topic, payload: payload}); evicted {
		p.metrics.RecordBacklogDropped(ctx, 1)
	}

	// The connection may be up, or may have come back while we were
	// buffering; either way drain the backlog behind this message.
	if p.Connected() {
		p.flushBacklog()
	}
	p.metrics.RecordBacklogSize(ctx, p.backlog.len())

	return nil
}

type rawEnvelope struct {
	Schema    string         `json:"schema"`
	IngestID  string         `json:"ingest_id"`
	GatewayID string         `json:"gateway_id"`
	MeterID   string         `json:"meter_id,omitempty"`
	RxTime    string         `json:"rx_time"`
	RawHex    string         `json:"raw_hex"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type parsedEnvelope struct {
	Schema       string          `json:"schema"`
	IngestID     string          `json:"ingest_id"`
	GatewayID    string          `json:"gateway_id"`
	MeterID      string          `json:"meter_id"`
	Manufacturer string          `json:"manufacturer,omitempty"`
	RxTime       string          `json:"rx_time"`
	RawHex       string          `json:"raw_hex"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Reading      json.RawMessage `json:"reading"`
}

type errorEnvelope struct {
	Schema    string         `json:"schema"`
	IngestID  string         `json:"ingest_id"`
	GatewayID string         `json:"gateway_id"`
	MeterID   string         `json:"meter_id,omitempty"`
	Reason    string         `json:"reason"`
	RxTime    string         `json:"rx_time"`
	RawHex    string         `json:"raw_hex"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
