package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omsbridge/bridge/internal/decode"
	"github.com/omsbridge/bridge/internal/pipeline"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type sentMessage struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	sent      []sentMessage
	failsLeft int
}

func (b *fakeBroker) Connect() mqtt.Token { return newFakeToken(nil) }

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failsLeft > 0 {
		b.failsLeft--
		return newFakeToken(errors.New("transient publish failure"))
	}
	b.sent = append(b.sent, sentMessage{
		topic:    topic,
		retained: retained,
		payload:  append([]byte(nil), payload.([]byte)...),
	})
	return newFakeToken(nil)
}

func (b *fakeBroker) Disconnect(uint) {}

func (b *fakeBroker) snapshot() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMessage(nil), b.sent...)
}

func testConfig() *Config {
	return &Config{
		URL:             "tcp://localhost:1883",
		ClientID:        "test",
		QoS:             1,
		Retain:          true,
		RawTopic:        "oms/v1/gw/{gateway_id}/raw/{ingest_id}",
		ParsedTopic:     "oms/v1/gw/{gateway_id}/meter/{meter_id}/reading",
		ErrorTopic:      "oms/v1/gw/{gateway_id}/error/{ingest_id}",
		BacklogCapacity: 4,
		PublishTimeout:  time.Second,
	}
}

func testJob() *pipeline.Job {
	return &pipeline.Job{
		ID:         "job-1",
		GatewayID:  "gw-1",
		RawHex:     "abcd",
		MeterHint:  &pipeline.MeterHint{MeterID: "12345678"},
		ReceivedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_PublishParsed(t *testing.T) {
	broker := &fakeBroker{}
	p := newPublisherWithClient(testConfig(), broker, nil, nil)
	p.setConnected(true)

	result := &decode.Result{
		MeterID:      "12345678",
		Manufacturer: "KAM",
		Body:         json.RawMessage(`{"meterId":"12345678","values":{"energy":1.5}}`),
	}

	require.NoError(t, p.PublishParsed(context.Background(), testJob(), result))

	sent := broker.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, "oms/v1/gw/gw-1/meter/12345678/reading", sent[0].topic)
	assert.False(t, sent[0].retained, "telemetry is never retained")

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(sent[0].payload, &envelope))
	assert.Equal(t, "oms.bridge.v1", envelope["schema"])
	assert.Equal(t, "job-1", envelope["ingest_id"])
	assert.Equal(t, "gw-1", envelope["gateway_id"])
	assert.Equal(t, "12345678", envelope["meter_id"])
	assert.Equal(t, "KAM", envelope["manufacturer"])
	assert.Equal(t, "2025-06-01T12:00:00Z", envelope["rx_time"])
	assert.Contains(t, envelope, "reading")
}

func TestPublisher_PublishRawAndError(t *testing.T) {
	broker := &fakeBroker{}
	p := newPublisherWithClient(testConfig(), broker, nil, nil)
	p.setConnected(true)

	job := testJob()
	ctx := context.Background()

	require.NoError(t, p.PublishRaw(ctx, job))
	require.NoError(t, p.PublishError(ctx, job, "decrypt_key_missing"))

	sent := broker.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, "oms/v1/gw/gw-1/raw/job-1", sent[0].topic)
	assert.Equal(t, "oms/v1/gw/gw-1/error/job-1", sent[1].topic)

	var rawEnv map[string]any
	require.NoError(t, json.Unmarshal(sent[0].payload, &rawEnv))
	assert.Equal(t, "oms.bridge.raw.v1", rawEnv["schema"])
	assert.Equal(t, "abcd", rawEnv["raw_hex"])

	var errEnv map[string]any
	require.NoError(t, json.Unmarshal(sent[1].payload, &errEnv))
	assert.Equal(t, "oms.bridge.error.v1", errEnv["schema"])
	assert.Equal(t, "decrypt_key_missing", errEnv["reason"])
}

func TestPublisher_BuffersWhileDisconnected(t *testing.T) {
	broker := &fakeBroker{}
	p := newPublisherWithClient(testConfig(), broker, nil, nil)

	job := testJob()
	ctx := context.Background()

	// Disconnected: nothing reaches the broker, publishes still succeed
	require.NoError(t, p.PublishRaw(ctx, job))
	require.NoError(t, p.PublishError(ctx, job, "decode_timeout"))

	assert.Empty(t, broker.snapshot())
	assert.Equal(t, 2, p.BacklogSize())

	// Reconnect flushes the backlog in FIFO order
	p.onConnect(nil)

	sent := broker.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, "oms/v1/gw/gw-1/raw/job-1", sent[0].topic)
	assert.Equal(t, "oms/v1/gw/gw-1/error/job-1", sent[1].topic)
	assert.Zero(t, p.BacklogSize())
	assert.True(t, p.Connected())
}

func TestPublisher_BacklogDropsOldest(t *testing.T) {
	broker := &fakeBroker{}
	cfg := testConfig()
	cfg.BacklogCapacity = 2
	p := newPublisherWithClient(cfg, broker, nil, nil)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		job := testJob()
		job.ID = string(rune('a' + i))
		require.NoError(t, p.PublishRaw(ctx, job))
	}

	assert.Equal(t, 2, p.BacklogSize())
	assert.Equal(t, int64(2), p.BacklogDropped())

	p.onConnect(nil)

	// Only the two newest survive
	sent := broker.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, "oms/v1/gw/gw-1/raw/c", sent[0].topic)
	assert.Equal(t, "oms/v1/gw/gw-1/raw/d", sent[1].topic)
}

func TestPublisher_PartialFlushKeepsFIFO(t *testing.T) {
	broker := &fakeBroker{}
	p := newPublisherWithClient(testConfig(), broker, nil, nil)

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		job := testJob()
		job.ID = id
		require.NoError(t, p.PublishRaw(ctx, job))
	}
	require.Equal(t, 2, p.BacklogSize())

	// The reconnect flush fails partway and leaves the remainder buffered
	// while the connection itself stays up
	broker.mu.Lock()
	broker.failsLeft = 2
	broker.mu.Unlock()
	p.onConnect(nil)

	require.True(t, p.Connected())
	require.Equal(t, 2, p.BacklogSize())
	assert.Empty(t, broker.snapshot())

	// The next publish must drain the remainder first, never jump ahead of it
	job := testJob()
	job.ID = "c"
	require.NoError(t, p.PublishRaw(ctx, job))

	sent := broker.snapshot()
	require.Len(t, sent, 3)
	assert.Equal(t, "oms/v1/gw/gw-1/raw/a", sent[0].topic)
	assert.Equal(t, "oms/v1/gw/gw-1/raw/b", sent[1].topic)
	assert.Equal(t, "oms/v1/gw/gw-1/raw/c", sent[2].topic)
	assert.Zero(t, p.BacklogSize())
}

func TestPublisher_PublishTest(t *testing.T) {
	broker := &fakeBroker{}
	p := newPublisherWithClient(testConfig(), broker, nil, nil)

	// Fails rather than buffers while disconnected
	_, err := p.PublishTest(context.Background())
	assert.Error(t, err)
	assert.Zero(t, p.BacklogSize())

	p.setConnected(true)
	topic, err := p.PublishTest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "oms/v1/gw/test-gateway/meter/test-meter/reading", topic)

	sent := broker.snapshot()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].retained, "test messages honor the configured retain flag")
}
