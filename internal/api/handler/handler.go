package handler

import (
	"context"
	"log/slog"

	"github.com/omsbridge/bridge/internal/decode"
	"github.com/omsbridge/bridge/internal/observability"
	"github.com/omsbridge/bridge/internal/pipeline"
	"github.com/omsbridge/bridge/internal/store"
)

// BrokerStatus is the publisher surface the API reads for health and the
// broker test endpoint.
type BrokerStatus interface {
	Connected() bool
	BacklogSize() int
	BacklogDropped() int64
	PublishTest(ctx context.Context) (string, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Storage   *store.Storage
	Dedup     *pipeline.Dedup
	Queue     *pipeline.Queue
	Decoder   *decode.Client
	Publisher BrokerStatus
	Mapping   pipeline.MappingProvider
	Metrics   *observability.Metrics
}
