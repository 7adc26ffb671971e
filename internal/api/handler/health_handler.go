package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/omsbridge/bridge/internal/decode"
	"github.com/omsbridge/bridge/internal/pipeline"
)

// HealthHandler reports pipeline health for operators and probes
type HealthHandler struct {
	logger    *slog.Logger
	queue     *pipeline.Queue
	dedup     *pipeline.Dedup
	decoder   *decode.Client
	publisher BrokerStatus
	mapping   pipeline.MappingProvider
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:    deps.Logger,
		queue:     deps.Queue,
		dedup:     deps.Dedup,
		decoder:   deps.Decoder,
		publisher: deps.Publisher,
		mapping:   deps.Mapping,
	}
}

// Health handles GET /healthz
// The service stays alive through broker and decode outages, so this
// always returns 200 with per-component detail rather than flapping.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "bridge-service",
		"queue": gin.H{
			"depth":    h.queue.Depth(),
			"capacity": h.queue.Capacity(),
		},
		"dedup": gin.H{
			"entries": h.dedup.Len(),
		},
		"decode": gin.H{
			"breaker_state": h.decoder.BreakerState().String(),
		},
		"broker": gin.H{
			"connected":    h.publisher.Connected(),
			"backlog_size": h.publisher.BacklogSize(),
			"dropped":      h.publisher.BacklogDropped(),
		},
		"mapping": gin.H{
			"version": h.mapping.Current().Version,
		},
	})
}

// BrokerTest handles POST /api/broker/test
// Publishes a test message so an operator can verify broker connectivity
// end to end.
func (h *HealthHandler) BrokerTest(c *gin.Context) {
	topic, err := h.publisher.PublishTest(c.Request.Context())
	if err != nil {
		h.logger.Warn("Broker test publish failed", slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "published",
		"topic":  topic,
	})
}
