package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/omsbridge/bridge/internal/api/dto"
	"github.com/omsbridge/bridge/internal/observability"
	"github.com/omsbridge/bridge/internal/pipeline"
	"github.com/omsbridge/bridge/internal/store"
)

// TelegramHandler handles telegram ingest and history HTTP requests
type TelegramHandler struct {
	logger  *slog.Logger
	storage *store.Storage
	dedup   *pipeline.Dedup
	queue   *pipeline.Queue
	metrics *observability.Metrics
}

// NewTelegramHandler creates a new TelegramHandler instance
func NewTelegramHandler(deps *Dependencies) *TelegramHandler {
	return &TelegramHandler{
		logger:  deps.Logger,
		storage: deps.Storage,
		dedup:   deps.Dedup,
		queue:   deps.Queue,
		metrics: deps.Metrics,
	}
}

// Ingest handles POST /v1/telegrams
// Validates the telegram, deduplicates it, and enqueues it for the worker
// pool. Always returns before any decode work happens.
func (h *TelegramHandler) Ingest(c *gin.Context) {
	var req dto.IngestTelegramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := pipeline.NewJob(toRecord(req))
	if err != nil {
		h.logger.Warn("Rejected telegram",
			slog.String("gateway_id", req.GatewayID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	h.metrics.RecordReceived(ctx, job.GatewayID)

	if !h.dedup.Admit(job.Fingerprint) {
		h.metrics.RecordDuplicate(ctx)
		c.JSON(http.StatusAccepted, dto.IngestTelegramResponse{
			JobID:     job.ID,
			Status:    "duplicate",
			Duplicate: true,
		})
		return
	}

	if err := h.queue.Enqueue(job); err != nil {
		// The telegram never entered the queue, so its fingerprint must not
		// block the retry the rejection asks for.
		h.dedup.Forget(job.Fingerprint)

		switch {
		case errors.Is(err, pipeline.ErrQueueFull):
			h.metrics.RecordQueueRejected(ctx)
			h.logger.Warn("Queue full, rejecting telegram",
				slog.String("gateway_id", job.GatewayID),
			)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Pipeline queue is full, retry later",
			})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Pipeline is shutting down",
			})
		}
		return
	}

	h.metrics.RecordQueueDepth(ctx, h.queue.Depth())

	c.JSON(http.StatusAccepted, dto.IngestTelegramResponse{
		JobID:  job.ID,
		Status: pipeline.StatusQueued,
	})
}

// ListTelegrams handles GET /api/meters/:meter_id/telegrams
// Lists the stored processing outcomes for one meter, newest first.
func (h *TelegramHandler) ListTelegrams(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	telegrams, err := h.storage.ListTelegrams(c.Request.Context(), c.Param("meter_id"), limit)
	if err != nil {
		h.logger.Error("Failed to list telegrams", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list telegrams",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"telegrams": telegrams,
	})
}

// GetTelegram handles GET /api/meters/:meter_id/telegrams/:telegram_id
func (h *TelegramHandler) GetTelegram(c *gin.Context) {
	telegram, err := h.storage.GetTelegram(c.Request.Context(), c.Param("telegram_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Telegram not found",
			})
			return
		}
		h.logger.Error("Failed to get telegram", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get telegram",
		})
		return
	}

	c.JSON(http.StatusOK, telegram)
}

// toRecord maps the ingest payload onto the pipeline's input record. Radio
// quality readings are folded into the metadata passed through verbatim.
func toRecord(req dto.IngestTelegramRequest) pipeline.TelegramRecord {
	rec := pipeline.TelegramRecord{
		GatewayID: req.GatewayID,
		RawHex:    req.RawHex,
		KeyHex:    req.KeyHex,
		Metadata:  req.Metadata,
	}

	if req.MeterID != "" || req.Manufacturer != "" {
		rec.MeterHint = &pipeline.MeterHint{
			MeterID:      req.MeterID,
			Manufacturer: req.Manufacturer,
		}
	}

	if req.ReceivedAt != "" {
		if t, err := time.Parse(time.RFC3339, req.ReceivedAt); err == nil {
			rec.ReceivedAt = t.UTC()
		}
	}

	if req.RSSI != nil || req.LQI != nil {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any, 2)
		}
		if req.RSSI != nil {
			rec.Metadata["rssi"] = *req.RSSI
		}
		if req.LQI != nil {
			rec.Metadata["lqi"] = *req.LQI
		}
	}

	return rec
}
