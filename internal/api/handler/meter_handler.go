package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/omsbridge/bridge/internal/store"
)

// MeterHandler handles pending-meter HTTP requests
type MeterHandler struct {
	logger  *slog.Logger
	storage *store.Storage
}

// NewMeterHandler creates a new MeterHandler instance
func NewMeterHandler(deps *Dependencies) *MeterHandler {
	return &MeterHandler{
		logger:  deps.Logger,
		storage: deps.Storage,
	}
}

// ListKnown handles GET /api/meters/known
// Lists meters with a provisioned key.
func (h *MeterHandler) ListKnown(c *gin.Context) {
	meters, err := h.storage.ListKnownMeters(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list known meters", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list known meters",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"meters": meters,
	})
}

// ListPending handles GET /api/meters/pending
// Lists meters seen on the air that have no provisioned key yet.
func (h *MeterHandler) ListPending(c *gin.Context) {
	meters, err := h.storage.ListPendingMeters(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list pending meters", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list pending meters",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"meters": meters,
	})
}

// DismissPending handles DELETE /api/meters/pending/:meter_id
func (h *MeterHandler) DismissPending(c *gin.Context) {
	meterID := c.Param("meter_id")

	if err := h.storage.ClearPendingMeter(c.Request.Context(), meterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Pending meter not found",
			})
			return
		}
		h.logger.Error("Failed to dismiss pending meter",
			slog.String("meter_id", meterID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to dismiss pending meter",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"meter_id": meterID,
		"status":   "dismissed",
	})
}
