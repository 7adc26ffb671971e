package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/omsbridge/bridge/internal/api/dto"
	"github.com/omsbridge/bridge/internal/store"
)

// KeyHandler handles decryption key provisioning HTTP requests
type KeyHandler struct {
	logger  *slog.Logger
	storage *store.Storage
}

// NewKeyHandler creates a new KeyHandler instance
func NewKeyHandler(deps *Dependencies) *KeyHandler {
	return &KeyHandler{
		logger:  deps.Logger,
		storage: deps.Storage,
	}
}

// ListKeys handles GET /api/keys
func (h *KeyHandler) ListKeys(c *gin.Context) {
	keys, err := h.storage.ListKeys(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list keys", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list keys",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"keys": keys,
	})
}

// SetKey handles PUT /api/keys/:meter_id
// Provisions or replaces a meter's decryption key and clears its pending
// entry.
func (h *KeyHandler) SetKey(c *gin.Context) {
	meterID := c.Param("meter_id")

	var payload dto.KeyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	if err := h.storage.SetKey(c.Request.Context(), meterID, payload.KeyHex); err != nil {
		h.logger.Error("Failed to set key",
			slog.String("meter_id", meterID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to set key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"meter_id": meterID,
		"status":   "provisioned",
	})
}

// DeleteKey handles DELETE /api/keys/:meter_id
func (h *KeyHandler) DeleteKey(c *gin.Context) {
	meterID := c.Param("meter_id")

	if err := h.storage.DeleteKey(c.Request.Context(), meterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Key not found",
			})
			return
		}
		h.logger.Error("Failed to delete key",
			slog.String("meter_id", meterID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"meter_id": meterID,
		"status":   "deleted",
	})
}
