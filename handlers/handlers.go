package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jinmel/polybot/config"
	"github.com/jinmel/polybot/storage"
)

// Handler handles HTTP requests
type Handler struct {
	cfg   *config.Config
	store storage.DataStore
}

// NewHandler creates a new handler
func NewHandler(cfg *config.Config, store storage.DataStore) *Handler {
	return &Handler{cfg: cfg, store: store}
}

// Health reports liveness plus the wallet being mirrored.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"target": h.cfg.Target.Address,
	})
}

// GetPositions returns all open copy positions.
func (h *Handler) GetPositions(c *gin.Context) {
	positions, err := h.store.ListOpenPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load positions"})
		return
	}

	totalValue := 0.0
	for _, p := range positions {
		totalValue += p.Size * p.AvgEntryPrice
	}

	c.JSON(http.StatusOK, gin.H{
		"positions":       positions,
		"count":           len(positions),
		"total_cost_usdc": totalValue,
	})
}

// GetCopyTrades returns the most recent audit records.
func (h *Handler) GetCopyTrades(c *gin.Context) {
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	trades, err := h.store.ListCopyTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load copy trades"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// GetStats returns aggregate copy-trading counters.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.GetCopyTradeStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
