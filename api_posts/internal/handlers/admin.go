package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"layeredge/pkg/logging"
	"layeredge/pkg/middleware"
)

type AdminHandler struct {
	breakers BreakerAdmin
	logger   logging.Logger
}

func NewAdminHandler(breakers BreakerAdmin, logger logging.Logger) *AdminHandler {
	return &AdminHandler{breakers: breakers, logger: logging.OrDiscard(logger)}
}

type overrideRequest struct {
	Enabled bool `json:"enabled"`
	// DurationSeconds bounds the override; zero means until cleared.
	DurationSeconds int `json:"duration_seconds"`
}

func (h *AdminHandler) GetBreaker(c *gin.Context) {
	m, err := h.breakers.BreakerMetrics(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "breaker": m})
}

func (h *AdminHandler) Override(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DurationSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request format",
		})
		return
	}

	name := c.Param("name")
	st, err := h.breakers.SetManualOverride(c.Request.Context(), name, req.Enabled, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		respondError(c, err)
		return
	}

	middleware.GetContextLogger(c, h.logger).WithFields(logging.Fields{
		"breaker":  name,
		"enabled":  req.Enabled,
		"duration": req.DurationSeconds,
	}).Warn("Breaker manual override changed")
	c.JSON(http.StatusOK, gin.H{"success": true, "state": st})
}

func (h *AdminHandler) Reset(c *gin.Context) {
	name := c.Param("name")
	if err := h.breakers.ResetBreaker(c.Request.Context(), name); err != nil {
		respondError(c, err)
		return
	}

	middleware.GetContextLogger(c, h.logger).WithField("breaker", name).Warn("Breaker reset")
	c.JSON(http.StatusOK, gin.H{"success": true})
}
