package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"layeredge/pkg/logging"
	"layeredge/pkg/middleware"
)

type UsersHandler struct {
	fetcher UserFetcher
	timeout time.Duration
	logger  logging.Logger
	metrics *PostMetrics
}

func NewUsersHandler(fetcher UserFetcher, timeout time.Duration, logger logging.Logger, metrics *PostMetrics) *UsersHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &UsersHandler{
		fetcher: fetcher,
		timeout: timeout,
		logger:  logging.OrDiscard(logger),
		metrics: metrics,
	}
}

type userLookupRequest struct {
	Username string `json:"username" binding:"required"`
}

// Lookup returns the public profile for a handle.
func (h *UsersHandler) Lookup(c *gin.Context) {
	var req userLookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.IncRequest("user", "bad_request")
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request format",
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	info, err := h.fetcher.GetUserInfo(ctx, req.Username)
	if err != nil {
		label := respondErrorWith(c, err, userMessage)
		h.metrics.IncRequest("user", label)
		entry := middleware.GetContextLogger(c, h.logger).WithFields(logging.Fields{
			"username": req.Username,
			"result":   label,
			"error":    err.Error(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("User lookup failed")
			return
		}
		entry.Warn("User lookup rejected")
		return
	}

	h.metrics.IncRequest("user", "success")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user":    info,
	})
}
