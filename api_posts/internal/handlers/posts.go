package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"layeredge/pkg/logging"
	"layeredge/pkg/middleware"
)

type PostsHandler struct {
	fetcher PostFetcher
	timeout time.Duration
	logger  logging.Logger
	metrics *PostMetrics
}

func NewPostsHandler(fetcher PostFetcher, timeout time.Duration, logger logging.Logger, metrics *PostMetrics) *PostsHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PostsHandler{
		fetcher: fetcher,
		timeout: timeout,
		logger:  logging.OrDiscard(logger),
		metrics: metrics,
	}
}

type lookupRequest struct {
	URL string `json:"url" binding:"required"`
}

type verifyRequest struct {
	URL    string `json:"url" binding:"required"`
	Handle string `json:"handle" binding:"required"`
}

// Lookup returns the normalized record for a post.
func (h *PostsHandler) Lookup(c *gin.Context) {
	var req lookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "lookup")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	rec, err := h.fetcher.GetPostData(ctx, req.URL)
	if err != nil {
		h.fail(c, "lookup", req.URL, err)
		return
	}

	h.metrics.IncRequest("lookup", "success")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"post":    rec,
	})
}

// Verify checks that a post was written by the given handle.
func (h *PostsHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "verify")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	res, err := h.fetcher.VerifyOwnership(ctx, req.URL, req.Handle)
	if err != nil {
		h.fail(c, "verify", req.URL, err)
		return
	}

	h.metrics.IncRequest("verify", "success")
	body := gin.H{
		"success":                   true,
		"is_own_post":               res.IsOwnPost,
		"matches_required_keywords": res.MatchesRequiredKeywords,
		"low_confidence":            res.LowConfidence,
		"post":                      res.Record,
	}
	if !res.IsOwnPost {
		body["message"] = res.Mismatch()
	}
	c.JSON(http.StatusOK, body)
}

// Engagement returns fresh engagement counters for a post.
func (h *PostsHandler) Engagement(c *gin.Context) {
	var req lookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "engagement")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	res, err := h.fetcher.GetEngagement(ctx, req.URL)
	if err != nil {
		h.fail(c, "engagement", req.URL, err)
		return
	}

	status := "success"
	if res.Degraded {
		status = "degraded"
	}
	h.metrics.IncRequest("engagement", status)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"engagement": res,
	})
}

func (h *PostsHandler) badRequest(c *gin.Context, endpoint string) {
	h.metrics.IncRequest(endpoint, "bad_request")
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "Invalid request format",
	})
}

func (h *PostsHandler) fail(c *gin.Context, endpoint, url string, err error) {
	label := respondError(c, err)
	h.metrics.IncRequest(endpoint, label)

	entry := middleware.GetContextLogger(c, h.logger).WithFields(logging.Fields{
		"url":    url,
		"result": label,
		"error":  err.Error(),
	})
	if c.Writer.Status() >= http.StatusInternalServerError {
		entry.Error("Post request failed")
		return
	}
	entry.Warn("Post request rejected")
}
