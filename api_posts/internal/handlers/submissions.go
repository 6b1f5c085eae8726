package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"layeredge/api_posts/internal/sources"
	"layeredge/api_posts/internal/submission"
	"layeredge/pkg/logging"
	"layeredge/pkg/middleware"
)

type SubmissionHandler struct {
	submitter Submitter
	timeout   time.Duration
	logger    logging.Logger
	metrics   *PostMetrics
	// actorHeader is set only when a trusted gateway owns that header.
	actorHeader string
}

func NewSubmissionHandler(submitter Submitter, timeout time.Duration, logger logging.Logger, metrics *PostMetrics) *SubmissionHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SubmissionHandler{
		submitter: submitter,
		timeout:   timeout,
		logger:    logging.OrDiscard(logger),
		metrics:   metrics,
	}
}

// TrustActorHeader keys rate limits on the named header. Only use it behind a
// gateway that strips the header from client traffic.
func (h *SubmissionHandler) TrustActorHeader(name string) *SubmissionHandler {
	h.actorHeader = strings.TrimSpace(name)
	return h
}

func (h *SubmissionHandler) Handle(c *gin.Context) {
	start := time.Now()

	var req submission.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.IncRequest("submit", "bad_request")
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request format",
		})
		return
	}
	req.ActorID = h.actorID(c, req.Handle)

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	res, err := h.submitter.Submit(ctx, req)
	if err != nil {
		label := respondError(c, err)
		h.metrics.IncRequest("submit", label)
		h.metrics.ObserveSubmit(label, time.Since(start).Seconds())
		middleware.GetContextLogger(c, h.logger).WithFields(logging.Fields{
			"handle": req.Handle,
			"url":    req.URL,
			"result": label,
			"error":  err.Error(),
		}).Warn("Submission rejected")
		return
	}

	h.metrics.IncRequest("submit", "success")
	h.metrics.ObserveSubmit("success", time.Since(start).Seconds())
	c.JSON(http.StatusCreated, gin.H{
		"success":               true,
		"post":                  res.Post,
		"total_points":          res.TotalPoints,
		"remaining_submissions": res.Remaining,
	})
}

// actorID is the rate limit key. Client headers are spoofable, so without a
// trusted gateway header the key is the submitting handle.
func (h *SubmissionHandler) actorID(c *gin.Context, handle string) string {
	if h.actorHeader != "" {
		if id := strings.TrimSpace(c.GetHeader(h.actorHeader)); id != "" {
			return id
		}
	}
	return "handle:" + sources.NormalizeHandle(handle)
}
