package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"layeredge/api_posts/internal/fetcher"
	"layeredge/api_posts/internal/sources"
	"layeredge/api_posts/internal/submission"
	"layeredge/pkg/breaker"
)

var sourceStatus = map[sources.Kind]int{
	sources.KindInvalidInput: http.StatusBadRequest,
	sources.KindNotFound:     http.StatusNotFound,
	sources.KindUnauthorized: http.StatusForbidden,
	sources.KindRateLimited:  http.StatusTooManyRequests,
	sources.KindNetwork:      http.StatusBadGateway,
	sources.KindCircuitOpen:  http.StatusServiceUnavailable,
}

var submissionStatus = map[submission.Kind]int{
	submission.KindInvalidInput:    http.StatusBadRequest,
	submission.KindRateLimited:     http.StatusTooManyRequests,
	submission.KindNotOwner:        http.StatusForbidden,
	submission.KindMissingKeywords: http.StatusUnprocessableEntity,
	submission.KindPolicyRejected:  http.StatusUnprocessableEntity,
	submission.KindDuplicate:       http.StatusConflict,
	submission.KindUserUnknown:     http.StatusNotFound,
}

var sourceMessage = map[sources.Kind]string{
	sources.KindInvalidInput: "Invalid post URL",
	sources.KindNotFound:     "Post not found",
	sources.KindUnauthorized: "Post is not accessible",
	sources.KindRateLimited:  "Upstream rate limit reached, try again later",
	sources.KindNetwork:      "Could not reach the post source",
	sources.KindCircuitOpen:  "Post sources are temporarily unavailable",
}

var userMessage = map[sources.Kind]string{
	sources.KindInvalidInput: "Invalid username",
	sources.KindNotFound:     "User not found",
	sources.KindUnauthorized: "Profile is not accessible",
	sources.KindRateLimited:  "Upstream rate limit reached, try again later",
	sources.KindNetwork:      "Could not reach the profile source",
	sources.KindCircuitOpen:  "Profile sources are temporarily unavailable",
}

// errorResponse maps a domain error to a status code, a public body and a
// result label for metrics.
func errorResponse(err error) (int, gin.H, string) {
	return errorResponseWith(err, sourceMessage)
}

func errorResponseWith(err error, messages map[sources.Kind]string) (int, gin.H, string) {
	var se *submission.Error
	if errors.As(err, &se) {
		body := gin.H{"success": false, "error": se.Message, "code": string(se.Kind)}
		if len(se.Suggestions) > 0 {
			body["suggestions"] = se.Suggestions
		}
		status, ok := submissionStatus[se.Kind]
		if !ok {
			status = http.StatusBadRequest
		}
		return status, body, string(se.Kind)
	}

	body := gin.H{"success": false}
	var k interface{ ErrorKind() sources.Kind }
	if !errors.As(err, &k) && !breaker.IsOpen(err) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			body["error"] = "Request timed out"
			body["code"] = "timeout"
			return http.StatusGatewayTimeout, body, "timeout"
		}
		body["error"] = "Internal server error"
		body["code"] = "internal"
		return http.StatusInternalServerError, body, "internal"
	}

	kind := sources.KindOf(err)
	var ff *fetcher.FetchFailedError
	if errors.As(err, &ff) {
		kind = ff.Reason
		body["attempts"] = ff.Attempts
	}
	if errors.Is(err, fetcher.ErrUnknownBreaker) {
		body["error"] = "Unknown breaker"
		body["code"] = "not_found"
		return http.StatusNotFound, body, "unknown_breaker"
	}

	status, ok := sourceStatus[kind]
	if !ok {
		body["error"] = "Internal server error"
		body["code"] = "internal"
		return http.StatusInternalServerError, body, "internal"
	}
	body["error"] = messages[kind]
	body["code"] = string(kind)
	if kind == sources.KindInvalidInput {
		body["details"] = err.Error()
	}
	return status, body, string(kind)
}

// respondError writes err, setting Retry-After on 429 and 503 responses, and
// returns the metrics label.
func respondError(c *gin.Context, err error) string {
	return respondErrorWith(c, err, sourceMessage)
}

func respondErrorWith(c *gin.Context, err error, messages map[sources.Kind]string) string {
	status, body, label := errorResponseWith(err, messages)
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		secs := breaker.RetryAfterSeconds(sources.RetryAfterOf(err))
		c.Header("Retry-After", strconv.Itoa(secs))
		body["retry_after"] = secs
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
	return label
}
