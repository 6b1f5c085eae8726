package handlers

import (
	"context"
	"time"

	"layeredge/api_posts/internal/fetcher"
	"layeredge/api_posts/internal/submission"
	"layeredge/pkg/breaker"
	"layeredge/pkg/models"
)

type PostFetcher interface {
	GetPostData(ctx context.Context, rawURL string) (models.PostRecord, error)
	VerifyOwnership(ctx context.Context, rawURL, claimedHandle string) (fetcher.OwnershipResult, error)
	GetEngagement(ctx context.Context, rawURL string) (fetcher.EngagementResult, error)
}

type UserFetcher interface {
	GetUserInfo(ctx context.Context, handle string) (models.UserInfo, error)
}

type BreakerAdmin interface {
	SetManualOverride(ctx context.Context, name string, enabled bool, duration time.Duration) (breaker.CircuitState, error)
	ResetBreaker(ctx context.Context, name string) error
	BreakerMetrics(ctx context.Context, name string) (breaker.Metrics, error)
}

type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (submission.Result, error)
}
