package submission

import (
	"context"

	"layeredge/api_posts/internal/fetcher"
	"layeredge/pkg/models"
	"layeredge/pkg/ratelimit"
)

// Persistence is the points ledger. RecordPost stores the post and credits
// its points atomically, returning the user's new total.
type Persistence interface {
	FindUserByHandle(ctx context.Context, handle string) (models.CommunityUser, error)
	RecordPost(ctx context.Context, userID string, rec models.PostRecord, points int) (models.SubmittedPost, int, error)
}

// PolicyVerdict is a content policy decision.
type PolicyVerdict struct {
	Allow       bool     `json:"allow"`
	Reason      string   `json:"reason,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// PolicyEvaluator gates post content before it is recorded.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, content string) (PolicyVerdict, error)
}

// AllowAllPolicy accepts everything.
type AllowAllPolicy struct{}

func (AllowAllPolicy) Evaluate(context.Context, string) (PolicyVerdict, error) {
	return PolicyVerdict{Allow: true}, nil
}

type Limiter interface {
	CheckSubmission(ctx context.Context, actorID string) ratelimit.Decision
}

type OwnershipVerifier interface {
	VerifyOwnership(ctx context.Context, rawURL, claimedHandle string) (fetcher.OwnershipResult, error)
}
