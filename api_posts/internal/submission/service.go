// Package submission accepts community posts into the points ledger.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"layeredge/api_posts/internal/sources"
	"layeredge/api_posts/internal/storage"
	"layeredge/pkg/logging"
	"layeredge/pkg/models"
	"layeredge/pkg/ratelimit"
)

type Config struct {
	// BasePoints is awarded per accepted post.
	BasePoints int
	// Keywords are listed back to the user when a post lacks them.
	Keywords models.KeywordSet
}

type Service struct {
	limiter  Limiter
	verifier OwnershipVerifier
	store    Persistence
	policy   PolicyEvaluator
	cfg      Config
	logger   logging.Logger
}

func NewService(limiter Limiter, verifier OwnershipVerifier, store Persistence, policy PolicyEvaluator, cfg Config, logger logging.Logger) *Service {
	if policy == nil {
		policy = AllowAllPolicy{}
	}
	if cfg.BasePoints <= 0 {
		cfg.BasePoints = 10
	}
	return &Service{
		limiter:  limiter,
		verifier: verifier,
		store:    store,
		policy:   policy,
		cfg:      cfg,
		logger:   logging.OrDiscard(logger),
	}
}

type Request struct {
	// ActorID identifies the caller for rate limiting.
	ActorID string `json:"-"`
	Handle  string `json:"handle" binding:"required"`
	URL     string `json:"url" binding:"required"`
}

type Result struct {
	Post        models.SubmittedPost `json:"post"`
	TotalPoints int                  `json:"total_points"`
	Remaining   int                  `json:"remaining_submissions"`
}

// Submit runs the flow: rate limit, ownership, keywords, content policy,
// then the ledger. Fetch failures are returned as-is.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	handle := sources.NormalizeHandle(req.Handle)
	if handle == "" || strings.TrimSpace(req.URL) == "" {
		return Result{}, &Error{Kind: KindInvalidInput, Message: "handle and url are required"}
	}
	actor := req.ActorID
	if actor == "" {
		actor = handle
	}

	decision := s.limiter.CheckSubmission(ctx, actor)
	if !decision.Allowed {
		msg := "too many submissions, try again later"
		if decision.Reason == ratelimit.ReasonCooldown {
			msg = "please wait before submitting another post"
		}
		return Result{}, &Error{Kind: KindRateLimited, Message: msg, RetryAfter: decision.RetryAfter}
	}

	own, err := s.verifier.VerifyOwnership(ctx, req.URL, handle)
	if err != nil {
		return Result{}, err
	}
	if !own.IsOwnPost {
		return Result{}, &Error{Kind: KindNotOwner, Message: own.Mismatch()}
	}
	if !own.MatchesRequiredKeywords {
		return Result{}, &Error{
			Kind:    KindMissingKeywords,
			Message: "post must mention one of: " + strings.Join(s.cfg.Keywords.Words(), ", "),
		}
	}

	verdict, err := s.policy.Evaluate(ctx, own.Record.Content)
	if err != nil {
		return Result{}, fmt.Errorf("evaluate content policy: %w", err)
	}
	if !verdict.Allow {
		reason := verdict.Reason
		if reason == "" {
			reason = "post does not meet the content guidelines"
		}
		return Result{}, &Error{Kind: KindPolicyRejected, Message: reason, Suggestions: verdict.Suggestions}
	}

	user, err := s.store.FindUserByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, &Error{Kind: KindUserUnknown, Message: "@" + handle + " is not registered", Err: err}
		}
		return Result{}, fmt.Errorf("find user: %w", err)
	}

	post, total, err := s.store.RecordPost(ctx, user.ID, own.Record, s.cfg.BasePoints)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return Result{}, &Error{Kind: KindDuplicate, Message: "this post was already submitted", Err: err}
		}
		return Result{}, fmt.Errorf("record post: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"handle":  handle,
		"post_id": post.PostID,
		"points":  post.Points,
		"total":   total,
		"source":  own.Record.Source,
	}).Info("Submission accepted")

	return Result{Post: post, TotalPoints: total, Remaining: decision.Remaining}, nil
}
