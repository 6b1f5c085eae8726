package fetcher

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"layeredge/api_posts/internal/sources"
	"layeredge/pkg/breaker"
	"layeredge/pkg/cache"
	"layeredge/pkg/logging"
	"layeredge/pkg/models"
)

// BreakerEngagement guards the short-lived engagement refresh path.
const BreakerEngagement = "engagement"

// BreakerUser guards profile lookups.
const BreakerUser = "user"

const apiCooldownKey = "cooldown:api"

// Config tunes an Orchestrator.
type Config struct {
	PostTTL       time.Duration
	EngagementTTL time.Duration
	UserTTL       time.Duration
	// PreferAPI enables the authenticated API as the last fallback.
	PreferAPI bool
	// APICooldown is how long the API is skipped after a rate-limit or auth
	// failure that carried no retry hint of its own.
	APICooldown  time.Duration
	AllowedHosts []string
}

func DefaultConfig() Config {
	return Config{
		PostTTL:       30 * time.Minute,
		EngagementTTL: time.Minute,
		UserTTL:       30 * time.Minute,
		APICooldown:   15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PostTTL <= 0 {
		c.PostTTL = d.PostTTL
	}
	if c.EngagementTTL <= 0 {
		c.EngagementTTL = d.EngagementTTL
	}
	if c.UserTTL <= 0 {
		c.UserTTL = d.UserTTL
	}
	if c.APICooldown <= 0 {
		c.APICooldown = d.APICooldown
	}
	return c
}

// Adapters are the upstreams in priority order. API may be nil.
type Adapters struct {
	Embed  sources.Adapter
	Scrape sources.Adapter
	API    sources.Adapter
	// Profiles serve user lookups, in priority order.
	Profiles []sources.UserAdapter
}

type Option func(*Orchestrator)

func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator resolves post URLs through the cache and the adapter chain.
type Orchestrator struct {
	store    cache.Store
	breakers *breaker.Registry
	adapters Adapters
	cfg      Config
	logger   logging.Logger
	now      func() time.Time
	group    singleflight.Group
}

func New(store cache.Store, breakers *breaker.Registry, adapters Adapters, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		breakers: breakers,
		adapters: adapters,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrDiscard(o.logger)
	return o
}

// CountsAsFailure is the breaker failure classifier for adapter errors. Only
// errors that say something about the upstream's health trip a circuit. A
// failed chain is judged by its aggregated reason.
func CountsAsFailure(err error) bool {
	kind := sources.KindOf(err)
	var failed *FetchFailedError
	if errors.As(err, &failed) {
		kind = failed.Reason
	}
	switch kind {
	case sources.KindNetwork, sources.KindRateLimited:
		return true
	default:
		return false
	}
}

func postKey(target sources.PostURL) string       { return "post:" + target.Normalized }
func engagementKey(target sources.PostURL) string { return "engagement:" + target.Normalized }
func userKey(handle string) string                 { return "user:" + sources.NormalizeHandle(handle) }

// GetPostData returns the normalized record for rawURL.
func (o *Orchestrator) GetPostData(ctx context.Context, rawURL string) (models.PostRecord, error) {
	target, err := sources.ParsePostURL(rawURL, o.cfg.AllowedHosts)
	if err != nil {
		requestsTotal.WithLabelValues("post", "invalid").Inc()
		return models.PostRecord{}, err
	}
	key := postKey(target)

	var rec models.PostRecord
	if found, err := cache.GetJSON(ctx, o.store, key, &rec); found && err == nil {
		requestsTotal.WithLabelValues("post", "cache_hit").Inc()
		return rec, nil
	}

	ch := o.group.DoChan(key, func() (any, error) {
		// Detached so one caller giving up does not fail the others; adapter
		// timeouts still bound the work.
		return o.fetch(context.WithoutCancel(ctx), target, key)
	})
	select {
	case <-ctx.Done():
		requestsTotal.WithLabelValues("post", "abandoned").Inc()
		return models.PostRecord{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			coalescedTotal.WithLabelValues("post").Inc()
		}
		if res.Err != nil {
			requestsTotal.WithLabelValues("post", "failed").Inc()
			return models.PostRecord{}, res.Err
		}
		requestsTotal.WithLabelValues("post", "fetched").Inc()
		return res.Val.(models.PostRecord), nil
	}
}

type step struct {
	adapter sources.Adapter
	name    string
}

func (o *Orchestrator) chain() []step {
	steps := make([]step, 0, 3)
	if o.adapters.Embed != nil {
		steps = append(steps, step{o.adapters.Embed, string(models.SourceEmbed)})
	}
	if o.adapters.Scrape != nil {
		steps = append(steps, step{o.adapters.Scrape, string(models.SourceScrape)})
	}
	if o.cfg.PreferAPI && o.adapters.API != nil {
		steps = append(steps, step{o.adapters.API, string(models.SourceAPI)})
	}
	return steps
}

func (o *Orchestrator) fetch(ctx context.Context, target sources.PostURL, key string) (models.PostRecord, error) {
	var attempts []Attempt
	for _, s := range o.chain() {
		source := s.adapter.Name()

		if source == models.SourceAPI {
			if wait := o.apiCooldownRemaining(ctx); wait > 0 {
				attempts = append(attempts, Attempt{
					Source:     source,
					Kind:       sources.KindRateLimited,
					RetryAfter: wait,
					Error:      "api cooling down",
					Skipped:    true,
				})
				attemptsTotal.WithLabelValues(string(source), "cooldown").Inc()
				continue
			}
		}

		started := o.now()
		rec, err := breaker.Run(ctx, o.breakers.Get(s.name), func(ctx context.Context) (models.PostRecord, error) {
			return s.adapter.Fetch(ctx, target)
		}, nil)
		attemptDuration.WithLabelValues(string(source)).Observe(o.now().Sub(started).Seconds())

		if err == nil {
			attemptsTotal.WithLabelValues(string(source), "success").Inc()
			cache.SetJSON(ctx, o.store, key, rec, o.cfg.PostTTL)
			return rec, nil
		}

		kind := sources.KindOf(err)
		attempt := Attempt{Source: source, Kind: kind, RetryAfter: sources.RetryAfterOf(err), Error: err.Error()}
		if source == models.SourceAPI && (kind == sources.KindRateLimited || kind == sources.KindUnauthorized) {
			attempt.RetryAfter = o.startAPICooldown(ctx, attempt.RetryAfter)
		}
		attempts = append(attempts, attempt)
		attemptsTotal.WithLabelValues(string(source), string(kind)).Inc()
		o.logger.WithFields(logging.Fields{
			"source":  source,
			"kind":    kind,
			"post_id": target.ID,
			"error":   err.Error(),
		}).Warn("Post source attempt failed")
	}

	if len(attempts) == 0 {
		return models.PostRecord{}, &FetchFailedError{Reason: sources.KindNetwork}
	}
	return models.PostRecord{}, aggregate(attempts)
}

func (o *Orchestrator) apiCooldownRemaining(ctx context.Context) time.Duration {
	var until time.Time
	if found, err := cache.GetJSON(ctx, o.store, apiCooldownKey, &until); !found || err != nil {
		return 0
	}
	if d := until.Sub(o.now()); d > 0 {
		return d
	}
	return 0
}

// startAPICooldown blocks the API source for the hinted duration, or the
// configured cooldown when the source gave none, and returns what it applied.
func (o *Orchestrator) startAPICooldown(ctx context.Context, hint time.Duration) time.Duration {
	d := hint
	if d <= 0 {
		d = o.cfg.APICooldown
	}
	until := o.now().Add(d)
	cache.SetJSON(ctx, o.store, apiCooldownKey, until, d)
	o.logger.WithFields(logging.Fields{
		"until":    until,
		"duration": d.String(),
	}).Warn("API source cooling down")
	return d
}

// OwnershipResult is the outcome of VerifyOwnership.
type OwnershipResult struct {
	IsOwnPost               bool              `json:"is_own_post"`
	MatchesRequiredKeywords bool              `json:"matches_required_keywords"`
	Record                  models.PostRecord `json:"record"`
	ClaimedHandle           string            `json:"claimed_handle"`
	AuthorHandle            string            `json:"author_handle"`
	// LowConfidence is set when the author is only known by display name, in
	// which case IsOwnPost is always false.
	LowConfidence bool `json:"low_confidence"`
}

// Mismatch describes why ownership failed, naming both handles.
func (r OwnershipResult) Mismatch() string {
	if r.IsOwnPost {
		return ""
	}
	if r.LowConfidence {
		return "post author could not be verified (only the display name \"" + r.Record.Author.DisplayName +
			"\" is available); signed in as @" + r.ClaimedHandle
	}
	return "post belongs to @" + r.AuthorHandle + " but you are signed in as @" + r.ClaimedHandle
}

// VerifyOwnership checks that the post at rawURL was written by claimedHandle.
func (o *Orchestrator) VerifyOwnership(ctx context.Context, rawURL, claimedHandle string) (OwnershipResult, error) {
	claimed := sources.NormalizeHandle(claimedHandle)
	if claimed == "" {
		return OwnershipResult{}, sources.InvalidInput("claimed handle is required")
	}
	rec, err := o.GetPostData(ctx, rawURL)
	if err != nil {
		return OwnershipResult{}, err
	}
	res := OwnershipResult{
		MatchesRequiredKeywords: rec.MatchesRequiredKeywords,
		Record:                  rec,
		ClaimedHandle:           claimed,
		AuthorHandle:            sources.NormalizeHandle(rec.Author.Username),
		LowConfidence:           rec.Author.LowConfidence(),
	}
	res.IsOwnPost = !res.LowConfidence && res.AuthorHandle == claimed
	return res, nil
}

// EngagementResult carries fresh counters for one post.
type EngagementResult struct {
	PostID     string            `json:"post_id"`
	URL        string            `json:"url"`
	Engagement models.Engagement `json:"engagement"`
	Source     models.Source     `json:"source"`
	FetchedAt  time.Time         `json:"fetched_at"`
	// Degraded is set when counters came from the cached post because the
	// refresh path is open.
	Degraded bool `json:"degraded"`
}

// GetEngagement refreshes counters through the scrape adapter under its own
// breaker, serving the cached post's counters while that breaker is open.
func (o *Orchestrator) GetEngagement(ctx context.Context, rawURL string) (EngagementResult, error) {
	target, err := sources.ParsePostURL(rawURL, o.cfg.AllowedHosts)
	if err != nil {
		requestsTotal.WithLabelValues("engagement", "invalid").Inc()
		return EngagementResult{}, err
	}
	if o.adapters.Scrape == nil {
		return EngagementResult{}, &FetchFailedError{Reason: sources.KindNetwork}
	}
	key := engagementKey(target)

	var cached EngagementResult
	if found, err := cache.GetJSON(ctx, o.store, key, &cached); found && err == nil {
		requestsTotal.WithLabelValues("engagement", "cache_hit").Inc()
		return cached, nil
	}

	ch := o.group.DoChan(key, func() (any, error) {
		return o.refreshEngagement(context.WithoutCancel(ctx), target, key)
	})
	select {
	case <-ctx.Done():
		requestsTotal.WithLabelValues("engagement", "abandoned").Inc()
		return EngagementResult{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			coalescedTotal.WithLabelValues("engagement").Inc()
		}
		if res.Err != nil {
			requestsTotal.WithLabelValues("engagement", "failed").Inc()
			return EngagementResult{}, res.Err
		}
		requestsTotal.WithLabelValues("engagement", "fetched").Inc()
		return res.Val.(EngagementResult), nil
	}
}

func (o *Orchestrator) refreshEngagement(ctx context.Context, target sources.PostURL, key string) (EngagementResult, error) {
	b := o.breakers.Get(BreakerEngagement)
	res, err := breaker.Run(ctx, b, func(ctx context.Context) (EngagementResult, error) {
		rec, err := o.adapters.Scrape.Fetch(ctx, target)
		if err != nil {
			return EngagementResult{}, err
		}
		return EngagementResult{
			PostID:     rec.ID,
			URL:        rec.URL,
			Engagement: rec.Engagement,
			Source:     rec.Source,
			FetchedAt:  rec.FetchedAt,
		}, nil
	}, func(ctx context.Context) (EngagementResult, error) {
		var rec models.PostRecord
		if found, err := cache.GetJSON(ctx, o.store, postKey(target), &rec); !found || err != nil {
			st := b.State(ctx)
			return EngagementResult{}, &breaker.OpenError{Name: BreakerEngagement, RetryAfter: st.NextAttemptAt.Sub(o.now())}
		}
		return EngagementResult{
			PostID:     rec.ID,
			URL:        rec.URL,
			Engagement: rec.Engagement,
			Source:     rec.Source,
			FetchedAt:  rec.FetchedAt,
			Degraded:   true,
		}, nil
	})
	if err != nil {
		return EngagementResult{}, err
	}
	if !res.Degraded {
		cache.SetJSON(ctx, o.store, key, res, o.cfg.EngagementTTL)
	}
	return res, nil
}

// GetUserInfo returns the public profile for handle. The profile sources run
// in order under one breaker and a result is cached for UserTTL.
func (o *Orchestrator) GetUserInfo(ctx context.Context, handle string) (models.UserInfo, error) {
	h, err := sources.ParseHandle(handle)
	if err != nil {
		requestsTotal.WithLabelValues("user", "invalid").Inc()
		return models.UserInfo{}, err
	}
	if len(o.adapters.Profiles) == 0 {
		return models.UserInfo{}, &FetchFailedError{Reason: sources.KindNetwork}
	}
	key := userKey(h)

	var info models.UserInfo
	if found, err := cache.GetJSON(ctx, o.store, key, &info); found && err == nil {
		requestsTotal.WithLabelValues("user", "cache_hit").Inc()
		return info, nil
	}

	ch := o.group.DoChan(key, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		return breaker.Run(ctx, o.breakers.Get(BreakerUser), func(ctx context.Context) (models.UserInfo, error) {
			return o.lookupUser(ctx, h, key)
		}, nil)
	})
	select {
	case <-ctx.Done():
		requestsTotal.WithLabelValues("user", "abandoned").Inc()
		return models.UserInfo{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			coalescedTotal.WithLabelValues("user").Inc()
		}
		if res.Err != nil {
			requestsTotal.WithLabelValues("user", "failed").Inc()
			return models.UserInfo{}, res.Err
		}
		requestsTotal.WithLabelValues("user", "fetched").Inc()
		return res.Val.(models.UserInfo), nil
	}
}

func (o *Orchestrator) lookupUser(ctx context.Context, handle, key string) (models.UserInfo, error) {
	var attempts []Attempt
	for _, adapter := range o.adapters.Profiles {
		source := adapter.Name()
		if source == models.SourceAPI {
			if wait := o.apiCooldownRemaining(ctx); wait > 0 {
				attempts = append(attempts, Attempt{
					Source:     source,
					Kind:       sources.KindRateLimited,
					RetryAfter: wait,
					Error:      "api cooling down",
					Skipped:    true,
				})
				continue
			}
		}

		started := o.now()
		info, err := adapter.FetchUser(ctx, handle)
		attemptDuration.WithLabelValues(string(source)).Observe(o.now().Sub(started).Seconds())
		if err == nil {
			attemptsTotal.WithLabelValues(string(source), "success").Inc()
			cache.SetJSON(ctx, o.store, key, info, o.cfg.UserTTL)
			return info, nil
		}

		kind := sources.KindOf(err)
		attempt := Attempt{Source: source, Kind: kind, RetryAfter: sources.RetryAfterOf(err), Error: err.Error()}
		if source == models.SourceAPI && (kind == sources.KindRateLimited || kind == sources.KindUnauthorized) {
			attempt.RetryAfter = o.startAPICooldown(ctx, attempt.RetryAfter)
		}
		attempts = append(attempts, attempt)
		attemptsTotal.WithLabelValues(string(source), string(kind)).Inc()
		o.logger.WithFields(logging.Fields{
			"source": source,
			"kind":   kind,
			"handle": handle,
			"error":  err.Error(),
		}).Warn("User source attempt failed")
	}
	return models.UserInfo{}, aggregate(attempts)
}

// ErrUnknownBreaker is returned by the admin operations for unknown names.
var ErrUnknownBreaker = errors.New("unknown breaker")

// BreakerNames lists the breakers this orchestrator uses.
func (o *Orchestrator) BreakerNames() []string {
	return []string{string(models.SourceEmbed), string(models.SourceScrape), string(models.SourceAPI), BreakerEngagement, BreakerUser}
}

func (o *Orchestrator) knownBreaker(name string) error {
	for _, n := range o.BreakerNames() {
		if n == name {
			return nil
		}
	}
	return &sources.Error{Kind: sources.KindInvalidInput, Err: errors.Join(ErrUnknownBreaker, errors.New(name))}
}

func (o *Orchestrator) SetManualOverride(ctx context.Context, name string, enabled bool, duration time.Duration) (breaker.CircuitState, error) {
	if err := o.knownBreaker(name); err != nil {
		return breaker.CircuitState{}, err
	}
	return o.breakers.SetManualOverride(ctx, name, enabled, duration), nil
}

func (o *Orchestrator) ResetBreaker(ctx context.Context, name string) error {
	if err := o.knownBreaker(name); err != nil {
		return err
	}
	o.breakers.Reset(ctx, name)
	return nil
}

func (o *Orchestrator) BreakerMetrics(ctx context.Context, name string) (breaker.Metrics, error) {
	if err := o.knownBreaker(name); err != nil {
		return breaker.Metrics{}, err
	}
	return o.breakers.Metrics(ctx, name), nil
}
