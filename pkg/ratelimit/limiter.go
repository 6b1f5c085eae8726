// Package ratelimit implements per-actor fixed-window limits and submission
// cooldowns on top of the shared cache store.
package ratelimit

import (
	"context"
	"time"

	"layeredge/pkg/cache"
	"layeredge/pkg/logging"
)

// Denial reasons.
const (
	ReasonRateLimited = "rate_limited"
	ReasonCooldown    = "cooldown"
)

// Config tunes a Limiter.
type Config struct {
	// Max is the number of calls allowed per Window.
	Max    int
	Window time.Duration
	// SubmissionCooldown is the minimum gap between two allowed submissions.
	SubmissionCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		Max:                10,
		Window:             time.Hour,
		SubmissionCooldown: 2 * time.Minute,
	}
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	Count      int           `json:"count"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"-"`
	Reason     string        `json:"reason,omitempty"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds. Denials always
// report at least one second.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// window is the persisted counter for one actor.
type window struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

type Option func(*Limiter)

func WithLogger(logger logging.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter is safe for concurrent use. Counts are read-modify-write against
// the store, so concurrent calls for one actor may slightly overshoot Max.
type Limiter struct {
	store  cache.Store
	cfg    Config
	logger logging.Logger
	now    func() time.Time
}

func New(store cache.Store, cfg Config, opts ...Option) *Limiter {
	d := DefaultConfig()
	if cfg.Max <= 0 {
		cfg.Max = d.Max
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.SubmissionCooldown < 0 {
		cfg.SubmissionCooldown = 0
	}
	l := &Limiter{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrDiscard(l.logger)
	return l
}

func windowKey(actorID string) string   { return "ratelimit:" + actorID }
func cooldownKey(actorID string) string { return "cooldown:submit:" + actorID }

func normalizeActor(actorID string) string {
	if actorID == "" {
		return "anonymous"
	}
	return actorID
}

// CheckAndConsume counts one call for actorID against its window.
func (l *Limiter) CheckAndConsume(ctx context.Context, actorID string) Decision {
	actorID = normalizeActor(actorID)
	now := l.now()

	var w window
	found, err := cache.GetJSON(ctx, l.store, windowKey(actorID), &w)
	if !found || err != nil || !now.Before(w.ResetAt) {
		w = window{ResetAt: now.Add(l.cfg.Window)}
	}

	if w.Count >= l.cfg.Max {
		decisionsTotal.WithLabelValues("window", "denied").Inc()
		l.logger.WithFields(logging.Fields{
			"actor_id": actorID,
			"count":    w.Count,
			"reset_at": w.ResetAt,
		}).Debug("Rate limit window exhausted")
		return Decision{
			Count:      w.Count,
			ResetAt:    w.ResetAt,
			RetryAfter: w.ResetAt.Sub(now),
			Reason:     ReasonRateLimited,
		}
	}

	w.Count++
	cache.SetJSON(ctx, l.store, windowKey(actorID), w, w.ResetAt.Sub(now))
	decisionsTotal.WithLabelValues("window", "allowed").Inc()
	return Decision{
		Allowed:   true,
		Remaining: l.cfg.Max - w.Count,
		Count:     w.Count,
		ResetAt:   w.ResetAt,
	}
}

// CheckSubmission applies the submission cooldown before the window. The
// cooldown is stamped only when the submission is allowed.
func (l *Limiter) CheckSubmission(ctx context.Context, actorID string) Decision {
	actorID = normalizeActor(actorID)
	now := l.now()

	if l.cfg.SubmissionCooldown > 0 {
		var last time.Time
		found, err := cache.GetJSON(ctx, l.store, cooldownKey(actorID), &last)
		if found && err == nil {
			if until := last.Add(l.cfg.SubmissionCooldown); now.Before(until) {
				decisionsTotal.WithLabelValues("cooldown", "denied").Inc()
				return Decision{
					ResetAt:    until,
					RetryAfter: until.Sub(now),
					Reason:     ReasonCooldown,
				}
			}
		}
	}

	d := l.CheckAndConsume(ctx, actorID)
	if d.Allowed && l.cfg.SubmissionCooldown > 0 {
		cache.SetJSON(ctx, l.store, cooldownKey(actorID), now, l.cfg.SubmissionCooldown)
	}
	return d
}

// Reset clears both the window and the cooldown for actorID.
func (l *Limiter) Reset(ctx context.Context, actorID string) {
	actorID = normalizeActor(actorID)
	l.store.Delete(ctx, windowKey(actorID))
	l.store.Delete(ctx, cooldownKey(actorID))
}
