package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"layeredge/pkg/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := newFakeClock()
	store := cache.NewMemoryStore(cache.Options{Now: clock.Now})
	return New(store, cfg, WithClock(clock.Now)), clock
}

func TestNew_Defaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want Config
	}{
		{"zero values", Config{}, Config{Max: 10, Window: time.Hour}},
		{"negative values", Config{Max: -1, Window: -time.Second, SubmissionCooldown: -time.Minute}, Config{Max: 10, Window: time.Hour}},
		{"explicit", Config{Max: 3, Window: time.Minute, SubmissionCooldown: time.Second}, Config{Max: 3, Window: time.Minute, SubmissionCooldown: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(cache.NewMemoryStore(cache.Options{}), tt.cfg)
			if l.cfg != tt.want {
				t.Fatalf("config mismatch: got %+v want %+v", l.cfg, tt.want)
			}
		})
	}
}

func TestCheckAndConsume_WindowLifecycle(t *testing.T) {
	ctx := context.Background()
	l, clock := newLimiter(Config{Max: 3, Window: time.Hour})

	for i := 1; i <= 3; i++ {
		d := l.CheckAndConsume(ctx, "user-1")
		require.True(t, d.Allowed, "call %d", i)
		require.Equal(t, i, d.Count)
		require.Equal(t, 3-i, d.Remaining)
	}

	denied := l.CheckAndConsume(ctx, "user-1")
	require.False(t, denied.Allowed)
	require.Equal(t, ReasonRateLimited, denied.Reason)
	require.Equal(t, time.Hour, denied.RetryAfter)
	require.Equal(t, 3600, denied.RetryAfterSeconds())

	clock.Advance(40 * time.Minute)
	denied = l.CheckAndConsume(ctx, "user-1")
	require.False(t, denied.Allowed)
	require.Equal(t, 1200, denied.RetryAfterSeconds())

	clock.Advance(20 * time.Minute)
	d := l.CheckAndConsume(ctx, "user-1")
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Count, "a new window restarts the count at 1")
	require.Equal(t, clock.Now().Add(time.Hour), d.ResetAt)
}

func TestCheckAndConsume_ActorsAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(Config{Max: 1, Window: time.Minute})

	require.True(t, l.CheckAndConsume(ctx, "alpha").Allowed)
	require.False(t, l.CheckAndConsume(ctx, "alpha").Allowed)
	require.True(t, l.CheckAndConsume(ctx, "beta").Allowed)
	require.True(t, l.CheckAndConsume(ctx, "").Allowed)
	require.False(t, l.CheckAndConsume(ctx, "").Allowed, "empty actors share one bucket")
}

func TestCheckAndConsume_DenialMetric(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(Config{Max: 1, Window: time.Minute})
	before := testutil.ToFloat64(decisionsTotal.WithLabelValues("window", "denied"))

	l.CheckAndConsume(ctx, "metric-actor")
	l.CheckAndConsume(ctx, "metric-actor")

	after := testutil.ToFloat64(decisionsTotal.WithLabelValues("window", "denied"))
	require.Equal(t, before+1, after)
}

func TestCheckSubmission_Cooldown(t *testing.T) {
	ctx := context.Background()
	l, clock := newLimiter(Config{Max: 10, Window: time.Hour, SubmissionCooldown: 2 * time.Minute})

	first := l.CheckSubmission(ctx, "user-1")
	require.True(t, first.Allowed)

	clock.Advance(30 * time.Second)
	second := l.CheckSubmission(ctx, "user-1")
	require.False(t, second.Allowed)
	require.Equal(t, ReasonCooldown, second.Reason)
	require.Equal(t, 90, second.RetryAfterSeconds())

	clock.Advance(90 * time.Second)
	third := l.CheckSubmission(ctx, "user-1")
	require.True(t, third.Allowed)
	require.Equal(t, 2, third.Count, "denied cooldown checks must not consume the window")
}

func TestCheckSubmission_WindowDenialDoesNotStampCooldown(t *testing.T) {
	ctx := context.Background()
	l, clock := newLimiter(Config{Max: 1, Window: 10 * time.Minute, SubmissionCooldown: time.Minute})

	require.True(t, l.CheckSubmission(ctx, "user-1").Allowed)
	clock.Advance(2 * time.Minute)

	d := l.CheckSubmission(ctx, "user-1")
	require.False(t, d.Allowed)
	require.Equal(t, ReasonRateLimited, d.Reason)
	require.Equal(t, 480, d.RetryAfterSeconds())

	l.Reset(ctx, "user-1")
	require.True(t, l.CheckSubmission(ctx, "user-1").Allowed)
}

func TestDecision_RetryAfterSecondsFloor(t *testing.T) {
	require.Equal(t, 0, Decision{Allowed: true}.RetryAfterSeconds())
	require.Equal(t, 1, Decision{RetryAfter: 0}.RetryAfterSeconds())
	require.Equal(t, 2, Decision{RetryAfter: 1100 * time.Millisecond}.RetryAfterSeconds())
}

func TestLimiter_SharedAcrossInstancesViaRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	clock := newFakeClock()
	newStore := func() cache.Store {
		return cache.NewTieredStore(cache.NewRedisBackend(client, "rl"), cache.Config{Now: clock.Now})
	}
	a := New(newStore(), Config{Max: 2, Window: time.Minute}, WithClock(clock.Now))
	b := New(newStore(), Config{Max: 2, Window: time.Minute}, WithClock(clock.Now))

	require.True(t, a.CheckAndConsume(ctx, "shared").Allowed)
	require.True(t, b.CheckAndConsume(ctx, "shared").Allowed)
	require.False(t, a.CheckAndConsume(ctx, "shared").Allowed)
	require.True(t, mr.Exists("rl:ratelimit:shared"))
}
