package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, limit int, clock *fakeClock) (*TieredStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewTieredStore(NewRedisBackend(client, "test"), Config{
		DailyOperationLimit: limit,
		Now:                 clock.Now,
	})
	return store, mr
}

func TestTieredStoreUsesRemoteWithinBudget(t *testing.T) {
	clock := newFakeClock()
	store, mr := newRedisStore(t, 10, clock)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "post:1", []byte("payload"), time.Minute))
	got, err := mr.Get("test:post:1")
	require.NoError(t, err)
	require.Equal(t, "payload", got)

	val, ok := store.Get(ctx, "post:1")
	require.True(t, ok)
	require.Equal(t, "payload", string(val))
	require.Equal(t, 8, store.RemainingBudget())
	require.Equal(t, TierRemote, store.ActiveTier())

	mr.FastForward(2 * time.Minute)
	_, ok = store.Get(ctx, "post:1")
	require.False(t, ok, "remote ttl should expire the key")
}

func TestTieredStoreBudgetExhaustionDegradesSilently(t *testing.T) {
	clock := newFakeClock()
	store, mr := newRedisStore(t, 2, clock)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	_, ok := store.Get(ctx, "a")
	require.True(t, ok)
	require.Equal(t, 0, store.RemainingBudget())

	// Budget spent: writes land in memory and never reach redis.
	require.True(t, store.Set(ctx, "b", []byte("2"), time.Minute))
	val, ok := store.Get(ctx, "b")
	require.True(t, ok)
	require.Equal(t, "2", string(val))
	require.False(t, mr.Exists("test:b"))
	require.Equal(t, TierMemory, store.ActiveTier())
	require.False(t, store.RemoteFailed())

	// A new UTC day restores the remote tier and the budget.
	clock.Advance(24 * time.Hour)
	require.Equal(t, 2, store.RemainingBudget())
	require.True(t, store.Set(ctx, "c", []byte("3"), time.Minute))
	require.True(t, mr.Exists("test:c"))
}

func TestTieredStoreBackendErrorPinsMemory(t *testing.T) {
	clock := newFakeClock()
	store, mr := newRedisStore(t, 0, clock)
	ctx := context.Background()

	mr.Close()

	_, ok := store.Get(ctx, "missing")
	require.False(t, ok, "backend errors read as absent")
	require.True(t, store.RemoteFailed())

	require.True(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	val, ok := store.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", string(val))

	// Even with redis back, the store stays on memory for the process lifetime.
	require.NoError(t, mr.Restart())
	require.Equal(t, TierMemory, store.ActiveTier())
	require.True(t, store.Set(ctx, "k2", []byte("v2"), time.Minute))
	require.False(t, mr.Exists("test:k2"))
	require.Equal(t, -1, store.RemainingBudget())
}

func TestTieredStoreCallerCancellationKeepsRemote(t *testing.T) {
	clock := newFakeClock()
	store, mr := newRedisStore(t, 0, clock)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := store.Get(cancelled, "post:1")
	require.False(t, ok)
	store.Delete(cancelled, "post:1")

	require.True(t, store.Set(context.Background(), "post:1", []byte("payload"), time.Minute))
	require.False(t, store.RemoteFailed())
	require.Equal(t, TierRemote, store.ActiveTier())
	require.True(t, mr.Exists("test:post:1"))
}

// cancellingBackend ends the caller's context mid-call, like a client that
// disconnects while redis is answering.
type cancellingBackend struct {
	cancel context.CancelFunc
}

func (b cancellingBackend) Get(ctx context.Context, _ string) ([]byte, bool, error) {
	b.cancel()
	return nil, false, ctx.Err()
}

func (b cancellingBackend) Set(ctx context.Context, _ string, _ []byte, _ time.Duration) error {
	b.cancel()
	return ctx.Err()
}

func (b cancellingBackend) Delete(ctx context.Context, _ string) error {
	b.cancel()
	return ctx.Err()
}

func (b cancellingBackend) Ping(context.Context) error { return nil }

func TestTieredStoreDeadlineDuringRemoteCallIsNotBackendFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewTieredStore(cancellingBackend{cancel: cancel}, Config{})

	require.True(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	require.False(t, store.RemoteFailed())
	require.Equal(t, TierRemote, store.ActiveTier())

	// The aborted write still landed in memory.
	val, ok := store.memory.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", string(val))
}

func TestMemoryStoreJSONHelpers(t *testing.T) {
	store := NewMemoryStore(Options{})
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.True(t, SetJSON(ctx, store, "p", payload{Name: "x", Count: 2}, time.Minute))

	var out payload
	found, err := GetJSON(ctx, store, "p", &out)
	require.True(t, found)
	require.NoError(t, err)
	require.Equal(t, payload{Name: "x", Count: 2}, out)

	found, err = GetJSON(ctx, store, "absent", &out)
	require.False(t, found)
	require.NoError(t, err)

	store.Set(ctx, "bad", []byte("{not json"), time.Minute)
	found, err = GetJSON(ctx, store, "bad", &out)
	require.True(t, found)
	require.Error(t, err)

	require.False(t, SetJSON(ctx, store, "chan", make(chan int), time.Minute))

	store.Delete(ctx, "p")
	found, _ = GetJSON(ctx, store, "p", &out)
	require.False(t, found)
}
