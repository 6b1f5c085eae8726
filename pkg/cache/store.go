package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"layeredge/pkg/logging"
)

// Store is the fail-soft key/value contract shared by every component that
// needs persisted state. None of its methods surface backend errors.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	Delete(ctx context.Context, key string)
	// RemainingBudget is the number of remote operations left today, or -1
	// when the store is not metered.
	RemainingBudget() int
}

// Config configures a TieredStore.
type Config struct {
	// DailyOperationLimit caps remote operations per UTC day. <= 0 disables metering.
	DailyOperationLimit int
	Memory              Options
	Logger              logging.Logger
	Now                 func() time.Time
}

// Tier names used in metrics and status reporting.
const (
	TierRemote = "remote"
	TierMemory = "memory"
)

// TieredStore fronts a metered remote backend with an in-memory overflow tier.
// Once the day's operation budget is spent, calls go to memory until the UTC
// day rolls over. Any backend error moves the store to memory for the rest of
// the process lifetime. A call whose context is already done is served from
// memory and never counts as a backend error.
type TieredStore struct {
	remote Backend
	memory *Memory
	limit  int
	logger logging.Logger
	now    func() time.Time

	mu             sync.Mutex
	day            string
	used           int
	exhaustedNoted bool

	failed atomic.Bool
}

func NewTieredStore(remote Backend, cfg Config) *TieredStore {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Memory.Now == nil {
		cfg.Memory.Now = cfg.Now
	}
	s := &TieredStore{
		remote: remote,
		memory: NewMemory(cfg.Memory, memoryHooks()),
		limit:  cfg.DailyOperationLimit,
		logger: logging.OrDiscard(cfg.Logger),
		now:    cfg.Now,
	}
	if remote == nil {
		setDegraded("no_remote", true)
	}
	return s
}

// NewMemoryStore returns an unmetered store with no remote tier.
func NewMemoryStore(opts Options) *TieredStore {
	return NewTieredStore(nil, Config{Memory: opts, Now: opts.Now})
}

func (s *TieredStore) Get(ctx context.Context, key string) ([]byte, bool) {
	if ctx.Err() == nil && s.acquireRemote() {
		val, ok, err := s.remote.Get(ctx, key)
		if err == nil {
			recordOp(TierRemote, "get", hitLabel(ok))
			return val, ok
		}
		if !s.fail(ctx, err, "get", key) {
			// Caller gave up; the backend is still trusted.
			val, ok := s.memory.Get(key)
			recordOp(TierMemory, "get", hitLabel(ok))
			return val, ok
		}
		return nil, false
	}
	val, ok := s.memory.Get(key)
	recordOp(TierMemory, "get", hitLabel(ok))
	return val, ok
}

func (s *TieredStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if ctx.Err() == nil && s.acquireRemote() {
		err := s.remote.Set(ctx, key, value, ttl)
		if err == nil {
			recordOp(TierRemote, "set", "ok")
			return true
		}
		s.fail(ctx, err, "set", key)
	}
	s.memory.Set(key, value, ttl)
	recordOp(TierMemory, "set", "ok")
	return true
}

func (s *TieredStore) Delete(ctx context.Context, key string) {
	// Memory may hold a copy written before a degrade.
	s.memory.Delete(key)
	if ctx.Err() == nil && s.acquireRemote() {
		if err := s.remote.Delete(ctx, key); err != nil {
			s.fail(ctx, err, "delete", key)
			return
		}
		recordOp(TierRemote, "delete", "ok")
		return
	}
	recordOp(TierMemory, "delete", "ok")
}

func (s *TieredStore) RemainingBudget() int {
	if s.limit <= 0 {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	left := s.limit - s.used
	if left < 0 {
		left = 0
	}
	return left
}

// ActiveTier reports which tier the next call would use, without consuming budget.
func (s *TieredStore) ActiveTier() string {
	if s.remote == nil || s.failed.Load() {
		return TierMemory
	}
	if s.RemainingBudget() == 0 {
		return TierMemory
	}
	return TierRemote
}

// RemoteFailed reports whether a backend error has pinned the store to memory.
func (s *TieredStore) RemoteFailed() bool {
	return s.failed.Load()
}

// Ping checks the remote tier without counting against the budget.
func (s *TieredStore) Ping(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}
	return s.remote.Ping(ctx)
}

func (s *TieredStore) acquireRemote() bool {
	if s.remote == nil || s.failed.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	if s.limit > 0 && s.used >= s.limit {
		if !s.exhaustedNoted {
			s.exhaustedNoted = true
			setDegraded("budget", true)
			s.logger.WithFields(logging.Fields{
				"daily_limit": s.limit,
				"day":         s.day,
			}).Warn("Cache operation budget exhausted; using in-memory tier until tomorrow")
		}
		return false
	}
	s.used++
	if s.limit > 0 {
		budgetRemaining.Set(float64(s.limit - s.used))
	}
	return true
}

func (s *TieredStore) rollDayLocked() {
	today := s.now().UTC().Format("2006-01-02")
	if today == s.day {
		return
	}
	if s.exhaustedNoted {
		setDegraded("budget", false)
	}
	s.day = today
	s.used = 0
	s.exhaustedNoted = false
}

// fail pins the store to memory after a backend error. An error caused by
// the caller's own context ending is not a backend fault and reports false.
func (s *TieredStore) fail(ctx context.Context, err error, op, key string) bool {
	if ctx.Err() != nil {
		recordOp(TierRemote, op, "cancelled")
		return false
	}
	recordOp(TierRemote, op, "error")
	if s.failed.Swap(true) {
		return true
	}
	setDegraded("backend_error", true)
	s.logger.WithError(err).WithFields(logging.Fields{
		"op":  op,
		"key": key,
	}).Error("Remote cache failed; switching to in-memory tier for process lifetime")
	return true
}

func hitLabel(ok bool) string {
	if ok {
		return "hit"
	}
	return "miss"
}
