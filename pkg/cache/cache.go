package cache

import (
	"sync"
	"time"
)

// Options tunes the in-process tier.
type Options struct {
	// MaxEntries bounds the map; oldest insertions are evicted first. 0 = unbounded.
	MaxEntries int
	// SweepThreshold triggers an expired-entry sweep on write once the map
	// holds more than this many entries.
	SweepThreshold int
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// MetricsHooks observe memory tier activity.
type MetricsHooks struct {
	OnHit   func(labels map[string]string)
	OnMiss  func(labels map[string]string)
	OnStore func(labels map[string]string)
	OnEvict func(labels map[string]string)
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is the unmetered in-process tier of the tiered store. Entries expire
// by wall-clock comparison at read time.
type Memory struct {
	mu      sync.Mutex
	items   map[string]*entry
	order   []string
	opts    Options
	metrics MetricsHooks
}

// SnapshotEntry represents a point-in-time cache entry for debugging.
type SnapshotEntry struct {
	Key       string
	Size      int
	ExpiresAt time.Time
}

const defaultSweepThreshold = 1000

func NewMemory(opts Options, hooks MetricsHooks) *Memory {
	if opts.SweepThreshold <= 0 {
		opts.SweepThreshold = defaultSweepThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Memory{
		items:   make(map[string]*entry),
		order:   make([]string, 0, 128),
		opts:    opts,
		metrics: hooks,
	}
}

func (m *Memory) Get(key string) ([]byte, bool) {
	now := m.opts.Now()
	m.mu.Lock()
	e, ok := m.items[key]
	if ok && e.expired(now) {
		delete(m.items, key)
		m.removeFromOrder(key)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		if m.metrics.OnMiss != nil {
			m.metrics.OnMiss(map[string]string{"tier": "memory"})
		}
		return nil, false
	}
	if m.metrics.OnHit != nil {
		m.metrics.OnHit(map[string]string{"tier": "memory"})
	}
	return e.value, true
}

// Set stores a copy of value. A non-positive ttl keeps the entry until evicted.
func (m *Memory) Set(key string, value []byte, ttl time.Duration) {
	now := m.opts.Now()
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	if _, exists := m.items[key]; !exists {
		m.order = append(m.order, key)
	}
	m.items[key] = e
	if len(m.items) > m.opts.SweepThreshold {
		m.sweepLocked(now)
	}
	m.evictIfNeeded()
	m.mu.Unlock()

	if m.metrics.OnStore != nil {
		m.metrics.OnStore(map[string]string{"tier": "memory"})
	}
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.removeFromOrder(key)
	m.mu.Unlock()
}

// Len returns the number of entries, including ones not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Snapshot returns a copy of current cache entries for debugging/inspection.
func (m *Memory) Snapshot() []SnapshotEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SnapshotEntry, 0, len(m.items))
	for k, e := range m.items {
		out = append(out, SnapshotEntry{Key: k, Size: len(e.value), ExpiresAt: e.expiresAt})
	}
	return out
}

func (m *Memory) sweepLocked(now time.Time) {
	kept := m.order[:0]
	for _, k := range m.order {
		e, ok := m.items[k]
		if !ok {
			continue
		}
		if e.expired(now) {
			delete(m.items, k)
			if m.metrics.OnEvict != nil {
				m.metrics.OnEvict(map[string]string{"tier": "memory", "reason": "expired"})
			}
			continue
		}
		kept = append(kept, k)
	}
	m.order = kept
}

func (m *Memory) removeFromOrder(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Memory) evictIfNeeded() {
	if m.opts.MaxEntries <= 0 || len(m.items) <= m.opts.MaxEntries {
		return
	}
	// FIFO on insertion order
	excess := len(m.items) - m.opts.MaxEntries
	for excess > 0 && len(m.order) > 0 {
		victim := m.order[0]
		m.order = m.order[1:]
		delete(m.items, victim)
		excess--
		if m.metrics.OnEvict != nil {
			m.metrics.OnEvict(map[string]string{"tier": "memory", "reason": "capacity"})
		}
	}
}
