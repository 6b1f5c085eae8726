package cache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
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

func TestMemorySetGetDeleteSnapshot(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(Options{MaxEntries: 10, Now: clock.Now}, MetricsHooks{})

	m.Set("alpha", []byte("value"), time.Minute)
	if val, ok := m.Get("alpha"); !ok || string(val) != "value" {
		t.Fatalf("expected stored value")
	}

	snapshot := m.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Key != "alpha" || snapshot[0].Size != 5 {
		t.Fatalf("expected snapshot to include alpha, got %+v", snapshot)
	}

	m.Delete("alpha")
	if _, ok := m.Get("alpha"); ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestMemoryExpiresAtReadTime(t *testing.T) {
	clock := newFakeClock()
	var misses int
	m := NewMemory(Options{Now: clock.Now}, MetricsHooks{
		OnMiss: func(map[string]string) { misses++ },
	})

	m.Set("k", []byte("v"), 30*time.Second)
	clock.Advance(29 * time.Second)
	if _, ok := m.Get("k"); !ok {
		t.Fatalf("expected live entry before expiry")
	}
	clock.Advance(time.Second)
	if _, ok := m.Get("k"); ok {
		t.Fatalf("expected entry to expire exactly at ttl")
	}
	if m.Len() != 0 {
		t.Fatalf("expected expired entry removed on read")
	}
	if misses != 1 {
		t.Fatalf("expected one miss, got %d", misses)
	}
}

func TestMemorySweepsExpiredEntriesPastThreshold(t *testing.T) {
	clock := newFakeClock()
	var evicted int
	m := NewMemory(Options{SweepThreshold: 3, Now: clock.Now}, MetricsHooks{
		OnEvict: func(labels map[string]string) {
			if labels["reason"] == "expired" {
				evicted++
			}
		},
	})

	m.Set("a", []byte("1"), time.Second)
	m.Set("b", []byte("2"), time.Second)
	m.Set("c", []byte("3"), time.Hour)
	clock.Advance(2 * time.Second)
	m.Set("d", []byte("4"), time.Hour)

	if m.Len() != 2 {
		t.Fatalf("expected sweep to leave 2 live entries, got %d", m.Len())
	}
	if evicted != 2 {
		t.Fatalf("expected 2 expired evictions, got %d", evicted)
	}
}

func TestMemoryEviction(t *testing.T) {
	m := NewMemory(Options{MaxEntries: 2}, MetricsHooks{})

	m.Set("first", []byte("one"), time.Minute)
	m.Set("second", []byte("two"), time.Minute)
	m.Set("third", []byte("three"), time.Minute)

	if _, ok := m.Get("first"); ok {
		t.Fatalf("expected first entry to be evicted")
	}
	if _, ok := m.Get("second"); !ok {
		t.Fatalf("expected second entry to remain")
	}
	if _, ok := m.Get("third"); !ok {
		t.Fatalf("expected third entry to remain")
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory(Options{}, MetricsHooks{})
	buf := []byte("abc")
	m.Set("k", buf, 0)
	buf[0] = 'z'
	if val, _ := m.Get("k"); string(val) != "abc" {
		t.Fatalf("expected stored copy to be isolated, got %q", val)
	}
}
