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

func TestTTLGetSet(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New[string, int](5 * time.Minute).WithClock(clock.Now)

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit with 1, got %d %v", v, ok)
	}
}

func TestTTLBoundaryIsExpired(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New[string, string](5 * time.Minute).WithClock(clock.Now)
	c.Set("k", "v")

	clock.Advance(5*time.Minute - time.Nanosecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected entry to be fresh just before ttl")
	}

	clock.Advance(time.Nanosecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry at exactly ttl to be expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted on read, len=%d", c.Len())
	}
}

func TestTTLSetRefreshesTimestamp(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New[string, string](time.Minute).WithClock(clock.Now)
	c.Set("k", "old")
	clock.Advance(50 * time.Second)
	c.Set("k", "new")
	clock.Advance(50 * time.Second)

	if v, ok := c.Get("k"); !ok || v != "new" {
		t.Fatalf("expected refreshed entry, got %q %v", v, ok)
	}
}

func TestTTLCleanup(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New[string, int](time.Minute).WithClock(clock.Now)
	c.Set("old", 1)
	clock.Advance(2 * time.Minute)
	c.Set("fresh", 2)

	if removed := c.Cleanup(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Fatal("expected fresh entry to survive cleanup")
	}
}

func TestTTLDeleteAndClear(t *testing.T) {
	t.Parallel()

	c := New[string, int](time.Hour)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected deleted entry to be absent")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after clear, len=%d", c.Len())
	}
}
