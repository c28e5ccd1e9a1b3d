package server

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClockedLimiter(perSecond float64, burst int) (*rateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newRateLimiter(perSecond, burst)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()

	rl, _ := newClockedLimiter(pairRateLimit, pairBurstLimit)
	for i := range pairBurstLimit {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("expected allow on burst iteration %d", i)
		}
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("expected rate limit after burst exhaustion")
	}
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	t.Parallel()

	rl, _ := newClockedLimiter(pairRateLimit, pairBurstLimit)
	for range pairBurstLimit {
		rl.allow("10.0.0.1")
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("expected 10.0.0.1 to be rate-limited")
	}
	if !rl.allow("10.0.0.2") {
		t.Fatal("expected 10.0.0.2 to be allowed independently")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	t.Parallel()

	rl, clock := newClockedLimiter(pairRateLimit, pairBurstLimit)
	for range pairBurstLimit {
		rl.allow("10.0.0.3")
	}
	if rl.allow("10.0.0.3") {
		t.Fatal("expected rate limit")
	}
	clock.advance(time.Second)
	for i := range 2 {
		if !rl.allow("10.0.0.3") {
			t.Fatalf("expected refilled token %d", i)
		}
	}
	if rl.allow("10.0.0.3") {
		t.Fatal("expected only two tokens after one second")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(0, 0)
	if float64(rl.limit) != pairRateLimit || rl.burst != pairBurstLimit {
		t.Fatalf("defaults = %v/%d", rl.limit, rl.burst)
	}
}

func TestRateLimiterSweep(t *testing.T) {
	t.Parallel()

	rl, clock := newClockedLimiter(pairRateLimit, pairBurstLimit)
	rl.allow("192.0.2.10")
	clock.advance(idleClientAge / 2)
	rl.allow("192.0.2.11")
	clock.advance(idleClientAge/2 + time.Second)

	if got := rl.Sweep(); got != 1 {
		t.Fatalf("Sweep() = %d, want 1", got)
	}
	s := rl.shard("192.0.2.10")
	s.mu.Lock()
	_, exists := s.clients["192.0.2.10"]
	s.mu.Unlock()
	if exists {
		t.Fatal("expected idle client to be evicted")
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(pairRateLimit, pairBurstLimit)
	const goroutines = 32
	const clientsPerGoroutine = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := range goroutines {
		go func() {
			defer wg.Done()
			for k := range clientsPerGoroutine {
				rl.allow(fmt.Sprintf("10.%d.0.%d", g, k))
			}
		}()
	}
	wg.Wait()
}

func BenchmarkRateLimiterAllowDistinctKeys(b *testing.B) {
	rl := newRateLimiter(pairRateLimit, pairBurstLimit)
	keys := make([]string, 1000)
	for i := range keys {
		keys[i] = fmt.Sprintf("10.1.%d.%d", i/256, i%256)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.allow(keys[i%len(keys)])
	}
}
