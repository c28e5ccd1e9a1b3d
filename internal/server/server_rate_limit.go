package server

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	pairRateLimit  = 2.0             // pairing requests per second per client
	pairBurstLimit = 5               // max burst
	idleClientAge  = 5 * time.Minute // evict limiters unused for this long

	// Each shard has its own mutex so clients on different shards never
	// contend.
	rateLimiterShards = 16
)

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client key, spread over
// [rateLimiterShards] FNV-hashed shards.
type rateLimiter struct {
	limit  rate.Limit
	burst  int
	now    func() time.Time
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// newRateLimiter returns a limiter refilling perSecond tokens up to burst.
// Non-positive values fall back to the pairing defaults.
func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if perSecond <= 0 {
		perSecond = pairRateLimit
	}
	if burst < 1 {
		burst = pairBurstLimit
	}
	rl := &rateLimiter{limit: rate.Limit(perSecond), burst: burst, now: time.Now}
	for i := range rl.shards {
		rl.shards[i].clients = make(map[string]*clientLimiter)
	}
	return rl
}

func (rl *rateLimiter) shard(key string) *rateLimiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &rl.shards[h.Sum32()%rateLimiterShards]
}

func (rl *rateLimiter) allow(key string) bool {
	now := rl.now()
	s := rl.shard(key)
	s.mu.Lock()
	c, ok := s.clients[key]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(rl.limit, rl.burst)}
		s.clients[key] = c
	}
	c.lastSeen = now
	s.mu.Unlock()
	return c.lim.AllowN(now, 1)
}

// Sweep evicts limiters of clients idle longer than idleClientAge. The
// janitor calls it so allow never iterates the maps.
func (rl *rateLimiter) Sweep() int {
	cutoff := rl.now().Add(-idleClientAge)
	evicted := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, c := range s.clients {
			if c.lastSeen.Before(cutoff) {
				delete(s.clients, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}
