package overlay

import (
	"sync"
	"time"

	"github.com/WebFirstLanguage/combnet/internal/kad"
)

// Inbound handler defaults: a burst of 32 requests per sender, refilling
// one token every 100ms. A single lookup round against this node costs a
// handful of tokens, so honest peers never notice the limiter.
const (
	defaultRateCapacity = 32
	defaultRateRefill   = 100 * time.Millisecond

	rateCleanupEvery = 10 * time.Minute
	rateIdleCutoff   = time.Hour
)

// rateLimiter is a token bucket per sender id, guarding the inbound
// handler.
type rateLimiter struct {
	mu       sync.Mutex
	buckets  map[kad.ID]*rateBucket
	capacity int
	refill   time.Duration

	lastCleanup time.Time
}

type rateBucket struct {
	tokens   int
	lastSeen time.Time
}

func newRateLimiter(capacity int, refill time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = defaultRateCapacity
	}
	if refill <= 0 {
		refill = defaultRateRefill
	}
	return &rateLimiter{
		buckets:     make(map[kad.ID]*rateBucket),
		capacity:    capacity,
		refill:      refill,
		lastCleanup: time.Now(),
	}
}

// allow reports whether a request from the given sender may proceed,
// consuming one token when it does.
func (rl *rateLimiter) allow(sender kad.ID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > rateCleanupEvery {
		rl.dropIdle(now)
		rl.lastCleanup = now
	}

	b, exists := rl.buckets[sender]
	if !exists {
		rl.buckets[sender] = &rateBucket{tokens: rl.capacity - 1, lastSeen: now}
		return true
	}

	b.tokens += int(now.Sub(b.lastSeen) / rl.refill)
	if b.tokens > rl.capacity {
		b.tokens = rl.capacity
	}
	b.lastSeen = now

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// tokens reports the sender's current token count.
func (rl *rateLimiter) tokens(sender kad.ID) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[sender]
	if !exists {
		return rl.capacity
	}
	n := b.tokens + int(time.Since(b.lastSeen)/rl.refill)
	if n > rl.capacity {
		n = rl.capacity
	}
	return n
}

func (rl *rateLimiter) dropIdle(now time.Time) {
	cutoff := now.Add(-rateIdleCutoff)
	for id, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, id)
		}
	}
}
