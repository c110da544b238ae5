package gate

import (
	"sync"
	"time"
)

const (
	defaultPerMinute = 10
	defaultBurst     = 3
	// Idle buckets older than this are pruned on the next Allow call.
	bucketMaxIdle = 10 * time.Minute
)

// RateLimiter is a per-(channel, user) token bucket applied before gate
// evaluation. Buckets are created lazily and pruned by idle age.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perMinute float64
	burst     float64
	now       func() time.Time
	lastPrune time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a limiter refilling perMinute tokens with the
// given burst capacity. Non-positive arguments fall back to the defaults;
// both are clamped to at least 1.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &RateLimiter{
		buckets:   make(map[string]*bucket),
		perMinute: float64(perMinute),
		burst:     float64(burst),
		now:       time.Now,
	}
}

// Allow consumes one token for the (channel, user) pair, reporting whether
// the message may proceed to the gate.
func (rl *RateLimiter) Allow(channel, userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.pruneLocked(now)

	key := channel + ":" + userID
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst}
		rl.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastSeen).Minutes()
		b.tokens += elapsed * rl.perMinute
		if b.tokens > rl.burst {
			b.tokens = rl.burst
		}
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	if now.Sub(rl.lastPrune) < bucketMaxIdle {
		return
	}
	rl.lastPrune = now
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > bucketMaxIdle {
			delete(rl.buckets, key)
		}
	}
}
