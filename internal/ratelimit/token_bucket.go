// Package ratelimit limits how fast a single relay hub connection may publish.
package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) read from a Clock.
//
// Tokens are held as fixed-point nano-tokens (1 token = 1e9), so a rate of X
// tokens/sec adds X nano-tokens per elapsed nanosecond without float drift.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket starts full. A non-positive capacity denies every request.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity = max(capacity, 0)
	rate = max(rate, 0)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: toNano(capacity),
		last:      clock.Now(),
	}
}

// PerSecond allows n messages per second with a burst of n. n <= 0 returns
// nil, which Allow treats as unlimited.
func PerSecond(clock Clock, n int) *TokenBucket {
	if n <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(n), int64(n))
}

// Allow consumes tokens if available. tokens <= 0 always succeeds, as does a
// nil bucket.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}
	full := toNano(b.capacity)
	need := full - b.available
	if need <= 0 {
		b.available = full
		return
	}
	// tokens/sec equals nano-tokens/ns; clamp before multiplying to avoid
	// overflow on long idle periods.
	if elapsed >= need/b.rate {
		b.available = full
		return
	}
	b.available = min(b.available+elapsed*b.rate, full)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
