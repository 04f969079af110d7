package ratelimit

import (
	"math"
	"sync"
	"time"
)

// epsilon absorbs float drift so that waiting TimeUntilRefill(n) is always enough.
const epsilon = 1e-9

// TokenBucket is a lazily refilled token bucket.
// Tokens are recomputed on every access under the lock; there is no background refill.
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a full bucket holding capacity tokens.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate < 0 {
		refillRate = 0
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Consume deducts n tokens if they are available after refill.
// It returns false and leaves the balance untouched otherwise.
func (b *TokenBucket) Consume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	need := float64(n)
	if b.tokens+epsilon < need {
		return false
	}
	b.tokens -= need
	if b.tokens < 0 {
		b.tokens = 0
	}
	return true
}

// TimeUntilRefill returns how long until n tokens are available.
func (b *TokenBucket) TimeUntilRefill(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	missing := float64(n) - b.tokens
	if missing <= epsilon {
		return 0
	}
	if b.refillRate == 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Ceil(missing / b.refillRate * float64(time.Second)))
}

// Tokens returns the current balance.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Capacity returns the bucket size.
func (b *TokenBucket) Capacity() int {
	return int(b.capacity)
}

// lastAccess reports when the bucket was last refilled (must not hold lock).
func (b *TokenBucket) lastAccess() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefill
}

// refill adds tokens for the elapsed time (must hold lock).
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}
