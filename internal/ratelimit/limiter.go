package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultUserCapacity     = 10
	DefaultUserRefillRate   = 10.0 / 60.0 // 10 messages per minute
	DefaultGlobalCapacity   = 60
	DefaultGlobalRefillRate = 1.0
)

// Config holds the bucket sizes for a Limiter.
type Config struct {
	UserCapacity     int
	UserRefillRate   float64
	GlobalCapacity   int
	GlobalRefillRate float64
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		UserCapacity:     DefaultUserCapacity,
		UserRefillRate:   DefaultUserRefillRate,
		GlobalCapacity:   DefaultGlobalCapacity,
		GlobalRefillRate: DefaultGlobalRefillRate,
	}
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	TrackedUsers     int     `json:"tracked_users"`
	GlobalTokens     float64 `json:"global_tokens"`
	GlobalCapacity   int     `json:"global_capacity"`
	UserCapacity     int     `json:"user_capacity"`
	UserRefillPerSec float64 `json:"user_refill_per_sec"`
}

// Limiter keeps one bucket per user plus a global bucket for outbound API calls.
// User buckets are created on first use and only removed by Prune.
type Limiter struct {
	cfg    Config
	users  map[string]*TokenBucket
	global *TokenBucket
	now    func() time.Time
	mu     sync.Mutex
}

// New creates a Limiter. Zero fields in cfg fall back to the defaults.
func New(cfg Config) *Limiter {
	return newLimiter(cfg, time.Now)
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	def := DefaultConfig()
	if cfg.UserCapacity <= 0 {
		cfg.UserCapacity = def.UserCapacity
	}
	if cfg.UserRefillRate <= 0 {
		cfg.UserRefillRate = def.UserRefillRate
	}
	if cfg.GlobalCapacity <= 0 {
		cfg.GlobalCapacity = def.GlobalCapacity
	}
	if cfg.GlobalRefillRate <= 0 {
		cfg.GlobalRefillRate = def.GlobalRefillRate
	}
	return &Limiter{
		cfg:    cfg,
		users:  make(map[string]*TokenBucket),
		global: newTokenBucket(cfg.GlobalCapacity, cfg.GlobalRefillRate, now),
		now:    now,
	}
}

func (l *Limiter) userBucket(userID string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.users[userID]
	if !ok {
		b = newTokenBucket(l.cfg.UserCapacity, l.cfg.UserRefillRate, l.now)
		l.users[userID] = b
	}
	return b
}

// AllowUser consumes one token from the user's bucket.
func (l *Limiter) AllowUser(userID string) bool {
	return l.userBucket(userID).Consume(1)
}

// UserRetryAfter reports how long the user has to wait for the next token.
func (l *Limiter) UserRetryAfter(userID string) time.Duration {
	return l.userBucket(userID).TimeUntilRefill(1)
}

// AllowAPI consumes one token from the global API bucket.
func (l *Limiter) AllowAPI() bool {
	return l.global.Consume(1)
}

// WaitAPI blocks until a global token has been consumed or ctx is done.
func (l *Limiter) WaitAPI(ctx context.Context) error {
	for {
		if l.global.Consume(1) {
			return nil
		}
		wait := l.global.TimeUntilRefill(1)
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Prune drops user buckets that have not been touched for idle and returns how many were removed.
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, b := range l.users {
		if b.lastAccess().Before(cutoff) {
			delete(l.users, id)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot for the admin API.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	tracked := len(l.users)
	l.mu.Unlock()

	return Stats{
		TrackedUsers:     tracked,
		GlobalTokens:     l.global.Tokens(),
		GlobalCapacity:   l.global.Capacity(),
		UserCapacity:     l.cfg.UserCapacity,
		UserRefillPerSec: l.cfg.UserRefillRate,
	}
}
