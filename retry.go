package smebot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"smebot-go/internal/logging"
)

// Sentinel errors for retry logic
var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrBudgetExhausted    = errors.New("retry budget exhausted")
)

// RetryBudget caps retries across all in-flight requests so a failing
// backend does not see a burst of simultaneous retries.
type RetryBudget struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRetryBudget creates a budget holding maxTokens, regaining one per refillRate.
func NewRetryBudget(maxTokens int, refillRate time.Duration) *RetryBudget {
	return &RetryBudget{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// DefaultRetryBudget allows 10 retries, regaining one every 6 seconds.
func DefaultRetryBudget() *RetryBudget {
	return NewRetryBudget(10, 6*time.Second)
}

// Consume attempts to consume a token. Returns true if successful.
func (rb *RetryBudget) Consume() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.refill()

	if rb.tokens <= 0 {
		return false
	}
	rb.tokens--
	return true
}

// Available returns the current number of available tokens.
func (rb *RetryBudget) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.refill()
	return rb.tokens
}

// refill must be called with the lock held.
func (rb *RetryBudget) refill() {
	if rb.refillRate <= 0 {
		return
	}
	elapsed := time.Since(rb.lastRefill)
	tokensToAdd := int(elapsed / rb.refillRate)

	if tokensToAdd > 0 {
		rb.tokens = min(rb.maxTokens, rb.tokens+tokensToAdd)
		rb.lastRefill = rb.lastRefill.Add(time.Duration(tokensToAdd) * rb.refillRate)
	}
}

// RetryPolicy configures in-call retries of LLM requests. The task queue
// retries whole tasks on top of this.
type RetryPolicy struct {
	MaxRetries  int           // Retries after the first attempt (default: 2)
	BackoffBase time.Duration // Base delay for exponential backoff (default: 500ms)
	BackoffMax  time.Duration // Maximum delay cap (default: 8s)
	Jitter      float64       // Jitter factor 0-1 (default: 0.2)
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  2,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  8 * time.Second,
		Jitter:      0.2,
	}
}

// retryable reports whether err may succeed on another attempt.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return !errors.Is(err, ErrEmptyCompletion)
}

// calculateBackoff returns the delay for a given attempt with jitter.
func (p RetryPolicy) calculateBackoff(attempt int) time.Duration {
	delay := float64(p.BackoffBase) * math.Pow(2, float64(attempt))
	if delay > float64(p.BackoffMax) {
		delay = float64(p.BackoffMax)
	}

	jitterRange := delay * p.Jitter
	delay += (rand.Float64()*2 - 1) * jitterRange

	return time.Duration(delay)
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// budget runs dry or MaxRetries is exhausted. A Retry-After hint from the
// server replaces the computed backoff when it is within BackoffMax.
func (p RetryPolicy) Do(ctx context.Context, budget *RetryBudget, op func(ctx context.Context) error) (int, error) {
	logger := logging.FromContext(ctx).With("component", "retry", "max_retries", p.MaxRetries)

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if budget != nil && !budget.Consume() {
				logger.Warn("retry budget exhausted", "attempt", attempt+1, "err", lastErr)
				return attempt, fmt.Errorf("%w: %w", ErrBudgetExhausted, lastErr)
			}

			backoff := p.calculateBackoff(attempt - 1)
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 && apiErr.RetryAfter <= p.BackoffMax {
				backoff = apiErr.RetryAfter
			}
			logger.Info("backing off before retry", "attempt", attempt+1, "delay", backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}

		err := op(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if !retryable(err) {
			return attempt + 1, err
		}
		logger.Warn("attempt failed", "attempt", attempt+1, "err", err)
	}

	return p.MaxRetries + 1, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, p.MaxRetries+1, lastErr)
}
