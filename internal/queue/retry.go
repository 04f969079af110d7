package queue

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Sentinel errors for task execution.
var (
	ErrNoHandler    = errors.New("No handler registered") //nolint:staticcheck // surfaced verbatim in task errors
	ErrTaskTimeout  = errors.New("task timed out")
	ErrQueueFull    = errors.New("queue is full")
	ErrQueueStopped = errors.New("queue is stopped")
	ErrTaskPanicked = errors.New("task handler panicked")
)

// RetryPolicy configures retries with exponential backoff.
type RetryPolicy struct {
	MaxRetries  int           // Failed attempts before a task is failed; 0 or 1 means no retry (default: 3)
	BackoffBase time.Duration // Delay unit for exponential backoff (default: 1s)
	BackoffMax  time.Duration // Maximum delay cap (default: 30s)
	Jitter      float64       // Jitter factor 0-1 (default: 0)
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
	}
}

// Backoff returns the delay before re-enqueueing a task that has failed
// retryCount times: min(base * 2^retryCount, max), with optional jitter.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	delay := float64(p.BackoffBase) * math.Pow(2, float64(retryCount))
	if delay > float64(p.BackoffMax) {
		delay = float64(p.BackoffMax)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether a task that failed with err may run again.
// Timeouts and missing handlers are terminal.
func (p RetryPolicy) ShouldRetry(task *Task, err error) bool {
	if errors.Is(err, ErrTaskTimeout) || errors.Is(err, ErrNoHandler) {
		return false
	}
	return task.RetryCount < task.MaxRetries
}
