package breaker

import (
	"errors"
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// ErrOpen is returned by Execute when the circuit rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithStateChange registers a callback invoked after every transition.
// It runs outside the breaker lock.
func WithStateChange(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

func withClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// CircuitBreaker is a three-state breaker counting consecutive failures.
//
// closed -> open when failures reach the threshold;
// open -> half-open once the recovery timeout has elapsed;
// half-open -> closed on the next success, or back to open on the next failure.
// Only one trial call is let through while half-open.
type CircuitBreaker struct {
	state           State
	failures        int
	lastFailure     time.Time
	threshold       int
	recoveryTimeout time.Duration
	trialInFlight   bool
	onStateChange   func(from, to State)
	now             func() time.Time
	mu              sync.Mutex
}

// New creates a closed breaker. Non-positive arguments use the defaults.
func New(threshold int, recoveryTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	cb := &CircuitBreaker{
		state:           StateClosed,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// CanProceed reports whether a call may be attempted now.
func (cb *CircuitBreaker) CanProceed() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.recoveryTimeout {
			cb.state = StateHalfOpen
			cb.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			allowed = true
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

// IsOpen reports whether calls are currently being rejected, without
// changing state or claiming the half-open trial.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		return cb.now().Sub(cb.lastFailure) <= cb.recoveryTimeout
	case StateHalfOpen:
		return cb.trialInFlight
	default:
		return false
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	cb.trialInFlight = false
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// RecordFailure counts a failure and opens the circuit when required.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.failures++
	cb.lastFailure = cb.now()
	cb.trialInFlight = false

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Release gives back a half-open trial slot without recording an outcome.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
}

// Execute runs fn if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.CanProceed() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Snapshot is the admin view of a breaker.
type Snapshot struct {
	State           string        `json:"state"`
	Failures        int           `json:"failures"`
	Threshold       int           `json:"threshold"`
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	LastFailure     time.Time     `json:"last_failure,omitempty"`
}

// Snapshot returns the current counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		State:           cb.state.String(),
		Failures:        cb.failures,
		Threshold:       cb.threshold,
		RecoveryTimeout: cb.recoveryTimeout,
		LastFailure:     cb.lastFailure,
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
