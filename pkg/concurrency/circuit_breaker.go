package concurrency

import (
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed lets calls through
	StateClosed CircuitBreakerState = iota
	// StateOpen rejects calls until the reset timeout passes
	StateOpen
	// StateHalfOpen lets calls through and closes after enough successes
	StateHalfOpen
)

// halfOpenSuccesses closes a half-open circuit
const halfOpenSuccesses = 5

// CircuitBreaker opens after a run of consecutive failures
type CircuitBreaker struct {
	mu          sync.Mutex
	state       CircuitBreakerState
	failures    int64
	successes   int64
	threshold   int64
	reset       time.Duration
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a breaker. Non-positive arguments select 10
// failures and a 30s reset.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: failureThreshold,
		reset:     resetTimeout,
		now:       time.Now,
	}
}

// IsOpen reports whether calls are currently rejected. An open circuit past
// its reset timeout moves to half-open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return false
	}
	if cb.now().Sub(cb.lastFailure) > cb.reset {
		cb.state = StateHalfOpen
		cb.successes = 0
		return false
	}
	return true
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= halfOpenSuccesses {
			cb.state = StateClosed
			cb.successes = 0
		}
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.successes = 0
	cb.lastFailure = cb.now()
	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures, cb.successes = 0, 0
	cb.lastFailure = time.Time{}
}

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
