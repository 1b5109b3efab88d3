package concurrency

import (
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed lets work through
	StateClosed CircuitBreakerState = iota
	// StateOpen refuses work until the reset timeout has passed
	StateOpen
	// StateHalfOpen lets work through on probation; one failure reopens
	StateHalfOpen
)

// halfOpenSuccesses is how many successes close a half-open breaker.
const halfOpenSuccesses = 2

// CircuitBreaker stops a batch from hammering an API that keeps failing.
type CircuitBreaker struct {
	mu                   sync.Mutex
	state                CircuitBreakerState
	consecutiveFailures  int64
	consecutiveSuccesses int64
	failureThreshold     int64
	resetTimeout         time.Duration
	lastFailure          time.Time
	now                  func() time.Time
}

// NewCircuitBreaker opens after failureThreshold consecutive failures and
// probes again once resetTimeout has passed since the last one.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// IsOpen reports whether work is refused.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState() == StateOpen
}

// currentState moves an expired open breaker to half-open. cb.mu must be held.
func (cb *CircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
		cb.state = StateHalfOpen
		cb.consecutiveSuccesses = 0
	}
	return cb.state
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state != StateHalfOpen {
		return
	}
	cb.consecutiveSuccesses++
	if cb.consecutiveSuccesses >= halfOpenSuccesses {
		cb.state = StateClosed
		cb.consecutiveSuccesses = 0
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++
	cb.lastFailure = cb.now()

	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = StateOpen
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// GetConsecutiveFailures returns the current number of consecutive failures
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.lastFailure = time.Time{}
}

// String returns the string representation of the circuit breaker state
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
