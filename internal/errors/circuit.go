package errors

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows calls through (normal operation).
	CircuitClosed CircuitState = iota
	// CircuitOpen fails fast without calling the embedding service.
	CircuitOpen
	// CircuitHalfOpen allows a single probe call through.
	CircuitHalfOpen
)

// CircuitBreaker protects the query path from a degraded embedding service.
// After FailureThreshold consecutive failures it opens and queries fail fast
// with a "discovery degraded" error instead of waiting on timeouts; callers
// can fall back to tag-only filtering. After Cooldown it lets one probe call
// through.
type CircuitBreaker struct {
	mu sync.Mutex

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before probing again.
	Cooldown time.Duration

	state       CircuitState
	failures    int
	lastFailure time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given threshold and cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		state:            CircuitClosed,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// false until the cooldown elapses, then transitions to half-open and
// permits one probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.Cooldown {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		return false
	}
	return true
}

// RecordSuccess resets the breaker to closed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and opens the circuit once the threshold
// is reached. A failed half-open probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == CircuitHalfOpen || cb.failures >= cb.FailureThreshold {
		cb.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
