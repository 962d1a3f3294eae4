package transport

import (
	"sync"
	"time"
)

// CircuitState is the lifecycle state of a per-agent circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// circuitBreaker trips per-agent after a run of consecutive delivery
// failures, rejecting further sends until a cooldown elapses, then admits a
// bounded number of concurrent probe sends; the first to succeed closes the
// breaker, the first to fail reopens it.
type circuitBreaker struct {
	mu sync.Mutex

	state CircuitState

	failureThreshold int
	cooldown         time.Duration
	testLimit        int

	consecutiveFailures int
	openedAt            time.Time
	testCount           int
}

func newCircuitBreaker(failureThreshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		testLimit:        3,
	}
}

// Allow reports whether a send to this agent should be attempted right now.
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.cooldown {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if cb.testCount >= cb.testLimit {
			return false
		}
		cb.testCount++
		return true
	default:
		return true
	}
}

func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == CircuitHalfOpen {
		// A single successful probe closes the breaker: spec §8.
		cb.state = CircuitClosed
		cb.testCount = 0
	}
}

func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return
	}

	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
