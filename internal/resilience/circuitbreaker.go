// Package resilience guards order entry against a failing exchange.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"    // entries allowed
	CircuitOpen     CircuitState = "OPEN"      // entries rejected
	CircuitHalfOpen CircuitState = "HALF_OPEN" // one probe allowed
)

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig returns the defaults used for order entry.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
	}
}

// CircuitBreaker stops new entries after repeated placement failures. Exits
// and protective orders never go through it.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	probing         bool
	openedAt        time.Time
	lastStateChange time.Time

	totalFailures int64
	totalRejected int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether an entry may be attempted. After the cooldown a
// single probe is let through; its outcome closes or reopens the circuit.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			cb.totalRejected++
			return ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.probing = true
		return nil
	case CircuitHalfOpen:
		if cb.probing {
			cb.totalRejected++
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

// Record feeds the outcome of an allowed attempt.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if err == nil {
		cb.failures = 0
		if cb.state != CircuitClosed {
			cb.transitionTo(CircuitClosed)
		}
		return
	}

	cb.totalFailures++
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.transitionTo(CircuitOpen)
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	cb.state = state
	cb.lastStateChange = cb.now()
	if state != CircuitHalfOpen {
		cb.failures = 0
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		CurrentFailures: cb.failures,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	cb.transitionTo(CircuitClosed)
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	TotalFailures   int64
	TotalRejected   int64
	CurrentFailures int
	LastStateChange time.Time
}
