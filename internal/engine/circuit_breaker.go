package engine

import (
	"sync"
	"time"

	"github.com/venueos/mailflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within MonitoringPeriod
	// before the circuit opens.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before one probe call
	// is let through in half-open state.
	ResetTimeout time.Duration
	// MonitoringPeriod bounds the failure-counting window: the counter resets
	// once this much time has elapsed since the last recorded failure.
	MonitoringPeriod time.Duration
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringPeriod: time.Minute,
	}
}

// circuitBreaker tracks failure state for a single protected operation.
type circuitBreaker struct {
	mu              sync.Mutex
	state           CircuitState
	failures        int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	halfOpenInUse   bool
	config          CircuitBreakerConfig
}

// BreakerRegistry manages per-operation circuit breakers. State is
// process-local, shared across runs, and never persisted.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewBreakerRegistry creates a registry with the given config.
func NewBreakerRegistry(config CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow checks whether a call to the operation may proceed. Returns nil if
// allowed, or a CIRCUIT_OPEN FlowError without invoking anything if the
// circuit rejects the call.
func (r *BreakerRegistry) Allow(operation string) error {
	cb := r.getOrCreate(operation)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := r.now()
	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if now.Before(cb.nextAttemptTime) {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker open for %q: %d failures, retry after %s",
				operation, cb.failures, cb.nextAttemptTime.Sub(now).Round(time.Millisecond)).
				WithDetails(map[string]any{
					"operation": operation,
					"failures":  cb.failures,
					"state":     cb.state.String(),
				})
		}
		// Cooldown elapsed: let exactly one probe through.
		cb.state = CircuitHalfOpen
		cb.halfOpenInUse = true
		return nil

	case CircuitHalfOpen:
		if cb.halfOpenInUse {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: probe in flight", operation)
		}
		cb.halfOpenInUse = true
		return nil
	}

	return nil
}

// RecordSuccess records a successful call, closing the circuit.
func (r *BreakerRegistry) RecordSuccess(operation string) {
	cb := r.getOrCreate(operation)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.halfOpenInUse = false
	cb.state = CircuitClosed
}

// RecordFailure records a failed call and returns the new circuit state.
func (r *BreakerRegistry) RecordFailure(operation string) CircuitState {
	cb := r.getOrCreate(operation)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := r.now()

	// A quiet monitoring period resets the counting window.
	if cb.state == CircuitClosed && !cb.lastFailureTime.IsZero() &&
		now.Sub(cb.lastFailureTime) > cb.config.MonitoringPeriod {
		cb.failures = 0
	}

	cb.failures++
	cb.lastFailureTime = now

	if cb.state == CircuitHalfOpen {
		// A failed probe reopens the circuit with a fresh cooldown.
		cb.state = CircuitOpen
		cb.halfOpenInUse = false
		cb.nextAttemptTime = now.Add(cb.config.ResetTimeout)
		return CircuitOpen
	}

	if cb.failures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.nextAttemptTime = now.Add(cb.config.ResetTimeout)
		return CircuitOpen
	}

	return cb.state
}

// State returns the current circuit state for an operation.
func (r *BreakerRegistry) State(operation string) CircuitState {
	cb := r.getOrCreate(operation)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns diagnostic information about a breaker.
func (r *BreakerRegistry) Stats(operation string) map[string]any {
	cb := r.getOrCreate(operation)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"operation":         operation,
		"state":             cb.state.String(),
		"failures":          cb.failures,
		"failure_threshold": cb.config.FailureThreshold,
		"reset_timeout":     cb.config.ResetTimeout.String(),
	}
}

func (r *BreakerRegistry) getOrCreate(operation string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[operation]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[operation] = cb
	}
	return cb
}
