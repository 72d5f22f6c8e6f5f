package engine

import (
	"sync"
	"time"

	"github.com/rskumar/orderflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
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

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// CircuitBreakers guards calls to external dependencies (the task runner's
// status endpoint, the notifier) keyed by dependency name. While a circuit
// is open calls are refused with a retryable error, so the poll loop keeps
// waiting instead of hammering a failing endpoint.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakers creates a registry with the given config.
func NewCircuitBreakers(config CircuitBreakerConfig) *CircuitBreakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	return &CircuitBreakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil if a call to dependency may proceed. After the cooldown
// a single probe call is let through.
func (r *CircuitBreakers) Allow(dependency string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(dependency)

	switch b.state {
	case CircuitOpen:
		if r.now().Sub(b.openedAt) < r.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeTransient,
				"circuit open for %s after %d consecutive failures", dependency, b.failures).
				WithDetails(map[string]any{"dependency": dependency, "state": b.state.String()})
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return schema.NewErrorf(schema.ErrCodeTransient, "circuit half-open for %s: probe in flight", dependency)
		}
		b.probing = true
	}
	return nil
}

// Success closes the circuit for dependency.
func (r *CircuitBreakers) Success(dependency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(dependency)
	b.state = CircuitClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed call and returns the resulting state.
func (r *CircuitBreakers) Failure(dependency string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(dependency)
	b.failures++
	b.probing = false
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
	}
	return b.state
}

// State returns the current state for dependency.
func (r *CircuitBreakers) State(dependency string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(dependency).state
}

func (r *CircuitBreakers) get(dependency string) *breaker {
	b, ok := r.breakers[dependency]
	if !ok {
		b = &breaker{}
		r.breakers[dependency] = b
	}
	return b
}
