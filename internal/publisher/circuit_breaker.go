package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/mcncl/http-audit/internal/errors"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed lets every publish through
	StateClosed CircuitState = iota
	// StateOpen fails publishes immediately
	StateOpen
	// StateHalfOpen lets a few publishes through to probe for recovery
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// MaxHalfOpenRequests caps concurrent probes
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns the defaults used for the audit sink
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 3,
	}
}

// BreakerStats is a snapshot of the circuit breaker
type BreakerStats struct {
	State                CircuitState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailure          time.Time
	LastStateChange      time.Time
}

// CircuitBreaker wraps a Publisher so an unavailable topic fails fast instead of
// tying up the sink with doomed publishes.
type CircuitBreaker struct {
	publisher Publisher
	config    CircuitBreakerConfig

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	lastFailure          time.Time
	lastStateChange      time.Time
	onStateChange        func(from, to CircuitState)

	now func() time.Time
}

// NewCircuitBreaker wraps a publisher with circuit breaker protection
func NewCircuitBreaker(pub Publisher, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		publisher:       pub,
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// SetOnStateChange registers fn to be called after every state transition.
// fn runs on the publishing goroutine without the breaker's lock held.
func (cb *CircuitBreaker) SetOnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerStats{
		State:                cb.state,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailure:          cb.lastFailure,
		LastStateChange:      cb.lastStateChange,
	}
}

// Publish publishes through the wrapped publisher unless the circuit is open
func (cb *CircuitBreaker) Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error) {
	if err := cb.allow(); err != nil {
		return "", err
	}

	msgID, err := cb.publisher.Publish(ctx, data, attributes)
	cb.record(err)

	return msgID, err
}

// Close closes the underlying publisher
func (cb *CircuitBreaker) Close() error {
	return cb.publisher.Close()
}

// Reset forces the circuit closed and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transition(StateClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.mu.Unlock()

	notify()
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.config.Timeout {
			return errors.NewConnectionError("circuit breaker is open")
		}
		notify = cb.transition(StateHalfOpen)
		cb.halfOpenRequests = 1
		return nil

	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			return errors.NewConnectionError("circuit breaker: too many requests in half-open state")
		}
		cb.halfOpenRequests++
		return nil

	default:
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	notify := func() {}

	if err != nil {
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		cb.lastFailure = cb.now()

		if cb.state == StateHalfOpen ||
			(cb.state == StateClosed && cb.consecutiveFailures >= cb.config.FailureThreshold) {
			notify = cb.transition(StateOpen)
		}
	} else {
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0

		if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			notify = cb.transition(StateClosed)
		}
	}

	cb.mu.Unlock()
	notify()
}

// transition changes state with cb.mu held and returns the callback invocation to
// run once the lock is released.
func (cb *CircuitBreaker) transition(to CircuitState) func() {
	from := cb.state
	if from == to {
		return func() {}
	}

	cb.state = to
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0

	fn := cb.onStateChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to) }
}
