package policy

import (
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/types"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState string

const (
	// BreakerClosed is normal operation.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen fast-fails every attempt until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits a bounded number of trial attempts.
	BreakerHalfOpen BreakerState = "half_open"
)

// DefaultCircuitBreaker mirrors the defaults the engine ships with:
// open after 5 consecutive failures, close after 3 consecutive successes,
// 30s cooldown, 3 half-open probes.
func DefaultCircuitBreaker() types.CircuitBreakerConfig {
	return types.CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Cooldown:         30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// CircuitBreaker gates new attempts during sustained failure. Closed goes
// Open after FailureThreshold consecutive failures; Open rejects attempts
// until Cooldown elapses, then HalfOpen admits up to HalfOpenRequests
// outstanding probes. SuccessThreshold consecutive successes close it
// again; a half-open failure, or running out of trial slots, reopens it.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    types.CircuitBreakerConfig
	state  BreakerState
	since  time.Time
	trials int

	consecutiveFailures  int
	consecutiveSuccesses int

	// now is swappable for tests.
	now func() time.Time
}

// NewCircuitBreaker builds a closed breaker. Zero-valued config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg types.CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreaker()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed, now: time.Now}
}

// Allow reports whether a new attempt may proceed, transitioning Open to
// HalfOpen once the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.since) >= cb.cfg.Cooldown {
			// The transition itself admits the first probe.
			cb.state = BreakerHalfOpen
			cb.trials = cb.cfg.HalfOpenRequests - 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.trials > 0 {
			cb.trials--
			return true
		}
		// Trial budget spent without closing the circuit; reopen and wait
		// out another cooldown.
		cb.open()
		return false
	default:
		return true
	}
}

// RecordSuccess notes a successful attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses++

	if cb.state == BreakerHalfOpen {
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.state = BreakerClosed
			cb.consecutiveSuccesses = 0
			return
		}
		// A settled probe frees its trial slot; the budget bounds
		// outstanding probes, not total half-open traffic.
		cb.trials++
	}
}

// RecordFailure notes a failed attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++

	switch cb.state {
	case BreakerClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case BreakerHalfOpen:
		// Any failure during the trial window reopens the circuit.
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = BreakerOpen
	cb.since = cb.now()
	cb.trials = 0
}

// State returns the current mode without side effects.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
