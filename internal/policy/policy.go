// Package policy decides, per failure, whether to retry, skip, dead-letter,
// or abort the whole job. It layers three mechanisms: bounded retries with
// configurable backoff, a circuit breaker over consecutive failures, and an
// aggregate failure-rate threshold across the whole job.
package policy

import (
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/types"
)

// Terminal actions accepted in ErrorPolicy.OnFailure.
const (
	OnFailureDLQ  = "dlq"
	OnFailureSkip = "skip"
	OnFailureStop = "stop"
)

// minItemsForRateCheck avoids tripping the failure-rate threshold on tiny
// samples; the rate is only consulted once this many items have a terminal
// outcome.
const minItemsForRateCheck = 10

// Kind is the action the coordinator must take for a failed item.
type Kind string

const (
	KindRetry      Kind = "retry"
	KindSkip       Kind = "skip"
	KindDeadLetter Kind = "dead_letter"
	KindAbortJob   Kind = "abort_job"
)

// Decision is the outcome of evaluating one failure.
type Decision struct {
	Kind Kind
	// Backoff is the wait before redispatch; meaningful only for KindRetry.
	Backoff time.Duration
	// Reason explains aborts for the job-level error message.
	Reason string
}

// Failure describes one failed attempt as seen by the policy engine.
type Failure struct {
	ItemID    types.ItemID
	ErrorType types.ErrorType
	Err       error
	// Attempt is the number of attempts made so far, including this one.
	Attempt int
}

// Stats is a snapshot of job-wide outcome accounting.
type Stats struct {
	Total      int
	Successful int
	Failed     int
	Skipped    int
	ErrorTypes map[types.ErrorType]int
}

// FailureRate is failed over total observed outcomes.
func (s Stats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

// Engine applies one ErrorPolicy across a job. Safe for concurrent use,
// though in practice only the merge-loop consumer calls it.
type Engine struct {
	mu      sync.Mutex
	policy  types.ErrorPolicy
	stats   Stats
	breaker *CircuitBreaker
}

// NewEngine builds an engine for the given policy. Zero-valued fields get
// defaults: 3 attempts, exponential backoff, dead-letter on exhaustion.
func NewEngine(p types.ErrorPolicy) *Engine {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.OnFailure == "" {
		p.OnFailure = OnFailureDLQ
	}
	if p.Backoff.Strategy == "" {
		p.Backoff = DefaultBackoff()
	}
	e := &Engine{
		policy: p,
		stats:  Stats{ErrorTypes: make(map[types.ErrorType]int)},
	}
	if p.CircuitBreaker != nil {
		e.breaker = NewCircuitBreaker(*p.CircuitBreaker)
	}
	return e
}

// RecordSuccess notes a successfully merged item.
func (e *Engine) RecordSuccess() {
	e.mu.Lock()
	e.stats.Total++
	e.stats.Successful++
	e.mu.Unlock()

	if e.breaker != nil {
		e.breaker.RecordSuccess()
	}
}

// Decide evaluates a failure and returns the action to take. Attempt counts
// and the terminal-failure accounting are the caller's responsibility: the
// engine only updates its aggregate view when the decision is terminal
// (skip, dead-letter, abort), so retried attempts do not inflate the
// failure rate.
func (e *Engine) Decide(f Failure) Decision {
	if e.breaker != nil {
		e.breaker.RecordFailure()
		if !e.breaker.Allow() {
			e.recordTerminalFailure(f)
			return Decision{Kind: KindAbortJob, Reason: "circuit breaker open"}
		}
	}

	if f.Attempt < e.policy.MaxAttempts {
		return Decision{Kind: KindRetry, Backoff: Delay(e.policy.Backoff, f.Attempt)}
	}

	e.recordTerminalFailure(f)

	if reason, tripped := e.thresholdTripped(); tripped {
		return Decision{Kind: KindAbortJob, Reason: reason}
	}

	switch e.policy.OnFailure {
	case OnFailureSkip:
		return Decision{Kind: KindSkip}
	case OnFailureStop:
		return Decision{Kind: KindAbortJob, Reason: "item " + string(f.ItemID) + " failed permanently"}
	default:
		return Decision{Kind: KindDeadLetter}
	}
}

func (e *Engine) recordTerminalFailure(f Failure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Total++
	e.stats.Failed++
	e.stats.ErrorTypes[f.ErrorType]++
}

func (e *Engine) thresholdTripped() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.policy.MaxFailures > 0 && e.stats.Failed >= e.policy.MaxFailures {
		return "max failures reached", true
	}
	if e.policy.FailureRateThreshold > 0 &&
		e.stats.Total >= minItemsForRateCheck &&
		e.stats.FailureRate() > e.policy.FailureRateThreshold {
		return "failure rate threshold exceeded", true
	}
	return "", false
}

// Stats returns a copy of the aggregate accounting.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.stats
	out.ErrorTypes = make(map[types.ErrorType]int, len(e.stats.ErrorTypes))
	for k, v := range e.stats.ErrorTypes {
		out.ErrorTypes[k] = v
	}
	return out
}

// BreakerState reports the circuit breaker mode, or BreakerClosed when no
// breaker is configured.
func (e *Engine) BreakerState() BreakerState {
	if e.breaker == nil {
		return BreakerClosed
	}
	return e.breaker.State()
}
