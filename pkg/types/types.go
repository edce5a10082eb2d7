// Package types defines the core domain model shared across the loom engine.
package types

import (
	"time"
)

// JobID uniquely identifies a coordination job.
type JobID string

// ItemID uniquely identifies a work item within a job.
type ItemID string

// WorkerID identifies one worker slot in the agent pool.
type WorkerID string

// JobPhase is the top-level coordinator state.
type JobPhase string

const (
	PhaseInitializing JobPhase = "initializing"
	PhaseMapping      JobPhase = "mapping"
	PhaseReducing     JobPhase = "reducing"
	PhaseCompleted    JobPhase = "completed"
	PhaseFailed       JobPhase = "failed"
)

// ItemStatus is the per-item lifecycle state. An item is in exactly one
// status at any time.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusActive    ItemStatus = "active"
	StatusCompleted ItemStatus = "completed"
	StatusFailed    ItemStatus = "failed"
)

// WorkItem is one unit of input, opaque to the engine. Immutable once loaded.
type WorkItem struct {
	ID      ItemID         `json:"id"`
	Payload map[string]any `json:"payload"`
}

// AgentResult is the outcome of executing one work item in an isolated
// workspace. Produced by the agent executor, consumed by the merge queue
// and the coordinator.
type AgentResult struct {
	ItemID   ItemID        `json:"item_id"`
	WorkerID WorkerID      `json:"worker_id"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// WorkspaceInfo is the identity triple of an isolated execution context.
// Branch is always derived deterministically from Name, so consumers can
// locate the corresponding state without a side lookup table.
type WorkspaceInfo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// MergeRequest asks the merge queue to fold a worker's branch into the
// accumulating parent branch. Consumed exactly once, in submission order.
type MergeRequest struct {
	WorkerID WorkerID          `json:"worker_id"`
	Branch   string            `json:"branch"`
	ItemID   ItemID            `json:"item_id"`
	Env      map[string]string `json:"env,omitempty"`
}

// JobConfig carries everything the coordinator needs to run one job.
type JobConfig struct {
	MaxParallel         int           `json:"max_parallel"`
	ItemTimeout         time.Duration `json:"item_timeout"`
	MapTimeout          time.Duration `json:"map_timeout,omitempty"`
	ReduceTimeout       time.Duration `json:"reduce_timeout,omitempty"`
	CheckpointRetention int           `json:"checkpoint_retention"`
	WorkspacePoolSize   int           `json:"workspace_pool_size"`
	ErrorPolicy         ErrorPolicy   `json:"error_policy"`
}

// Job binds an identifier to its configuration. One Job owns one JobState.
type Job struct {
	ID        JobID     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Config    JobConfig `json:"config"`
}

// ErrorPolicy configures how the policy engine reacts to item failures.
type ErrorPolicy struct {
	// OnFailure selects the terminal action once retries are exhausted:
	// "dlq", "skip" or "stop".
	OnFailure string `json:"on_failure"`

	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffConfig `json:"backoff"`

	// FailureRateThreshold aborts the whole job when the fraction of
	// failed items exceeds it (0 disables the check).
	FailureRateThreshold float64 `json:"failure_rate_threshold,omitempty"`

	// MaxFailures aborts the job after this many failed items
	// (0 disables the check).
	MaxFailures int `json:"max_failures,omitempty"`

	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty"`
}

// BackoffConfig parameterizes the retry delay curve.
type BackoffConfig struct {
	// Strategy is one of "fixed", "linear", "exponential", "fibonacci".
	Strategy   string        `json:"strategy"`
	Initial    time.Duration `json:"initial"`
	Increment  time.Duration `json:"increment,omitempty"`
	Multiplier float64       `json:"multiplier,omitempty"`
	Max        time.Duration `json:"max,omitempty"`
	Jitter     bool          `json:"jitter,omitempty"`
}

// CircuitBreakerConfig bounds sustained failure before fast-failing.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Cooldown         time.Duration `json:"cooldown"`
	HalfOpenRequests int           `json:"half_open_requests"`
}

// ErrorType classifies a failure for routing and later analysis.
type ErrorType string

const (
	ErrorTimeout           ErrorType = "timeout"
	ErrorCommandFailed     ErrorType = "command_failed"
	ErrorMergeConflict     ErrorType = "merge_conflict"
	ErrorWorkspace         ErrorType = "workspace"
	ErrorResourceExhausted ErrorType = "resource_exhausted"
	ErrorInfrastructure    ErrorType = "infrastructure"
	ErrorUnknown           ErrorType = "unknown"
)

// FailureDetail records a single failed attempt of a work item.
type FailureDetail struct {
	AttemptNumber    int       `json:"attempt_number"`
	Timestamp        time.Time `json:"timestamp"`
	ErrorType        ErrorType `json:"error_type"`
	ErrorMessage     string    `json:"error_message"`
	ContextTrail     []string  `json:"context_trail,omitempty"`
	DiagnosticLogRef string    `json:"diagnostic_log_ref,omitempty"`
	WorkerID         WorkerID  `json:"worker_id"`
	DurationMs       int64     `json:"duration_ms"`
}

// DeadLetteredItem is the durable record of an item that exhausted its
// retry policy. FailureHistory only ever grows; the item is removed when
// a later retry succeeds.
type DeadLetteredItem struct {
	ItemID             ItemID          `json:"item_id"`
	ItemData           map[string]any  `json:"item_data"`
	FirstAttempt       time.Time       `json:"first_attempt"`
	LastAttempt        time.Time       `json:"last_attempt"`
	FailureCount       int             `json:"failure_count"`
	FailureHistory     []FailureDetail `json:"failure_history"`
	ErrorSignature     string          `json:"error_signature"`
	ReprocessEligible  bool            `json:"reprocess_eligible"`
	ManualReviewNeeded bool            `json:"manual_review_required,omitempty"`
}
