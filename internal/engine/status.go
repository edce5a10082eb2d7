package engine

import (
	"path/filepath"
	"time"

	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/dlq"
	"github.com/loomctl/loom/internal/errtrail"
	"github.com/loomctl/loom/internal/jobstate"
	"github.com/loomctl/loom/internal/policy"
	"github.com/loomctl/loom/pkg/types"
)

// Status is a point-in-time report of a job's progress, suitable for both a
// live coordinator and a job read back from disk.
type Status struct {
	JobID types.JobID     `json:"job_id"`
	Phase types.JobPhase  `json:"phase"`
	Items jobstate.Counts `json:"items"`

	// Policy stats are only populated for a running job; a job read from
	// disk reports zero values here.
	FailureRate  float64             `json:"failure_rate"`
	BreakerState policy.BreakerState `json:"breaker_state,omitempty"`

	CheckpointVersion int       `json:"checkpoint_version"`
	LastCheckpointAt  time.Time `json:"last_checkpoint_at,omitempty"`
	DeadLettered      int       `json:"dead_lettered"`
}

// Status reports the live coordinator's progress.
func (c *Coordinator) Status() (Status, error) {
	st := c.store.Get()

	version := 0
	var at time.Time
	if cp, err := c.checkpoints.Load(); err == nil {
		version = cp.Version
		at = cp.CreatedAt
	}

	letters, err := c.deadLetters.List(dlq.Filter{})
	if err != nil {
		return Status{}, err
	}

	return Status{
		JobID:             st.JobID,
		Phase:             st.Phase,
		Items:             st.Counts(),
		FailureRate:       c.policy.Stats().FailureRate(),
		BreakerState:      c.policy.BreakerState(),
		CheckpointVersion: version,
		LastCheckpointAt:  at,
		DeadLettered:      len(letters),
	}, nil
}

// Inspect reads a job's status from disk without running it. Used for jobs
// that are stopped or owned by another process.
func Inspect(dataDir string, jobID types.JobID) (Status, error) {
	dir := jobDir(dataDir, jobID)

	mgr := checkpoint.NewManager(filepath.Join(dir, "checkpoints"), 0, nil)
	cp, err := mgr.Load()
	if err != nil {
		return Status{}, errtrail.Wrap(err, "loading status for job %s", jobID)
	}

	letters, err := dlq.NewStore(filepath.Join(dir, "dlq"), 0, nil).List(dlq.Filter{})
	if err != nil {
		return Status{}, err
	}

	return Status{
		JobID:             cp.State.JobID,
		Phase:             cp.State.Phase,
		Items:             cp.State.Counts(),
		CheckpointVersion: cp.Version,
		LastCheckpointAt:  cp.CreatedAt,
		DeadLettered:      len(letters),
	}, nil
}
