package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/dlq"
	"github.com/loomctl/loom/internal/errtrail"
	"github.com/loomctl/loom/internal/jobstate"
	"github.com/loomctl/loom/internal/source"
	"github.com/loomctl/loom/pkg/types"
)

// ErrAlreadyCompleted reports a resume attempt on a finished job.
var ErrAlreadyCompleted = errors.New("job already completed")

// ResumeOptions tune how an interrupted job is picked up.
type ResumeOptions struct {
	// Force overrides a held resume lock and allows resuming a job in the
	// failed phase.
	Force bool
	// MaxParallel overrides the checkpointed worker count when positive.
	MaxParallel int
	// MaxAdditionalRetries extends MaxAttempts for items that still have
	// retries ahead of them.
	MaxAdditionalRetries int
	// FromCheckpoint pins a specific checkpoint version; 0 means newest.
	FromCheckpoint int
}

// Resume rebuilds a coordinator from the job's newest (or pinned) checkpoint
// and continues the run. Merge outcomes journaled after the checkpoint are
// reconciled first; items that were mid-execution are requeued.
func Resume(ctx context.Context, opts Options, jobID types.JobID, ro ResumeOptions) (*Coordinator, error) {
	if jobID == "" {
		return nil, errors.New("engine: job id is required for resume")
	}
	dir := jobDir(opts.DataDir, jobID)

	cpMgr := checkpoint.NewManager(filepath.Join(dir, "checkpoints"), 0, opts.Logger)
	var cp checkpoint.Checkpoint
	var err error
	if ro.FromCheckpoint > 0 {
		cp, err = cpMgr.LoadVersion(ro.FromCheckpoint)
	} else {
		cp, err = cpMgr.Load()
	}
	if err != nil {
		return nil, errtrail.Wrap(err, "loading checkpoint for job %s", jobID)
	}

	state := cp.State
	switch state.Phase {
	case types.PhaseCompleted:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, jobID)
	case types.PhaseFailed:
		if !ro.Force {
			return nil, fmt.Errorf("job %s ended in failure; resume with force to continue it", jobID)
		}
		// Reopen for the remaining pending and interrupted items; items
		// already failed terminally stay failed.
		state.Phase = types.PhaseMapping
	}

	cfg := cp.Config
	if ro.MaxParallel > 0 {
		cfg.MaxParallel = ro.MaxParallel
	}
	if ro.MaxAdditionalRetries > 0 {
		cfg.ErrorPolicy.MaxAttempts += ro.MaxAdditionalRetries
	}

	opts.JobID = jobID
	opts.Config = cfg
	if opts.Source == nil {
		// Items are already in the checkpointed state.
		opts.Source = source.Static(nil)
	}

	c, err := New(opts)
	if err != nil {
		return nil, err
	}

	lock, err := checkpoint.AcquireLock(c.lockPath(), ro.Force)
	if err != nil {
		return nil, errtrail.Wrap(err, "acquiring resume lock for %s", jobID)
	}
	c.lock = lock

	state, reconciled, err := reconcileJournal(c.journalPath(), cp.LastMergeSeq, state)
	if err != nil {
		lock.Release()
		return nil, errtrail.Wrap(err, "reconciling merge journal for %s", jobID)
	}

	// Whatever was mid-execution at the interruption runs again.
	requeued := state.Counts().Active
	state = state.RequeueAllActive()
	c.store = jobstate.NewStore(state)

	if err := c.launch(ctx); err != nil {
		lock.Release()
		return nil, err
	}
	c.logger.Info("job resumed",
		"checkpoint_version", cp.Version,
		"reconciled_merges", reconciled,
		"requeued_items", requeued,
		"pending", state.Counts().Pending)
	return c, nil
}

// reconcileJournal applies merge outcomes recorded after the checkpoint:
// a successful merge means the item's work is already in the parent state,
// so the item is completed rather than re-run. Failed merge records carry
// no state change; those items retry normally.
func reconcileJournal(path string, lastSeq uint64, state jobstate.State) (jobstate.State, int, error) {
	journal, err := checkpoint.OpenJournal(path)
	if err != nil {
		return state, 0, err
	}
	defer journal.Close()

	reconciled := 0
	err = journal.Replay(func(rec checkpoint.MergeRecord) error {
		if rec.Seq <= lastSeq || !rec.Success {
			return nil
		}
		next, err := state.ForceComplete(rec.ItemID)
		if err != nil {
			// Already terminal in the checkpoint; nothing to reconcile.
			return nil
		}
		state = next
		reconciled++
		return nil
	})
	return state, reconciled, err
}

// RetryJobID derives a fresh sub-job identifier for retrying jobID's
// dead-lettered items.
func RetryJobID(jobID types.JobID) types.JobID {
	return types.JobID(fmt.Sprintf("%s-retry-%s", jobID, uuid.NewString()[:8]))
}

// RetryDeadLetters runs the job's reprocess-eligible dead-lettered items as
// a fresh bounded sub-job. Items that succeed are removed from the queue;
// new failures append to their existing history.
func RetryDeadLetters(ctx context.Context, opts Options, jobID types.JobID) (*Coordinator, error) {
	dlqDir := filepath.Join(jobDir(opts.DataDir, jobID), "dlq")
	store := dlq.NewStore(dlqDir, opts.DLQCapacity, opts.Logger)

	items, err := store.Reprocessable()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("job %s has no reprocess-eligible dead-lettered items", jobID)
	}

	if opts.JobID == "" {
		opts.JobID = RetryJobID(jobID)
	}
	opts.Source = source.Static(items)
	opts.DLQDir = dlqDir

	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	// Clear redeemed items when the sub-job settles, before Wait returns:
	// a caller that has seen the sub-job finish must also see the parent
	// queue updated.
	c.onSettled = func() {
		for _, id := range c.store.Get().Completed {
			if err := store.Remove(id); err != nil {
				c.logger.Warn("failed to remove redeemed dlq item", "item_id", id, "error", err)
			}
		}
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
