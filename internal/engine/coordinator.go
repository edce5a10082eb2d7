// Package engine coordinates a parallel job end to end: it loads work items,
// dispatches them to isolated workers, funnels every result through the
// single-consumer merge loop, applies the error policy, checkpoints progress
// and drives the map -> reduce -> done state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/internal/aggregate"
	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/dlq"
	"github.com/loomctl/loom/internal/errtrail"
	"github.com/loomctl/loom/internal/jobstate"
	"github.com/loomctl/loom/internal/mergequeue"
	"github.com/loomctl/loom/internal/metrics"
	"github.com/loomctl/loom/internal/policy"
	"github.com/loomctl/loom/internal/source"
	"github.com/loomctl/loom/internal/worker"
	"github.com/loomctl/loom/internal/workspace"
	"github.com/loomctl/loom/pkg/types"
)

// ErrCanceled is the cause recorded when Cancel interrupts a job.
var ErrCanceled = errors.New("job canceled")

const dispatchTick = 50 * time.Millisecond

// Options wires a coordinator together. Source, Executor, Provisioner and
// Merger are required; the rest have working defaults.
type Options struct {
	JobID  types.JobID
	Config types.JobConfig

	Source      source.Source
	Executor    worker.Executor
	Provisioner workspace.Provisioner
	Merger      mergequeue.Merger
	Resolver    mergequeue.ConflictResolver
	// Reducer, when set, runs once in the root workspace after mapping.
	Reducer worker.Executor

	DataDir string
	// DLQDir overrides where dead-lettered items are stored; retry
	// sub-jobs point it at the parent job's queue so failure history
	// keeps accumulating in one place.
	DLQDir      string
	DLQCapacity int
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// Coordinator runs one job.
type Coordinator struct {
	job     types.Job
	cfg     types.JobConfig
	dir     string
	logger  *slog.Logger
	metrics *metrics.Collector

	store       *jobstate.Store
	policy      *policy.Engine
	workspaces  *workspace.Manager
	checkpoints *checkpoint.Manager
	journal     *checkpoint.Journal
	lock        *checkpoint.Lock
	deadLetters *dlq.Store
	queue       *mergequeue.Queue
	pool        *worker.Pool

	src      source.Source
	executor worker.Executor
	reducer  worker.Executor
	merger   mergequeue.Merger
	resolver mergequeue.ConflictResolver

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu sync.Mutex
	// appliedSeqs maps items to their durable merge sequence; reflected
	// tracks which of those the state store has caught up with.
	appliedSeqs map[types.ItemID]uint64
	reflected   map[uint64]bool
	// reflectedSeq is the highest sequence S such that every merge with
	// seq <= S is reflected in job state. Checkpoints record it; the
	// journal is truncated only once it matches the journal's tail.
	reflectedSeq uint64
	notBefore    map[types.ItemID]time.Time
	failures     map[types.ItemID][]types.FailureDetail
	summary      *runSummary

	dispatchStop chan struct{}
	doneCh       chan struct{}
	waitErr      error
	started      bool

	// onSettled runs after finalize and before Wait unblocks, so callers
	// that observe completion also observe its side effects.
	onSettled func()
}

// runSummary accumulates semigroup aggregates over completed items.
type runSummary struct {
	completed aggregate.Aggregate
	durations aggregate.Aggregate
	slowest   aggregate.Aggregate
	fastest   aggregate.Aggregate
	workers   aggregate.Aggregate
}

func (s *runSummary) add(res worker.Result) error {
	secs := res.Duration.Seconds()
	increments := []struct {
		dst *aggregate.Aggregate
		inc aggregate.Aggregate
	}{
		{&s.completed, aggregate.Count(1)},
		{&s.durations, aggregate.Sum(secs)},
		{&s.slowest, aggregate.Max(secs)},
		{&s.fastest, aggregate.Min(secs)},
		{&s.workers, aggregate.Unique(string(res.WorkerID))},
	}
	for _, step := range increments {
		if step.dst.Kind() == "" {
			*step.dst = step.inc
			continue
		}
		combined, err := step.dst.Combine(step.inc)
		if err != nil {
			return err
		}
		*step.dst = combined
	}
	return nil
}

func (s *runSummary) payload() map[string]any {
	out := map[string]any{}
	if s.completed.Kind() != "" {
		out["items_completed"] = s.completed.Finalize()
		out["total_duration_seconds"] = s.durations.Finalize()
		out["slowest_item_seconds"] = s.slowest.Finalize()
		out["fastest_item_seconds"] = s.fastest.Finalize()
		out["workers_used"] = s.workers.Finalize()
	}
	return out
}

// New assembles a coordinator for a fresh job. Nothing runs until Start.
func New(opts Options) (*Coordinator, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = types.JobID(uuid.NewString())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine", "job_id", jobID)

	cfg := opts.Config
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}

	dir := jobDir(opts.DataDir, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job dir: %w", err)
	}
	dlqDir := opts.DLQDir
	if dlqDir == "" {
		dlqDir = filepath.Join(dir, "dlq")
	}

	return &Coordinator{
		job:         types.Job{ID: jobID, CreatedAt: time.Now().UTC(), Config: cfg},
		cfg:         cfg,
		dir:         dir,
		logger:      logger,
		metrics:     opts.Metrics,
		policy:      policy.NewEngine(cfg.ErrorPolicy),
		workspaces:  workspace.NewManager(jobID, cfg.WorkspacePoolSize, opts.Provisioner, logger),
		checkpoints: checkpoint.NewManager(filepath.Join(dir, "checkpoints"), cfg.CheckpointRetention, logger),
		deadLetters: dlq.NewStore(dlqDir, opts.DLQCapacity, logger),
		src:         opts.Source,
		executor:    opts.Executor,
		reducer:     opts.Reducer,
		merger:      opts.Merger,
		resolver:    opts.Resolver,
		appliedSeqs: make(map[types.ItemID]uint64),
		reflected:   make(map[uint64]bool),
		notBefore:   make(map[types.ItemID]time.Time),
		failures:    make(map[types.ItemID][]types.FailureDetail),
		summary:     &runSummary{},
		doneCh:      make(chan struct{}),
	}, nil
}

func validateOptions(opts Options) error {
	switch {
	case opts.Source == nil:
		return errors.New("engine: Source is required")
	case opts.Executor == nil:
		return errors.New("engine: Executor is required")
	case opts.Provisioner == nil:
		return errors.New("engine: Provisioner is required")
	case opts.Merger == nil:
		return errors.New("engine: Merger is required")
	case opts.DataDir == "":
		return errors.New("engine: DataDir is required")
	}
	return nil
}

func jobDir(dataDir string, jobID types.JobID) string {
	return filepath.Join(dataDir, "jobs", string(jobID))
}

// JobID returns the job's identifier.
func (c *Coordinator) JobID() types.JobID { return c.job.ID }

// Start acquires the job lock, loads the items and launches the run. It
// returns once the job is underway; use Wait for the outcome.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.started {
		return errors.New("coordinator already started")
	}

	lock, err := checkpoint.AcquireLock(c.lockPath(), false)
	if err != nil {
		return errtrail.Wrap(err, "acquiring job lock for %s", c.job.ID)
	}
	c.lock = lock

	items, err := c.src.Load(ctx)
	if err != nil {
		lock.Release()
		return errtrail.Wrap(err, "loading work items for job %s", c.job.ID)
	}
	state, err := jobstate.New(c.job.ID, items)
	if err != nil {
		lock.Release()
		return errtrail.Wrap(err, "building job state for %s", c.job.ID)
	}
	state, err = state.BeginMapping()
	if err != nil {
		lock.Release()
		return err
	}
	c.store = jobstate.NewStore(state)

	if err := c.launch(ctx); err != nil {
		lock.Release()
		return err
	}
	c.logger.Info("job started", "items", len(items), "max_parallel", c.cfg.MaxParallel)
	return nil
}

// launch brings up workspaces, journal, merge queue and worker pool, then
// starts the run goroutine. The store must already be seeded.
func (c *Coordinator) launch(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancelCause(ctx)

	if err := c.workspaces.Init(c.ctx); err != nil {
		return err
	}

	journal, err := checkpoint.OpenJournal(c.journalPath())
	if err != nil {
		c.workspaces.Close(context.Background())
		return err
	}
	c.journal = journal
	// Everything in the journal is already reflected in the seeded state:
	// empty on a fresh start, reconciled by Resume otherwise. New merges
	// continue the sequence from here.
	c.reflectedSeq = journal.LastSeq()

	c.queue = mergequeue.New(c.merger, c.resolver, journal, c.onMergeApplied, c.logger)
	c.queue.Start()

	c.pool = worker.NewPool(c.ctx, c.cfg.MaxParallel*2+4,
		c.workspaces, c.executor, c.submitMerge, c.logger)
	if err := c.pool.Start(c.cfg.MaxParallel); err != nil {
		c.queue.Stop()
		c.workspaces.Close(context.Background())
		return err
	}

	c.dispatchStop = make(chan struct{})
	c.started = true
	go c.run()
	return nil
}

// submitMerge is the MergeFunc handed to workers; it times the request-reply
// round trip for the metrics histogram.
func (c *Coordinator) submitMerge(ctx context.Context, req types.MergeRequest) error {
	start := time.Now()
	err := c.queue.Submit(ctx, req)
	if c.metrics != nil {
		c.metrics.RecordMerge(time.Since(start).Seconds())
		if errors.Is(err, mergequeue.ErrMergeConflict) {
			c.metrics.RecordMergeConflict()
		}
	}
	return err
}

// onMergeApplied runs on the merge consumer goroutine for every durable
// outcome.
func (c *Coordinator) onMergeApplied(rec checkpoint.MergeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !rec.Success {
		// A failed merge changes no state, so its sequence is reflected
		// immediately; otherwise it would pin the prefix and the journal
		// could never be truncated again.
		c.reflected[rec.Seq] = true
		c.advanceReflectedLocked()
		return
	}
	c.appliedSeqs[rec.ItemID] = rec.Seq
}

func (c *Coordinator) run() {
	defer close(c.doneCh)

	err := c.mapPhase()
	if err == nil {
		err = c.reducePhase()
	}
	c.finalize(err)
	if c.onSettled != nil {
		c.onSettled()
	}
}

// mapPhase dispatches items and consumes results until every item is
// terminal or the run is interrupted.
func (c *Coordinator) mapPhase() error {
	if c.cfg.MapTimeout > 0 {
		timer := time.AfterFunc(c.cfg.MapTimeout, func() {
			c.cancel(fmt.Errorf("map phase exceeded %s", c.cfg.MapTimeout))
		})
		defer timer.Stop()
	}

	go c.dispatchLoop()
	defer close(c.dispatchStop)

	for !c.store.Get().MapDone() {
		select {
		case <-c.ctx.Done():
			return context.Cause(c.ctx)
		case res, ok := <-c.pool.Results():
			if !ok {
				return errors.New("worker pool closed unexpectedly")
			}
			c.handleResult(res)
		}
	}
	return nil
}

// dispatchLoop feeds pending items to the pool, respecting MaxParallel and
// per-item retry backoff. A coarse ticker keeps the pacing simple; retry
// readiness is re-evaluated on every tick.
func (c *Coordinator) dispatchLoop() {
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.dispatchStop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.dispatchReady()
		}
	}
}

func (c *Coordinator) dispatchReady() {
	for {
		st := c.store.Get()
		if st.Counts().Active >= c.cfg.MaxParallel {
			return
		}
		item, ok := c.nextReady(st)
		if !ok {
			return
		}

		var attempt int
		err := c.store.Apply(func(s jobstate.State) (jobstate.State, error) {
			ns, err := s.Dispatch(item.ID, "")
			if err == nil {
				attempt = ns.AttemptsFor(item.ID)
			}
			return ns, err
		})
		if err != nil {
			c.logger.Error("dispatch transition failed", "item_id", item.ID, "error", err)
			return
		}

		task := worker.Task{Item: item, Attempt: attempt, Timeout: c.cfg.ItemTimeout}
		if err := c.pool.Submit(task); err != nil {
			if !errors.Is(err, worker.ErrPoolClosed) {
				c.logger.Error("failed to submit task", "item_id", item.ID, "error", err)
			}
			return
		}
		if c.metrics != nil {
			c.metrics.RecordDispatch()
		}
		c.updateGauges()
	}
}

// nextReady picks the first pending item whose retry backoff has elapsed.
func (c *Coordinator) nextReady(st jobstate.State) (types.WorkItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, id := range st.Pending {
		if t, ok := c.notBefore[id]; ok && now.Before(t) {
			continue
		}
		return st.Items[id], true
	}
	return types.WorkItem{}, false
}

// handleResult routes one attempt outcome: success is recorded and
// checkpointed, failure goes through the policy engine. Runs on the single
// result-consuming goroutine, which is the only checkpoint trigger.
func (c *Coordinator) handleResult(res worker.Result) {
	if res.Success {
		if err := c.store.Apply(func(s jobstate.State) (jobstate.State, error) {
			return s.Complete(res.ItemID)
		}); err != nil {
			c.logger.Error("complete transition failed", "item_id", res.ItemID, "error", err)
			return
		}
		c.policy.RecordSuccess()
		c.reflect(res.ItemID)
		if err := c.summary.add(res); err != nil {
			c.logger.Warn("failed to fold result into summary", "error", err)
		}
		if c.metrics != nil {
			c.metrics.RecordCompleted(res.Duration.Seconds())
		}
		c.updateGauges()
		c.logger.Debug("item completed", "item_id", res.ItemID, "duration", res.Duration)
		c.checkpointNow()
		return
	}

	c.recordFailure(res)
	decision := c.policy.Decide(policy.Failure{
		ItemID:    res.ItemID,
		ErrorType: res.ErrorType,
		Err:       errors.New(res.Err),
		Attempt:   res.Attempt,
	})

	switch decision.Kind {
	case policy.KindRetry:
		c.mu.Lock()
		c.notBefore[res.ItemID] = time.Now().Add(decision.Backoff)
		c.mu.Unlock()
		if err := c.store.Apply(func(s jobstate.State) (jobstate.State, error) {
			return s.Requeue(res.ItemID)
		}); err != nil {
			c.logger.Error("requeue transition failed", "item_id", res.ItemID, "error", err)
		}
		if c.metrics != nil {
			c.metrics.RecordRetry()
		}
		c.logger.Warn("item will be retried",
			"item_id", res.ItemID, "attempt", res.Attempt, "backoff", decision.Backoff)

	case policy.KindSkip:
		c.failItem(res.ItemID)
		c.logger.Warn("item skipped after failure", "item_id", res.ItemID, "error", res.Err)
		c.checkpointNow()

	case policy.KindDeadLetter:
		c.failItem(res.ItemID)
		c.deadLetter(res)
		c.checkpointNow()

	case policy.KindAbortJob:
		c.failItem(res.ItemID)
		c.deadLetter(res)
		c.checkpointNow()
		c.logger.Error("aborting job", "reason", decision.Reason, "item_id", res.ItemID)
		c.cancel(fmt.Errorf("job aborted: %s", decision.Reason))
	}
	c.updateGauges()
}

// recordFailure captures the attempt in the item's failure history,
// including the error's operation trail and a reference to the attempt's
// captured output.
func (c *Coordinator) recordFailure(res worker.Result) {
	detail := dlq.NewFailureDetail(res.Attempt, res.ErrorType, res.Err, res.WorkerID, res.Duration)
	detail.ContextTrail = res.Trail
	if res.Output != "" {
		ref, err := c.writeDiagnosticLog(res)
		if err != nil {
			c.logger.Warn("failed to write diagnostic log", "item_id", res.ItemID, "error", err)
		} else {
			detail.DiagnosticLogRef = ref
		}
	}
	c.mu.Lock()
	c.failures[res.ItemID] = append(c.failures[res.ItemID], detail)
	c.mu.Unlock()
}

// writeDiagnosticLog persists the attempt's output under the job dir so DLQ
// records can reference it after the workspace is gone.
func (c *Coordinator) writeDiagnosticLog(res worker.Result) (string, error) {
	dir := filepath.Join(c.dir, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-attempt-%d.log", logName(res.ItemID), res.Attempt))
	if err := os.WriteFile(path, []byte(res.Output), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// logName keeps item-derived filenames inside the logs dir.
func logName(id types.ItemID) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, string(id))
}

func (c *Coordinator) failItem(itemID types.ItemID) {
	if err := c.store.Apply(func(s jobstate.State) (jobstate.State, error) {
		return s.Fail(itemID)
	}); err != nil {
		c.logger.Error("fail transition failed", "item_id", itemID, "error", err)
	}
}

// deadLetter writes the item's full attempt history to the DLQ.
func (c *Coordinator) deadLetter(res worker.Result) {
	st := c.store.Get()
	item := st.Items[res.ItemID]

	c.mu.Lock()
	history := c.failures[res.ItemID]
	c.mu.Unlock()

	for _, detail := range history {
		if err := c.deadLetters.Add(item, detail); err != nil {
			c.logger.Error("failed to dead-letter item", "item_id", res.ItemID, "error", err)
			return
		}
	}
	if c.metrics != nil {
		c.metrics.RecordDeadLettered()
	}
}

// reflect marks the item's merge sequence as represented in job state and
// advances the contiguous reflected prefix.
func (c *Coordinator) reflect(itemID types.ItemID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq, ok := c.appliedSeqs[itemID]
	if !ok {
		return
	}
	c.reflected[seq] = true
	c.advanceReflectedLocked()
}

func (c *Coordinator) advanceReflectedLocked() {
	for c.reflected[c.reflectedSeq+1] {
		delete(c.reflected, c.reflectedSeq+1)
		c.reflectedSeq++
	}
}

// checkpointNow snapshots the current state. The journal is truncated only
// when every durable merge outcome is already reflected in the snapshot;
// otherwise its tail records are what resume will reconcile from.
func (c *Coordinator) checkpointNow() {
	c.mu.Lock()
	reflectedSeq := c.reflectedSeq
	c.mu.Unlock()

	cp := checkpoint.Checkpoint{
		JobID:        c.job.ID,
		Config:       c.cfg,
		State:        c.store.Get(),
		LastMergeSeq: reflectedSeq,
	}
	if _, err := c.checkpoints.Save(cp); err != nil {
		c.logger.Error("checkpoint failed", "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.RecordCheckpoint()
	}
	if c.journal.LastSeq() == reflectedSeq {
		if err := c.journal.Truncate(); err != nil {
			c.logger.Warn("failed to truncate merge journal", "error", err)
		}
	}
}

// reducePhase folds the per-item aggregates, optionally runs the reducer in
// the root workspace, and performs the final merge.
func (c *Coordinator) reducePhase() error {
	if err := c.store.Apply(func(s jobstate.State) (jobstate.State, error) {
		if s.Phase == types.PhaseReducing {
			return s, nil
		}
		return s.BeginReducing()
	}); err != nil {
		return err
	}
	c.checkpointNow()

	summary := c.summary.payload()
	c.logger.Info("reduce phase started", "summary", summary)

	ctx := c.ctx
	if c.cfg.ReduceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ReduceTimeout)
		defer cancel()
	}

	root := c.workspaces.Root()
	if c.reducer != nil {
		item := types.WorkItem{ID: "reduce", Payload: summary}
		res := c.reducer.Execute(ctx, item, root)
		if !res.Success {
			return fmt.Errorf("reduce step failed: %s", res.Err)
		}
		c.logger.Info("reduce step completed", "duration", res.Duration)
	}

	// Final merge folds the accumulated root back into the originating
	// branch. Same Merger, sequenced after every item merge by phase order.
	final := types.MergeRequest{
		WorkerID: "reducer",
		ItemID:   "reduce",
		Branch:   root.Branch,
		Env:      map[string]string{"LOOM_FINAL_MERGE": "true"},
	}
	if err := c.merger.Merge(ctx, final); err != nil {
		return errtrail.Wrap(err, "final merge for job %s", c.job.ID)
	}
	return nil
}

// finalize settles terminal state, checkpoints it and releases resources.
func (c *Coordinator) finalize(runErr error) {
	c.pool.Stop()
	c.queue.Stop()

	canceled := errors.Is(runErr, ErrCanceled)
	if canceled {
		// Interrupted, not failed: keep the phase resumable. Items still
		// active stay active in the checkpoint and are requeued on resume.
		c.logger.Info("job canceled, state preserved for resume")
	} else {
		success := runErr == nil
		if err := c.store.Apply(func(s jobstate.State) (jobstate.State, error) {
			return s.Finish(success)
		}); err != nil {
			c.logger.Error("finish transition failed", "error", err)
		}
	}
	c.checkpointNow()

	c.workspaces.Close(context.Background())
	if err := c.journal.Close(); err != nil {
		c.logger.Warn("failed to close merge journal", "error", err)
	}
	if err := c.lock.Release(); err != nil {
		c.logger.Warn("failed to release job lock", "error", err)
	}

	c.waitErr = runErr
	st := c.store.Get()
	c.logger.Info("job finished",
		"phase", st.Phase,
		"completed", st.Counts().Completed,
		"failed", st.Counts().Failed,
		"error", runErr)
}

// Wait blocks until the run goroutine settles and returns its error.
func (c *Coordinator) Wait() error {
	<-c.doneCh
	return c.waitErr
}

// Cancel interrupts the job. Workers stop at the next safe point, enqueued
// merges are flushed, and the final checkpoint keeps interrupted items
// resumable.
func (c *Coordinator) Cancel() {
	c.cancel(ErrCanceled)
}

func (c *Coordinator) updateGauges() {
	if c.metrics == nil {
		return
	}
	counts := c.store.Get().Counts()
	c.metrics.UpdateItemStats(counts.Pending, counts.Active)
}

func (c *Coordinator) lockPath() string {
	return filepath.Join(c.dir, "resume.lock")
}

func (c *Coordinator) journalPath() string {
	return filepath.Join(c.dir, "merges.jsonl")
}
