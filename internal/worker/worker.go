// Package worker runs work items concurrently in isolated workspaces.
//
// A fixed-size pool of goroutines pulls tasks from a shared channel. Each
// worker acquires a workspace, runs the executor under the per-item timeout,
// hands the workspace branch to the merge queue, releases the workspace and
// reports a result. The pool knows nothing about retries or policy; it just
// executes what it is given and reports what happened.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loomctl/loom/internal/errtrail"
	"github.com/loomctl/loom/internal/mergequeue"
	"github.com/loomctl/loom/internal/workspace"
	"github.com/loomctl/loom/pkg/types"
)

// Task is one dispatched execution attempt.
type Task struct {
	Item    types.WorkItem
	Attempt int
	Timeout time.Duration
}

// Result is the outcome of one attempt, classified for the policy engine.
type Result struct {
	types.AgentResult
	Attempt   int
	ErrorType types.ErrorType
	// Trail is the operation context of a structured failure, outermost
	// first. Empty when the executor reported a bare failure string.
	Trail []string
}

// Executor runs one work item inside a workspace. Implementations decide
// what a payload means; the pool is agnostic.
type Executor interface {
	Execute(ctx context.Context, item types.WorkItem, ws types.WorkspaceInfo) types.AgentResult
}

// MergeFunc submits a finished branch for integration, blocking until the
// outcome is durable. Wired to the merge queue's Submit.
type MergeFunc func(ctx context.Context, req types.MergeRequest) error

type workerLoop struct {
	id       types.WorkerID
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}

	baseCtx    context.Context
	workspaces *workspace.Manager
	executor   Executor
	merge      MergeFunc
	logger     *slog.Logger
}

func (w *workerLoop) run() {
	for task := range w.taskCh {
		res := w.process(task)
		select {
		case w.resultCh <- res:
		case <-w.stopCh:
			return
		}
	}
}

func (w *workerLoop) process(task Task) Result {
	start := time.Now()
	fail := func(et types.ErrorType, err error) Result {
		return Result{
			AgentResult: types.AgentResult{
				ItemID:   task.Item.ID,
				WorkerID: w.id,
				Success:  false,
				Err:      err.Error(),
				Duration: time.Since(start),
			},
			Attempt:   task.Attempt,
			ErrorType: et,
			Trail:     errtrail.Trail(err),
		}
	}

	ws, err := w.workspaces.Acquire(w.baseCtx)
	if err != nil {
		return fail(types.ErrorWorkspace, errtrail.Wrap(err, "acquiring workspace for item %s", task.Item.ID))
	}
	defer w.workspaces.Release(w.baseCtx, ws)

	ctx := w.baseCtx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	w.logger.Debug("executing item",
		"item_id", task.Item.ID, "attempt", task.Attempt, "workspace", ws.Name)
	agentRes := w.executor.Execute(ctx, task.Item, ws)
	agentRes.ItemID = task.Item.ID
	agentRes.WorkerID = w.id
	if agentRes.Duration == 0 {
		agentRes.Duration = time.Since(start)
	}

	if !agentRes.Success {
		return Result{
			AgentResult: agentRes,
			Attempt:     task.Attempt,
			ErrorType:   classify(ctx, agentRes.Err),
		}
	}

	if w.merge != nil {
		req := types.MergeRequest{
			WorkerID: w.id,
			Branch:   ws.Branch,
			ItemID:   task.Item.ID,
		}
		// Merge under the base context: a finished item's integration
		// should not be cut short by the item timeout.
		if err := w.merge(w.baseCtx, req); err != nil {
			et := types.ErrorInfrastructure
			if errors.Is(err, mergequeue.ErrMergeConflict) {
				et = types.ErrorMergeConflict
			}
			return fail(et, errtrail.Wrap(err, "merging branch %s", ws.Branch))
		}
	}

	return Result{AgentResult: agentRes, Attempt: task.Attempt}
}

// classify maps an attempt failure onto the policy taxonomy.
func classify(ctx context.Context, errMsg string) types.ErrorType {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.ErrorTimeout
	}
	switch {
	case strings.Contains(errMsg, "deadline exceeded"):
		return types.ErrorTimeout
	case strings.Contains(errMsg, "resource temporarily unavailable"),
		strings.Contains(errMsg, "too many open files"):
		return types.ErrorResourceExhausted
	default:
		return types.ErrorCommandFailed
	}
}
