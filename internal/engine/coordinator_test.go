package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/dlq"
	"github.com/loomctl/loom/internal/jobstate"
	"github.com/loomctl/loom/internal/mergequeue"
	"github.com/loomctl/loom/internal/workspace"
	"github.com/loomctl/loom/pkg/types"
)

// scriptedExecutor fails items on demand: the first failFirst[id] attempts
// fail, failAll items never succeed, and blockAll parks every execution
// until its context is canceled.
type scriptedExecutor struct {
	mu        sync.Mutex
	failFirst map[types.ItemID]int
	failAll   map[types.ItemID]bool
	blockAll  bool
	attempts  map[types.ItemID]int
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		failFirst: map[types.ItemID]int{},
		failAll:   map[types.ItemID]bool{},
		attempts:  map[types.ItemID]int{},
	}
}

func (e *scriptedExecutor) Execute(ctx context.Context, item types.WorkItem, ws types.WorkspaceInfo) types.AgentResult {
	if e.blockAll {
		<-ctx.Done()
		return types.AgentResult{Success: false, Err: ctx.Err().Error()}
	}
	e.mu.Lock()
	e.attempts[item.ID]++
	n := e.attempts[item.ID]
	fail := e.failAll[item.ID] || n <= e.failFirst[item.ID]
	e.mu.Unlock()

	if fail {
		return types.AgentResult{Success: false, Err: "exit status 1", Output: "stderr: boom"}
	}
	return types.AgentResult{Success: true, Output: "ok"}
}

type recordingMerger struct {
	mu   sync.Mutex
	reqs []types.MergeRequest
}

func (m *recordingMerger) Merge(ctx context.Context, req types.MergeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	return nil
}

func (m *recordingMerger) requests() []types.MergeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.MergeRequest(nil), m.reqs...)
}

func makeItems(n int) []types.WorkItem {
	items := make([]types.WorkItem, n)
	for i := range items {
		items[i] = types.WorkItem{
			ID:      types.ItemID(fmt.Sprintf("item-%d", i+1)),
			Payload: map[string]any{"n": i + 1},
		}
	}
	return items
}

func testConfig() types.JobConfig {
	return types.JobConfig{
		MaxParallel:         3,
		ItemTimeout:         5 * time.Second,
		CheckpointRetention: 3,
		ErrorPolicy: types.ErrorPolicy{
			OnFailure:   "dlq",
			MaxAttempts: 2,
			Backoff:     types.BackoffConfig{Strategy: "fixed", Initial: time.Millisecond},
		},
	}
}

// flakyMerger fails the first failFirst[id] merges of an item.
type flakyMerger struct {
	mu        sync.Mutex
	failFirst map[types.ItemID]int
	calls     map[types.ItemID]int
}

func newFlakyMerger(failFirst map[types.ItemID]int) *flakyMerger {
	return &flakyMerger{failFirst: failFirst, calls: map[types.ItemID]int{}}
}

func (m *flakyMerger) Merge(ctx context.Context, req types.MergeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[req.ItemID]++
	if m.calls[req.ItemID] <= m.failFirst[req.ItemID] {
		return errors.New("push rejected")
	}
	return nil
}

func testOptions(t *testing.T, exec *scriptedExecutor, merger mergequeue.Merger, items []types.WorkItem) Options {
	t.Helper()
	return Options{
		Config:      testConfig(),
		Source:      staticSource(items),
		Executor:    exec,
		Provisioner: &workspace.DirProvisioner{Base: t.TempDir()},
		Merger:      merger,
		DataDir:     t.TempDir(),
	}
}

type staticSource []types.WorkItem

func (s staticSource) Load(ctx context.Context) ([]types.WorkItem, error) { return s, nil }

func TestJobRunsToCompletion(t *testing.T) {
	exec := newScriptedExecutor()
	merger := &recordingMerger{}
	opts := testOptions(t, exec, merger, makeItems(10))

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait())

	status, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, status.Phase)
	assert.Equal(t, 10, status.Items.Completed)
	assert.Zero(t, status.Items.Failed)
	assert.Zero(t, status.DeadLettered)

	// Every item merged, plus the final merge from the reduce phase.
	reqs := merger.requests()
	require.Len(t, reqs, 11)
	final := reqs[len(reqs)-1]
	assert.Equal(t, "true", final.Env["LOOM_FINAL_MERGE"])
}

func TestTransientFailureIsRetried(t *testing.T) {
	exec := newScriptedExecutor()
	exec.failFirst["item-2"] = 1

	merger := &recordingMerger{}
	opts := testOptions(t, exec, merger, makeItems(3))
	opts.Config.ErrorPolicy.MaxAttempts = 3

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait())

	status, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, 3, status.Items.Completed)
	assert.Zero(t, status.DeadLettered)
	assert.Equal(t, 2, exec.attempts["item-2"])
}

func TestExhaustedRetriesDeadLetterWithFullHistory(t *testing.T) {
	exec := newScriptedExecutor()
	exec.failAll["item-4"] = true

	merger := &recordingMerger{}
	opts := testOptions(t, exec, merger, makeItems(10))

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait())

	status, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, status.Phase)
	assert.Equal(t, 9, status.Items.Completed)
	assert.Equal(t, 1, status.Items.Failed)
	assert.Equal(t, 1, status.DeadLettered)

	store := dlq.NewStore(filepath.Join(opts.DataDir, "jobs", string(c.JobID()), "dlq"), 0, nil)
	entry, err := store.Inspect("item-4")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.FailureCount)
	require.Len(t, entry.FailureHistory, 2)
	assert.Equal(t, 1, entry.FailureHistory[0].AttemptNumber)
	assert.Equal(t, 2, entry.FailureHistory[1].AttemptNumber)
	assert.Equal(t, types.ErrorCommandFailed, entry.FailureHistory[0].ErrorType)
	assert.True(t, entry.ReprocessEligible)

	// Each attempt's captured output is preserved next to the record.
	ref := entry.FailureHistory[1].DiagnosticLogRef
	require.NotEmpty(t, ref)
	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, "stderr: boom", string(data))
}

func TestMergeFailureTrailReachesDeadLetters(t *testing.T) {
	exec := newScriptedExecutor()
	merger := newFlakyMerger(map[types.ItemID]int{"item-1": 2})
	opts := testOptions(t, exec, merger, makeItems(2))

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait())

	store := dlq.NewStore(filepath.Join(opts.DataDir, "jobs", string(c.JobID()), "dlq"), 0, nil)
	entry, err := store.Inspect("item-1")
	require.NoError(t, err)
	require.Len(t, entry.FailureHistory, 2)
	for _, detail := range entry.FailureHistory {
		assert.Equal(t, types.ErrorInfrastructure, detail.ErrorType)
		require.NotEmpty(t, detail.ContextTrail)
		assert.Contains(t, detail.ContextTrail[0], "merging branch")
	}
}

func TestJournalTruncatesPastFailedMerges(t *testing.T) {
	exec := newScriptedExecutor()
	merger := newFlakyMerger(map[types.ItemID]int{"item-2": 1})
	opts := testOptions(t, exec, merger, makeItems(3))

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait())

	status, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, 3, status.Items.Completed)

	// The failed merge record does not pin the reflected prefix: once the
	// retry lands, the final checkpoint truncates the journal.
	data, err := os.ReadFile(filepath.Join(opts.DataDir, "jobs", string(c.JobID()), "merges.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestStopPolicyAbortsJob(t *testing.T) {
	exec := newScriptedExecutor()
	exec.failAll["item-1"] = true

	merger := &recordingMerger{}
	opts := testOptions(t, exec, merger, makeItems(1))
	opts.Config.ErrorPolicy.OnFailure = "stop"
	opts.Config.ErrorPolicy.MaxAttempts = 1

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	err = c.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")

	status, statusErr := c.Status()
	require.NoError(t, statusErr)
	assert.Equal(t, types.PhaseFailed, status.Phase)
}

func TestCancelPreservesStateAndResumeFinishes(t *testing.T) {
	exec := newScriptedExecutor()
	exec.blockAll = true

	merger := &recordingMerger{}
	opts := testOptions(t, exec, merger, makeItems(4))

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		status, err := c.Status()
		return err == nil && status.Items.Active == 3
	}, 5*time.Second, 10*time.Millisecond)

	c.Cancel()
	err = c.Wait()
	assert.ErrorIs(t, err, ErrCanceled)

	// The interruption checkpoint keeps the job resumable.
	status, err := Inspect(opts.DataDir, c.JobID())
	require.NoError(t, err)
	assert.Equal(t, types.PhaseMapping, status.Phase)
	assert.Zero(t, status.Items.Completed)
	assert.Equal(t, 4, status.Items.Total)

	resumeOpts := opts
	resumeOpts.Executor = newScriptedExecutor()
	resumeOpts.Source = nil

	c2, err := Resume(context.Background(), resumeOpts, c.JobID(), ResumeOptions{})
	require.NoError(t, err)
	require.NoError(t, c2.Wait())

	status, err = c2.Status()
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, status.Phase)
	assert.Equal(t, 4, status.Items.Completed)
}

func TestResumeRejectsCompletedJob(t *testing.T) {
	exec := newScriptedExecutor()
	merger := &recordingMerger{}
	opts := testOptions(t, exec, merger, makeItems(2))

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait())

	_, err = Resume(context.Background(), opts, c.JobID(), ResumeOptions{})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestForceResumeOfFailedJob(t *testing.T) {
	exec := newScriptedExecutor()
	exec.failAll["item-1"] = true

	merger := &recordingMerger{}
	opts := testOptions(t, exec, merger, makeItems(3))
	opts.Config.ErrorPolicy.OnFailure = "stop"
	opts.Config.ErrorPolicy.MaxAttempts = 1

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.Error(t, c.Wait())

	_, err = Resume(context.Background(), opts, c.JobID(), ResumeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "force")

	resumeOpts := opts
	resumeOpts.Executor = newScriptedExecutor()
	resumeOpts.Config.ErrorPolicy.OnFailure = "dlq"

	c2, err := Resume(context.Background(), resumeOpts, c.JobID(), ResumeOptions{Force: true})
	require.NoError(t, err)
	require.NoError(t, c2.Wait())

	status, err := c2.Status()
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, status.Phase)
	// Terminally failed items stay failed across a forced resume.
	assert.Equal(t, 1, status.Items.Failed)
}

func TestReconcileJournalCompletesDurableMerges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "merges.jsonl")

	journal, err := checkpoint.OpenJournal(path)
	require.NoError(t, err)
	for _, rec := range []checkpoint.MergeRecord{
		{Seq: 1, ItemID: "a", Success: true},
		{Seq: 2, ItemID: "b", Success: true},
		{Seq: 3, ItemID: "c", Success: false, Error: "conflict"},
	} {
		require.NoError(t, journal.Append(rec))
	}
	require.NoError(t, journal.Close())

	state, err := jobstate.New("job-1", []types.WorkItem{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	require.NoError(t, err)
	state, err = state.BeginMapping()
	require.NoError(t, err)

	// Seq 1 is already reflected in the checkpoint; only seq 2 reconciles.
	state, reconciled, err := reconcileJournal(path, 1, state)
	require.NoError(t, err)
	assert.Equal(t, 1, reconciled)
	assert.Equal(t, []types.ItemID{"b"}, state.Completed)
	assert.Len(t, state.Pending, 2)
}

func TestRetryDeadLettersRunsSubJob(t *testing.T) {
	exec := newScriptedExecutor()
	exec.failAll["item-2"] = true

	merger := &recordingMerger{}
	opts := testOptions(t, exec, merger, makeItems(3))

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait())

	dlqDir := filepath.Join(opts.DataDir, "jobs", string(c.JobID()), "dlq")
	store := dlq.NewStore(dlqDir, 0, nil)
	letters, err := store.List(dlq.Filter{})
	require.NoError(t, err)
	require.Len(t, letters, 1)

	retryOpts := opts
	retryOpts.Executor = newScriptedExecutor()
	retryOpts.Source = nil
	retryOpts.JobID = ""

	c2, err := RetryDeadLetters(context.Background(), retryOpts, c.JobID())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(c2.JobID()), string(c.JobID())+"-retry-"))
	require.NoError(t, c2.Wait())

	// Once Wait returns the redeemed item is gone from the parent queue.
	letters, err = store.List(dlq.Filter{})
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestRetryDeadLettersWithEmptyQueue(t *testing.T) {
	exec := newScriptedExecutor()
	merger := &recordingMerger{}
	opts := testOptions(t, exec, merger, makeItems(1))

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Wait())

	_, err = RetryDeadLetters(context.Background(), opts, c.JobID())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reprocess-eligible")
}

func TestStartRejectsSecondHolder(t *testing.T) {
	exec := newScriptedExecutor()
	exec.blockAll = true
	merger := &recordingMerger{}
	opts := testOptions(t, exec, merger, makeItems(1))
	opts.JobID = "job-locked"

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer func() {
		c.Cancel()
		_ = c.Wait()
	}()

	c2, err := New(opts)
	require.NoError(t, err)
	err = c2.Start(context.Background())
	assert.ErrorIs(t, err, checkpoint.ErrLocked)
}
