package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomctl/loom/internal/workspace"
	"github.com/loomctl/loom/pkg/types"
)

var (
	// ErrPoolClosed reports a Submit or ReceiveResult after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted reports a Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool manages the worker goroutines of one job.
type Pool struct {
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup

	baseCtx    context.Context
	workspaces *workspace.Manager
	executor   Executor
	merge      MergeFunc
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool builds a pool with buffered task and result channels. merge may
// be nil when results need no integration (dry runs, tests).
func NewPool(ctx context.Context, bufferSize int, ws *workspace.Manager, executor Executor, merge MergeFunc, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		taskCh:     make(chan Task, bufferSize),
		resultCh:   make(chan Result, bufferSize),
		stopCh:     make(chan struct{}),
		baseCtx:    ctx,
		workspaces: ws,
		executor:   executor,
		merge:      merge,
		logger:     logger.With("component", "worker"),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return fmt.Errorf("worker count must be positive, got %d", workerCount)
	}

	for i := 0; i < workerCount; i++ {
		w := &workerLoop{
			id:         workerID(i),
			taskCh:     p.taskCh,
			resultCh:   p.resultCh,
			stopCh:     p.stopCh,
			baseCtx:    p.baseCtx,
			workspaces: p.workspaces,
			executor:   p.executor,
			merge:      p.merge,
			logger:     p.logger,
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run()
		}()
	}

	p.started = true
	p.logger.Info("worker pool started", "workers", workerCount)
	return nil
}

// Submit queues a task for execution.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	p.taskCh <- task
	return nil
}

// ReceiveResult blocks until a result is available or the pool is drained
// after Stop.
func (p *Pool) ReceiveResult() (Result, error) {
	res, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return res, nil
}

// Results exposes the result channel for select-based consumers.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop closes intake, waits for in-flight tasks to finish, then closes the
// result channel.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.taskCh)
	p.wg.Wait()
	close(p.stopCh)
	close(p.resultCh)
	p.logger.Info("worker pool stopped")
}

func workerID(i int) types.WorkerID {
	return types.WorkerID(fmt.Sprintf("worker-%d", i))
}
