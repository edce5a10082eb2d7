// Package mergequeue serializes the integration of worker results.
//
// Many workers finish concurrently but their branches must land one at a
// time, in submission order. A single consumer goroutine owns the parent
// branch: producers hand it a MergeRequest and block until the consumer
// replies, so no lock around the merge target is ever needed. Each applied
// merge receives a monotonically increasing sequence number and is written
// to the merge journal before the producer gets its answer, so an outcome
// the producer has seen is durable.
package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/pkg/types"
)

var (
	// ErrMergeConflict is returned by Merger implementations when branches
	// cannot be combined automatically.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrQueueClosed reports a Submit after Stop.
	ErrQueueClosed = errors.New("merge queue closed")
)

// Merger integrates one worker branch into the parent state.
type Merger interface {
	Merge(ctx context.Context, req types.MergeRequest) error
}

// ConflictResolver attempts to repair a conflicted merge. It is an external
// collaborator; the queue only sequences the calls.
type ConflictResolver interface {
	Resolve(ctx context.Context, req types.MergeRequest, cause error) error
}

// Applied notifies the owner of each durably recorded outcome, in order.
// The engine uses it to update job state and trigger checkpoints; it runs
// on the consumer goroutine, so it must not Submit.
type Applied func(rec checkpoint.MergeRecord)

// DefaultBuffer is the submission channel capacity.
const DefaultBuffer = 64

type submission struct {
	ctx   context.Context
	req   types.MergeRequest
	reply chan error
}

// Queue is the single-consumer merge processor.
type Queue struct {
	merger   Merger
	resolver ConflictResolver
	journal  *checkpoint.Journal
	applied  Applied
	logger   *slog.Logger

	requests chan submission
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	seq uint64
}

// New builds a queue. resolver and applied may be nil. Sequence numbering
// continues from the journal's last durable record.
func New(merger Merger, resolver ConflictResolver, journal *checkpoint.Journal, applied Applied, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		merger:   merger,
		resolver: resolver,
		journal:  journal,
		applied:  applied,
		logger:   logger.With("component", "mergequeue"),
		requests: make(chan submission, DefaultBuffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		seq:      journal.LastSeq(),
	}
}

// Start launches the consumer goroutine.
func (q *Queue) Start() {
	go q.consume()
}

// Submit enqueues req and blocks until the consumer has applied it and
// recorded the outcome. A nil return means the merge is durable; an
// ErrMergeConflict return means both the merge and its resolution failed
// and the caller should route the item to policy.
func (q *Queue) Submit(ctx context.Context, req types.MergeRequest) error {
	sub := submission{ctx: ctx, req: req, reply: make(chan error, 1)}
	select {
	case <-q.stopCh:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.requests <- sub:
	}

	select {
	case err := <-sub.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the consumer down. Requests already enqueued are flushed
// before Stop returns; later Submits fail with ErrQueueClosed. Producers
// must be stopped before the queue is.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	<-q.doneCh
}

func (q *Queue) consume() {
	defer close(q.doneCh)
	for {
		select {
		case sub := <-q.requests:
			q.handle(sub)
		case <-q.stopCh:
			for {
				select {
				case sub := <-q.requests:
					q.handle(sub)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) handle(sub submission) {
	err := q.merger.Merge(sub.ctx, sub.req)
	if errors.Is(err, ErrMergeConflict) && q.resolver != nil {
		q.logger.Warn("merge conflict, invoking resolver",
			"item_id", sub.req.ItemID, "branch", sub.req.Branch)
		if rerr := q.resolver.Resolve(sub.ctx, sub.req, err); rerr == nil {
			err = nil
		} else {
			err = fmt.Errorf("%w: resolution failed: %v", ErrMergeConflict, rerr)
		}
	}

	q.seq++
	rec := checkpoint.MergeRecord{
		Seq:     q.seq,
		ItemID:  sub.req.ItemID,
		Branch:  sub.req.Branch,
		Success: err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	if jerr := q.journal.Append(rec); jerr != nil {
		// Without a durable record the merge must not be confirmed.
		q.logger.Error("failed to journal merge outcome",
			"item_id", sub.req.ItemID, "seq", rec.Seq, "error", jerr)
		if err == nil {
			err = fmt.Errorf("merge applied but not recorded: %w", jerr)
		}
		sub.reply <- err
		return
	}

	if q.applied != nil {
		q.applied(rec)
	}
	sub.reply <- err
}
