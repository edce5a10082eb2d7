package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/pkg/types"
)

// recordingMerger logs the order requests are applied in.
type recordingMerger struct {
	mu      sync.Mutex
	applied []types.ItemID
	fail    map[types.ItemID]error
}

func (m *recordingMerger) Merge(ctx context.Context, req types.MergeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[req.ItemID]; ok {
		return err
	}
	m.applied = append(m.applied, req.ItemID)
	return nil
}

type stubResolver struct {
	err   error
	calls int
}

func (r *stubResolver) Resolve(ctx context.Context, req types.MergeRequest, cause error) error {
	r.calls++
	return r.err
}

func testJournal(t *testing.T) *checkpoint.Journal {
	t.Helper()
	j, err := checkpoint.OpenJournal(filepath.Join(t.TempDir(), "merges.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func req(id string) types.MergeRequest {
	return types.MergeRequest{
		WorkerID: "worker-0",
		ItemID:   types.ItemID(id),
		Branch:   "loom/job-1-agent-1",
	}
}

func TestSubmitAppliesAndJournals(t *testing.T) {
	merger := &recordingMerger{}
	journal := testJournal(t)

	var seen []checkpoint.MergeRecord
	q := New(merger, nil, journal, func(rec checkpoint.MergeRecord) {
		seen = append(seen, rec)
	}, nil)
	q.Start()

	require.NoError(t, q.Submit(context.Background(), req("a")))
	require.NoError(t, q.Submit(context.Background(), req("b")))
	q.Stop()

	assert.Equal(t, []types.ItemID{"a", "b"}, merger.applied)
	require.Len(t, seen, 2)
	assert.Equal(t, uint64(1), seen[0].Seq)
	assert.Equal(t, uint64(2), seen[1].Seq)
	assert.True(t, seen[1].Success)
	assert.Equal(t, uint64(2), journal.LastSeq())
}

func TestConcurrentSubmitsAreSerialized(t *testing.T) {
	merger := &recordingMerger{}
	journal := testJournal(t)
	q := New(merger, nil, journal, nil, nil)
	q.Start()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, q.Submit(context.Background(), req(fmt.Sprintf("item-%d", i))))
		}(i)
	}
	wg.Wait()
	q.Stop()

	// All applied, each exactly once, and the journal saw every outcome.
	assert.Len(t, merger.applied, n)
	assert.Equal(t, uint64(n), journal.LastSeq())
}

func TestConflictResolvedByResolver(t *testing.T) {
	merger := &recordingMerger{fail: map[types.ItemID]error{"a": ErrMergeConflict}}
	resolver := &stubResolver{}
	journal := testJournal(t)
	q := New(merger, resolver, journal, nil, nil)
	q.Start()
	defer q.Stop()

	require.NoError(t, q.Submit(context.Background(), req("a")))
	assert.Equal(t, 1, resolver.calls)
}

func TestConflictResolutionFailure(t *testing.T) {
	merger := &recordingMerger{fail: map[types.ItemID]error{"a": ErrMergeConflict}}
	resolver := &stubResolver{err: errors.New("still conflicted")}
	journal := testJournal(t)

	var seen []checkpoint.MergeRecord
	q := New(merger, resolver, journal, func(rec checkpoint.MergeRecord) {
		seen = append(seen, rec)
	}, nil)
	q.Start()

	err := q.Submit(context.Background(), req("a"))
	q.Stop()

	assert.ErrorIs(t, err, ErrMergeConflict)
	require.Len(t, seen, 1)
	assert.False(t, seen[0].Success)
	assert.Contains(t, seen[0].Error, "still conflicted")
}

func TestNonConflictErrorSkipsResolver(t *testing.T) {
	boom := errors.New("io failure")
	merger := &recordingMerger{fail: map[types.ItemID]error{"a": boom}}
	resolver := &stubResolver{}
	journal := testJournal(t)
	q := New(merger, resolver, journal, nil, nil)
	q.Start()
	defer q.Stop()

	err := q.Submit(context.Background(), req("a"))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, resolver.calls)
}

func TestSubmitAfterStop(t *testing.T) {
	q := New(&recordingMerger{}, nil, testJournal(t), nil, nil)
	q.Start()
	q.Stop()

	err := q.Submit(context.Background(), req("a"))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestSequenceContinuesFromJournal(t *testing.T) {
	journal := testJournal(t)
	require.NoError(t, journal.Append(checkpoint.MergeRecord{Seq: 3, ItemID: "old", Success: true}))

	var seen []checkpoint.MergeRecord
	q := New(&recordingMerger{}, nil, journal, func(rec checkpoint.MergeRecord) {
		seen = append(seen, rec)
	}, nil)
	q.Start()
	require.NoError(t, q.Submit(context.Background(), req("a")))
	q.Stop()

	require.Len(t, seen, 1)
	assert.Equal(t, uint64(4), seen[0].Seq)
}
