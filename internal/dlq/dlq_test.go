package dlq

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/types"
)

func detail(attempt int, et types.ErrorType, msg string, ts time.Time) types.FailureDetail {
	return types.FailureDetail{
		AttemptNumber: attempt,
		Timestamp:     ts,
		ErrorType:     et,
		ErrorMessage:  msg,
		WorkerID:      "worker-0",
	}
}

func TestAddAppendsHistory(t *testing.T) {
	s := NewStore(t.TempDir(), 0, nil)
	item := types.WorkItem{ID: "item-4", Payload: map[string]any{"cmd": "build"}}

	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Add(item, detail(1, types.ErrorTimeout, "deadline exceeded", t0)))
	require.NoError(t, s.Add(item, detail(2, types.ErrorCommandFailed, "exit status 1\nstderr...", t0.Add(time.Minute))))

	got, err := s.Inspect("item-4")
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailureCount)
	require.Len(t, got.FailureHistory, 2)
	assert.Equal(t, types.ErrorTimeout, got.FailureHistory[0].ErrorType)
	assert.Equal(t, t0, got.FirstAttempt)
	assert.Equal(t, t0.Add(time.Minute), got.LastAttempt)
	// Signature reflects the latest failure, first line only.
	assert.Equal(t, "command_failed: exit status 1", got.ErrorSignature)
	assert.Equal(t, "build", got.ItemData["cmd"])
}

func TestReprocessEligibility(t *testing.T) {
	s := NewStore(t.TempDir(), 0, nil)
	now := time.Now().UTC()

	require.NoError(t, s.Add(types.WorkItem{ID: "a"}, detail(1, types.ErrorTimeout, "slow", now)))
	require.NoError(t, s.Add(types.WorkItem{ID: "b"}, detail(1, types.ErrorMergeConflict, "conflict in f.go", now.Add(time.Second))))

	a, err := s.Inspect("a")
	require.NoError(t, err)
	assert.True(t, a.ReprocessEligible)
	assert.False(t, a.ManualReviewNeeded)

	b, err := s.Inspect("b")
	require.NoError(t, err)
	assert.False(t, b.ReprocessEligible)
	assert.True(t, b.ManualReviewNeeded)

	items, err := s.Reprocessable()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, types.ItemID("a"), items[0].ID)
}

func TestListFilters(t *testing.T) {
	s := NewStore(t.TempDir(), 0, nil)
	now := time.Now().UTC()

	require.NoError(t, s.Add(types.WorkItem{ID: "a"}, detail(1, types.ErrorTimeout, "", now)))
	require.NoError(t, s.Add(types.WorkItem{ID: "b"}, detail(1, types.ErrorCommandFailed, "", now.Add(time.Second))))
	require.NoError(t, s.Add(types.WorkItem{ID: "c"}, detail(1, types.ErrorMergeConflict, "", now.Add(2*time.Second))))

	all, err := s.List(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Oldest last-attempt first.
	assert.Equal(t, types.ItemID("a"), all[0].ItemID)

	timeouts, err := s.List(Filter{ErrorType: types.ErrorTimeout})
	require.NoError(t, err)
	require.Len(t, timeouts, 1)
	assert.Equal(t, types.ItemID("a"), timeouts[0].ItemID)

	eligible, err := s.List(Filter{EligibleOnly: true})
	require.NoError(t, err)
	assert.Len(t, eligible, 2)
}

func TestRemove(t *testing.T) {
	s := NewStore(t.TempDir(), 0, nil)
	require.NoError(t, s.Add(types.WorkItem{ID: "a"}, detail(1, types.ErrorTimeout, "", time.Now())))

	require.NoError(t, s.Remove("a"))
	_, err := s.Inspect("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Remove("a"), ErrNotFound)
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := NewStore(t.TempDir(), 2, nil)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		id := types.ItemID(fmt.Sprintf("item-%d", i))
		require.NoError(t, s.Add(types.WorkItem{ID: id}, detail(1, types.ErrorTimeout, "", base.Add(time.Duration(i)*time.Minute))))
	}

	all, err := s.List(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, types.ItemID("item-1"), all[0].ItemID)
	assert.Equal(t, types.ItemID("item-2"), all[1].ItemID)
}

func TestSanitizedItemIDs(t *testing.T) {
	s := NewStore(t.TempDir(), 0, nil)
	id := types.ItemID("src/pkg:main")
	require.NoError(t, s.Add(types.WorkItem{ID: id}, detail(1, types.ErrorTimeout, "", time.Now())))

	got, err := s.Inspect(id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ItemID)
}
