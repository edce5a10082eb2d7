package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/jobstate"
	"github.com/loomctl/loom/pkg/types"
)

func testState(t *testing.T) jobstate.State {
	t.Helper()
	s, err := jobstate.New("job-1", []types.WorkItem{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	s, err = s.BeginMapping()
	require.NoError(t, err)
	return s
}

func testCheckpoint(t *testing.T) Checkpoint {
	return Checkpoint{JobID: "job-1", State: testState(t)}
}

func TestSaveAssignsIncreasingVersions(t *testing.T) {
	m := NewManager(t.TempDir(), 0, nil)

	v1, err := m.Save(testCheckpoint(t))
	require.NoError(t, err)
	v2, err := m.Save(testCheckpoint(t))
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
	assert.FileExists(t, filepath.Join(m.Dir(), "checkpoint-v000002.json"))
}

func TestLoadReturnsNewest(t *testing.T) {
	m := NewManager(t.TempDir(), 0, nil)

	cp := testCheckpoint(t)
	cp.LastMergeSeq = 1
	_, err := m.Save(cp)
	require.NoError(t, err)
	cp.LastMergeSeq = 2
	_, err = m.Save(cp)
	require.NoError(t, err)

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, uint64(2), got.LastMergeSeq)
	assert.Equal(t, types.PhaseMapping, got.State.Phase)
}

func TestLoadWithNoCheckpoints(t *testing.T) {
	m := NewManager(t.TempDir(), 0, nil)
	_, err := m.Load()
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestLoadFallsBackPastCorruption(t *testing.T) {
	m := NewManager(t.TempDir(), 0, nil)

	cp := testCheckpoint(t)
	cp.LastMergeSeq = 7
	_, err := m.Save(cp)
	require.NoError(t, err)
	_, err = m.Save(testCheckpoint(t))
	require.NoError(t, err)

	// Corrupt the newest file; load should fall back to v1.
	require.NoError(t, os.WriteFile(
		filepath.Join(m.Dir(), "checkpoint-v000002.json"), []byte("{garbage"), 0644))

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, uint64(7), got.LastMergeSeq)
}

func TestLoadRejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0, nil)
	content := `{"schema_version": 99, "version": 1}`
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "checkpoint-v000001.json"), []byte(content), 0644))

	_, err := m.Load()
	assert.ErrorIs(t, err, ErrIncompatibleSchema)
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0, nil)
	content := `{"schema_version": 1, "version": 1, "job_id": "job-1", "future_field": true}`
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "checkpoint-v000001.json"), []byte(content), 0644))

	got, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, types.JobID("job-1"), got.JobID)
}

func TestRetentionPrunesOldest(t *testing.T) {
	m := NewManager(t.TempDir(), 2, nil)

	for i := 0; i < 4; i++ {
		_, err := m.Save(testCheckpoint(t))
		require.NoError(t, err)
	}

	assert.Equal(t, []int{3, 4}, m.List())
	// Versions keep climbing even after pruning.
	v, err := m.Save(testCheckpoint(t))
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestLoadVersionPin(t *testing.T) {
	m := NewManager(t.TempDir(), 0, nil)
	cp := testCheckpoint(t)
	cp.LastMergeSeq = 1
	_, err := m.Save(cp)
	require.NoError(t, err)
	_, err = m.Save(testCheckpoint(t))
	require.NoError(t, err)

	got, err := m.LoadVersion(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.LastMergeSeq)

	_, err = m.LoadVersion(9)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestClean(t *testing.T) {
	m := NewManager(t.TempDir(), 10, nil)
	for i := 0; i < 3; i++ {
		_, err := m.Save(testCheckpoint(t))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, m.Clean(1))
	assert.Equal(t, []int{3}, m.List())
}
