package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/internal/engine"
	"github.com/loomctl/loom/pkg/types"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// writeTestConfig returns the config path and the data dir it points at.
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	cfgPath := filepath.Join(dir, "loom.yaml")
	writeTestFile(t, cfgPath, fmt.Sprintf(`
data_dir: %s
workspace_root: %s
log_level: error
job:
  max_parallel: 2
  item_timeout: 30s
  error_policy:
    max_attempts: 2
    backoff_initial: 10ms
`, dataDir, filepath.Join(dir, "ws")))
	return cfgPath, dataDir
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := BuildCLI()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestCommandTree(t *testing.T) {
	root := BuildCLI()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "resume", "status", "checkpoints", "dlq"} {
		assert.Contains(t, names, want)
	}
}

func TestRunRequiresItemsFlag(t *testing.T) {
	err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "items")
}

func TestStatusUnknownJob(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	err := execute(t, "status", "--config", cfgPath, "no-such-job")
	require.Error(t, err)
}

func TestRunAndStatusRoundTrip(t *testing.T) {
	cfgPath, dataDir := writeTestConfig(t)
	itemsPath := filepath.Join(t.TempDir(), "items.json")
	writeTestFile(t, itemsPath, `[
  {"id": "a", "cmd": "echo hello > a.txt"},
  {"id": "b", "cmd": "true"}
]`)

	err := execute(t, "run", "--config", cfgPath, "--items", itemsPath, "--job-id", "cli-test")
	require.NoError(t, err)

	status, err := engine.Inspect(dataDir, "cli-test")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, status.Phase)
	assert.Equal(t, 2, status.Items.Completed)

	require.NoError(t, execute(t, "status", "--config", cfgPath, "cli-test"))
	require.NoError(t, execute(t, "checkpoints", "list", "--config", cfgPath, "cli-test"))
}

func TestDLQListEmpty(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	require.NoError(t, execute(t, "dlq", "list", "--config", cfgPath, "some-job"))
}
