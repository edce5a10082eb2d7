// Package checkpoint persists job progress so an interrupted job can resume.
//
// Three pieces cooperate. The Manager writes versioned, immutable snapshot
// files with an atomic temp-then-rename protocol. The Journal records merge
// outcomes between checkpoints so resume can reconcile work that finished
// after the last snapshot. The Lock keeps two processes from resuming the
// same job at once.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loomctl/loom/internal/jobstate"
	"github.com/loomctl/loom/pkg/types"
)

// SchemaVersion is bumped on additive checkpoint format changes. Readers
// accept any file with a schema at or below their own.
const SchemaVersion = 1

// DefaultRetention is how many checkpoint files are kept per job.
const DefaultRetention = 3

var (
	// ErrNoCheckpoint reports that the job has no loadable checkpoint.
	ErrNoCheckpoint = errors.New("no checkpoint found")
	// ErrCorrupted reports an unreadable checkpoint file.
	ErrCorrupted = errors.New("checkpoint file is corrupted")
	// ErrIncompatibleSchema reports a checkpoint written by a newer release.
	ErrIncompatibleSchema = errors.New("checkpoint schema version is newer than this binary supports")
)

const latestPointer = "LATEST"

// Checkpoint is one immutable snapshot of a job.
type Checkpoint struct {
	SchemaVersion int             `json:"schema_version"`
	Version       int             `json:"version"`
	JobID         types.JobID     `json:"job_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Config        types.JobConfig `json:"config"`
	State         jobstate.State  `json:"state"`
	// LastMergeSeq is the sequence of the newest merge outcome this
	// checkpoint already reflects. Journal records at or below it are
	// ignored on resume.
	LastMergeSeq uint64 `json:"last_merge_seq"`
}

// Manager reads and writes the checkpoint files of one job.
type Manager struct {
	dir       string
	retention int
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewManager stores checkpoints under dir, pruning to the newest retention
// files after each save. retention <= 0 falls back to DefaultRetention.
func NewManager(dir string, retention int, logger *slog.Logger) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:       dir,
		retention: retention,
		logger:    logger.With("component", "checkpoint"),
	}
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string { return m.dir }

// Save writes cp as the next version. The sequence is: write the snapshot
// to a temp file, rename it into place, then update the latest pointer, then
// prune. A crash between any two steps leaves the previous checkpoint intact.
func (m *Manager) Save(cp Checkpoint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	version := m.newestVersionLocked() + 1
	cp.SchemaVersion = SchemaVersion
	cp.Version = version
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	path := m.pathFor(version)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return 0, fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	if err := m.writePointerLocked(version); err != nil {
		return 0, err
	}

	m.pruneLocked()
	m.logger.Info("checkpoint saved", "job_id", cp.JobID, "version", version)
	return version, nil
}

// Load returns the newest valid checkpoint. Corrupted files are skipped with
// a warning, falling back to the next-newest.
func (m *Manager) Load() (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.versionsLocked()
	if len(versions) == 0 {
		return Checkpoint{}, ErrNoCheckpoint
	}

	// Try the pointer's target first, then everything newest-first.
	if v := m.readPointerLocked(); v > 0 {
		ordered := make([]int, 0, len(versions)+1)
		ordered = append(ordered, v)
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i] != v {
				ordered = append(ordered, versions[i])
			}
		}
		versions = ordered
	} else {
		sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	}

	var lastErr error
	for _, v := range versions {
		cp, err := m.loadVersionLocked(v)
		if err == nil {
			return cp, nil
		}
		if errors.Is(err, ErrIncompatibleSchema) {
			return Checkpoint{}, err
		}
		m.logger.Warn("skipping unreadable checkpoint", "version", v, "error", err)
		lastErr = err
	}
	return Checkpoint{}, fmt.Errorf("%w: %v", ErrNoCheckpoint, lastErr)
}

// LoadVersion returns one specific checkpoint version.
func (m *Manager) LoadVersion(version int) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadVersionLocked(version)
}

// List returns the available checkpoint versions, oldest first.
func (m *Manager) List() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versionsLocked()
}

// Clean removes all but the newest keep checkpoints and returns how many
// files it deleted.
func (m *Manager) Clean(keep int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep < 1 {
		keep = 1
	}
	versions := m.versionsLocked()
	removed := 0
	for len(versions) > keep {
		if err := os.Remove(m.pathFor(versions[0])); err != nil {
			m.logger.Warn("failed to remove checkpoint", "version", versions[0], "error", err)
		} else {
			removed++
		}
		versions = versions[1:]
	}
	return removed
}

func (m *Manager) loadVersionLocked(version int) (Checkpoint, error) {
	data, err := os.ReadFile(m.pathFor(version))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, fmt.Errorf("%w: version %d", ErrNoCheckpoint, version)
		}
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if cp.SchemaVersion > SchemaVersion {
		return Checkpoint{}, fmt.Errorf("%w: got %d, support <= %d",
			ErrIncompatibleSchema, cp.SchemaVersion, SchemaVersion)
	}
	return cp, nil
}

func (m *Manager) pathFor(version int) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint-v%06d.json", version))
}

func (m *Manager) versionsLocked() []int {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var versions []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "checkpoint-v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint-v"), ".json"))
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

func (m *Manager) newestVersionLocked() int {
	versions := m.versionsLocked()
	if len(versions) == 0 {
		return 0
	}
	return versions[len(versions)-1]
}

func (m *Manager) writePointerLocked(version int) error {
	path := filepath.Join(m.dir, latestPointer)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(version)), 0644); err != nil {
		return fmt.Errorf("failed to write latest pointer: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename latest pointer: %w", err)
	}
	return nil
}

func (m *Manager) readPointerLocked() int {
	data, err := os.ReadFile(filepath.Join(m.dir, latestPointer))
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return v
}

func (m *Manager) pruneLocked() {
	versions := m.versionsLocked()
	for len(versions) > m.retention {
		if err := os.Remove(m.pathFor(versions[0])); err != nil {
			m.logger.Warn("failed to prune checkpoint", "version", versions[0], "error", err)
		}
		versions = versions[1:]
	}
}
