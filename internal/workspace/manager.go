// Package workspace allocates and reclaims isolated execution contexts.
//
// Every job gets one root workspace (hosting setup and reduce-phase work)
// and one child workspace per active worker, branched from the root. The
// manager prefers a pre-warmed pool and falls back to direct creation with
// a deterministic, inspectable name when the pool is exhausted. Callers
// never need to know which strategy produced a workspace: identity is the
// single WorkspaceInfo value type, and branch names always derive from the
// workspace name through one naming function.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/loomctl/loom/internal/errtrail"
	"github.com/loomctl/loom/pkg/types"
)

// BranchPrefix prefixes every workspace branch so consumers can locate a
// workspace's branch from its name alone.
const BranchPrefix = "loom/"

// ErrPoolExhausted reports that no workspace could be acquired right now.
// It is retryable: the caller should back off and try again rather than
// fail the job.
var ErrPoolExhausted = errors.New("workspace pool exhausted")

// BranchFor derives the branch name for a workspace name. Both allocation
// strategies go through this one function.
func BranchFor(name string) string {
	return BranchPrefix + name
}

// Provisioner creates and destroys the underlying isolated contexts.
// The production implementation wraps git worktree management; it is an
// external collaborator and kept behind this boundary.
type Provisioner interface {
	// Provision materializes a workspace and returns its filesystem path.
	// parentBranch is the branch the new workspace branches from; empty
	// for the job root.
	Provision(ctx context.Context, name, branch, parentBranch string) (string, error)
	// Destroy reclaims a workspace's resources.
	Destroy(ctx context.Context, ws types.WorkspaceInfo) error
}

// DirProvisioner is the built-in Provisioner backed by plain directories
// under a base path. It is sufficient for executors that only need an
// isolated working directory, and for tests.
type DirProvisioner struct {
	Base string
}

// Provision creates the workspace directory.
func (d *DirProvisioner) Provision(ctx context.Context, name, branch, parentBranch string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(d.Base, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace dir: %w", err)
	}
	return path, nil
}

// Destroy removes the workspace directory.
func (d *DirProvisioner) Destroy(ctx context.Context, ws types.WorkspaceInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(ws.Path)
}

// Manager hands out workspaces for one job.
type Manager struct {
	jobID       types.JobID
	provisioner Provisioner
	logger      *slog.Logger

	poolSize int
	pool     chan types.WorkspaceInfo
	seq      atomic.Int64

	mu     sync.Mutex
	root   *types.WorkspaceInfo
	closed bool
}

// NewManager builds a manager for jobID with a pre-warmed pool of poolSize
// workspaces. poolSize 0 disables pooling; every acquire then creates
// directly.
func NewManager(jobID types.JobID, poolSize int, prov Provisioner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if poolSize < 0 {
		poolSize = 0
	}
	return &Manager{
		jobID:       jobID,
		provisioner: prov,
		logger:      logger.With("component", "workspace"),
		poolSize:    poolSize,
		pool:        make(chan types.WorkspaceInfo, max(poolSize, 1)),
	}
}

// Init creates the job's root workspace and pre-warms the pool. Pool warmup
// failures degrade to direct creation instead of failing the job.
func (m *Manager) Init(ctx context.Context) error {
	rootName := fmt.Sprintf("%s-root", m.jobID)
	root, err := m.create(ctx, rootName, "")
	if err != nil {
		return errtrail.Wrap(err, "creating root workspace for job %s", m.jobID)
	}

	m.mu.Lock()
	m.root = &root
	m.mu.Unlock()

	for i := 0; i < m.poolSize; i++ {
		name := fmt.Sprintf("%s-pool-%d", m.jobID, i)
		ws, err := m.create(ctx, name, root.Branch)
		if err != nil {
			m.logger.Warn("pool warmup failed, will fall back to direct creation",
				"workspace", name, "error", err)
			continue
		}
		m.pool <- ws
	}
	return nil
}

// Root returns the job's root workspace. Init must have succeeded.
func (m *Manager) Root() types.WorkspaceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return types.WorkspaceInfo{}
	}
	return *m.root
}

// Acquire returns an isolated workspace, preferring the pool. On pool
// exhaustion it creates one directly, named <job>-agent-<seq>. Failures
// are wrapped as retryable ErrPoolExhausted rather than job-fatal errors.
func (m *Manager) Acquire(ctx context.Context) (types.WorkspaceInfo, error) {
	select {
	case ws := <-m.pool:
		m.logger.Debug("acquired pooled workspace", "workspace", ws.Name)
		return ws, nil
	default:
	}

	name := fmt.Sprintf("%s-agent-%d", m.jobID, m.seq.Add(1))
	ws, err := m.create(ctx, name, m.Root().Branch)
	if err != nil {
		return types.WorkspaceInfo{}, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}
	m.logger.Debug("created workspace directly", "workspace", ws.Name)
	return ws, nil
}

// Release returns a workspace to the pool, or destroys it when the pool is
// full or the manager is closed.
func (m *Manager) Release(ctx context.Context, ws types.WorkspaceInfo) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	if !closed {
		select {
		case m.pool <- ws:
			return
		default:
		}
	}
	if err := m.provisioner.Destroy(ctx, ws); err != nil {
		m.logger.Warn("failed to destroy workspace", "workspace", ws.Name, "error", err)
	}
}

// Close destroys pooled workspaces and the root. Outstanding acquired
// workspaces are destroyed as they are released.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	root := m.root
	m.root = nil
	m.mu.Unlock()

	for {
		select {
		case ws := <-m.pool:
			if err := m.provisioner.Destroy(ctx, ws); err != nil {
				m.logger.Warn("failed to destroy pooled workspace", "workspace", ws.Name, "error", err)
			}
		default:
			if root != nil {
				if err := m.provisioner.Destroy(ctx, *root); err != nil {
					m.logger.Warn("failed to destroy root workspace", "error", err)
				}
			}
			return
		}
	}
}

func (m *Manager) create(ctx context.Context, name, parentBranch string) (types.WorkspaceInfo, error) {
	branch := BranchFor(name)
	path, err := m.provisioner.Provision(ctx, name, branch, parentBranch)
	if err != nil {
		return types.WorkspaceInfo{}, err
	}
	return types.WorkspaceInfo{Name: name, Path: path, Branch: branch}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
