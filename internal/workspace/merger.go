package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/loomctl/loom/pkg/types"
)

// DirMerger integrates directory-backed workspaces: files a worker produced
// are copied into the root workspace. It pairs with DirProvisioner the same
// way a git merger pairs with a worktree provisioner. Last writer wins; real
// conflict detection needs a VCS-backed Merger.
type DirMerger struct {
	// Root is the target workspace path all branches fold into.
	Root string
	// nameForBranch resolves a branch back to its workspace directory.
	Base string
}

// Merge copies every regular file from the branch's workspace into Root,
// preserving relative paths.
func (d *DirMerger) Merge(ctx context.Context, req types.MergeRequest) error {
	src := filepath.Join(d.Base, nameFromBranch(req.Branch))
	if src == d.Root {
		// The root workspace is already the accumulating target; folding
		// it into itself would truncate files mid-copy.
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("workspace for branch %s not found: %w", req.Branch, err)
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(d.Root, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, info.Mode())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, dst, info.Mode())
	})
}

// nameFromBranch inverts BranchFor.
func nameFromBranch(branch string) string {
	if len(branch) > len(BranchPrefix) && branch[:len(BranchPrefix)] == BranchPrefix {
		return branch[len(BranchPrefix):]
	}
	return branch
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
