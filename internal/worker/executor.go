package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/loomctl/loom/pkg/types"
)

// ShellExecutor runs the item's "cmd" payload field as a shell command with
// the workspace as working directory. Item fields are exported as LOOM_*
// environment variables so commands can parameterize on the item.
type ShellExecutor struct {
	Logger *slog.Logger
}

// NewShellExecutor builds the default executor.
func NewShellExecutor(logger *slog.Logger) *ShellExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellExecutor{Logger: logger.With("executor_type", "shell")}
}

// Execute runs the command and captures combined output.
func (e *ShellExecutor) Execute(ctx context.Context, item types.WorkItem, ws types.WorkspaceInfo) types.AgentResult {
	start := time.Now()
	res := types.AgentResult{ItemID: item.ID}

	command, _ := item.Payload["cmd"].(string)
	if command == "" {
		res.Err = fmt.Sprintf("item %s has no cmd payload field", item.ID)
		res.Duration = time.Since(start)
		return res
	}

	e.Logger.Info("executing shell command", "item_id", item.ID, "workspace", ws.Name)

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = ws.Path
	cmd.Env = append(cmd.Environ(),
		"LOOM_ITEM_ID="+string(item.ID),
		"LOOM_WORKSPACE="+ws.Path,
		"LOOM_BRANCH="+ws.Branch,
	)
	for k, v := range item.Payload {
		if k == "cmd" {
			continue
		}
		cmd.Env = append(cmd.Env, fmt.Sprintf("LOOM_ITEM_%s=%v", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.Output = stdout.String()
	res.Duration = time.Since(start)

	if err != nil {
		msg := err.Error()
		if ctxErr := ctx.Err(); ctxErr != nil {
			msg = ctxErr.Error()
		}
		if s := stderr.String(); s != "" {
			msg = fmt.Sprintf("%s: %s", msg, firstLine(s))
		}
		res.Err = msg
		return res
	}

	res.Success = true
	return res
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
