// Package cli wires the loom commands: run, resume, status, checkpoints
// and dlq. Each command loads configuration, assembles the engine and
// renders results for the terminal.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loomctl/loom/internal/checkpoint"
	"github.com/loomctl/loom/internal/config"
	"github.com/loomctl/loom/internal/dlq"
	"github.com/loomctl/loom/internal/engine"
	"github.com/loomctl/loom/internal/metrics"
	"github.com/loomctl/loom/internal/source"
	"github.com/loomctl/loom/internal/worker"
	"github.com/loomctl/loom/internal/workspace"
	"github.com/loomctl/loom/pkg/types"
)

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "loom coordinates parallel work items across isolated workspaces",
		Long: `loom runs a list of work items through a pool of isolated workers,
merges their results in submission order, checkpoints progress so an
interrupted job can resume, and dead-letters items that exhaust their
retry policy.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: configs/loom.yaml)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildResumeCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCheckpointsCommand())
	rootCmd.AddCommand(buildDLQCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var itemsFile string
	var jobID string
	var maxParallel int
	var reduceCmd string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a new job from an items file",
		Long:  "Load work items from a JSON or YAML file and run them to completion.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(itemsFile, jobID, maxParallel, reduceCmd)
		},
	}

	cmd.Flags().StringVarP(&itemsFile, "items", "i", "", "JSON or YAML file with the work items")
	cmd.Flags().StringVar(&jobID, "job-id", "", "explicit job id (default: generated)")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "override the configured worker count")
	cmd.Flags().StringVar(&reduceCmd, "reduce-cmd", "", "shell command run in the root workspace after mapping")
	cmd.MarkFlagRequired("items")

	return cmd
}

func runJob(itemsFile, jobID string, maxParallel int, reduceCmd string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	id := types.JobID(jobID)
	if id == "" {
		id = types.JobID(uuid.NewString())
	}

	opts := engineOptions(cfg, id, logger)
	opts.Source = &source.FileSource{Path: itemsFile}
	if maxParallel > 0 {
		opts.Config.MaxParallel = maxParallel
	}
	if reduceCmd != "" {
		opts.Reducer = reduceExecutor{cmd: reduceCmd, shell: worker.NewShellExecutor(logger)}
	}

	c, err := engine.New(opts)
	if err != nil {
		return err
	}
	if err := c.Start(context.Background()); err != nil {
		return err
	}
	logger.Info("job running", "job_id", c.JobID(), "items_file", itemsFile)

	return waitForJob(c, logger)
}

func buildResumeCommand() *cobra.Command {
	var force bool
	var maxParallel int
	var extraRetries int
	var fromCheckpoint int
	var reduceCmd string

	cmd := &cobra.Command{
		Use:   "resume <job_id>",
		Short: "Resume an interrupted job from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeJob(types.JobID(args[0]), engine.ResumeOptions{
				Force:                force,
				MaxParallel:          maxParallel,
				MaxAdditionalRetries: extraRetries,
				FromCheckpoint:       fromCheckpoint,
			}, reduceCmd)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "override the resume lock and resume failed jobs")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "override the checkpointed worker count")
	cmd.Flags().IntVar(&extraRetries, "max-additional-retries", 0, "grant items this many extra attempts")
	cmd.Flags().IntVar(&fromCheckpoint, "from-checkpoint", 0, "resume from a specific checkpoint version")
	cmd.Flags().StringVar(&reduceCmd, "reduce-cmd", "", "shell command run in the root workspace after mapping")

	return cmd
}

func resumeJob(jobID types.JobID, ro engine.ResumeOptions, reduceCmd string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	opts := engineOptions(cfg, jobID, logger)
	if reduceCmd != "" {
		opts.Reducer = reduceExecutor{cmd: reduceCmd, shell: worker.NewShellExecutor(logger)}
	}
	c, err := engine.Resume(context.Background(), opts, jobID, ro)
	if err != nil {
		return err
	}

	return waitForJob(c, logger)
}

// reduceExecutor runs a fixed shell command as the reduce step. The run
// summary the engine passes as the item payload is exposed to the command
// through LOOM_ITEM_* environment variables.
type reduceExecutor struct {
	cmd   string
	shell *worker.ShellExecutor
}

func (r reduceExecutor) Execute(ctx context.Context, item types.WorkItem, ws types.WorkspaceInfo) types.AgentResult {
	payload := map[string]any{"cmd": r.cmd}
	for k, v := range item.Payload {
		if k != "cmd" {
			payload[k] = v
		}
	}
	item.Payload = payload
	return r.shell.Execute(ctx, item, ws)
}

// waitForJob blocks until the job settles, canceling it on SIGINT/SIGTERM so
// the final checkpoint stays resumable.
func waitForJob(c *engine.Coordinator, logger *slog.Logger) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	select {
	case sig := <-sigChan:
		logger.Info("signal received, canceling job", "signal", sig)
		c.Cancel()
		<-done
		fmt.Printf("Job %s interrupted; resume it with: loom resume %s\n", c.JobID(), c.JobID())
		return nil
	case err := <-done:
		status, statusErr := c.Status()
		if statusErr == nil {
			printStatus(status)
		}
		return err
	}
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show a job's progress from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(types.JobID(args[0]))
		},
	}
	return cmd
}

func showStatus(jobID types.JobID) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}

	status, err := engine.Inspect(cfg.DataDir, jobID)
	if err != nil {
		return err
	}
	printStatus(status)

	lockPath := filepath.Join(cfg.DataDir, "jobs", string(jobID), "resume.lock")
	if holder, err := checkpoint.Holder(lockPath); err == nil {
		fmt.Printf("Lock:        held by pid %d on %s\n", holder.PID, holder.Host)
	}
	return nil
}

func printStatus(s engine.Status) {
	fmt.Printf("Job:         %s\n", s.JobID)
	fmt.Printf("Phase:       %s\n", s.Phase)
	fmt.Printf("Items:       %d total, %d pending, %d active, %d completed, %d failed\n",
		s.Items.Total, s.Items.Pending, s.Items.Active, s.Items.Completed, s.Items.Failed)
	if s.DeadLettered > 0 {
		fmt.Printf("Dead-letter: %d items\n", s.DeadLettered)
	}
	if s.CheckpointVersion > 0 {
		fmt.Printf("Checkpoint:  v%d at %s\n", s.CheckpointVersion, s.LastCheckpointAt.Format("2006-01-02 15:04:05"))
	}
}

func buildCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and manage a job's checkpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <job_id>",
		Short: "List available checkpoint versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCheckpoints(types.JobID(args[0]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <job_id> <version>",
		Short: "Print one checkpoint as YAML",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[1], err)
			}
			return showCheckpoint(types.JobID(args[0]), version)
		},
	})

	var keep int
	clean := &cobra.Command{
		Use:   "clean <job_id>",
		Short: "Remove old checkpoints, keeping the newest ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cleanCheckpoints(types.JobID(args[0]), keep)
		},
	}
	clean.Flags().IntVar(&keep, "keep", checkpoint.DefaultRetention, "number of checkpoints to keep")
	cmd.AddCommand(clean)

	return cmd
}

func checkpointManager(jobID types.JobID) (*checkpoint.Manager, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(cfg.DataDir, "jobs", string(jobID), "checkpoints")
	return checkpoint.NewManager(dir, cfg.Job.CheckpointRetention, logger), nil
}

func listCheckpoints(jobID types.JobID) error {
	mgr, err := checkpointManager(jobID)
	if err != nil {
		return err
	}
	versions := mgr.List()
	if len(versions) == 0 {
		fmt.Printf("No checkpoints for job %s\n", jobID)
		return nil
	}
	for _, v := range versions {
		cp, err := mgr.LoadVersion(v)
		if err != nil {
			fmt.Printf("  v%-4d (unreadable: %v)\n", v, err)
			continue
		}
		counts := cp.State.Counts()
		fmt.Printf("  v%-4d %s  phase=%-12s completed=%d/%d failed=%d\n",
			v, cp.CreatedAt.Format("2006-01-02 15:04:05"),
			cp.State.Phase, counts.Completed, counts.Total, counts.Failed)
	}
	return nil
}

func showCheckpoint(jobID types.JobID, version int) error {
	mgr, err := checkpointManager(jobID)
	if err != nil {
		return err
	}
	cp, err := mgr.LoadVersion(version)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cp)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

func cleanCheckpoints(jobID types.JobID, keep int) error {
	mgr, err := checkpointManager(jobID)
	if err != nil {
		return err
	}
	removed := mgr.Clean(keep)
	fmt.Printf("Removed %d checkpoint(s), kept the newest %d\n", removed, keep)
	return nil
}

func buildDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and retry dead-lettered items",
	}

	var errorType string
	var eligibleOnly bool
	list := &cobra.Command{
		Use:   "list <job_id>",
		Short: "List dead-lettered items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDeadLetters(types.JobID(args[0]), dlq.Filter{
				ErrorType:    types.ErrorType(errorType),
				EligibleOnly: eligibleOnly,
			})
		},
	}
	list.Flags().StringVar(&errorType, "error-type", "", "only items whose last failure has this error type")
	list.Flags().BoolVar(&eligibleOnly, "eligible", false, "only items eligible for automatic reprocessing")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <job_id> <item_id>",
		Short: "Print one dead-lettered item with its full failure history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectDeadLetter(types.JobID(args[0]), types.ItemID(args[1]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <job_id>",
		Short: "Re-run all reprocess-eligible dead-lettered items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return retryDeadLetters(types.JobID(args[0]))
		},
	})

	return cmd
}

func dlqStore(jobID types.JobID) (*dlq.Store, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(cfg.DataDir, "jobs", string(jobID), "dlq")
	return dlq.NewStore(dir, cfg.DLQCapacity, logger), nil
}

func listDeadLetters(jobID types.JobID, filter dlq.Filter) error {
	store, err := dlqStore(jobID)
	if err != nil {
		return err
	}
	letters, err := store.List(filter)
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		fmt.Printf("No dead-lettered items for job %s\n", jobID)
		return nil
	}
	for _, l := range letters {
		flag := "manual-review"
		if l.ReprocessEligible {
			flag = "eligible"
		}
		fmt.Printf("  %-20s failures=%-3d last=%s  %-14s %s\n",
			l.ItemID, l.FailureCount,
			l.LastAttempt.Format("2006-01-02 15:04:05"),
			flag, l.ErrorSignature)
	}
	return nil
}

func inspectDeadLetter(jobID types.JobID, itemID types.ItemID) error {
	store, err := dlqStore(jobID)
	if err != nil {
		return err
	}
	entry, err := store.Inspect(itemID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func retryDeadLetters(jobID types.JobID) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	// The sub-job id is fixed up front so the merger can target the
	// sub-job's root workspace.
	subID := engine.RetryJobID(jobID)
	opts := engineOptions(cfg, subID, logger)
	c, err := engine.RetryDeadLetters(context.Background(), opts, jobID)
	if err != nil {
		return err
	}
	logger.Info("retrying dead-lettered items", "parent_job_id", jobID, "retry_job_id", c.JobID())

	return waitForJob(c, logger)
}

// setup loads the configuration and builds the process-wide logger. Metrics
// serving starts once, on the first call that sees a configured port.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	startMetricsOnce(cfg, logger)
	return cfg, logger, nil
}

var metricsStarted bool
var collector *metrics.Collector

func startMetricsOnce(cfg *config.Config, logger *slog.Logger) {
	if metricsStarted {
		return
	}
	metricsStarted = true
	if cfg.MetricsPort == 0 {
		return
	}
	collector = metrics.NewCollector()
	go func() {
		logger.Info("metrics server listening", "port", cfg.MetricsPort)
		if err := metrics.StartServer(cfg.MetricsPort); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}

// engineOptions assembles the production wiring: shell executor, directory
// provisioner, directory merger rooted at the job's root workspace.
func engineOptions(cfg *config.Config, jobID types.JobID, logger *slog.Logger) engine.Options {
	return engine.Options{
		JobID:       jobID,
		Config:      cfg.JobConfig(),
		Executor:    worker.NewShellExecutor(logger),
		Provisioner: &workspace.DirProvisioner{Base: cfg.WorkspaceRoot},
		Merger: &workspace.DirMerger{
			Root: filepath.Join(cfg.WorkspaceRoot, string(jobID)+"-root"),
			Base: cfg.WorkspaceRoot,
		},
		DataDir:     cfg.DataDir,
		DLQCapacity: cfg.DLQCapacity,
		Metrics:     collector,
		Logger:      logger,
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
