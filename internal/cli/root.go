// Package cli implements the possum command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/morales-gregorio/poSSum3/internal/catalogue"
	"github.com/morales-gregorio/poSSum3/internal/config"
	"github.com/morales-gregorio/poSSum3/internal/logging"
	"github.com/morales-gregorio/poSSum3/internal/runner"
	"github.com/morales-gregorio/poSSum3/internal/store"
	"github.com/morales-gregorio/poSSum3/internal/workflow"
	"github.com/morales-gregorio/poSSum3/pkg/model"
)

var (
	flagJobID          string
	flagWorkDir        string
	flagLogLevel       string
	flagLogFilename    string
	flagLogFormat      string
	flagCleanup        bool
	flagDisableShm     bool
	flagSpecimenID     string
	flagDryRun         bool
	flagCPUs           int
	flagArchiveWorkDir string
	flagRunner         string
	flagTimeout        time.Duration
	flagLedger         string
	flagConfig         string

	cfg     *config.Config
	logger  *slog.Logger
	logSink io.Closer

	// exitFunc terminates the process when a job has no specimen id.
	exitFunc = os.Exit
)

// NewRootCmd creates the root cobra command for the possum CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "possum",
		Short: "possum runs command-template pipelines over a per-job scratch directory",
		Long: `possum renders parameterized command templates, binds them to a per-job
working directory and runs them serially, in parallel or as a dry run.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(flagConfig, cmd.Flags())
			if err != nil {
				return err
			}
			if !logging.ValidLevel(cfg.Log.Level) {
				return fmt.Errorf("invalid loglevel %q", cfg.Log.Level)
			}
			if !runner.ValidKind(cfg.Runner.Kind) {
				return fmt.Errorf("%w: %q", runner.ErrUnknownRunner, cfg.Runner.Kind)
			}
			logger, logSink, err = logging.OpenLogger(flagLogFilename, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeLog()
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagJobID, "jobId", "", "Job identifier (default: <workflow>_<date>_<pid>)")
	pf.StringVar(&flagWorkDir, "workDir", "", `Job working directory, or "skip" to create none`)
	pf.StringVar(&flagLogLevel, "loglevel", "WARNING", "Log level (CRITICAL, ERROR, WARNING, INFO, DEBUG)")
	pf.StringVar(&flagLogFilename, "logFilename", "", "Append log output to this file instead of stderr")
	pf.StringVar(&flagLogFormat, "logFormat", "text", "Log format (text, json)")
	pf.BoolVar(&flagCleanup, "cleanup", false, "Remove the working directory after a successful run")
	pf.BoolVar(&flagDisableShm, "disableSharedMemory", false, "Create the working directory under the persistent scratch root")
	pf.StringVar(&flagSpecimenID, "specimenId", "", "Specimen identifier (required to run)")
	pf.BoolVar(&flagDryRun, "dryRun", false, "Print commands instead of running them")
	pf.IntVar(&flagCPUs, "cpuNo", 0, "Concurrency for parallel stages (default: number of CPUs)")
	pf.StringVar(&flagArchiveWorkDir, "archiveWorkDir", "", "Archive the working directory into this directory after a successful run")
	pf.StringVar(&flagRunner, "runner", runner.KindAuto, "Parallel runner (auto, parallel, pool)")
	pf.DurationVar(&flagTimeout, "timeout", 0, "Per-command time limit (0 disables)")
	pf.StringVar(&flagLedger, "ledger", "", "Job ledger database (default ~/.possum/ledger.db)")
	pf.StringVar(&flagConfig, "config", "", "Config file (default ~/.possum/config.yaml)")

	root.AddCommand(
		newRunCmd(),
		newRenderCmd(),
		newToolsCmd(),
		newValidateCmd(),
		newHistoryCmd(),
		newShowCmd(),
	)

	return root
}

func closeLog() error {
	if logSink == nil {
		return nil
	}
	err := logSink.Close()
	logSink = nil
	return err
}

func loadCatalogue() (*catalogue.Catalogue, error) {
	cat, err := catalogue.Load(logger, cfg.Catalogue.Paths...)
	if err != nil {
		return nil, fmt.Errorf("load catalogue: %w", err)
	}
	return cat, nil
}

// openLedger opens and migrates the job ledger. It returns nil when the
// ledger is disabled.
func openLedger(ctx context.Context) (*store.SQLiteStore, error) {
	if cfg.Ledger.Disabled {
		return nil, nil
	}
	if dir := filepath.Dir(cfg.Ledger.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.Ledger.Path, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return st, nil
}

// lazyLedger opens the job ledger on the first save, so a job rejected
// before its options are validated leaves nothing on disk.
type lazyLedger struct {
	ctx context.Context
	st  *store.SQLiteStore
	err error
}

func (l *lazyLedger) open() (*store.SQLiteStore, error) {
	if l.st == nil && l.err == nil {
		l.st, l.err = openLedger(l.ctx)
	}
	return l.st, l.err
}

func (l *lazyLedger) SaveJob(ctx context.Context, job *model.Job) error {
	st, err := l.open()
	if err != nil || st == nil {
		return err
	}
	return st.SaveJob(ctx, job)
}

func (l *lazyLedger) SaveExecution(ctx context.Context, exec *model.Execution) error {
	st, err := l.open()
	if err != nil || st == nil {
		return err
	}
	return st.SaveExecution(ctx, exec)
}

func (l *lazyLedger) Close() error {
	if l.st == nil {
		return nil
	}
	return l.st.Close()
}

func workflowOptions() workflow.Options {
	return workflow.Options{
		JobID:               flagJobID,
		WorkDir:             flagWorkDir,
		LogLevel:            cfg.Log.Level,
		LogFilename:         flagLogFilename,
		Cleanup:             flagCleanup,
		DisableSharedMemory: flagDisableShm,
		SpecimenID:          flagSpecimenID,
		DryRun:              flagDryRun,
		CPUs:                flagCPUs,
		ArchiveWorkDir:      flagArchiveWorkDir,
		Timeout:             cfg.Runner.Timeout,
	}
}

// newWorkflow resolves the fan-out runner and creates a configured job.
// rec may be nil.
func newWorkflow(cmd *cobra.Command, name string, cat workflow.Catalogue, files []workflow.FileTemplate, rec workflow.Recorder) (*workflow.Workflow, error) {
	cpus := flagCPUs
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	launcher := &runner.Shell{}
	fanOut, err := runner.Resolve(cfg.Runner.Kind, cpus, launcher, logger)
	if err != nil {
		return nil, err
	}

	options := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithExit(exitFunc),
		workflow.WithLauncher(launcher),
		workflow.WithFanOut(fanOut),
		workflow.WithStdout(cmd.OutOrStdout()),
		workflow.WithCatalogue(cat),
		workflow.WithFiles(files...),
		workflow.WithScratchRoots(cfg.Scratch.Shared, cfg.Scratch.Persistent),
	}
	if rec != nil {
		options = append(options, workflow.WithRecorder(rec))
	}
	return workflow.New(name, workflowOptions(), options...)
}
