// Package workflow runs a job through its lifecycle: logging, identity
// checks, working directory setup, configuration and command execution.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/morales-gregorio/poSSum3/internal/command"
	"github.com/morales-gregorio/poSSum3/internal/logging"
	"github.com/morales-gregorio/poSSum3/internal/runner"
	"github.com/morales-gregorio/poSSum3/pkg/model"
)

// SkipWorkDir as Options.WorkDir disables working directory creation.
const SkipWorkDir = "skip"

// DefaultSharedRoot is the memory-backed scratch root.
const DefaultSharedRoot = "/dev/shm"

// jobIDLayout follows <name>_YYYY-MM-DD-HH_MM-SS_<pid>.
const jobIDLayout = "_2006-01-02-15_04-05_"

// ErrUnknownTemplate is returned by Command for names missing from the
// catalogue.
var ErrUnknownTemplate = errors.New("unknown command template")

// Options are the generic workflow options.
type Options struct {
	JobID               string
	WorkDir             string
	LogLevel            string
	LogFilename         string
	Cleanup             bool
	DisableSharedMemory bool
	SpecimenID          string
	DryRun              bool
	CPUs                int
	ArchiveWorkDir      string
	Timeout             time.Duration
}

// Map returns the options as strings for logging and the ledger.
func (o Options) Map() map[string]string {
	return map[string]string{
		"jobId":               o.JobID,
		"workDir":             o.WorkDir,
		"loglevel":            o.LogLevel,
		"logFilename":         o.LogFilename,
		"cleanup":             strconv.FormatBool(o.Cleanup),
		"disableSharedMemory": strconv.FormatBool(o.DisableSharedMemory),
		"specimenId":          o.SpecimenID,
		"dryRun":              strconv.FormatBool(o.DryRun),
		"cpuNo":               strconv.Itoa(o.CPUs),
		"archiveWorkDir":      o.ArchiveWorkDir,
		"timeout":             o.Timeout.String(),
	}
}

// Hooks customize a workflow. Each hook is optional.
type Hooks struct {
	Validate   func(w *Workflow) error
	Configure  func(w *Workflow) error
	PreLaunch  func(ctx context.Context, w *Workflow) error
	PostLaunch func(ctx context.Context, w *Workflow) error
}

// Catalogue resolves template names.
type Catalogue interface {
	Template(name string) (*command.Template, bool)
}

// Recorder persists job and execution records.
type Recorder interface {
	SaveJob(ctx context.Context, job *model.Job) error
	SaveExecution(ctx context.Context, exec *model.Execution) error
}

// Workflow is one job. It is not safe for concurrent use: Execute calls are
// issued one after another by the controlling code.
type Workflow struct {
	name    string
	opts    Options
	state   model.JobState
	created time.Time

	logger    *slog.Logger
	logSink   io.Closer
	exit      func(int)
	launcher  runner.Launcher
	fanOut    runner.FanOut
	stdout    io.Writer
	catalogue Catalogue
	recorder  Recorder
	hooks     Hooks
	now       func() time.Time

	sharedRoot     string
	persistentRoot string

	fileTemplates []FileTemplate
	files         map[string]*File
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger. Without it the workflow logs to
// Options.LogFilename, or stderr, at Options.LogLevel.
func WithLogger(l *slog.Logger) Option { return func(w *Workflow) { w.logger = l } }

// WithExit replaces os.Exit for the identity check.
func WithExit(fn func(int)) Option { return func(w *Workflow) { w.exit = fn } }

// WithLauncher sets the process launcher used for serial execution.
func WithLauncher(l runner.Launcher) Option { return func(w *Workflow) { w.launcher = l } }

// WithFanOut sets the runner for parallel batches.
func WithFanOut(f runner.FanOut) Option { return func(w *Workflow) { w.fanOut = f } }

// WithStdout sets the dry-run output.
func WithStdout(out io.Writer) Option { return func(w *Workflow) { w.stdout = out } }

// WithCatalogue sets the template catalogue used by Command.
func WithCatalogue(c Catalogue) Option { return func(w *Workflow) { w.catalogue = c } }

// WithRecorder persists job state and executions.
func WithRecorder(r Recorder) Option { return func(w *Workflow) { w.recorder = r } }

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option { return func(w *Workflow) { w.hooks = h } }

// WithScratchRoots overrides the memory-backed and persistent scratch roots.
// Empty values keep the defaults.
func WithScratchRoots(shared, persistent string) Option {
	return func(w *Workflow) {
		if shared != "" {
			w.sharedRoot = shared
		}
		if persistent != "" {
			w.persistentRoot = persistent
		}
	}
}

// WithFiles registers file templates. Each job binds its own copies.
func WithFiles(files ...FileTemplate) Option {
	return func(w *Workflow) { w.fileTemplates = append(w.fileTemplates, files...) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(w *Workflow) { w.now = now } }

// New creates a workflow and runs it up to the CONFIGURED state. A missing
// specimen id calls the exit function with status 1 before anything touches
// the filesystem; New then returns model.ErrMissingSpecimenID.
func New(name string, opts Options, options ...Option) (*Workflow, error) {
	w := &Workflow{
		name:           name,
		opts:           opts,
		state:          model.JobStateCreated,
		exit:           os.Exit,
		stdout:         os.Stdout,
		now:            time.Now,
		sharedRoot:     DefaultSharedRoot,
		persistentRoot: os.TempDir(),
		files:          make(map[string]*File),
	}
	for _, o := range options {
		o(w)
	}
	w.created = w.now()

	w.initLogging()
	for _, phase := range []func() error{w.initOptions, w.initDirectories, w.configure} {
		if err := phase(); err != nil {
			_ = w.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Workflow) initLogging() {
	if w.logger == nil {
		level := logging.ParseLevel(w.opts.LogLevel)
		logger, sink, err := logging.OpenLogger(w.opts.LogFilename, level, "text")
		if err != nil {
			logger = logging.NewLogger(level, "text")
			logger.Warn("falling back to stderr", "error", err)
		} else {
			w.logSink = sink
		}
		w.logger = logger
	}
	w.logger = w.logger.With("workflow", w.name)
	w.mustTransition(model.JobStateLoggingReady)

	opts := w.opts.Map()
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.logger.Info("workflow options")
	for _, k := range keys {
		w.logger.Info("option", "name", k, "value", opts[k])
	}
}

func (w *Workflow) initOptions() error {
	if w.opts.SpecimenID == "" {
		w.logger.Log(context.Background(), logging.LevelCritical,
			"specimen id is required, refusing to run without it")
		w.exit(1)
		return model.ErrMissingSpecimenID
	}
	if w.opts.JobID == "" {
		w.opts.JobID = NewJobID(w.name, w.created)
	}
	w.logger = w.logger.With("job_id", w.opts.JobID)

	if w.hooks.Validate != nil {
		if err := w.hooks.Validate(w); err != nil {
			return fmt.Errorf("validate options: %w", err)
		}
	}
	return w.transition(model.JobStateOptionsValidated)
}

// NewJobID builds <name>_YYYY-MM-DD-HH_MM-SS_<pid>.
func NewJobID(name string, t time.Time) string {
	return name + t.Format(jobIDLayout) + strconv.Itoa(os.Getpid())
}

func (w *Workflow) initDirectories() error {
	if w.opts.WorkDir == SkipWorkDir {
		w.logger.Debug("work directory creation skipped")
		for _, ft := range w.fileTemplates {
			w.files[ft.Name] = ft.Bind("")
		}
		return w.transition(model.JobStateDirectoryReady)
	}

	if w.opts.WorkDir == "" {
		w.opts.WorkDir = filepath.Join(w.ScratchRoot(), w.opts.JobID)
	}
	dirs := []string{w.opts.WorkDir}
	seen := map[string]bool{w.opts.WorkDir: true}
	for _, ft := range w.fileTemplates {
		f := ft.Bind(w.opts.WorkDir)
		w.files[ft.Name] = f
		if d := f.BaseDir(); !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
		w.logger.Debug("directory ready", "path", d)
	}
	return w.transition(model.JobStateDirectoryReady)
}

func (w *Workflow) configure() error {
	if w.opts.CPUs <= 0 {
		w.opts.CPUs = runtime.NumCPU()
	}
	if w.launcher == nil {
		w.launcher = &runner.Shell{}
	}
	if w.hooks.Configure != nil {
		if err := w.hooks.Configure(w); err != nil {
			return fmt.Errorf("configure: %w", err)
		}
	}
	return w.transition(model.JobStateConfigured)
}

// ScratchRoot returns the memory-backed root, or the persistent one when
// shared memory is disabled.
func (w *Workflow) ScratchRoot() string {
	if w.opts.DisableSharedMemory {
		return w.persistentRoot
	}
	return w.sharedRoot
}

func (w *Workflow) transition(next model.JobState) error {
	if !w.state.CanTransitionTo(next) {
		return &model.InvalidTransitionError{JobID: w.opts.JobID, From: w.state, To: next}
	}
	prev := w.state
	w.state = next
	if prev != next {
		w.logger.Debug("state", "from", prev, "to", next)
		w.record()
	}
	return nil
}

func (w *Workflow) mustTransition(next model.JobState) {
	if err := w.transition(next); err != nil {
		panic(err)
	}
}

func (w *Workflow) record() {
	if w.recorder == nil || w.opts.JobID == "" {
		return
	}
	// Identity is unchecked until OPTIONS_VALIDATED.
	if w.state == model.JobStateCreated || w.state == model.JobStateLoggingReady {
		return
	}
	job := &model.Job{
		ID:         w.opts.JobID,
		Workflow:   w.name,
		SpecimenID: w.opts.SpecimenID,
		WorkDir:    w.opts.WorkDir,
		State:      w.state,
		Options:    w.opts.Map(),
		CreatedAt:  w.created,
		UpdatedAt:  w.now(),
	}
	if err := w.recorder.SaveJob(context.Background(), job); err != nil {
		w.logger.Warn("record job", "error", err)
	}
}

// Close releases the log file opened from Options.LogFilename.
func (w *Workflow) Close() error {
	if w.logSink == nil {
		return nil
	}
	err := w.logSink.Close()
	w.logSink = nil
	return err
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// JobID returns the job id.
func (w *Workflow) JobID() string { return w.opts.JobID }

// SpecimenID returns the specimen id.
func (w *Workflow) SpecimenID() string { return w.opts.SpecimenID }

// WorkDir returns the job working directory, or SkipWorkDir.
func (w *Workflow) WorkDir() string { return w.opts.WorkDir }

// CPUs returns the concurrency bound for parallel batches.
func (w *Workflow) CPUs() int { return w.opts.CPUs }

// SetCPUs overrides the concurrency bound. Meant for Configure hooks.
func (w *Workflow) SetCPUs(n int) {
	if n > 0 {
		w.opts.CPUs = n
	}
}

// DryRun reports whether commands are printed instead of run.
func (w *Workflow) DryRun() bool { return w.opts.DryRun }

// Options returns a copy of the resolved options.
func (w *Workflow) Options() Options { return w.opts }

// State returns the current lifecycle state.
func (w *Workflow) State() model.JobState { return w.state }

// Logger returns the workflow logger.
func (w *Workflow) Logger() *slog.Logger { return w.logger }

// File returns a registered file bound to this job.
func (w *Workflow) File(name string) (*File, bool) {
	f, ok := w.files[name]
	return f, ok
}

// Files returns the per-job file registry.
func (w *Workflow) Files() map[string]*File {
	out := make(map[string]*File, len(w.files))
	for k, v := range w.files {
		out[k] = v
	}
	return out
}

// Command binds the named catalogue template to the job directory.
func (w *Workflow) Command(name string) (*command.Command, error) {
	if w.catalogue == nil {
		return nil, fmt.Errorf("%w: %s (no catalogue)", ErrUnknownTemplate, name)
	}
	t, ok := w.catalogue.Template(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return t.Bind(w.jobDir()), nil
}

// jobDir is the bound directory for commands and files; empty when skipped.
func (w *Workflow) jobDir() string {
	if w.opts.WorkDir == SkipWorkDir {
		return ""
	}
	return w.opts.WorkDir
}
