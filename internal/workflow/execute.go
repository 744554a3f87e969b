package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/morales-gregorio/poSSum3/internal/runner"
	"github.com/morales-gregorio/poSSum3/pkg/model"
)

// Renderer produces a final command line. *command.Command implements it.
type Renderer interface {
	Render() (string, error)
}

// Literal is a command line used verbatim.
type Literal string

// Render implements Renderer.
func (l Literal) Render() (string, error) { return string(l), nil }

// Report describes one Execute call. Non-zero exits are counted in Failed
// and are not returned as errors.
type Report struct {
	Mode        model.ExecutionMode
	Commands    []string
	BatchFile   string
	Results     []*runner.Result // per command; nil for external fan-out runners
	Failed      int
	StartedAt   time.Time
	CompletedAt time.Time
}

// Execute runs cmds in dry-run, serial or parallel mode and blocks until
// all of them have finished. Every command is rendered before anything
// runs, so a configuration error has no side effects.
//
// Parallel batches carry no ordering between their commands. Stages that
// depend on each other need separate Execute calls.
func (w *Workflow) Execute(ctx context.Context, cmds []Renderer, parallel bool) (*Report, error) {
	if !w.state.CanExecute() {
		return nil, &model.InvalidTransitionError{JobID: w.opts.JobID, From: w.state, To: model.JobStateExecuting}
	}

	rendered := make([]string, 0, len(cmds))
	for i, c := range cmds {
		if c == nil {
			return nil, model.NewConfigError("", fmt.Sprintf("commands[%d]", i), fmt.Errorf("%w: nil command", model.ErrInvalidValue))
		}
		s, err := c.Render()
		if err != nil {
			return nil, fmt.Errorf("render command %d: %w", i, err)
		}
		rendered = append(rendered, s)
	}

	if err := w.transition(model.JobStateExecuting); err != nil {
		return nil, err
	}

	rep := &Report{Commands: rendered, StartedAt: w.now()}
	var err error
	switch {
	case w.opts.DryRun:
		rep.Mode = model.ExecutionModeDryRun
		err = w.printCommands(rendered)
	case parallel:
		rep.Mode = model.ExecutionModeParallel
		err = w.runParallel(ctx, rep)
	default:
		rep.Mode = model.ExecutionModeSerial
		err = w.runSerial(ctx, rep)
	}
	rep.CompletedAt = w.now()

	if rep.Failed > 0 {
		w.logger.Warn("commands exited non-zero",
			"failed", rep.Failed, "total", len(rendered), "mode", rep.Mode)
	}
	w.recordExecution(ctx, rep)
	return rep, err
}

// ExecuteOne runs a single command serially.
func (w *Workflow) ExecuteOne(ctx context.Context, cmd Renderer) (*Report, error) {
	return w.Execute(ctx, []Renderer{cmd}, false)
}

func (w *Workflow) printCommands(rendered []string) error {
	for _, s := range rendered {
		if _, err := fmt.Fprintln(w.stdout, s); err != nil {
			return fmt.Errorf("write dry-run output: %w", err)
		}
	}
	return nil
}

func (w *Workflow) runSerial(ctx context.Context, rep *Report) error {
	for _, s := range rep.Commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.logger.Debug("executing", "command", s)
		res, err := w.launcher.Run(ctx, runner.Spec{
			Command: s,
			WorkDir: w.jobDir(),
			Timeout: w.opts.Timeout,
		})
		if err != nil {
			return &model.ExecutionError{Phase: "launch", Err: err}
		}
		rep.Results = append(rep.Results, res)
		if res.Failed() {
			rep.Failed++
		}
		w.logCommandResult(res)
	}
	return nil
}

func (w *Workflow) runParallel(ctx context.Context, rep *Report) error {
	if len(rep.Commands) == 0 {
		return nil
	}
	dir := w.jobDir()
	if dir == "" {
		dir = w.persistentRoot
	}
	path, err := runner.WriteBatch(dir, rep.Commands)
	if err != nil {
		return &model.ExecutionError{Phase: "batch_file", Err: err}
	}
	rep.BatchFile = path
	w.logger.Info("saving command file", "path", path, "commands", len(rep.Commands))

	if w.fanOut == nil {
		f, err := runner.Resolve(runner.KindAuto, w.opts.CPUs, w.launcher, w.logger)
		if err != nil {
			return &model.ExecutionError{Phase: "launch", Err: err}
		}
		w.fanOut = f
	}

	res, err := w.fanOut.RunBatch(ctx, runner.Batch{
		File:        path,
		Concurrency: w.opts.CPUs,
		WorkDir:     w.jobDir(),
		Timeout:     w.opts.Timeout,
	})
	if err != nil {
		return &model.ExecutionError{Phase: "launch", Err: err}
	}
	rep.Results = res.Results
	rep.Failed = res.Failed
	for _, r := range res.Results {
		if r != nil {
			w.logCommandResult(r)
		}
	}
	return nil
}

func (w *Workflow) logCommandResult(res *runner.Result) {
	if res.Failed() {
		w.logger.Warn("command failed",
			"command", res.Command, "exit_code", res.ExitCode, "timed_out", res.TimedOut)
	}
	if res.Stdout != "" {
		w.logger.Debug("command stdout", "command", res.Command, "output", res.Stdout)
	}
	if res.Stderr != "" {
		w.logger.Debug("command stderr", "command", res.Command, "output", res.Stderr)
	}
}

func (w *Workflow) recordExecution(ctx context.Context, rep *Report) {
	if w.recorder == nil {
		return
	}
	completed := rep.CompletedAt
	exec := &model.Execution{
		JobID:       w.opts.JobID,
		Mode:        rep.Mode,
		BatchFile:   rep.BatchFile,
		Commands:    rep.Commands,
		Failures:    rep.Failed,
		StartedAt:   rep.StartedAt,
		CompletedAt: &completed,
	}
	for _, r := range rep.Results {
		code := -1
		if r != nil {
			code = r.ExitCode
		}
		exec.ExitCodes = append(exec.ExitCodes, code)
	}
	if err := w.recorder.SaveExecution(ctx, exec); err != nil {
		w.logger.Warn("record execution", "error", err)
	}
}
