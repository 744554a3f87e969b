package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morales-gregorio/poSSum3/internal/command"
	"github.com/morales-gregorio/poSSum3/internal/expr"
	"github.com/morales-gregorio/poSSum3/internal/param"
	"github.com/morales-gregorio/poSSum3/internal/workflow"
)

// ErrStageFailed is returned when a stage has commands that exited non-zero
// and the stage does not allow failure.
var ErrStageFailed = errors.New("stage failed")

// StageResult is the outcome of one stage.
type StageResult struct {
	Name    string
	Skipped bool
	Report  *workflow.Report
}

// Runner executes a pipeline through a workflow.
type Runner struct {
	p      *Pipeline
	wf     *workflow.Workflow
	eval   *expr.Evaluator
	vars   map[string]any
	logger *slog.Logger

	steps map[string]map[string]any
	prev  []*command.Command
}

// NewRunner prepares p to run in w. overrides are merged over the
// pipeline's vars.
func NewRunner(p *Pipeline, w *workflow.Workflow, overrides map[string]any) *Runner {
	return &Runner{
		p:      p,
		wf:     w,
		eval:   expr.NewEvaluator(p.Lib),
		vars:   MergeVars(p.Vars, overrides),
		logger: w.Logger().With("component", "pipeline", "pipeline", p.Name),
		steps:  make(map[string]map[string]any),
	}
}

// Run executes every stage in order inside the workflow's launch sequence,
// so archiving and cleanup follow a successful run.
func (r *Runner) Run(ctx context.Context) ([]*StageResult, error) {
	var results []*StageResult
	err := r.wf.Launch(ctx, func(ctx context.Context) error {
		for i := range r.p.Stages {
			res, err := r.runStage(ctx, &r.p.Stages[i])
			if res != nil {
				results = append(results, res)
			}
			if err != nil {
				return fmt.Errorf("stage %s: %w", r.p.Stages[i].Name, err)
			}
		}
		return nil
	})
	return results, err
}

// Plan builds the commands of one stage without executing them.
func (r *Runner) Plan(stage *Stage) ([]workflow.Renderer, bool, error) {
	base := r.context()
	if stage.When != "" {
		ok, err := r.eval.EvaluateBool(stage.When, base)
		if err != nil {
			return nil, false, fmt.Errorf("when: %w", err)
		}
		if !ok {
			r.prev = nil
			return nil, false, nil
		}
	}

	items, err := r.items(stage, base)
	if err != nil {
		return nil, false, err
	}

	renderers := make([]workflow.Renderer, 0, len(items))
	var cmds []*command.Command
	for i, item := range items {
		ctx := base.WithItem(i, item)
		if stage.Shell != "" {
			line, err := r.eval.EvaluateString(stage.Shell, ctx)
			if err != nil {
				return nil, false, fmt.Errorf("shell[%d]: %w", i, err)
			}
			renderers = append(renderers, workflow.Literal(line))
			continue
		}
		cmd, err := r.buildTool(stage.Tool, stage.Args, ctx)
		if err != nil {
			return nil, false, fmt.Errorf("item %d: %w", i, err)
		}
		cmds = append(cmds, cmd)
	}

	if stage.Chain {
		if cmds, err = r.chain(cmds); err != nil {
			return nil, false, err
		}
	}
	for _, c := range cmds {
		renderers = append(renderers, c)
	}
	if stage.Tool != "" {
		r.prev = cmds
	}
	return renderers, true, nil
}

func (r *Runner) runStage(ctx context.Context, stage *Stage) (*StageResult, error) {
	renderers, run, err := r.Plan(stage)
	if err != nil {
		return nil, err
	}
	res := &StageResult{Name: stage.Name}
	if !run {
		r.logger.Info("stage skipped", "stage", stage.Name)
		res.Skipped = true
		r.steps[stage.Name] = map[string]any{"skipped": true}
		return res, nil
	}

	r.logger.Info("running stage", "stage", stage.Name, "commands", len(renderers), "parallel", stage.Parallel)
	rep, err := r.wf.Execute(ctx, renderers, stage.Parallel)
	if err != nil {
		return nil, err
	}
	res.Report = rep
	r.record(stage, rep)

	if rep.Failed > 0 && !stage.AllowFailure {
		return res, fmt.Errorf("%w: %d of %d commands exited non-zero", ErrStageFailed, rep.Failed, len(rep.Commands))
	}
	return res, nil
}

func (r *Runner) record(stage *Stage, rep *workflow.Report) {
	commands := make([]any, len(rep.Commands))
	for i, c := range rep.Commands {
		commands[i] = c
	}
	var outputs []any
	if stage.Tool != "" {
		for _, c := range r.prev {
			outputs = append(outputs, c.Outputs())
		}
	}
	r.steps[stage.Name] = map[string]any{
		"commands": commands,
		"outputs":  outputs,
		"failed":   rep.Failed,
	}
}

func (r *Runner) context() *expr.Context {
	ctx := expr.NewContext(r.vars)
	ctx.Steps = r.steps
	ctx.File = func(name string, vars map[string]any) (string, error) {
		f, ok := r.wf.File(name)
		if !ok {
			return "", fmt.Errorf("unknown file %q", name)
		}
		return f.Path(vars)
	}
	return ctx.WithJob(expr.JobInfo{
		ID:         r.wf.JobID(),
		SpecimenID: r.wf.SpecimenID(),
		WorkDir:    r.wf.WorkDir(),
		CPUs:       r.wf.CPUs(),
	})
}

func (r *Runner) items(stage *Stage, ctx *expr.Context) ([]any, error) {
	if stage.Foreach == nil {
		return []any{nil}, nil
	}
	v, err := r.eval.EvaluateAny(stage.Foreach, ctx)
	if err != nil {
		return nil, fmt.Errorf("foreach: %w", err)
	}
	items, err := param.ToSlice(v)
	if err != nil {
		return nil, fmt.Errorf("foreach: %w", err)
	}
	if len(items) == 0 {
		r.logger.Warn("foreach produced no items", "stage", stage.Name)
	}
	return items, nil
}

func (r *Runner) buildTool(name string, rawArgs map[string]any, ctx *expr.Context) (*command.Command, error) {
	cmd, err := r.wf.Command(name)
	if err != nil {
		return nil, err
	}
	evaluated, err := r.eval.EvaluateAny(rawArgs, ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	args := command.Args{}
	if m, ok := evaluated.(map[string]any); ok {
		for k, v := range m {
			if args[k], err = r.nested(v, ctx); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", name, k, err)
			}
		}
	}
	return cmd.Fill(args)
}

// nested replaces {tool: NAME, args: {...}} values with sub-commands, which
// render as command fragments inside the parent.
func (r *Runner) nested(v any, ctx *expr.Context) (any, error) {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := r.nested(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		if name, args, ok := nestedTool(x); ok {
			return r.buildTool(name, args, ctx)
		}
	}
	return v, nil
}

func (r *Runner) chain(cmds []*command.Command) ([]*command.Command, error) {
	prev := r.prev
	switch {
	case len(cmds) == 0:
		return cmds, nil
	case len(prev) == 0:
		return nil, fmt.Errorf("chain: previous stage produced no commands")
	case len(prev) != 1 && len(prev) != len(cmds):
		return nil, fmt.Errorf("chain: previous stage has %d commands, this stage %d", len(prev), len(cmds))
	}
	out := make([]*command.Command, len(cmds))
	for i, c := range cmds {
		src := prev[0]
		if len(prev) > 1 {
			src = prev[i]
		}
		next, err := src.ChainInto(c)
		if err != nil {
			return nil, fmt.Errorf("chain: %w", err)
		}
		out[i] = next
	}
	return out, nil
}
