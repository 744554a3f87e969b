package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/morales-gregorio/poSSum3/internal/param"
	"github.com/morales-gregorio/poSSum3/internal/runner"
	"github.com/morales-gregorio/poSSum3/pkg/model"
)

// Command is a template bound to a job directory, plus the values filled in
// so far. Fill and ChainInto return new commands; a Command is never
// modified after construction.
type Command struct {
	tmpl    *Template
	jobDir  string
	values  map[string]any // supplied through Fill
	chained map[string]any // propagated through ChainInto
}

// Template returns the template the command was bound from.
func (c *Command) Template() *Template { return c.tmpl }

// Name returns the template name.
func (c *Command) Name() string { return c.tmpl.name }

// JobDir returns the bound job directory.
func (c *Command) JobDir() string { return c.jobDir }

// Fill returns a copy of c with args applied on top of earlier values.
// Keys not in the schema are rejected.
func (c *Command) Fill(args Args) (*Command, error) {
	for k := range args {
		if _, ok := c.tmpl.index[k]; !ok {
			return nil, model.NewConfigError(c.tmpl.name, k, model.ErrUnknownParameter)
		}
	}
	n := c.clone()
	for k, v := range args {
		n.values[k] = v
	}
	return n, nil
}

// MustFill is like Fill but panics on error.
func (c *Command) MustFill(args Args) *Command {
	n, err := c.Fill(args)
	if err != nil {
		panic(err)
	}
	return n
}

// Value returns the resolved value of key: the filled value, else the
// chained value, else the schema default. Unknown keys yield nil.
func (c *Command) Value(key string) any {
	p, ok := c.tmpl.Param(key)
	if !ok {
		return nil
	}
	return p.Resolve(c.raw(key))
}

// Values returns every resolved value keyed by parameter key.
func (c *Command) Values() map[string]any {
	out := make(map[string]any, len(c.tmpl.params))
	for _, p := range c.tmpl.params {
		out[p.Key] = p.Resolve(c.raw(p.Key))
	}
	return out
}

func (c *Command) raw(key string) any {
	if v, ok := c.values[key]; ok && !param.IsNil(v) {
		return v
	}
	return c.chained[key]
}

// Render substitutes every placeholder of the format string with the
// rendered fragment of its parameter and collapses runs of whitespace.
// Render has no side effects and returns the same string on every call.
func (c *Command) Render() (string, error) {
	fields := map[string]any{JobDirKey: c.jobDir}
	for _, key := range param.Placeholders(c.tmpl.format) {
		if key == JobDirKey {
			continue
		}
		p, _ := c.tmpl.Param(key)
		frag, err := p.Render(c.raw(key))
		if err != nil {
			return "", c.withTemplate(err)
		}
		fields[key] = frag
	}

	out, err := param.Expand(c.tmpl.format, fields)
	if err != nil {
		return "", model.NewConfigError(c.tmpl.name, "", err)
	}
	return strings.Join(strings.Fields(out), " "), nil
}

// String returns the rendered command, or "" when it cannot be rendered.
// It lets a filled command be used as an element of another command.
func (c *Command) String() string {
	s, err := c.Render()
	if err != nil {
		return ""
	}
	return s
}

// Outputs returns the values this command hands to the next stage, keyed
// by destination field.
func (c *Command) Outputs() map[string]any {
	out := make(map[string]any, len(c.tmpl.ioPass))
	for _, io := range c.tmpl.ioPass {
		out[io.To] = c.Value(io.From)
	}
	return out
}

// ChainInto copies every io_pass value of c into next and returns the
// result. Chained values act as pre-fills: an explicit Fill on the result
// still overrides them. With no io_pass declarations next is returned as is.
func (c *Command) ChainInto(next *Command) (*Command, error) {
	if next == nil {
		return nil, model.NewConfigError(c.tmpl.name, "", fmt.Errorf("%w: nil destination", model.ErrInvalidIOPass))
	}
	if len(c.tmpl.ioPass) == 0 {
		return next, nil
	}
	n := next.clone()
	for _, io := range c.tmpl.ioPass {
		if _, ok := next.tmpl.index[io.To]; !ok {
			return nil, model.NewConfigError(next.tmpl.name, io.To,
				fmt.Errorf("%w: %s.%s has no destination in %s", model.ErrInvalidIOPass, c.tmpl.name, io.From, next.tmpl.name))
		}
		if v := c.Value(io.From); !param.IsNil(v) {
			n.chained[io.To] = v
		}
	}
	return n, nil
}

// Invoke renders the command and runs it through l in the job directory.
func (c *Command) Invoke(ctx context.Context, l runner.Launcher) (*runner.Result, error) {
	s, err := c.Render()
	if err != nil {
		return nil, err
	}
	res, err := l.Run(ctx, runner.Spec{Command: s, WorkDir: c.jobDir})
	if err != nil {
		return nil, &model.ExecutionError{Phase: "launch", Err: fmt.Errorf("%s: %w", c.tmpl.name, err)}
	}
	return res, nil
}

func (c *Command) clone() *Command {
	n := &Command{
		tmpl:    c.tmpl,
		jobDir:  c.jobDir,
		values:  make(map[string]any, len(c.values)),
		chained: make(map[string]any, len(c.chained)),
	}
	for k, v := range c.values {
		n.values[k] = v
	}
	for k, v := range c.chained {
		n.chained[k] = v
	}
	return n
}

func (c *Command) withTemplate(err error) error {
	var ce *model.ConfigError
	if errors.As(err, &ce) && ce.Template == "" {
		return model.NewConfigError(c.tmpl.name, ce.Field, ce.Err)
	}
	return model.NewConfigError(c.tmpl.name, "", err)
}
