// Package command turns a format string plus a parameter schema into shell
// command lines for external tools.
package command

import (
	"fmt"

	"github.com/morales-gregorio/poSSum3/internal/param"
	"github.com/morales-gregorio/poSSum3/pkg/model"
)

// JobDirKey is a placeholder available in every format string. It expands
// to the directory the command was bound to.
const JobDirKey = "job_dir"

// IOPass declares that the resolved value of From in one command becomes
// the value of To in the next command of a chain.
type IOPass struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Args are the values supplied to Fill, keyed by parameter key.
type Args map[string]any

// Template is an immutable tool description shared by every use of the tool.
type Template struct {
	name   string
	format string
	params []param.Parameter
	index  map[string]int
	ioPass []IOPass
}

// New validates and builds a template. Every placeholder in format must
// name a schema parameter, every io_pass source must be in the schema, and
// parameter keys must be unique.
func New(name, format string, params []param.Parameter, ioPass ...IOPass) (*Template, error) {
	t := &Template{
		name:   name,
		format: format,
		params: append([]param.Parameter(nil), params...),
		index:  make(map[string]int, len(params)),
		ioPass: append([]IOPass(nil), ioPass...),
	}

	for i, p := range t.params {
		if p.Key == "" {
			return nil, model.NewConfigError(name, fmt.Sprintf("params[%d]", i), fmt.Errorf("%w: empty key", model.ErrInvalidValue))
		}
		if p.Key == JobDirKey {
			return nil, model.NewConfigError(name, p.Key, fmt.Errorf("%w: %q is reserved", model.ErrDuplicateParameter, JobDirKey))
		}
		if _, dup := t.index[p.Key]; dup {
			return nil, model.NewConfigError(name, p.Key, model.ErrDuplicateParameter)
		}
		if !p.Kind.Valid() {
			return nil, model.NewConfigError(name, p.Key, fmt.Errorf("%w: unknown kind %q", model.ErrInvalidValue, p.Kind))
		}
		t.index[p.Key] = i
	}

	for _, key := range param.Placeholders(format) {
		if key == JobDirKey {
			continue
		}
		if _, ok := t.index[key]; !ok {
			return nil, model.NewConfigError(name, key, model.ErrUnknownPlaceholder)
		}
	}

	for _, io := range t.ioPass {
		if _, ok := t.index[io.From]; !ok {
			return nil, model.NewConfigError(name, io.From, fmt.Errorf("%w: source field not in schema", model.ErrInvalidIOPass))
		}
		if io.To == "" {
			return nil, model.NewConfigError(name, io.From, fmt.Errorf("%w: empty destination", model.ErrInvalidIOPass))
		}
	}

	return t, nil
}

// MustNew is like New but panics on error. It is meant for built-in
// templates declared at package level.
func MustNew(name, format string, params []param.Parameter, ioPass ...IOPass) *Template {
	t, err := New(name, format, params, ioPass...)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the template name.
func (t *Template) Name() string { return t.name }

// Format returns the format string.
func (t *Template) Format() string { return t.format }

// Params returns a copy of the parameter schema in declaration order.
func (t *Template) Params() []param.Parameter {
	return append([]param.Parameter(nil), t.params...)
}

// Param looks up a parameter by key.
func (t *Template) Param(key string) (param.Parameter, bool) {
	i, ok := t.index[key]
	if !ok {
		return param.Parameter{}, false
	}
	return t.params[i], true
}

// IOPass returns a copy of the chaining declarations.
func (t *Template) IOPass() []IOPass {
	return append([]IOPass(nil), t.ioPass...)
}

// Bind returns an empty command whose {job_dir} is jobDir.
func (t *Template) Bind(jobDir string) *Command {
	return &Command{tmpl: t, jobDir: jobDir}
}
