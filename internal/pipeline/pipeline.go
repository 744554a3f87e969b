// Package pipeline loads declarative YAML pipelines: a list of stages, each
// one a catalogue tool (or a raw shell line) expanded over an optional
// foreach list and executed through a workflow.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/morales-gregorio/poSSum3/internal/expr"
	"github.com/morales-gregorio/poSSum3/internal/workflow"
)

// ErrInvalidPipeline is wrapped by every validation error.
var ErrInvalidPipeline = errors.New("invalid pipeline")

// Pipeline is a parsed pipeline document.
type Pipeline struct {
	Name        string                  `yaml:"name"`
	Description string                  `yaml:"description,omitempty"`
	Lib         []string                `yaml:"lib,omitempty"`
	Vars        map[string]any          `yaml:"vars,omitempty"`
	Files       []workflow.FileTemplate `yaml:"files,omitempty"`
	Stages      []Stage                 `yaml:"stages"`
}

// Stage is one Execute call. Tool and Shell are mutually exclusive.
//
// Foreach yields one command per element; the element is visible to
// expressions as item and its position as index. With Chain set, the io_pass
// values of the previous stage's commands flow into this stage's commands,
// pairwise or from a single previous command to all of them. A stage skipped
// by When leaves nothing to chain from.
type Stage struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description,omitempty"`
	Tool         string         `yaml:"tool,omitempty"`
	Shell        string         `yaml:"shell,omitempty"`
	Args         map[string]any `yaml:"args,omitempty"`
	Foreach      any            `yaml:"foreach,omitempty"`
	When         string         `yaml:"when,omitempty"`
	Parallel     bool           `yaml:"parallel,omitempty"`
	Chain        bool           `yaml:"chain,omitempty"`
	AllowFailure bool           `yaml:"allow_failure,omitempty"`
}

// Load reads and parses a pipeline file. The name defaults to the file's
// base name without extension.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// Parse decodes a pipeline document. Unknown fields are rejected.
func Parse(data []byte) (*Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidPipeline)
		}
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if p.Vars == nil {
		p.Vars = map[string]any{}
	}
	return &p, nil
}

// Validate checks the pipeline against a catalogue. Expressions are not
// evaluated; argument keys of tool stages and nested tools must exist.
func (p *Pipeline) Validate(cat workflow.Catalogue) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidPipeline}, args...)...))
	}

	if len(p.Stages) == 0 {
		fail("no stages")
	}

	files := make(map[string]bool, len(p.Files))
	for i, f := range p.Files {
		switch {
		case f.Name == "":
			fail("files[%d]: missing name", i)
		case files[f.Name]:
			fail("files[%d]: duplicate name %q", i, f.Name)
		case f.Pattern == "":
			fail("file %q: missing pattern", f.Name)
		}
		files[f.Name] = true
	}

	stages := make(map[string]bool, len(p.Stages))
	for i, s := range p.Stages {
		label := fmt.Sprintf("stages[%d]", i)
		if s.Name != "" {
			label = fmt.Sprintf("stage %q", s.Name)
		}
		switch {
		case s.Name == "":
			fail("%s: missing name", label)
		case stages[s.Name]:
			fail("%s: duplicate name", label)
		}
		stages[s.Name] = true

		switch {
		case s.Tool == "" && s.Shell == "":
			fail("%s: one of tool or shell is required", label)
			continue
		case s.Tool != "" && s.Shell != "":
			fail("%s: tool and shell are mutually exclusive", label)
			continue
		}

		if s.Shell != "" {
			if len(s.Args) > 0 {
				fail("%s: shell stages take no args", label)
			}
			if s.Chain {
				fail("%s: shell stages cannot chain", label)
			}
			continue
		}

		if err := checkTool(cat, s.Tool, s.Args); err != nil {
			fail("%s: %v", label, err)
		}
		if s.Chain {
			if i == 0 {
				fail("%s: first stage cannot chain", label)
			} else if p.Stages[i-1].Tool == "" {
				fail("%s: previous stage is not a tool stage", label)
			}
		}
	}
	return errors.Join(errs...)
}

func checkTool(cat workflow.Catalogue, name string, args map[string]any) error {
	if cat == nil {
		return fmt.Errorf("%w: %s (no catalogue)", workflow.ErrUnknownTemplate, name)
	}
	tmpl, ok := cat.Template(name)
	if !ok {
		return fmt.Errorf("%w: %s", workflow.ErrUnknownTemplate, name)
	}
	for k, v := range args {
		if _, ok := tmpl.Param(k); !ok {
			return fmt.Errorf("tool %s has no parameter %q", name, k)
		}
		if err := checkNested(cat, v); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	return nil
}

func checkNested(cat workflow.Catalogue, v any) error {
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			if err := checkNested(cat, item); err != nil {
				return err
			}
		}
	case map[string]any:
		if name, args, ok := nestedTool(x); ok {
			return checkTool(cat, name, args)
		}
	}
	return nil
}

// nestedTool recognises {tool: NAME, args: {...}} argument values.
func nestedTool(m map[string]any) (string, map[string]any, bool) {
	name, ok := m["tool"].(string)
	if !ok || name == "" || expr.IsExpression(name) {
		return "", nil, false
	}
	for k := range m {
		if k != "tool" && k != "args" {
			return "", nil, false
		}
	}
	args, _ := m["args"].(map[string]any)
	return name, args, true
}

// ParseSet parses KEY=VALUE assignments into a variable map. Values are
// decoded as YAML scalars or sequences, so "n=3" sets an integer and
// "s=[1,2]" a list. Dotted keys create nested maps.
func ParseSet(assignments []string) (map[string]any, error) {
	out := map[string]any{}
	for _, a := range assignments {
		key, raw, ok := strings.Cut(a, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, want KEY=VALUE", a)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		setPath(out, strings.Split(key, "."), v)
	}
	return out, nil
}

func setPath(m map[string]any, path []string, v any) {
	for _, k := range path[:len(path)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[k] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

// MergeVars returns base overlaid with overrides. Nested maps are merged;
// base is not modified.
func MergeVars(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		if om, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = MergeVars(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
