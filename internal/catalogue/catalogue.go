// Package catalogue holds the tool templates available to pipelines. The
// built-in tools are embedded YAML tables; more can be loaded from disk.
package catalogue

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/morales-gregorio/poSSum3/internal/command"
	"github.com/morales-gregorio/poSSum3/internal/param"
)

//go:embed tools/*.yaml
var builtinFS embed.FS

// BuiltinSource is the Source of tools loaded from the embedded tables.
const BuiltinSource = "builtin"

// Tool is one catalogue entry.
type Tool struct {
	Name        string
	Description string
	Source      string
	Template    *command.Template
}

// Catalogue maps tool names to templates. It is read-only once loaded.
type Catalogue struct {
	tools map[string]*Tool
}

type file struct {
	Tools []toolSpec `yaml:"tools"`
}

type toolSpec struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Format      string           `yaml:"format"`
	Params      []paramSpec      `yaml:"params"`
	IOPass      []command.IOPass `yaml:"io_pass"`
}

type paramSpec struct {
	Key       string     `yaml:"key"`
	Name      string     `yaml:"name"`
	Kind      param.Kind `yaml:"kind"`
	Default   any        `yaml:"default"`
	Template  string     `yaml:"template"`
	Delimiter string     `yaml:"delimiter"`
	Switch    string     `yaml:"switch"`
	Size      int        `yaml:"size"`
	Required  bool       `yaml:"required"`
}

func (s paramSpec) parameter() param.Parameter {
	p := param.Parameter{
		Key:       s.Key,
		Name:      s.Name,
		Kind:      s.Kind,
		Default:   s.Default,
		Template:  s.Template,
		Delimiter: s.Delimiter,
		Switch:    s.Switch,
		Size:      s.Size,
		Required:  s.Required,
	}
	if p.Name == "" {
		p.Name = p.Key
	}
	if p.Kind == "" {
		p.Kind = param.KindValue
	}
	return p
}

// Builtin returns a catalogue of the embedded tools only.
func Builtin() (*Catalogue, error) {
	c := &Catalogue{tools: make(map[string]*Tool)}
	entries, err := fs.Glob(builtinFS, "tools/*.yaml")
	if err != nil {
		return nil, err
	}
	for _, name := range entries {
		data, err := builtinFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		tools, err := Parse(data, BuiltinSource)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		for _, t := range tools {
			if _, dup := c.tools[t.Name]; dup {
				return nil, fmt.Errorf("%s: duplicate builtin tool %q", name, t.Name)
			}
			c.tools[t.Name] = t
		}
	}
	return c, nil
}

// Load returns the built-in tools plus those defined in paths. A path may be
// a YAML file or a directory of *.yaml / *.yml files. A tool defined in a
// path replaces a built-in or earlier tool with the same name.
func Load(logger *slog.Logger, paths ...string) (*Catalogue, error) {
	c, err := Builtin()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		files, err := yamlFiles(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("read tool file: %w", err)
			}
			tools, err := Parse(data, f)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f, err)
			}
			for _, t := range tools {
				if prev, ok := c.tools[t.Name]; ok {
					logger.Warn("tool definition replaced", "tool", t.Name, "previous", prev.Source, "source", f)
				}
				c.tools[t.Name] = t
			}
			logger.Debug("loaded tool file", "path", f, "tools", len(tools))
		}
	}
	return c, nil
}

func yamlFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("tool path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read tool dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		out = append(out, filepath.Join(path, e.Name()))
	}
	return out, nil
}

// Parse decodes a tool table and validates every template in it.
func Parse(data []byte, source string) ([]*Tool, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}

	seen := make(map[string]bool, len(f.Tools))
	tools := make([]*Tool, 0, len(f.Tools))
	for i, spec := range f.Tools {
		if spec.Name == "" {
			return nil, fmt.Errorf("tools[%d]: missing name", i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate tool %q", spec.Name)
		}
		seen[spec.Name] = true

		params := make([]param.Parameter, len(spec.Params))
		for j, ps := range spec.Params {
			params[j] = ps.parameter()
		}
		tmpl, err := command.New(spec.Name, strings.TrimSpace(spec.Format), params, spec.IOPass...)
		if err != nil {
			return nil, err
		}
		tools = append(tools, &Tool{
			Name:        spec.Name,
			Description: spec.Description,
			Source:      source,
			Template:    tmpl,
		})
	}
	return tools, nil
}

// Template implements workflow.Catalogue.
func (c *Catalogue) Template(name string) (*command.Template, bool) {
	t, ok := c.tools[name]
	if !ok {
		return nil, false
	}
	return t.Template, true
}

// Tool looks up a catalogue entry.
func (c *Catalogue) Tool(name string) (*Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Names returns the tool names in sorted order.
func (c *Catalogue) Names() []string {
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tools.
func (c *Catalogue) Len() int { return len(c.tools) }
