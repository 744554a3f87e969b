package workflow

import (
	"path/filepath"

	"github.com/morales-gregorio/poSSum3/internal/param"
)

// FileTemplate describes a file produced or consumed by a workflow: a
// subdirectory of the job directory plus a basename pattern such as
// "{idx:04d}.nii.gz". Templates are shared; each job binds its own copy.
type FileTemplate struct {
	Name    string `yaml:"name" json:"name"`
	Dir     string `yaml:"dir" json:"dir"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// Bind returns the file as seen from jobDir.
func (ft FileTemplate) Bind(jobDir string) *File {
	return &File{tmpl: ft, jobDir: jobDir}
}

// File is a FileTemplate bound to one job directory.
type File struct {
	tmpl         FileTemplate
	jobDir       string
	overrideDir  string
	overrideName string
	overridePath string
}

// Name returns the registry name.
func (f *File) Name() string { return f.tmpl.Name }

// BaseDir is the directory holding the file.
func (f *File) BaseDir() string {
	if f.overrideDir != "" {
		return f.overrideDir
	}
	return filepath.Join(f.jobDir, f.tmpl.Dir)
}

// Path expands the pattern with vars and joins it to BaseDir. The file
// name is available to the pattern as {_name}.
func (f *File) Path(vars map[string]any) (string, error) {
	if f.overridePath != "" {
		return f.overridePath, nil
	}
	if f.overrideName != "" {
		return filepath.Join(f.BaseDir(), f.overrideName), nil
	}
	values := map[string]any{param.FieldName: f.tmpl.Name}
	for k, v := range vars {
		values[k] = v
	}
	base, err := param.Expand(f.tmpl.Pattern, values)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.BaseDir(), base), nil
}

// OverrideDir replaces the base directory. An empty string restores it.
func (f *File) OverrideDir(dir string) { f.overrideDir = dir }

// OverrideName replaces the expanded basename.
func (f *File) OverrideName(name string) { f.overrideName = name }

// OverridePath replaces the whole path, directory included.
func (f *File) OverridePath(path string) { f.overridePath = path }
