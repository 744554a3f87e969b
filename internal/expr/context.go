package expr

// Context holds the values visible to an expression.
type Context struct {
	// Vars are the pipeline variables, after --set overrides.
	Vars map[string]any

	// Job describes the running workflow job.
	Job JobInfo

	// Item and Index are the current element of a foreach stage.
	Item  any
	Index int

	// Steps holds the resolved values of earlier stages, keyed by stage name.
	Steps map[string]map[string]any

	// File resolves a registered file path: file("slice", {idx: 3}).
	File func(name string, vars map[string]any) (string, error)
}

// JobInfo is exposed to expressions as `job`.
type JobInfo struct {
	ID         string `json:"id"`
	SpecimenID string `json:"specimenId"`
	WorkDir    string `json:"workDir"`
	CPUs       int    `json:"cpus"`
}

// NewContext creates a context with the given variables.
func NewContext(vars map[string]any) *Context {
	if vars == nil {
		vars = map[string]any{}
	}
	return &Context{Vars: vars, Steps: map[string]map[string]any{}}
}

// WithItem returns a copy of c for one foreach element.
func (c *Context) WithItem(index int, item any) *Context {
	n := *c
	n.Index = index
	n.Item = item
	return &n
}

// WithJob returns a copy of c with job information set.
func (c *Context) WithJob(job JobInfo) *Context {
	n := *c
	n.Job = job
	return &n
}

func (j JobInfo) toMap() map[string]any {
	return map[string]any{
		"id":         j.ID,
		"specimenId": j.SpecimenID,
		"workDir":    j.WorkDir,
		"cpus":       j.CPUs,
	}
}
