package model

import (
	"time"
)

// Job is the ledger record of one workflow job.
type Job struct {
	ID         string            `json:"id"`
	Workflow   string            `json:"workflow"`
	SpecimenID string            `json:"specimen_id"`
	WorkDir    string            `json:"work_dir"`
	State      JobState          `json:"state"`
	Options    map[string]string `json:"options,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Execution is the ledger record of one Execute call.
type Execution struct {
	ID          string        `json:"id"`
	JobID       string        `json:"job_id"`
	Mode        ExecutionMode `json:"mode"`
	BatchFile   string        `json:"batch_file,omitempty"`
	Commands    []string      `json:"commands"`
	ExitCodes   []int         `json:"exit_codes,omitempty"`
	Failures    int           `json:"failures"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Failed returns the number of commands that exited non-zero. Without
// per-command exit codes the runner-reported Failures count is used.
func (e *Execution) Failed() int {
	if len(e.ExitCodes) == 0 {
		return e.Failures
	}
	n := 0
	for _, code := range e.ExitCodes {
		if code != 0 {
			n++
		}
	}
	return n
}

// Duration returns the wall-clock duration, or zero while running.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// ListOptions configures ledger list queries.
type ListOptions struct {
	Limit      int
	Offset     int
	SpecimenID string // Optional specimen filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 500, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}
