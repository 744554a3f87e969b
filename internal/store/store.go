package store

import (
	"context"
	"errors"

	"github.com/morales-gregorio/poSSum3/pkg/model"
)

// ErrNotFound is returned by lookups for unknown ids.
var ErrNotFound = errors.New("not found")

// Store is the job ledger: one row per workflow job, one per Execute call.
type Store interface {
	// Jobs
	SaveJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*JobSummary, int, error)

	// Executions
	SaveExecution(ctx context.Context, exec *model.Execution) error
	ListExecutions(ctx context.Context, jobID string) ([]*model.Execution, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// JobSummary is a job plus aggregate execution counts, as shown by history.
type JobSummary struct {
	model.Job
	Executions int
	Commands   int
	Failed     int
}
