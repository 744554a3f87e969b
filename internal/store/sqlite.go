package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/morales-gregorio/poSSum3/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One connection: an in-memory database is private to its connection,
	// and the ledger has a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Jobs ---

// SaveJob inserts the job or updates its state, work directory and options.
// The creation time of an existing row is kept.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "upsert", "table", "jobs", "id", job.ID, "state", job.State)

	optsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, workflow, specimen_id, work_dir, state, options, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   work_dir = excluded.work_dir,
		   state = excluded.state,
		   options = excluded.options,
		   updated_at = excluded.updated_at`,
		job.ID, job.Workflow, job.SpecimenID, job.WorkDir, string(job.State), string(optsJSON),
		job.CreatedAt.Format(time.RFC3339Nano), job.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow, specimen_id, work_dir, state, options, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns job summaries, newest first, and the total matching count.
func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*JobSummary, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var where []string
	var args []any
	if opts.SpecimenID != "" {
		where = append(where, "j.specimen_id = ?")
		args = append(args, opts.SpecimenID)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs j`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT j.id, j.workflow, j.specimen_id, j.work_dir, j.state, j.options, j.created_at, j.updated_at,
		        COUNT(e.id), COALESCE(SUM(json_array_length(e.commands)), 0), COALESCE(SUM(e.failures), 0)
		 FROM jobs j LEFT JOIN executions e ON e.job_id = j.id`+whereSQL+`
		 GROUP BY j.id
		 ORDER BY j.created_at DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*JobSummary
	for rows.Next() {
		sum := &JobSummary{}
		job, err := scanJob(func(dest ...any) error {
			return rows.Scan(append(dest, &sum.Executions, &sum.Commands, &sum.Failed)...)
		})
		if err != nil {
			return nil, 0, err
		}
		sum.Job = *job
		out = append(out, sum)
	}
	return out, total, rows.Err()
}

func scanJob(scan func(dest ...any) error) (*model.Job, error) {
	var job model.Job
	var state, optsJSON, createdAt, updatedAt string
	if err := scan(&job.ID, &job.Workflow, &job.SpecimenID, &job.WorkDir, &state, &optsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.State = model.JobState(state)
	if err := json.Unmarshal([]byte(optsJSON), &job.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &job, nil
}

// --- Executions ---

// SaveExecution inserts an execution record. An empty ID is filled with a
// new UUID. The job must already exist.
func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *model.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	s.logger.Debug("sql", "op", "insert", "table", "executions", "id", exec.ID, "job_id", exec.JobID)

	cmdsJSON, err := json.Marshal(nonNil(exec.Commands))
	if err != nil {
		return fmt.Errorf("marshal commands: %w", err)
	}
	codesJSON, err := json.Marshal(nonNil(exec.ExitCodes))
	if err != nil {
		return fmt.Errorf("marshal exit codes: %w", err)
	}
	var completed *string
	if exec.CompletedAt != nil {
		c := exec.CompletedAt.Format(time.RFC3339Nano)
		completed = &c
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, job_id, seq, mode, batch_file, commands, exit_codes, failures, started_at, completed_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM executions WHERE job_id = ?), ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.JobID, exec.JobID, string(exec.Mode), exec.BatchFile,
		string(cmdsJSON), string(codesJSON), exec.Failures,
		exec.StartedAt.Format(time.RFC3339Nano), completed,
	)
	return err
}

// ListExecutions returns the executions of a job in the order they ran.
func (s *SQLiteStore) ListExecutions(ctx context.Context, jobID string) ([]*model.Execution, error) {
	s.logger.Debug("sql", "op", "list", "table", "executions", "job_id", jobID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, mode, batch_file, commands, exit_codes, failures, started_at, completed_at
		 FROM executions WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		var e model.Execution
		var mode, cmdsJSON, codesJSON, startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &mode, &e.BatchFile, &cmdsJSON, &codesJSON, &e.Failures, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		e.Mode = model.ExecutionMode(mode)
		if err := json.Unmarshal([]byte(cmdsJSON), &e.Commands); err != nil {
			return nil, fmt.Errorf("unmarshal commands: %w", err)
		}
		if err := json.Unmarshal([]byte(codesJSON), &e.ExitCodes); err != nil {
			return nil, fmt.Errorf("unmarshal exit codes: %w", err)
		}
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			e.CompletedAt = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
