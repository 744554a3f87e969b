package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for the ledger tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id          TEXT PRIMARY KEY,
		workflow    TEXT NOT NULL,
		specimen_id TEXT NOT NULL,
		work_dir    TEXT NOT NULL DEFAULT '',
		state       TEXT NOT NULL,
		options     TEXT NOT NULL DEFAULT '{}',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS executions (
		id           TEXT PRIMARY KEY,
		job_id       TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		mode         TEXT NOT NULL,
		batch_file   TEXT NOT NULL DEFAULT '',
		commands     TEXT NOT NULL DEFAULT '[]',
		exit_codes   TEXT NOT NULL DEFAULT '[]',
		started_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_specimen_id ON jobs(specimen_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_job_id ON executions(job_id, seq)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	// Failure count reported by external fan-out runners.
	{
		table:    "executions",
		column:   "failures",
		alterSQL: "ALTER TABLE executions ADD COLUMN failures INTEGER NOT NULL DEFAULT 0",
	},
	{
		table:    "jobs",
		column:   "state",
		alterSQL: "ALTER TABLE jobs ADD COLUMN state TEXT NOT NULL DEFAULT 'CREATED'",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}
	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
// The table_info rows are closed before the ALTER runs; the store holds a
// single connection.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	exists, err := hasColumn(ctx, db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
