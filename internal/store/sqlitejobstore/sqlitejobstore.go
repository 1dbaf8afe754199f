// Package sqlitejobstore gives backfill job status the same
// reboot-survives-it durability the teacher's Persister gives in-flight
// author refreshes (internal/persist.go's Persist/Persisted/Delete over a
// "ra<id>" keyspace) -- generalized from "author ID recovery against
// Postgres" to "backfill job status recovery against a local embedded
// file," because job status is worker-local bookkeeping that shouldn't
// need a Postgres round trip to survive a crash mid-backfill. This is the
// home for the teacher's mattn/go-sqlite3 dependency, which the teacher's
// own go.mod declares but no retrieved teacher source file imports.
package sqlitejobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jukasdrj/alexandria-enrich/internal/model"
)

// Store persists model.BackfillJobStatus to a local sqlite file so an
// in-flight job survives a worker restart; internal/cache remains the
// source of truth for fast reads, this is the Persisted()-equivalent
// recovery path.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS backfill_jobs (
	job_id       TEXT PRIMARY KEY,
	year         INTEGER NOT NULL,
	month        INTEGER NOT NULL,
	status       TEXT NOT NULL,
	progress     TEXT NOT NULL DEFAULT '',
	stats        TEXT NOT NULL DEFAULT '{}',
	experiment_id TEXT NOT NULL DEFAULT '',
	dry_run      INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	completed_at TEXT,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);`

// Open opens (creating if absent) the sqlite file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite job store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping sqlite job store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save upserts a job's status.
func (s *Store) Save(ctx context.Context, job model.BackfillJobStatus) error {
	stats, err := json.Marshal(job.Stats)
	if err != nil {
		return fmt.Errorf("encoding job stats: %w", err)
	}

	var completedAt sql.NullString
	if !job.CompletedAt.IsZero() {
		completedAt = sql.NullString{String: job.CompletedAt.Format(time.RFC3339Nano), Valid: true}
	}

	const q = `
INSERT INTO backfill_jobs (job_id, year, month, status, progress, stats, experiment_id, dry_run, created_at, updated_at, completed_at, duration_ms, error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET
	status=excluded.status, progress=excluded.progress, stats=excluded.stats,
	updated_at=excluded.updated_at, completed_at=excluded.completed_at,
	duration_ms=excluded.duration_ms, error=excluded.error`

	_, err = s.db.ExecContext(ctx, q,
		job.JobID, job.Year, job.Month, string(job.Status), job.Progress, string(stats),
		job.ExperimentID, boolToInt(job.DryRun),
		job.CreatedAt.Format(time.RFC3339Nano), job.UpdatedAt.Format(time.RFC3339Nano),
		completedAt, job.DurationMS, job.Error)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", job.JobID, err)
	}
	return nil
}

// SaveJobStatus implements consume.JobStatusStore.
func (s *Store) SaveJobStatus(ctx context.Context, job model.BackfillJobStatus) error {
	return s.Save(ctx, job)
}

// Delete removes a job's durable record once it reaches a terminal state.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backfill_jobs WHERE job_id = ?`, jobID)
	return err
}

// InFlight returns every job not yet in a terminal state (complete/failed),
// for resumption after a restart -- the Persisted() equivalent.
func (s *Store) InFlight(ctx context.Context) ([]model.BackfillJobStatus, error) {
	const q = `
SELECT job_id, year, month, status, progress, stats, experiment_id, dry_run, created_at, updated_at, completed_at, duration_ms, error
FROM backfill_jobs
WHERE status NOT IN ('complete', 'failed')`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing in-flight jobs: %w", err)
	}
	defer rows.Close()

	var out []model.BackfillJobStatus
	for rows.Next() {
		var job model.BackfillJobStatus
		var status, createdAt, updatedAt, statsRaw string
		var dryRun int
		var completedAt sql.NullString

		if err := rows.Scan(&job.JobID, &job.Year, &job.Month, &status, &job.Progress, &statsRaw,
			&job.ExperimentID, &dryRun, &createdAt, &updatedAt, &completedAt, &job.DurationMS, &job.Error); err != nil {
			return nil, fmt.Errorf("scanning in-flight job row: %w", err)
		}

		job.Status = model.BackfillStatus(status)
		job.DryRun = dryRun != 0
		job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if completedAt.Valid {
			job.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt.String)
		}
		_ = json.Unmarshal([]byte(statsRaw), &job.Stats)

		out = append(out, job)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
