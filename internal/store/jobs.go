package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, name, target, schedule, enabled, timeout_ms,
	last_run_at, last_status, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var target []byte
	err := row.Scan(&j.ID, &j.Name, &target, &j.Schedule, &j.Enabled, &j.TimeoutMS,
		&j.LastRunAt, &j.LastStatus, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if err := json.Unmarshal(target, &j.Target); err != nil {
		return j, fmt.Errorf("decode job target: %w", err)
	}
	return j, nil
}

// CreateJob inserts a job definition.
func (s *Store) CreateJob(ctx context.Context, j models.Job) (models.Job, error) {
	target, err := json.Marshal(j.Target)
	if err != nil {
		return models.Job{}, fmt.Errorf("encode job target: %w", err)
	}

	return scanJob(s.pool.QueryRow(ctx, `
		INSERT INTO jobs (name, target, schedule, enabled, timeout_ms)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+jobColumns,
		j.Name, target, j.Schedule, j.Enabled, j.TimeoutMS))
}

// GetJob fetches a job definition.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE id = $1 AND deleted_at IS NULL`, id))
}

// ListJobs returns all live job definitions.
func (s *Store) ListJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListEnabledJobs returns jobs with a non-empty schedule for the scheduler.
func (s *Store) ListEnabledJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE deleted_at IS NULL AND enabled AND schedule <> ''
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list enabled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJob updates a job definition.
func (s *Store) UpdateJob(ctx context.Context, j models.Job) (models.Job, error) {
	target, err := json.Marshal(j.Target)
	if err != nil {
		return models.Job{}, fmt.Errorf("encode job target: %w", err)
	}

	return scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			name = $2, target = $3, schedule = $4, enabled = $5,
			timeout_ms = $6, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+jobColumns,
		j.ID, j.Name, target, j.Schedule, j.Enabled, j.TimeoutMS))
}

// DeleteJob soft-deletes a job.
func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRun persists a run in its RUNNING state before dispatch.
func (s *Store) CreateRun(ctx context.Context, run models.JobRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, job_id, status, started_at)
		VALUES ($1, $2, $3, $4)`,
		run.ID, run.JobID, string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

// FinishRun persists the run's terminal status, its outcomes and the job's
// last-run summary in one transaction.
func (s *Store) FinishRun(ctx context.Context, run models.JobRun) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE job_runs SET status = $2, error = $3, completed_at = $4
		WHERE id = $1`,
		run.ID, string(run.Status), run.Error, run.CompletedAt); err != nil {
		return fmt.Errorf("update job run: %w", err)
	}

	for _, o := range run.Outcomes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO device_outcomes
				(id, run_id, device_id, success, credential_id, attempts,
				 failure_class, error, snapshot_ref, started_at, duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			o.ID, o.RunID, o.DeviceID, o.Success, o.CredentialID, o.Attempts,
			string(o.Class), o.Error, o.SnapshotRef, o.StartedAt, o.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("insert device outcome: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET last_run_at = $2, last_status = $3, updated_at = now()
		WHERE id = $1`,
		run.JobID, run.StartedAt, string(run.Status)); err != nil {
		return fmt.Errorf("update job summary: %w", err)
	}

	return tx.Commit(ctx)
}

// GetRun fetches a run and its outcome set.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (models.JobRun, error) {
	var run models.JobRun
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, status, error, started_at, completed_at
		FROM job_runs WHERE id = $1`, id).
		Scan(&run.ID, &run.JobID, &status, &run.Error, &run.StartedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, ErrNotFound
	}
	if err != nil {
		return models.JobRun{}, err
	}
	run.Status = models.JobStatus(status)

	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, device_id, success, credential_id, attempts,
		       failure_class, error, snapshot_ref, started_at, duration_ms
		FROM device_outcomes WHERE run_id = $1 ORDER BY started_at`, id)
	if err != nil {
		return models.JobRun{}, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o models.DeviceOutcome
		var class string
		var durationMS int64
		if err := rows.Scan(&o.ID, &o.RunID, &o.DeviceID, &o.Success, &o.CredentialID,
			&o.Attempts, &class, &o.Error, &o.SnapshotRef, &o.StartedAt, &durationMS); err != nil {
			return models.JobRun{}, err
		}
		o.Class = models.FailureClass(class)
		o.Duration = time.Duration(durationMS) * time.Millisecond
		run.Outcomes = append(run.Outcomes, o)
	}
	return run, rows.Err()
}

// ListRunsForJob returns recent runs of a job, newest first, without outcomes.
func (s *Store) ListRunsForJob(ctx context.Context, jobID uuid.UUID, limit int) ([]models.JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, status, error, started_at, completed_at
		FROM job_runs WHERE job_id = $1
		ORDER BY started_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		var run models.JobRun
		var status string
		if err := rows.Scan(&run.ID, &run.JobID, &status, &run.Error, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, err
		}
		run.Status = models.JobStatus(status)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
