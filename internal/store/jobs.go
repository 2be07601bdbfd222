package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftwood-hq/mailsync/internal/model"
)

// CreateJob inserts a queued sync job for an account.
func (s *Store) CreateJob(ctx context.Context, accountID string, trigger model.Trigger, mode model.SyncMode) (model.SyncJob, error) {
	job := model.SyncJob{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Trigger:   trigger,
		Mode:      mode,
		Status:    model.JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, account_id, trigger_source, mode, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.AccountID, job.Trigger, job.Mode, job.Status, job.CreatedAt,
	)
	if err != nil {
		return model.SyncJob{}, fmt.Errorf("creating sync job: %w", err)
	}
	return job, nil
}

// MarkJobRunning transitions a queued job to running and stamps
// started_at. A job no longer in the queued state cannot start; the
// caller must drive it to a terminal state instead of leaving it behind.
func (s *Store) MarkJobRunning(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		model.JobRunning, time.Now().UTC(), jobID, model.JobQueued,
	)
	if err != nil {
		return fmt.Errorf("marking job %s running: %w", jobID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking job %s running: %w", jobID, err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s is not queued", jobID)
	}
	return nil
}

// CompleteJob terminates a job. An empty errMsg completes it; anything
// else fails it. Folder and message counters are recorded either way.
func (s *Store) CompleteJob(ctx context.Context, jobID string, foldersOK, foldersErr, messages int, errMsg string) error {
	status := model.JobCompleted
	if errMsg != "" {
		status = model.JobFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = ?, completed_at = ?, error = ?,
		    folders_ok = ?, folders_err = ?, messages = ?
		WHERE id = ?`,
		status, time.Now().UTC(), errMsg,
		foldersOK, foldersErr, messages, jobID,
	)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", jobID, err)
	}
	return nil
}

// GetJob retrieves a single job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (model.SyncJob, error) {
	var job model.SyncJob
	err := s.db.GetContext(ctx, &job, "SELECT * FROM sync_jobs WHERE id = ?", jobID)
	if err != nil {
		return model.SyncJob{}, fmt.Errorf("getting job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns the most recent jobs of an account, newest first.
func (s *Store) ListJobs(ctx context.Context, accountID string, limit int) ([]model.SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []model.SyncJob
	err := s.db.SelectContext(ctx, &jobs,
		"SELECT * FROM sync_jobs WHERE account_id = ? ORDER BY created_at DESC LIMIT ?",
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// StaleRunningJobs returns running jobs whose started_at is older than
// the cutoff. These are stuck: the process that owned them died or
// overran its budget without completing.
func (s *Store) StaleRunningJobs(ctx context.Context, cutoff time.Time) ([]model.SyncJob, error) {
	var jobs []model.SyncJob
	err := s.db.SelectContext(ctx, &jobs,
		"SELECT * FROM sync_jobs WHERE status = ? AND started_at IS NOT NULL AND started_at < ?",
		model.JobRunning, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("scanning stale jobs: %w", err)
	}
	return jobs, nil
}
