package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job binds one requirement to one concurrent execution slot. At most one
// active job exists per requirement; the scheduler owns the set of jobs.
type Job struct {
	ID            string
	RequirementID string
	SessionID     string
	WorktreeID    string
	Status        JobStatus
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// CreateJob inserts a queued job. worktreeID may be empty when isolation is
// disabled or worktree creation fell back to the shared directory.
func (s *Store) CreateJob(ctx context.Context, requirementID, sessionID, worktreeID string) (string, error) {
	id := uuid.NewString()
	wt := sql.NullString{}
	if worktreeID != "" {
		wt = sql.NullString{String: worktreeID, Valid: true}
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, requirement_id, session_id, worktree_id, seq, created_at)
			VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs), CURRENT_TIMESTAMP);
		`, id, requirementID, sessionID, wt)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// GetJob returns the job or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	var wt, errMsg sql.NullString
	var started, finished sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, requirement_id, session_id, worktree_id, status, error,
			created_at, started_at, finished_at
		FROM jobs WHERE id = ?;
	`, id).Scan(&j.ID, &j.RequirementID, &j.SessionID, &wt, &j.Status, &errMsg,
		&j.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	if wt.Valid {
		j.WorktreeID = wt.String
	}
	if errMsg.Valid {
		j.Error = errMsg.String
	}
	if started.Valid {
		ts := started.Time
		j.StartedAt = &ts
	}
	if finished.Valid {
		ts := finished.Time
		j.FinishedAt = &ts
	}
	return &j, nil
}

// MarkJobRunning transitions a queued job to running.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	return s.execGuarded(ctx, "mark job running", `
		UPDATE jobs SET status = 'running', started_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'queued';
	`, id)
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.execGuarded(ctx, "complete job", `
		UPDATE jobs SET status = 'completed', finished_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, id)
}

// FailJob marks a job failed with the given error.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	return s.execGuarded(ctx, "fail job", `
		UPDATE jobs SET status = 'failed', error = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, errMsg, id)
}

// CancelJob marks a job cancelled.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	return s.execGuarded(ctx, "cancel job", `
		UPDATE jobs SET status = 'cancelled', finished_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, id)
}

// CountRunningJobs returns the number of jobs currently marked running.
func (s *Store) CountRunningJobs(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM jobs WHERE session_id = ? AND status = 'running';
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return count, nil
}

// ListJobsForSession returns the session's jobs in creation order.
func (s *Store) ListJobsForSession(ctx context.Context, sessionID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requirement_id, session_id, worktree_id, status, error,
			created_at, started_at, finished_at
		FROM jobs WHERE session_id = ?
		ORDER BY seq ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var wt, errMsg sql.NullString
		var started, finished sql.NullTime
		if err := rows.Scan(&j.ID, &j.RequirementID, &j.SessionID, &wt, &j.Status, &errMsg,
			&j.CreatedAt, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if wt.Valid {
			j.WorktreeID = wt.String
		}
		if errMsg.Valid {
			j.Error = errMsg.String
		}
		if started.Valid {
			ts := started.Time
			j.StartedAt = &ts
		}
		if finished.Valid {
			ts := finished.Time
			j.FinishedAt = &ts
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows: %w", err)
	}
	return out, nil
}
