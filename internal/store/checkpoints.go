package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is an immutable snapshot written before each phase transition.
// Seq is a monotonic integer, so "latest" stays well-defined even when two
// checkpoints land within the same timestamp second.
type Checkpoint struct {
	Seq              int64
	ID               string
	SessionID        string
	RequirementID    string
	Phase            string
	LastTaskID       string
	CompletedTaskIDs []string
	PendingTaskIDs   []string
	CreatedAt        time.Time
}

// CreateCheckpoint appends a checkpoint. Checkpoints are never updated or
// reordered after creation.
func (s *Store) CreateCheckpoint(ctx context.Context, sessionID, requirementID, phase, lastTaskID string, completed, pending []string) (string, error) {
	id := uuid.NewString()
	if completed == nil {
		completed = []string{}
	}
	if pending == nil {
		pending = []string{}
	}
	completedJSON, err := json.Marshal(completed)
	if err != nil {
		return "", fmt.Errorf("marshal completed task ids: %w", err)
	}
	pendingJSON, err := json.Marshal(pending)
	if err != nil {
		return "", fmt.Errorf("marshal pending task ids: %w", err)
	}

	lastTask := sql.NullString{}
	if lastTaskID != "" {
		lastTask = sql.NullString{String: lastTaskID, Valid: true}
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (id, session_id, requirement_id, phase, last_task_id,
				completed_task_ids, pending_task_ids, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, id, sessionID, requirementID, phase, lastTask, string(completedJSON), string(pendingJSON))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}
	return id, nil
}

// LatestCheckpoint returns the most recent checkpoint for a session, or
// ErrNotFound when none exist. Resume logic replays from its phase.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, id, session_id, requirement_id, phase, last_task_id,
			completed_task_ids, pending_task_ids, created_at
		FROM checkpoints WHERE session_id = ?
		ORDER BY seq DESC LIMIT 1;
	`, sessionID)
	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest checkpoint for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns a session's checkpoints in creation order.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, session_id, requirement_id, phase, last_task_id,
			completed_task_ids, pending_task_ids, created_at
		FROM checkpoints WHERE session_id = ?
		ORDER BY seq ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint rows: %w", err)
	}
	return out, nil
}

// PruneCheckpoints deletes checkpoints older than maxAge, keeping at least
// the keep most recent per session regardless of age. Returns rows deleted.
func (s *Store) PruneCheckpoints(ctx context.Context, sessionID string, keep int, maxAge time.Duration) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	// Compare as text in CURRENT_TIMESTAMP's format so the cutoff and the
	// stored created_at values collate consistently.
	cutoff := time.Now().Add(-maxAge).UTC().Format("2006-01-02 15:04:05")
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM checkpoints
			WHERE session_id = ?
			  AND created_at <= ?
			  AND seq NOT IN (
				SELECT seq FROM checkpoints WHERE session_id = ?
				ORDER BY seq DESC LIMIT ?
			  );
		`, sessionID, cutoff, sessionID, keep)
		if err != nil {
			return fmt.Errorf("prune checkpoints: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

func scanCheckpoint(scanFn func(dest ...any) error) (*Checkpoint, error) {
	var cp Checkpoint
	var lastTask sql.NullString
	var completed, pending string
	if err := scanFn(&cp.Seq, &cp.ID, &cp.SessionID, &cp.RequirementID, &cp.Phase,
		&lastTask, &completed, &pending, &cp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	if lastTask.Valid {
		cp.LastTaskID = lastTask.String
	}
	if err := json.Unmarshal([]byte(completed), &cp.CompletedTaskIDs); err != nil {
		return nil, fmt.Errorf("unmarshal completed task ids: %w", err)
	}
	if err := json.Unmarshal([]byte(pending), &cp.PendingTaskIDs); err != nil {
		return nil, fmt.Errorf("unmarshal pending task ids: %w", err)
	}
	return &cp, nil
}
