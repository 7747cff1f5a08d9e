package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WorktreeRecord is the durable row for an isolated checkout. The scheduler
// owns worktree lifetimes; no two jobs ever share one.
type WorktreeRecord struct {
	ID            string
	SessionID     string
	RequirementID string
	Branch        string
	Path          string
	Status        WorktreeStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateWorktree inserts an active worktree row. The id comes from the
// worktree manager so the row matches the checkout it describes.
func (s *Store) CreateWorktree(ctx context.Context, id, sessionID, requirementID, branch, path string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO worktrees (id, session_id, requirement_id, branch, path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, sessionID, requirementID, branch, path)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert worktree: %w", err)
	}
	return nil
}

// GetWorktree returns the worktree row or ErrNotFound.
func (s *Store) GetWorktree(ctx context.Context, id string) (*WorktreeRecord, error) {
	var w WorktreeRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, requirement_id, branch, path, status, created_at, updated_at
		FROM worktrees WHERE id = ?;
	`, id).Scan(&w.ID, &w.SessionID, &w.RequirementID, &w.Branch, &w.Path, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worktree %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select worktree: %w", err)
	}
	return &w, nil
}

// UpdateWorktreeStatus moves a worktree to merged or abandoned.
func (s *Store) UpdateWorktreeStatus(ctx context.Context, id string, status WorktreeStatus) error {
	return s.execGuarded(ctx, "update worktree status", `
		UPDATE worktrees SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, id)
}

// ListWorktreesByStatus returns worktrees in the given state, oldest first.
func (s *Store) ListWorktreesByStatus(ctx context.Context, sessionID string, status WorktreeStatus) ([]WorktreeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, requirement_id, branch, path, status, created_at, updated_at
		FROM worktrees WHERE session_id = ? AND status = ?
		ORDER BY created_at ASC;
	`, sessionID, status)
	if err != nil {
		return nil, fmt.Errorf("query worktrees: %w", err)
	}
	defer rows.Close()

	var out []WorktreeRecord
	for rows.Next() {
		var w WorktreeRecord
		if err := rows.Scan(&w.ID, &w.SessionID, &w.RequirementID, &w.Branch, &w.Path, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worktree rows: %w", err)
	}
	return out, nil
}

// DeleteWorktree removes a worktree row after its checkout is gone.
func (s *Store) DeleteWorktree(ctx context.Context, id string) error {
	return s.execGuarded(ctx, "delete worktree", `DELETE FROM worktrees WHERE id = ?;`, id)
}
