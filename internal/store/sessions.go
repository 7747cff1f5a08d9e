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

// Session is the umbrella record per project: path, tech stack, the phase of
// the most recent single-flight run, and overall status. CurrentPhase is
// single-writer state; concurrent jobs skip phase updates entirely.
type Session struct {
	ID           string
	ProjectPath  string
	TechStack    []string
	CurrentPhase string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateSession inserts a new session and returns its id.
func (s *Store) CreateSession(ctx context.Context, projectPath string, techStack []string) (string, error) {
	id := uuid.NewString()
	stack, err := json.Marshal(techStack)
	if err != nil {
		return "", fmt.Errorf("marshal tech stack: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, project_path, tech_stack, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, projectPath, string(stack))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// GetSession returns the session or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var stack string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_path, tech_stack, current_phase, status, created_at, updated_at
		FROM sessions WHERE id = ?;
	`, id).Scan(&sess.ID, &sess.ProjectPath, &stack, &sess.CurrentPhase, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	if err := json.Unmarshal([]byte(stack), &sess.TechStack); err != nil {
		return nil, fmt.Errorf("unmarshal tech stack: %w", err)
	}
	return &sess, nil
}

// UpdateSessionPhase records the phase the single-flight pipeline is in.
func (s *Store) UpdateSessionPhase(ctx context.Context, id, phase string) error {
	return s.execGuarded(ctx, "update session phase", `
		UPDATE sessions SET current_phase = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, phase, id)
}

// UpdateSessionStatus sets the overall session status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string) error {
	return s.execGuarded(ctx, "update session status", `
		UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, id)
}

// ListSessionIDs returns all session ids, oldest first. Used by the
// retention sweeper to prune per session.
func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return ids, nil
}

// DeleteSession removes a session; dependent rows cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.execGuarded(ctx, "delete session", `DELETE FROM sessions WHERE id = ?;`, id)
}
