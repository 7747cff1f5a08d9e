package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task records one phase-level agent invocation. A revision loop iteration
// creates a fresh Task; prior Tasks are never mutated once terminal.
type Task struct {
	ID            string
	RequirementID string
	SessionID     string
	AgentType     AgentType
	Input         string
	Output        string
	Status        TaskStatus
	RetryCount    int
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// CreateTask inserts a pending task for a phase attempt.
func (s *Store) CreateTask(ctx context.Context, requirementID, sessionID string, agentType AgentType, input string) (string, error) {
	id := uuid.NewString()
	if input == "" {
		input = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, requirement_id, session_id, agent_type, input, seq, created_at)
			VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks), CURRENT_TIMESTAMP);
		`, id, requirementID, sessionID, agentType, input)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// GetTask returns the task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	var output, errMsg sql.NullString
	var started, completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, requirement_id, session_id, agent_type, input, output, status,
			retry_count, error, created_at, started_at, completed_at
		FROM tasks WHERE id = ?;
	`, id).Scan(&t.ID, &t.RequirementID, &t.SessionID, &t.AgentType, &t.Input, &output,
		&t.Status, &t.RetryCount, &errMsg, &t.CreatedAt, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	if output.Valid {
		t.Output = output.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if started.Valid {
		ts := started.Time
		t.StartedAt = &ts
	}
	if completed.Valid {
		ts := completed.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

// MarkTaskRunning transitions a pending task to running.
func (s *Store) MarkTaskRunning(ctx context.Context, id string) error {
	return s.execGuarded(ctx, "mark task running", `
		UPDATE tasks SET status = 'running', started_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending';
	`, id)
}

// CompleteTask records the agent output and marks the task completed.
func (s *Store) CompleteTask(ctx context.Context, id, output string, retryCount int) error {
	return s.execGuarded(ctx, "complete task", `
		UPDATE tasks SET status = 'completed', output = ?, retry_count = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, output, retryCount, id)
}

// FailTask records the final failure after the retry ceiling is exhausted.
// Intermediate attempt failures are not persisted; only the last one is.
func (s *Store) FailTask(ctx context.Context, id, errMsg string, retryCount int) error {
	return s.execGuarded(ctx, "fail task", `
		UPDATE tasks SET status = 'failed', error = ?, retry_count = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, errMsg, retryCount, id)
}

// ListTasksForRequirement returns the requirement's tasks in creation order.
func (s *Store) ListTasksForRequirement(ctx context.Context, requirementID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requirement_id, session_id, agent_type, input, output, status,
			retry_count, error, created_at, started_at, completed_at
		FROM tasks WHERE requirement_id = ?
		ORDER BY seq ASC;
	`, requirementID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var output, errMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&t.ID, &t.RequirementID, &t.SessionID, &t.AgentType, &t.Input, &output,
			&t.Status, &t.RetryCount, &errMsg, &t.CreatedAt, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if output.Valid {
			t.Output = output.String
		}
		if errMsg.Valid {
			t.Error = errMsg.String
		}
		if started.Valid {
			ts := started.Time
			t.StartedAt = &ts
		}
		if completed.Valid {
			ts := completed.Time
			t.CompletedAt = &ts
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}
