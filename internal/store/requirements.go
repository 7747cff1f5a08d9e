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

// Spec is the structured specification parsed from planner output.
type Spec struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Dependencies       []string `json:"dependencies,omitempty"`
}

// Requirement is a unit of work: raw input on submission, a structured spec
// once planning has run, and a lifecycle status.
type Requirement struct {
	ID                 string
	SessionID          string
	RawInput           string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Dependencies       []string
	Status             RequirementStatus
	Priority           int
	Error              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateRequirement inserts a pending requirement and returns its id.
func (s *Store) CreateRequirement(ctx context.Context, sessionID, rawInput string, priority int) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO requirements (id, session_id, raw_input, priority, seq, created_at, updated_at)
			VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM requirements), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, sessionID, rawInput, priority)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert requirement: %w", err)
	}
	return id, nil
}

// GetRequirement returns the requirement or ErrNotFound.
func (s *Store) GetRequirement(ctx context.Context, id string) (*Requirement, error) {
	var r Requirement
	var criteria, deps string
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, raw_input, title, description, acceptance_criteria,
			dependencies, status, priority, error, created_at, updated_at
		FROM requirements WHERE id = ?;
	`, id).Scan(&r.ID, &r.SessionID, &r.RawInput, &r.Title, &r.Description, &criteria,
		&deps, &r.Status, &r.Priority, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("requirement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select requirement: %w", err)
	}
	if err := json.Unmarshal([]byte(criteria), &r.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("unmarshal acceptance criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &r.Dependencies); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	return &r, nil
}

// SetRequirementSpec persists the structured spec parsed from planner output.
func (s *Store) SetRequirementSpec(ctx context.Context, id string, spec Spec) error {
	criteria, err := json.Marshal(spec.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("marshal acceptance criteria: %w", err)
	}
	deps := spec.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	return s.execGuarded(ctx, "set requirement spec", `
		UPDATE requirements
		SET title = ?, description = ?, acceptance_criteria = ?, dependencies = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, spec.Title, spec.Description, string(criteria), string(depsJSON), id)
}

// UpdateRequirementStatus moves a requirement through its lifecycle. The
// error message is recorded only for failed transitions; every other
// transition clears it, so a requirement that recovers does not keep a
// stale failure message.
func (s *Store) UpdateRequirementStatus(ctx context.Context, id string, status RequirementStatus, errMsg string) error {
	errValue := sql.NullString{}
	if status == RequirementFailed && errMsg != "" {
		errValue = sql.NullString{String: errMsg, Valid: true}
	}
	return s.execGuarded(ctx, "update requirement status", `
		UPDATE requirements
		SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, status, errValue, id)
}

// ListRequirements returns all requirements for a session, submission order.
func (s *Store) ListRequirements(ctx context.Context, sessionID string) ([]Requirement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, raw_input, title, description, acceptance_criteria,
			dependencies, status, priority, error, created_at, updated_at
		FROM requirements WHERE session_id = ?
		ORDER BY seq ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query requirements: %w", err)
	}
	defer rows.Close()

	var out []Requirement
	for rows.Next() {
		var r Requirement
		var criteria, deps string
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &r.RawInput, &r.Title, &r.Description, &criteria,
			&deps, &r.Status, &r.Priority, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan requirement: %w", err)
		}
		if err := json.Unmarshal([]byte(criteria), &r.AcceptanceCriteria); err != nil {
			return nil, fmt.Errorf("unmarshal acceptance criteria: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &r.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies: %w", err)
		}
		if errMsg.Valid {
			r.Error = errMsg.String
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("requirement rows: %w", err)
	}
	return out, nil
}
