package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Plan records the dependency list a requirement was submitted with, so
// dependency-aware runs stay auditable after the fact.
type Plan struct {
	RequirementID string
	DependsOn     []string
	CreatedAt     time.Time
}

// SavePlan upserts the dependency list for a requirement.
func (s *Store) SavePlan(ctx context.Context, requirementID string, dependsOn []string) error {
	if dependsOn == nil {
		dependsOn = []string{}
	}
	deps, err := json.Marshal(dependsOn)
	if err != nil {
		return fmt.Errorf("marshal plan dependencies: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plans (requirement_id, depends_on, created_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(requirement_id) DO UPDATE SET depends_on = excluded.depends_on;
		`, requirementID, string(deps))
		if err != nil {
			return fmt.Errorf("upsert plan: %w", err)
		}
		return nil
	})
}

// GetPlan returns the stored dependency list or ErrNotFound.
func (s *Store) GetPlan(ctx context.Context, requirementID string) (*Plan, error) {
	var p Plan
	var deps string
	err := s.db.QueryRowContext(ctx, `
		SELECT requirement_id, depends_on, created_at FROM plans WHERE requirement_id = ?;
	`, requirementID).Scan(&p.RequirementID, &deps, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan for requirement %s: %w", requirementID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select plan: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &p.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal plan dependencies: %w", err)
	}
	return &p, nil
}
