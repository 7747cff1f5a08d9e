// Package store provides durable sqlite persistence for sessions,
// requirements, tasks, jobs, worktrees, checkpoints and plans. One database
// per project, WAL journaling, single writer connection.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/foundry/foreman/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "fm-v1-2026-07-02-pipeline-core"

	// v2 adds the plans table and requirements.priority.
	schemaVersionV2  = 2
	schemaChecksumV2 = "fm-v2-2026-07-19-plans-priority"

	// v3 adds an insertion sequence to requirements, tasks and jobs.
	// CURRENT_TIMESTAMP is second-resolution, so created_at alone cannot
	// order rows inserted within the same second.
	schemaVersionV3  = 3
	schemaChecksumV3 = "fm-v3-2026-08-23-row-seq"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3
)

// priorChecksums lets an older database be verified before it is migrated
// forward.
var priorChecksums = map[int]string{
	schemaVersionV1: schemaChecksumV1,
	schemaVersionV2: schemaChecksumV2,
}

// ErrNotFound is returned when a guarded single-row mutation or lookup
// references an id that does not exist.
var ErrNotFound = errors.New("not found")

// RequirementStatus enumerates requirement lifecycle states.
type RequirementStatus string

const (
	RequirementPending    RequirementStatus = "pending"
	RequirementInProgress RequirementStatus = "in_progress"
	RequirementCompleted  RequirementStatus = "completed"
	RequirementFailed     RequirementStatus = "failed"
)

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// WorktreeStatus enumerates worktree lifecycle states.
type WorktreeStatus string

const (
	WorktreeActive    WorktreeStatus = "active"
	WorktreeMerged    WorktreeStatus = "merged"
	WorktreeAbandoned WorktreeStatus = "abandoned"
)

// AgentType names the pipeline role a task invokes the agent as.
type AgentType string

const (
	AgentPlanner   AgentType = "planner"
	AgentArchitect AgentType = "architect"
	AgentCoder     AgentType = "coder"
	AgentReviewer  AgentType = "reviewer"
	AgentTester    AgentType = "tester"
)

// Store wraps the project database. Concurrent jobs share one Store; the
// single connection plus WAL mode serialize conflicting writes.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// Open opens (creating if needed) the project database at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for read-only diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Bus returns the event bus, which may be nil.
func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// execGuarded runs a single-row mutation and maps zero affected rows to
// ErrNotFound. All status updates go through this so updating a nonexistent
// id is always surfaced.
func (s *Store) execGuarded(ctx context.Context, what, query string, args ...any) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s rows affected: %w", what, err)
		}
		if affected == 0 {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil
	})
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if want, ok := priorChecksums[maxVersion]; ok {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_path TEXT NOT NULL,
			tech_stack TEXT NOT NULL DEFAULT '[]',
			current_phase TEXT NOT NULL DEFAULT 'idle',
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'completed', 'failed')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS requirements (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			raw_input TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			acceptance_criteria TEXT NOT NULL DEFAULT '[]',
			dependencies TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'in_progress', 'completed', 'failed')),
			priority INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			seq INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			requirement_id TEXT NOT NULL,
			branch TEXT NOT NULL,
			path TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'merged', 'abandoned')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			requirement_id TEXT NOT NULL REFERENCES requirements(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			agent_type TEXT NOT NULL CHECK(agent_type IN ('planner', 'architect', 'coder', 'reviewer', 'tester')),
			input TEXT NOT NULL DEFAULT '{}',
			output TEXT,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'running', 'completed', 'failed')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			seq INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			requirement_id TEXT NOT NULL REFERENCES requirements(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			worktree_id TEXT REFERENCES worktrees(id),
			status TEXT NOT NULL DEFAULT 'queued' CHECK(status IN ('queued', 'running', 'completed', 'failed', 'cancelled')),
			error TEXT,
			seq INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			finished_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			requirement_id TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL,
			last_task_id TEXT,
			completed_task_ids TEXT NOT NULL DEFAULT '[]',
			pending_task_ids TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: durable record of dependency lists as submitted.
		`CREATE TABLE IF NOT EXISTS plans (
			requirement_id TEXT PRIMARY KEY REFERENCES requirements(id) ON DELETE CASCADE,
			depends_on TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// v1 → v2 backfill: priority column on existing requirements tables.
	if _, err := tx.ExecContext(ctx, `ALTER TABLE requirements ADD COLUMN priority INTEGER NOT NULL DEFAULT 0;`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("add requirements.priority: %w", err)
	}

	// v2 → v3 backfill: seq columns on existing tables, seeded from rowid so
	// pre-migration rows keep their insertion order. New inserts allocate
	// MAX(seq)+1, valid under the single writer connection.
	for _, table := range []string{"requirements", "tasks", "jobs"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN seq INTEGER NOT NULL DEFAULT 0;`, table)); err != nil &&
			!strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s.seq: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET seq = rowid WHERE seq = 0;`, table)); err != nil {
			return fmt.Errorf("backfill %s.seq: %w", table, err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_requirements_session ON requirements(session_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_requirements_session_seq ON requirements(session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_requirement_seq ON tasks(requirement_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_session_seq ON jobs(session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_worktrees_status ON worktrees(status);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
