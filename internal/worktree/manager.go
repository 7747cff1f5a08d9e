// Package worktree wraps git worktree plumbing so concurrent jobs each get
// an isolated checkout on a per-requirement branch.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/foundry/foreman/internal/config"
)

// Worktree describes one isolated checkout.
type Worktree struct {
	ID           string
	BranchName   string
	WorktreePath string
}

// gitRunner abstracts git subprocess execution.
type gitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// Manager creates and removes worktrees for a single project directory.
type Manager struct {
	projectDir string
	logger     *slog.Logger
	runner     gitRunner
}

// New builds a Manager rooted at the project directory.
func New(projectDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		projectDir: projectDir,
		logger:     logger,
		runner:     execGitRunner{},
	}
}

// IsGitRepo reports whether the project directory is inside a git working
// tree. The scheduler degrades to single-flight execution when it is not.
func (m *Manager) IsGitRepo(ctx context.Context) bool {
	out, err := m.runner.Run(ctx, m.projectDir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Create adds a worktree on a fresh branch for one requirement. The caller
// treats failure as non-fatal and falls back to the shared project directory.
func (m *Manager) Create(ctx context.Context, sessionID, requirementID, slug string) (*Worktree, error) {
	id := uuid.NewString()
	branch := fmt.Sprintf("foreman/%s-%s", slugify(slug), shortID(requirementID))
	path := filepath.Join(m.projectDir, config.DataDirName, "worktrees", shortID(id))

	if _, err := m.runner.Run(ctx, m.projectDir, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return nil, fmt.Errorf("git worktree add %s: %w", branch, err)
	}
	m.logger.Info("worktree created",
		"session_id", sessionID,
		"requirement_id", requirementID,
		"branch", branch,
		"path", path,
	)
	return &Worktree{ID: id, BranchName: branch, WorktreePath: path}, nil
}

// Remove detaches a worktree. force discards uncommitted changes, used when
// abandoning a failed job's checkout.
func (m *Manager) Remove(ctx context.Context, wt *Worktree, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, wt.WorktreePath)
	if _, err := m.runner.Run(ctx, m.projectDir, args...); err != nil {
		return fmt.Errorf("git worktree remove %s: %w", wt.WorktreePath, err)
	}
	return nil
}

// Merge merges a worktree's branch back into the current branch of the main
// checkout.
func (m *Manager) Merge(ctx context.Context, wt *Worktree) error {
	if _, err := m.runner.Run(ctx, m.projectDir, "merge", "--no-ff", "--no-edit", wt.BranchName); err != nil {
		return fmt.Errorf("git merge %s: %w", wt.BranchName, err)
	}
	return nil
}

// slugify reduces free text to a branch-safe fragment.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	if out == "" {
		out = "req"
	}
	if len(out) > 40 {
		out = strings.Trim(out[:40], "-")
	}
	return out
}

// shortID returns the first uuid segment, enough to disambiguate branches.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// execGitRunner shells out to git.
type execGitRunner struct{}

func (execGitRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
