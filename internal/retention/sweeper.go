// Package retention prunes stale durable state on a cron schedule: old
// checkpoints beyond the per-session keep count, and worktree rows left
// behind by abandoned checkouts.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/foundry/foreman/internal/config"
	"github.com/foundry/foreman/internal/store"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Store     *store.Store
	Logger    *slog.Logger
	Retention config.RetentionConfig
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// Sweeper runs retention sweeps whenever the configured cron schedule fires.
type Sweeper struct {
	store    *store.Store
	logger   *slog.Logger
	cfg      config.RetentionConfig
	interval time.Duration
	schedule cronlib.Schedule // nil when disabled

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper builds a Sweeper. An empty cron expression disables it.
func NewSweeper(cfg Config) (*Sweeper, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var schedule cronlib.Schedule
	if cfg.Retention.CronExpr != "" {
		parsed, err := cronParser.Parse(cfg.Retention.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse retention cron expression %q: %w", cfg.Retention.CronExpr, err)
		}
		schedule = parsed
	}

	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		cfg:      cfg.Retention,
		interval: interval,
		schedule: schedule,
	}, nil
}

// Start begins the sweep loop in a background goroutine. A disabled sweeper
// starts nothing.
func (s *Sweeper) Start(ctx context.Context) {
	if s.schedule == nil {
		s.logger.Info("retention sweeper disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.nextRun = s.schedule.Next(time.Now())
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		"cron_expr", s.cfg.CronExpr,
		"keep_checkpoints", s.cfg.KeepCheckpoints,
	)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			due := !now.Before(s.nextRun)
			if due {
				s.nextRun = s.schedule.Next(now)
			}
			s.mu.Unlock()
			if due {
				s.Sweep(ctx)
			}
		}
	}
}

// Sweep prunes every session once. Exposed for manual triggering.
func (s *Sweeper) Sweep(ctx context.Context) {
	sessionIDs, err := s.store.ListSessionIDs(ctx)
	if err != nil {
		s.logger.Error("retention: list sessions", "error", err.Error())
		return
	}

	maxAge := time.Duration(s.cfg.MaxCheckpointAgeHours) * time.Hour
	for _, sessionID := range sessionIDs {
		if maxAge > 0 {
			deleted, err := s.store.PruneCheckpoints(ctx, sessionID, s.cfg.KeepCheckpoints, maxAge)
			if err != nil {
				s.logger.Error("retention: prune checkpoints", "session_id", sessionID, "error", err.Error())
			} else if deleted > 0 {
				s.logger.Info("retention: checkpoints pruned", "session_id", sessionID, "deleted", deleted)
			}
		}
		s.pruneAbandonedWorktrees(ctx, sessionID, maxAge)
	}
}

// pruneAbandonedWorktrees deletes worktree rows that were abandoned longer
// ago than the retention age. The checkout itself is already gone or
// orphaned; the row is just bookkeeping.
func (s *Sweeper) pruneAbandonedWorktrees(ctx context.Context, sessionID string, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	rows, err := s.store.ListWorktreesByStatus(ctx, sessionID, store.WorktreeAbandoned)
	if err != nil {
		s.logger.Error("retention: list abandoned worktrees", "session_id", sessionID, "error", err.Error())
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, wt := range rows {
		if wt.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.store.DeleteWorktree(ctx, wt.ID); err != nil {
			s.logger.Error("retention: delete worktree row", "worktree_id", wt.ID, "error", err.Error())
			continue
		}
		s.logger.Info("retention: abandoned worktree row deleted", "worktree_id", wt.ID, "branch", wt.Branch)
	}
}

// NextRunTime parses a cron expression and returns its next fire time after
// the given instant.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
