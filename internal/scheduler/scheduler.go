// Package scheduler runs many pipeline controllers concurrently under a
// concurrency bound and a dependency graph. It owns job and worktree
// lifetimes and is the only component allowed to cancel in-flight work.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/foundry/foreman/internal/agent"
	"github.com/foundry/foreman/internal/bus"
	"github.com/foundry/foreman/internal/config"
	fmotel "github.com/foundry/foreman/internal/otel"
	"github.com/foundry/foreman/internal/pipeline"
	"github.com/foundry/foreman/internal/shared"
	"github.com/foundry/foreman/internal/store"
	"github.com/foundry/foreman/internal/worktree"
)

// PipelineRunner is the per-job pipeline handle the scheduler drives.
type PipelineRunner interface {
	Run(ctx context.Context, requirementID string) error
	Kill()
}

// WorktreeManager is the isolation collaborator. Create failures are
// non-fatal: the job falls back to the shared project directory.
type WorktreeManager interface {
	IsGitRepo(ctx context.Context) bool
	Create(ctx context.Context, sessionID, requirementID, slug string) (*worktree.Worktree, error)
	Remove(ctx context.Context, wt *worktree.Worktree, force bool) error
	Merge(ctx context.Context, wt *worktree.Worktree) error
}

// Params configures a Scheduler.
type Params struct {
	Store     *store.Store
	Worktrees WorktreeManager
	Invoker   agent.Invoker
	Bus       *bus.Bus // optional
	Logger    *slog.Logger
	Config    config.Config
	Tracer    trace.Tracer // optional

	// NewRunner overrides pipeline controller construction, for tests.
	NewRunner func(p pipeline.Params) PipelineRunner
}

// Scheduler executes requirement batches.
type Scheduler struct {
	store     *store.Store
	worktrees WorktreeManager
	invoker   agent.Invoker
	bus       *bus.Bus
	logger    *slog.Logger
	cfg       config.Config
	tracer    trace.Tracer
	newRunner func(p pipeline.Params) PipelineRunner

	mu       sync.Mutex
	inflight map[string]*jobHandle // keyed by requirement id
}

type jobHandle struct {
	jobID         string
	requirementID string
	runner        PipelineRunner
	cancel        context.CancelFunc
	wt            *worktree.Worktree
}

// result is the single message every job goroutine writes on exit.
type result struct {
	requirementID string
	err           error
}

// New builds a Scheduler.
func New(p Params) *Scheduler {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := p.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	newRunner := p.NewRunner
	if newRunner == nil {
		newRunner = func(pp pipeline.Params) PipelineRunner {
			return pipeline.New(pp)
		}
	}
	return &Scheduler{
		store:     p.Store,
		worktrees: p.Worktrees,
		invoker:   p.Invoker,
		bus:       p.Bus,
		logger:    logger,
		cfg:       p.Config,
		tracer:    tracer,
		newRunner: newRunner,
		inflight:  make(map[string]*jobHandle),
	}
}

// RunAll executes requirements with no ordering constraints beyond the
// concurrency bound.
func (s *Scheduler) RunAll(ctx context.Context, sessionID string, requirementIDs []string) error {
	items := make([]Item, 0, len(requirementIDs))
	for _, id := range requirementIDs {
		items = append(items, Item{RequirementID: id})
	}
	return s.run(ctx, sessionID, items)
}

// RunWithDependencies executes requirements respecting their dependency
// graph: an item starts only after all its dependencies complete, and is
// skipped outright when any dependency fails.
func (s *Scheduler) RunWithDependencies(ctx context.Context, sessionID string, items []Item) error {
	return s.run(ctx, sessionID, normalizeItems(items))
}

func (s *Scheduler) run(ctx context.Context, sessionID string, items []Item) error {
	isolate := s.worktrees.IsGitRepo(ctx)
	if !isolate && s.maxConcurrency(true) > 1 {
		s.logger.Warn("working tree does not support isolation, degrading to sequential execution",
			"requested_concurrency", s.maxConcurrency(true))
	}

	pending := make(map[string]Item, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		pending[it.RequirementID] = it
		order = append(order, it.RequirementID)
	}
	completed := make(map[string]bool)
	failed := make(map[string]bool)
	var failures, skips []string

	// Every job goroutine writes exactly one result here; reading one
	// message at a time is the loop's only blocking point.
	done := make(chan result, len(items))
	running := 0

	for len(pending) > 0 || running > 0 {
		// Cascade-skip anything whose dependency already failed.
		for _, id := range order {
			item, ok := pending[id]
			if !ok {
				continue
			}
			if dep, bad := failedDependency(item, failed); bad {
				delete(pending, id)
				failed[id] = true
				skips = append(skips, id)
				detail := fmt.Sprintf("skipped: dependency %s failed", dep)
				if err := s.store.UpdateRequirementStatus(ctx, id, store.RequirementFailed, detail); err != nil {
					s.logger.Error("mark skipped requirement failed", "requirement_id", id, "error", err.Error())
				}
				s.logger.Info("requirement skipped", "requirement_id", id, "failed_dependency", dep)
				s.publish(bus.TopicJobSkipped, bus.JobEvent{RequirementID: id, SessionID: sessionID, Error: detail})
			}
		}

		// Concurrency is re-read each wave so a config reload mid-run takes
		// effect without restarting the batch.
		for running < s.maxConcurrency(isolate) {
			ready := readyItems(order, pending, completed)
			if len(ready) == 0 {
				break
			}
			item := ready[0]
			delete(pending, item.RequirementID)
			if err := s.startJob(ctx, sessionID, item, isolate, s.maxConcurrency(isolate), done); err != nil {
				failed[item.RequirementID] = true
				failures = append(failures, item.RequirementID)
				s.logger.Error("start job", "requirement_id", item.RequirementID, "error", err.Error())
				if stErr := s.store.UpdateRequirementStatus(ctx, item.RequirementID, store.RequirementFailed, err.Error()); stErr != nil {
					s.logger.Error("mark requirement failed", "requirement_id", item.RequirementID, "error", stErr.Error())
				}
				continue
			}
			running++
		}

		if running == 0 {
			if len(pending) == 0 {
				break
			}
			stuck := make([]string, 0, len(pending))
			for id := range pending {
				stuck = append(stuck, id)
			}
			sort.Strings(stuck)
			for _, id := range stuck {
				if err := s.store.UpdateRequirementStatus(ctx, id, store.RequirementFailed, "circular dependency"); err != nil {
					s.logger.Error("mark stuck requirement failed", "requirement_id", id, "error", err.Error())
				}
			}
			return fmt.Errorf("circular dependency among requirements: %s", strings.Join(stuck, ", "))
		}

		select {
		case <-ctx.Done():
			s.CancelAll(context.WithoutCancel(ctx))
			return ctx.Err()
		case res := <-done:
			running--
			s.settle(ctx, sessionID, res, completed, failed, &failures)
		}
	}

	if len(failures)+len(skips) > 0 {
		return fmt.Errorf("run finished with %d completed, %d failed, %d skipped (failed: %s)",
			len(completed), len(failures), len(skips),
			strings.Join(append(append([]string{}, failures...), skips...), ", "))
	}
	return nil
}

// startJob creates the worktree (when isolating), persists the job row, and
// launches the pipeline controller without blocking the scheduling loop.
func (s *Scheduler) startJob(ctx context.Context, sessionID string, item Item, isolate bool, concurrency int, done chan<- result) error {
	req, err := s.store.GetRequirement(ctx, item.RequirementID)
	if err != nil {
		return err
	}

	workDir := s.cfg.ProjectDir
	worktreeID := ""
	var wt *worktree.Worktree
	if isolate {
		slug := req.Title
		if slug == "" {
			slug = req.RawInput
		}
		created, wtErr := s.worktrees.Create(ctx, sessionID, req.ID, slug)
		switch {
		case wtErr != nil:
			s.logger.Warn("worktree creation failed, falling back to shared directory",
				"requirement_id", req.ID, "error", wtErr.Error())
			s.publish(bus.TopicWorktreeFallback, bus.WorktreeEvent{RequirementID: req.ID, Reason: wtErr.Error()})
		default:
			if recErr := s.store.CreateWorktree(ctx, created.ID, sessionID, req.ID, created.BranchName, created.WorktreePath); recErr != nil {
				s.logger.Warn("record worktree failed, falling back to shared directory",
					"requirement_id", req.ID, "error", recErr.Error())
				_ = s.worktrees.Remove(ctx, created, true)
				s.publish(bus.TopicWorktreeFallback, bus.WorktreeEvent{RequirementID: req.ID, Reason: recErr.Error()})
			} else {
				wt = created
				worktreeID = created.ID
				workDir = created.WorktreePath
				s.publish(bus.TopicWorktreeCreated, bus.WorktreeEvent{
					RequirementID: req.ID,
					Branch:        created.BranchName,
					Path:          created.WorktreePath,
				})
			}
		}
	}

	jobID, err := s.store.CreateJob(ctx, req.ID, sessionID, worktreeID)
	if err != nil {
		return err
	}
	if err := s.store.MarkJobRunning(ctx, jobID); err != nil {
		return err
	}

	s.mu.Lock()
	limits, retry := s.cfg.Limits, s.cfg.Retry
	s.mu.Unlock()

	runner := s.newRunner(pipeline.Params{
		Store:            s.store,
		Invoker:          s.invoker,
		Bus:              s.bus,
		Logger:           s.logger,
		Limits:           limits,
		Retry:            retry,
		Tracer:           s.tracer,
		SkipPhaseUpdates: concurrency > 1,
		WorkDir:          workDir,
	})

	jobCtx, cancel := context.WithCancel(ctx)
	// The job context carries its ids so every ctx-aware log line and store
	// write inside the pipeline is attributable to this job.
	jobCtx = shared.WithSessionID(jobCtx, sessionID)
	jobCtx = shared.WithRequirementID(jobCtx, req.ID)
	jobCtx = shared.WithJobID(jobCtx, jobID)
	s.mu.Lock()
	s.inflight[req.ID] = &jobHandle{
		jobID:         jobID,
		requirementID: req.ID,
		runner:        runner,
		cancel:        cancel,
		wt:            wt,
	}
	s.mu.Unlock()

	s.logger.InfoContext(jobCtx, "job started", "work_dir", workDir)
	s.publish(bus.TopicJobStarted, bus.JobEvent{JobID: jobID, RequirementID: req.ID, SessionID: sessionID})

	go func() {
		spanCtx, span := fmotel.StartSpan(jobCtx, s.tracer, "foreman.job",
			fmotel.AttrJobID.String(jobID),
			fmotel.AttrRequirementID.String(req.ID),
			fmotel.AttrSessionID.String(sessionID),
		)
		runErr := runner.Run(spanCtx, req.ID)
		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
		}
		span.End()
		done <- result{requirementID: req.ID, err: runErr}
	}()
	return nil
}

// settle records one finished job. The pipeline already moved the
// requirement to its terminal status; only job and worktree bookkeeping
// remain here.
func (s *Scheduler) settle(ctx context.Context, sessionID string, res result, completed, failed map[string]bool, failures *[]string) {
	s.mu.Lock()
	h := s.inflight[res.requirementID]
	delete(s.inflight, res.requirementID)
	s.mu.Unlock()

	if h == nil {
		// Cancelled out from under the loop; CancelAll did the bookkeeping.
		failed[res.requirementID] = true
		*failures = append(*failures, res.requirementID)
		return
	}
	h.cancel()

	if res.err != nil {
		failed[res.requirementID] = true
		*failures = append(*failures, res.requirementID)
		if err := s.store.FailJob(ctx, h.jobID, res.err.Error()); err != nil {
			s.logger.Error("mark job failed", "job_id", h.jobID, "error", err.Error())
		}
		if h.wt != nil {
			if err := s.store.UpdateWorktreeStatus(ctx, h.wt.ID, store.WorktreeAbandoned); err != nil {
				s.logger.Error("abandon worktree", "worktree_id", h.wt.ID, "error", err.Error())
			}
		}
		s.logger.Error("job failed", "job_id", h.jobID, "requirement_id", res.requirementID, "error", res.err.Error())
		s.publish(bus.TopicJobFailed, bus.JobEvent{
			JobID:         h.jobID,
			RequirementID: res.requirementID,
			SessionID:     sessionID,
			Error:         res.err.Error(),
		})
		return
	}

	completed[res.requirementID] = true
	if err := s.store.CompleteJob(ctx, h.jobID); err != nil {
		s.logger.Error("mark job completed", "job_id", h.jobID, "error", err.Error())
	}
	if h.wt != nil {
		s.mergeWorktree(ctx, h.jobID, res.requirementID, h.wt)
	}
	s.logger.Info("job completed", "job_id", h.jobID, "requirement_id", res.requirementID)
	s.publish(bus.TopicJobCompleted, bus.JobEvent{
		JobID:         h.jobID,
		RequirementID: res.requirementID,
		SessionID:     sessionID,
	})
}

// mergeWorktree folds a successful job's branch back into the main checkout
// and retires the worktree. Merge conflicts leave the worktree active for
// manual resolution.
func (s *Scheduler) mergeWorktree(ctx context.Context, jobID, requirementID string, wt *worktree.Worktree) {
	if err := s.worktrees.Merge(ctx, wt); err != nil {
		s.logger.Warn("merge worktree branch", "branch", wt.BranchName, "error", err.Error())
		return
	}
	if err := s.worktrees.Remove(ctx, wt, false); err != nil {
		s.logger.Warn("remove merged worktree", "path", wt.WorktreePath, "error", err.Error())
	}
	if err := s.store.UpdateWorktreeStatus(ctx, wt.ID, store.WorktreeMerged); err != nil {
		s.logger.Error("mark worktree merged", "worktree_id", wt.ID, "error", err.Error())
	}
	s.publish(bus.TopicWorktreeRemoved, bus.WorktreeEvent{
		JobID:         jobID,
		RequirementID: requirementID,
		Branch:        wt.BranchName,
		Path:          wt.WorktreePath,
	})
}

// CancelAll terminates every in-flight job: the agent subprocess is killed
// through context cancellation, the job is marked cancelled and its
// requirement failed. Best-effort; does not wait for process exit.
func (s *Scheduler) CancelAll(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*jobHandle, 0, len(s.inflight))
	for _, h := range s.inflight {
		handles = append(handles, h)
	}
	s.inflight = make(map[string]*jobHandle)
	s.mu.Unlock()

	for _, h := range handles {
		h.runner.Kill()
		h.cancel()
		if err := s.store.CancelJob(ctx, h.jobID); err != nil {
			s.logger.Error("mark job cancelled", "job_id", h.jobID, "error", err.Error())
		}
		if err := s.store.UpdateRequirementStatus(ctx, h.requirementID, store.RequirementFailed, "cancelled"); err != nil {
			s.logger.Error("mark cancelled requirement failed", "requirement_id", h.requirementID, "error", err.Error())
		}
		if h.wt != nil {
			if err := s.store.UpdateWorktreeStatus(ctx, h.wt.ID, store.WorktreeAbandoned); err != nil {
				s.logger.Error("abandon worktree", "worktree_id", h.wt.ID, "error", err.Error())
			}
		}
		s.logger.Info("job cancelled", "job_id", h.jobID, "requirement_id", h.requirementID)
		s.publish(bus.TopicJobCancelled, bus.JobEvent{JobID: h.jobID, RequirementID: h.requirementID})
	}
}

// Reload swaps in updated tuning from a config change: concurrency, loop
// limits, retry policy. Takes effect on the next scheduling wave; jobs
// already running keep the limits they started with.
func (s *Scheduler) Reload(cfg config.Config) {
	s.mu.Lock()
	s.cfg.Concurrency = cfg.Concurrency
	s.cfg.Limits = cfg.Limits
	s.cfg.Retry = cfg.Retry
	s.mu.Unlock()
	s.logger.Info("scheduler tuning reloaded", "concurrency", cfg.Concurrency)
}

func (s *Scheduler) maxConcurrency(isolate bool) int {
	s.mu.Lock()
	c := s.cfg.Concurrency
	s.mu.Unlock()
	if c < 1 || !isolate {
		c = 1
	}
	return c
}

// InflightCount reports how many jobs are currently running.
func (s *Scheduler) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
