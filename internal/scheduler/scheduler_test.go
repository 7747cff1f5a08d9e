package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foundry/foreman/internal/bus"
	"github.com/foundry/foreman/internal/config"
	"github.com/foundry/foreman/internal/pipeline"
	"github.com/foundry/foreman/internal/store"
	"github.com/foundry/foreman/internal/worktree"
)

// recorder tracks job start/finish interleaving across runner goroutines.
type recorder struct {
	mu     sync.Mutex
	events []string
	cur    int
	max    int
}

func (r *recorder) start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur++
	if r.cur > r.max {
		r.max = r.cur
	}
	r.events = append(r.events, "start:"+id)
}

func (r *recorder) finish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur--
	r.events = append(r.events, "finish:"+id)
}

func (r *recorder) index(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

// stubRunner stands in for a pipeline controller: it moves the requirement
// to a terminal status and reports the outcome.
type stubRunner struct {
	s       *store.Store
	rec     *recorder
	failIDs map[string]bool
	block   bool

	killOnce sync.Once
	killed   chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, requirementID string) error {
	r.rec.start(requirementID)
	defer r.rec.finish(requirementID)

	if r.block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.killed:
			return errors.New("killed")
		}
	}

	time.Sleep(5 * time.Millisecond)
	if r.failIDs[requirementID] {
		_ = r.s.UpdateRequirementStatus(context.WithoutCancel(ctx), requirementID, store.RequirementFailed, "agent failure")
		return errors.New("agent failure")
	}
	_ = r.s.UpdateRequirementStatus(ctx, requirementID, store.RequirementCompleted, "")
	return nil
}

func (r *stubRunner) Kill() {
	r.killOnce.Do(func() { close(r.killed) })
}

// fakeWorktrees scripts the isolation collaborator.
type fakeWorktrees struct {
	gitRepo    bool
	failCreate bool

	mu      sync.Mutex
	created int
	removed int
	merged  int
}

func (f *fakeWorktrees) IsGitRepo(context.Context) bool { return f.gitRepo }

func (f *fakeWorktrees) Create(_ context.Context, _, requirementID, _ string) (*worktree.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return nil, errors.New("worktree add failed")
	}
	f.created++
	return &worktree.Worktree{
		ID:           "wt-" + requirementID,
		BranchName:   "foreman/req-" + requirementID,
		WorktreePath: "/repo/.foreman/worktrees/" + requirementID,
	}, nil
}

func (f *fakeWorktrees) Remove(context.Context, *worktree.Worktree, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	return nil
}

func (f *fakeWorktrees) Merge(context.Context, *worktree.Worktree) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged++
	return nil
}

type testEnv struct {
	store     *store.Store
	sessionID string
	rec       *recorder
	worktrees *fakeWorktrees
	bus       *bus.Bus

	paramsMu sync.Mutex
	params   []pipeline.Params
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	sessionID, err := s.CreateSession(context.Background(), "/repo", []string{"go"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return &testEnv{
		store:     s,
		sessionID: sessionID,
		rec:       &recorder{},
		worktrees: &fakeWorktrees{gitRepo: true},
		bus:       bus.New(),
	}
}

func (e *testEnv) requirement(t *testing.T, raw string) string {
	t.Helper()
	id, err := e.store.CreateRequirement(context.Background(), e.sessionID, raw, 0)
	if err != nil {
		t.Fatalf("CreateRequirement: %v", err)
	}
	return id
}

func (e *testEnv) scheduler(concurrency int, failIDs map[string]bool, block bool) *Scheduler {
	return New(Params{
		Store:     e.store,
		Worktrees: e.worktrees,
		Bus:       e.bus,
		Config: config.Config{
			ProjectDir:  "/repo",
			Concurrency: concurrency,
			Limits:      config.LoopLimits{ReviewToCoder: 3, TestToCoder: 3, MaxAgentCalls: 50},
			Retry:       config.RetryConfig{MaxRetries: 3, InitialDelayMS: 1, MaxDelayMS: 5, Multiplier: 2.0},
		},
		NewRunner: func(pp pipeline.Params) PipelineRunner {
			e.paramsMu.Lock()
			e.params = append(e.params, pp)
			e.paramsMu.Unlock()
			return &stubRunner{
				s:       e.store,
				rec:     e.rec,
				failIDs: failIDs,
				block:   block,
				killed:  make(chan struct{}),
			}
		},
	})
}

func TestRunAll(t *testing.T) {
	t.Run("bounded_concurrency_all_complete", func(t *testing.T) {
		e := newTestEnv(t)
		var ids []string
		for i := 0; i < 5; i++ {
			ids = append(ids, e.requirement(t, "req"))
		}

		if err := e.scheduler(2, nil, false).RunAll(context.Background(), e.sessionID, ids); err != nil {
			t.Fatalf("RunAll: %v", err)
		}

		if e.rec.max > 2 {
			t.Errorf("concurrent jobs peaked at %d", e.rec.max)
		}
		for _, id := range ids {
			req, err := e.store.GetRequirement(context.Background(), id)
			if err != nil {
				t.Fatalf("GetRequirement: %v", err)
			}
			if req.Status != store.RequirementCompleted {
				t.Errorf("requirement %s status: %s", id, req.Status)
			}
		}
		jobs, err := e.store.ListJobsForSession(context.Background(), e.sessionID)
		if err != nil {
			t.Fatalf("ListJobsForSession: %v", err)
		}
		if len(jobs) != 5 {
			t.Fatalf("job count: %d", len(jobs))
		}
		for _, j := range jobs {
			if j.Status != store.JobCompleted {
				t.Errorf("job %s status: %s", j.ID, j.Status)
			}
		}
	})

	t.Run("aggregate_error_reports_failures", func(t *testing.T) {
		e := newTestEnv(t)
		good := e.requirement(t, "good")
		bad := e.requirement(t, "bad")

		err := e.scheduler(2, map[string]bool{bad: true}, false).RunAll(context.Background(), e.sessionID, []string{good, bad})
		if err == nil {
			t.Fatal("expected aggregate error")
		}
		if !strings.Contains(err.Error(), "1 completed, 1 failed, 0 skipped") {
			t.Errorf("summary: %v", err)
		}
	})

	t.Run("no_git_repo_degrades_to_sequential", func(t *testing.T) {
		e := newTestEnv(t)
		e.worktrees.gitRepo = false
		var ids []string
		for i := 0; i < 3; i++ {
			ids = append(ids, e.requirement(t, "req"))
		}

		if err := e.scheduler(3, nil, false).RunAll(context.Background(), e.sessionID, ids); err != nil {
			t.Fatalf("RunAll: %v", err)
		}
		if e.rec.max != 1 {
			t.Errorf("concurrent jobs peaked at %d, want 1", e.rec.max)
		}
		if e.worktrees.created != 0 {
			t.Errorf("worktrees created without isolation: %d", e.worktrees.created)
		}
	})
}

func TestRunWithDependencies(t *testing.T) {
	t.Run("dependent_starts_after_dependency_completes", func(t *testing.T) {
		e := newTestEnv(t)
		a := e.requirement(t, "a")
		b := e.requirement(t, "b")

		err := e.scheduler(2, nil, false).RunWithDependencies(context.Background(), e.sessionID, []Item{
			{RequirementID: a},
			{RequirementID: b, DependsOn: []string{a}},
		})
		if err != nil {
			t.Fatalf("RunWithDependencies: %v", err)
		}

		if e.rec.index("start:"+b) < e.rec.index("finish:"+a) {
			t.Errorf("b started before a finished: %v", e.rec.events)
		}
	})

	t.Run("failed_dependency_skips_dependent", func(t *testing.T) {
		e := newTestEnv(t)
		a := e.requirement(t, "a")
		b := e.requirement(t, "b")

		err := e.scheduler(2, map[string]bool{a: true}, false).RunWithDependencies(context.Background(), e.sessionID, []Item{
			{RequirementID: a},
			{RequirementID: b, DependsOn: []string{a}},
		})
		if err == nil {
			t.Fatal("expected aggregate error")
		}
		if !strings.Contains(err.Error(), "1 failed, 1 skipped") {
			t.Errorf("summary: %v", err)
		}

		req, err2 := e.store.GetRequirement(context.Background(), b)
		if err2 != nil {
			t.Fatalf("GetRequirement: %v", err2)
		}
		if req.Status != store.RequirementFailed || !strings.Contains(req.Error, "dependency") {
			t.Errorf("skipped requirement: status=%s error=%q", req.Status, req.Error)
		}

		// The skipped requirement never got a job.
		jobs, err2 := e.store.ListJobsForSession(context.Background(), e.sessionID)
		if err2 != nil {
			t.Fatalf("ListJobsForSession: %v", err2)
		}
		if len(jobs) != 1 || jobs[0].RequirementID != a {
			t.Errorf("jobs: %+v", jobs)
		}
	})

	t.Run("cycle_is_fatal_and_names_items", func(t *testing.T) {
		e := newTestEnv(t)
		a := e.requirement(t, "a")
		b := e.requirement(t, "b")

		err := e.scheduler(2, nil, false).RunWithDependencies(context.Background(), e.sessionID, []Item{
			{RequirementID: a, DependsOn: []string{b}},
			{RequirementID: b, DependsOn: []string{a}},
		})
		if err == nil {
			t.Fatal("expected circular dependency error")
		}
		if !strings.Contains(err.Error(), "circular dependency") ||
			!strings.Contains(err.Error(), a) || !strings.Contains(err.Error(), b) {
			t.Errorf("error: %v", err)
		}
	})

	t.Run("unknown_dependency_is_ignored", func(t *testing.T) {
		e := newTestEnv(t)
		a := e.requirement(t, "a")

		err := e.scheduler(1, nil, false).RunWithDependencies(context.Background(), e.sessionID, []Item{
			{RequirementID: a, DependsOn: []string{"outside-the-batch"}},
		})
		if err != nil {
			t.Fatalf("RunWithDependencies: %v", err)
		}
	})
}

func TestWorktreeLifecycle(t *testing.T) {
	t.Run("creation_failure_falls_back_to_shared_dir", func(t *testing.T) {
		e := newTestEnv(t)
		e.worktrees.failCreate = true
		id := e.requirement(t, "req")

		sub := e.bus.Subscribe("worktree.")
		defer e.bus.Unsubscribe(sub)

		if err := e.scheduler(1, nil, false).RunAll(context.Background(), e.sessionID, []string{id}); err != nil {
			t.Fatalf("RunAll: %v", err)
		}

		if len(e.params) != 1 || e.params[0].WorkDir != "/repo" {
			t.Errorf("runner work dir: %+v", e.params)
		}
		select {
		case ev := <-sub.Ch():
			if ev.Topic != bus.TopicWorktreeFallback {
				t.Errorf("topic: %s", ev.Topic)
			}
		default:
			t.Error("no fallback event published")
		}
	})

	t.Run("successful_job_merges_worktree", func(t *testing.T) {
		e := newTestEnv(t)
		id := e.requirement(t, "req")

		if err := e.scheduler(1, nil, false).RunAll(context.Background(), e.sessionID, []string{id}); err != nil {
			t.Fatalf("RunAll: %v", err)
		}

		if e.worktrees.merged != 1 || e.worktrees.removed != 1 {
			t.Errorf("merged=%d removed=%d", e.worktrees.merged, e.worktrees.removed)
		}
		wt, err := e.store.GetWorktree(context.Background(), "wt-"+id)
		if err != nil {
			t.Fatalf("GetWorktree: %v", err)
		}
		if wt.Status != store.WorktreeMerged {
			t.Errorf("worktree status: %s", wt.Status)
		}
		if e.params[0].WorkDir != "/repo/.foreman/worktrees/"+id {
			t.Errorf("runner work dir: %q", e.params[0].WorkDir)
		}
	})

	t.Run("failed_job_abandons_worktree", func(t *testing.T) {
		e := newTestEnv(t)
		id := e.requirement(t, "req")

		err := e.scheduler(1, map[string]bool{id: true}, false).RunAll(context.Background(), e.sessionID, []string{id})
		if err == nil {
			t.Fatal("expected aggregate error")
		}
		wt, err := e.store.GetWorktree(context.Background(), "wt-"+id)
		if err != nil {
			t.Fatalf("GetWorktree: %v", err)
		}
		if wt.Status != store.WorktreeAbandoned {
			t.Errorf("worktree status: %s", wt.Status)
		}
	})
}

func TestCancelAll(t *testing.T) {
	e := newTestEnv(t)
	a := e.requirement(t, "a")
	b := e.requirement(t, "b")

	sched := e.scheduler(2, nil, true)
	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.RunAll(context.Background(), e.sessionID, []string{a, b})
	}()

	deadline := time.After(2 * time.Second)
	for sched.InflightCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("jobs never started")
		case <-time.After(time.Millisecond):
		}
	}

	sched.CancelAll(context.Background())

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected aggregate error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunAll did not return after CancelAll")
	}

	jobs, err := e.store.ListJobsForSession(context.Background(), e.sessionID)
	if err != nil {
		t.Fatalf("ListJobsForSession: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("job count: %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != store.JobCancelled {
			t.Errorf("job %s status: %s", j.ID, j.Status)
		}
	}
	for _, id := range []string{a, b} {
		req, err := e.store.GetRequirement(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRequirement: %v", err)
		}
		if req.Status != store.RequirementFailed {
			t.Errorf("requirement %s status: %s", id, req.Status)
		}
	}
}

func TestReload(t *testing.T) {
	e := newTestEnv(t)
	sched := e.scheduler(1, nil, false)

	if got := sched.maxConcurrency(true); got != 1 {
		t.Fatalf("initial concurrency: %d", got)
	}

	sched.Reload(config.Config{
		Concurrency: 4,
		Limits:      config.LoopLimits{ReviewToCoder: 5, TestToCoder: 5, MaxAgentCalls: 99},
		Retry:       config.RetryConfig{MaxRetries: 1, InitialDelayMS: 1, MaxDelayMS: 1, Multiplier: 1.0},
	})

	if got := sched.maxConcurrency(true); got != 4 {
		t.Errorf("reloaded concurrency: %d", got)
	}
	// Without worktree isolation the bound stays sequential regardless.
	if got := sched.maxConcurrency(false); got != 1 {
		t.Errorf("unisolated concurrency: %d", got)
	}
	if sched.cfg.Limits.MaxAgentCalls != 99 {
		t.Errorf("loop limits not swapped: %+v", sched.cfg.Limits)
	}
}
