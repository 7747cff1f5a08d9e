package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "orchestrator.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSession(t *testing.T, s *Store) string {
	t.Helper()
	id, err := s.CreateSession(context.Background(), "/tmp/project", []string{"go"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return id
}

func TestOpenMigrations(t *testing.T) {
	t.Run("reopen_is_idempotent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "orchestrator.db")
		s1, err := Open(path, nil)
		if err != nil {
			t.Fatalf("first open: %v", err)
		}
		_ = s1.Close()

		s2, err := Open(path, nil)
		if err != nil {
			t.Fatalf("second open: %v", err)
		}
		_ = s2.Close()
	})

	t.Run("checksum_mismatch_rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "orchestrator.db")
		s, err := Open(path, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := s.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered';`); err != nil {
			t.Fatalf("tamper: %v", err)
		}
		_ = s.Close()

		if _, err := Open(path, nil); err == nil {
			t.Error("expected checksum mismatch error")
		}
	})
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := newSession(t, s)
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.ProjectPath != "/tmp/project" || sess.Status != "active" {
		t.Errorf("unexpected session: %+v", sess)
	}
	if len(sess.TechStack) != 1 || sess.TechStack[0] != "go" {
		t.Errorf("tech stack: %v", sess.TechStack)
	}

	if err := s.UpdateSessionPhase(ctx, id, "coding"); err != nil {
		t.Fatalf("UpdateSessionPhase: %v", err)
	}
	sess, _ = s.GetSession(ctx, id)
	if sess.CurrentPhase != "coding" {
		t.Errorf("phase: got %q", sess.CurrentPhase)
	}

	t.Run("not_found", func(t *testing.T) {
		if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := s.UpdateSessionPhase(ctx, "missing", "coding"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRequirements(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessID := newSession(t, s)

	reqID, err := s.CreateRequirement(ctx, sessID, "add a login page", 1)
	if err != nil {
		t.Fatalf("CreateRequirement: %v", err)
	}

	t.Run("starts_pending", func(t *testing.T) {
		r, err := s.GetRequirement(ctx, reqID)
		if err != nil {
			t.Fatalf("GetRequirement: %v", err)
		}
		if r.Status != RequirementPending {
			t.Errorf("status: got %q", r.Status)
		}
		if r.RawInput != "add a login page" || r.Priority != 1 {
			t.Errorf("unexpected requirement: %+v", r)
		}
	})

	t.Run("spec_round_trip", func(t *testing.T) {
		spec := Spec{
			Title:              "Login page",
			Description:        "Email/password login",
			AcceptanceCriteria: []string{"form renders", "bad password rejected"},
			Dependencies:       []string{"user-model"},
		}
		if err := s.SetRequirementSpec(ctx, reqID, spec); err != nil {
			t.Fatalf("SetRequirementSpec: %v", err)
		}
		r, _ := s.GetRequirement(ctx, reqID)
		if r.Title != "Login page" || len(r.AcceptanceCriteria) != 2 || r.Dependencies[0] != "user-model" {
			t.Errorf("spec not persisted: %+v", r)
		}
	})

	t.Run("status_transitions", func(t *testing.T) {
		if err := s.UpdateRequirementStatus(ctx, reqID, RequirementInProgress, ""); err != nil {
			t.Fatalf("to in_progress: %v", err)
		}
		if err := s.UpdateRequirementStatus(ctx, reqID, RequirementFailed, "tests never passed"); err != nil {
			t.Fatalf("to failed: %v", err)
		}
		r, _ := s.GetRequirement(ctx, reqID)
		if r.Status != RequirementFailed || r.Error != "tests never passed" {
			t.Errorf("failed state: %+v", r)
		}
	})

	t.Run("recovery_clears_error", func(t *testing.T) {
		// A requirement that failed and later completes must not keep the
		// old failure message.
		if err := s.UpdateRequirementStatus(ctx, reqID, RequirementCompleted, ""); err != nil {
			t.Fatalf("to completed: %v", err)
		}
		r, _ := s.GetRequirement(ctx, reqID)
		if r.Status != RequirementCompleted || r.Error != "" {
			t.Errorf("recovered state: %+v", r)
		}
	})

	t.Run("update_missing_id", func(t *testing.T) {
		if err := s.UpdateRequirementStatus(ctx, "nope", RequirementCompleted, ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list_in_submission_order", func(t *testing.T) {
		// Burst inserts land inside one CURRENT_TIMESTAMP second, so only
		// the insertion sequence can order them.
		want := []string{reqID}
		for i := 0; i < 8; i++ {
			id, err := s.CreateRequirement(ctx, sessID, fmt.Sprintf("req %d", i), 0)
			if err != nil {
				t.Fatalf("CreateRequirement %d: %v", i, err)
			}
			want = append(want, id)
		}
		list, err := s.ListRequirements(ctx, sessID)
		if err != nil {
			t.Fatalf("ListRequirements: %v", err)
		}
		if len(list) != len(want) {
			t.Fatalf("rows: got %d, want %d", len(list), len(want))
		}
		for i, id := range want {
			if list[i].ID != id {
				t.Errorf("row %d: got %s, want %s", i, list[i].ID, id)
			}
		}
	})
}

func TestTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessID := newSession(t, s)
	reqID, _ := s.CreateRequirement(ctx, sessID, "task host", 0)

	taskID, err := s.CreateTask(ctx, reqID, sessID, AgentPlanner, `{"prompt":"plan it"}`)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	t.Run("pending_to_running_to_completed", func(t *testing.T) {
		if err := s.MarkTaskRunning(ctx, taskID); err != nil {
			t.Fatalf("MarkTaskRunning: %v", err)
		}
		if err := s.CompleteTask(ctx, taskID, `{"title":"x"}`, 1); err != nil {
			t.Fatalf("CompleteTask: %v", err)
		}
		task, _ := s.GetTask(ctx, taskID)
		if task.Status != TaskCompleted || task.Output != `{"title":"x"}` || task.RetryCount != 1 {
			t.Errorf("completed task: %+v", task)
		}
		if task.StartedAt == nil || task.CompletedAt == nil {
			t.Error("timestamps missing")
		}
	})

	t.Run("running_twice_rejected", func(t *testing.T) {
		// Guarded by the status predicate: a completed task cannot re-run.
		if err := s.MarkTaskRunning(ctx, taskID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("fail_records_final_error_only", func(t *testing.T) {
		id2, _ := s.CreateTask(ctx, reqID, sessID, AgentCoder, "{}")
		_ = s.MarkTaskRunning(ctx, id2)
		if err := s.FailTask(ctx, id2, "agent exploded", 3); err != nil {
			t.Fatalf("FailTask: %v", err)
		}
		task, _ := s.GetTask(ctx, id2)
		if task.Status != TaskFailed || task.Error != "agent exploded" || task.RetryCount != 3 {
			t.Errorf("failed task: %+v", task)
		}
	})

	t.Run("list_in_creation_order", func(t *testing.T) {
		tasks, err := s.ListTasksForRequirement(ctx, reqID)
		if err != nil {
			t.Fatalf("ListTasksForRequirement: %v", err)
		}
		if len(tasks) != 2 || tasks[0].ID != taskID {
			t.Errorf("task order: %v", tasks)
		}

		// Same-second bursts must still read back in creation order.
		want := []string{tasks[0].ID, tasks[1].ID}
		for i := 0; i < 8; i++ {
			id, err := s.CreateTask(ctx, reqID, sessID, AgentCoder, fmt.Sprintf(`{"n":%d}`, i))
			if err != nil {
				t.Fatalf("CreateTask %d: %v", i, err)
			}
			want = append(want, id)
		}
		tasks, err = s.ListTasksForRequirement(ctx, reqID)
		if err != nil {
			t.Fatalf("ListTasksForRequirement: %v", err)
		}
		if len(tasks) != len(want) {
			t.Fatalf("rows: got %d, want %d", len(tasks), len(want))
		}
		for i, id := range want {
			if tasks[i].ID != id {
				t.Errorf("row %d: got %s, want %s", i, tasks[i].ID, id)
			}
		}
	})
}

func TestJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessID := newSession(t, s)
	reqID, _ := s.CreateRequirement(ctx, sessID, "job host", 0)

	jobID, err := s.CreateJob(ctx, reqID, sessID, "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	t.Run("lifecycle", func(t *testing.T) {
		if err := s.MarkJobRunning(ctx, jobID); err != nil {
			t.Fatalf("MarkJobRunning: %v", err)
		}
		n, err := s.CountRunningJobs(ctx, sessID)
		if err != nil || n != 1 {
			t.Fatalf("CountRunningJobs: n=%d err=%v", n, err)
		}
		if err := s.CompleteJob(ctx, jobID); err != nil {
			t.Fatalf("CompleteJob: %v", err)
		}
		job, _ := s.GetJob(ctx, jobID)
		if job.Status != JobCompleted || job.FinishedAt == nil {
			t.Errorf("completed job: %+v", job)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		id2, _ := s.CreateJob(ctx, reqID, sessID, "")
		if err := s.CancelJob(ctx, id2); err != nil {
			t.Fatalf("CancelJob: %v", err)
		}
		job, _ := s.GetJob(ctx, id2)
		if job.Status != JobCancelled {
			t.Errorf("status: %q", job.Status)
		}
	})

	t.Run("fail_with_error", func(t *testing.T) {
		id3, _ := s.CreateJob(ctx, reqID, sessID, "")
		if err := s.FailJob(ctx, id3, "dependency failed: other"); err != nil {
			t.Fatalf("FailJob: %v", err)
		}
		job, _ := s.GetJob(ctx, id3)
		if job.Status != JobFailed || job.Error == "" {
			t.Errorf("failed job: %+v", job)
		}
	})

	t.Run("list_in_creation_order", func(t *testing.T) {
		// A fresh session so the burst is the whole list. All inserts share
		// one CURRENT_TIMESTAMP second.
		sess2 := newSession(t, s)
		req2, _ := s.CreateRequirement(ctx, sess2, "burst host", 0)
		var want []string
		for i := 0; i < 8; i++ {
			id, err := s.CreateJob(ctx, req2, sess2, "")
			if err != nil {
				t.Fatalf("CreateJob %d: %v", i, err)
			}
			want = append(want, id)
		}
		jobs, err := s.ListJobsForSession(ctx, sess2)
		if err != nil {
			t.Fatalf("ListJobsForSession: %v", err)
		}
		if len(jobs) != len(want) {
			t.Fatalf("rows: got %d, want %d", len(jobs), len(want))
		}
		for i, id := range want {
			if jobs[i].ID != id {
				t.Errorf("row %d: got %s, want %s", i, jobs[i].ID, id)
			}
		}
	})
}

func TestWorktrees(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessID := newSession(t, s)

	if err := s.CreateWorktree(ctx, "wt-1", sessID, "req-1", "feature/login", "/tmp/wt/login"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	w, err := s.GetWorktree(ctx, "wt-1")
	if err != nil {
		t.Fatalf("GetWorktree: %v", err)
	}
	if w.Status != WorktreeActive || w.Branch != "feature/login" {
		t.Errorf("worktree: %+v", w)
	}

	if err := s.UpdateWorktreeStatus(ctx, "wt-1", WorktreeAbandoned); err != nil {
		t.Fatalf("UpdateWorktreeStatus: %v", err)
	}
	list, err := s.ListWorktreesByStatus(ctx, sessID, WorktreeAbandoned)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListWorktreesByStatus: %v (%d rows)", err, len(list))
	}

	if err := s.DeleteWorktree(ctx, "wt-1"); err != nil {
		t.Fatalf("DeleteWorktree: %v", err)
	}
	if _, err := s.GetWorktree(ctx, "wt-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCheckpoints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessID := newSession(t, s)

	phases := []string{"planning", "architecting", "coding"}
	for _, phase := range phases {
		if _, err := s.CreateCheckpoint(ctx, sessID, "req-1", phase, "", nil, nil); err != nil {
			t.Fatalf("CreateCheckpoint(%s): %v", phase, err)
		}
	}

	t.Run("monotonic_order", func(t *testing.T) {
		list, err := s.ListCheckpoints(ctx, sessID)
		if err != nil {
			t.Fatalf("ListCheckpoints: %v", err)
		}
		if len(list) != 3 {
			t.Fatalf("expected 3 checkpoints, got %d", len(list))
		}
		for i := 1; i < len(list); i++ {
			if list[i].Seq <= list[i-1].Seq {
				t.Errorf("seq not monotonic: %d then %d", list[i-1].Seq, list[i].Seq)
			}
		}
		for i, phase := range phases {
			if list[i].Phase != phase {
				t.Errorf("checkpoint %d: phase %q", i, list[i].Phase)
			}
		}
	})

	t.Run("latest", func(t *testing.T) {
		cp, err := s.LatestCheckpoint(ctx, sessID)
		if err != nil {
			t.Fatalf("LatestCheckpoint: %v", err)
		}
		if cp.Phase != "coding" {
			t.Errorf("latest phase: %q", cp.Phase)
		}
	})

	t.Run("latest_empty_session", func(t *testing.T) {
		other := newSession(t, s)
		if _, err := s.LatestCheckpoint(ctx, other); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("task_id_sets_round_trip", func(t *testing.T) {
		id, err := s.CreateCheckpoint(ctx, sessID, "req-1", "reviewing", "task-9",
			[]string{"task-1", "task-2"}, []string{"task-9"})
		if err != nil {
			t.Fatalf("CreateCheckpoint: %v", err)
		}
		_ = id
		cp, _ := s.LatestCheckpoint(ctx, sessID)
		if cp.LastTaskID != "task-9" || len(cp.CompletedTaskIDs) != 2 || len(cp.PendingTaskIDs) != 1 {
			t.Errorf("checkpoint payload: %+v", cp)
		}
	})

	t.Run("prune_keeps_recent", func(t *testing.T) {
		// maxAge 0 makes every checkpoint stale; keep=2 must survive.
		deleted, err := s.PruneCheckpoints(ctx, sessID, 2, 0)
		if err != nil {
			t.Fatalf("PruneCheckpoints: %v", err)
		}
		if deleted != 2 {
			t.Errorf("deleted: got %d, want 2", deleted)
		}
		list, _ := s.ListCheckpoints(ctx, sessID)
		if len(list) != 2 {
			t.Errorf("remaining: got %d, want 2", len(list))
		}
	})
}

func TestPlans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessID := newSession(t, s)
	reqID, _ := s.CreateRequirement(ctx, sessID, "planned", 0)

	if err := s.SavePlan(ctx, reqID, []string{"a", "b"}); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	p, err := s.GetPlan(ctx, reqID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if len(p.DependsOn) != 2 || p.DependsOn[0] != "a" {
		t.Errorf("plan deps: %v", p.DependsOn)
	}

	// Upsert replaces the list.
	if err := s.SavePlan(ctx, reqID, nil); err != nil {
		t.Fatalf("SavePlan upsert: %v", err)
	}
	p, _ = s.GetPlan(ctx, reqID)
	if len(p.DependsOn) != 0 {
		t.Errorf("plan deps after upsert: %v", p.DependsOn)
	}

	if _, err := s.GetPlan(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sessID := newSession(t, s)
	reqID, _ := s.CreateRequirement(ctx, sessID, "cascade", 0)
	taskID, _ := s.CreateTask(ctx, reqID, sessID, AgentCoder, "{}")
	jobID, _ := s.CreateJob(ctx, reqID, sessID, "")
	_, _ = s.CreateCheckpoint(ctx, sessID, reqID, "planning", "", nil, nil)

	if err := s.DeleteSession(ctx, sessID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, err := s.GetRequirement(ctx, reqID); !errors.Is(err, ErrNotFound) {
		t.Errorf("requirement survived cascade: %v", err)
	}
	if _, err := s.GetTask(ctx, taskID); !errors.Is(err, ErrNotFound) {
		t.Errorf("task survived cascade: %v", err)
	}
	if _, err := s.GetJob(ctx, jobID); !errors.Is(err, ErrNotFound) {
		t.Errorf("job survived cascade: %v", err)
	}
	if _, err := s.LatestCheckpoint(ctx, sessID); !errors.Is(err, ErrNotFound) {
		t.Errorf("checkpoint survived cascade: %v", err)
	}
}
