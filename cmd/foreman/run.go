package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/foundry/foreman/internal/agent"
	"github.com/foundry/foreman/internal/config"
	otelPkg "github.com/foundry/foreman/internal/otel"
	"github.com/foundry/foreman/internal/retention"
	"github.com/foundry/foreman/internal/scheduler"
	"github.com/foundry/foreman/internal/store"
	"github.com/foundry/foreman/internal/worktree"
)

func runRunCommand(ctx context.Context, projectDir string, quiet bool) int {
	a, err := newApp(projectDir, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	defer a.Close()

	sess, err := findSession(ctx, a.store, a.cfg.ProjectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: no session for this project, submit a requirement first\n")
		return 1
	}

	items, err := pendingItems(ctx, a.store, sess.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	if len(items) == 0 {
		fmt.Println("nothing to run")
		return 0
	}
	return executeBatch(ctx, a, sess, items)
}

func runResumeCommand(ctx context.Context, projectDir string, quiet bool) int {
	a, err := newApp(projectDir, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		return 1
	}
	defer a.Close()

	sess, err := findSession(ctx, a.store, a.cfg.ProjectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resume: no session for this project\n")
		return 1
	}

	cp, err := a.store.LatestCheckpoint(ctx, sess.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Println("no checkpoint recorded, starting fresh")
	case err != nil:
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		return 1
	default:
		fmt.Printf("resuming after checkpoint: requirement %s, phase %s\n", cp.RequirementID, cp.Phase)
		a.logger.Info("resuming from checkpoint",
			"checkpoint_id", cp.ID,
			"requirement_id", cp.RequirementID,
			"phase", cp.Phase,
		)
	}

	// Interrupted runs leave requirements in_progress; they restart from
	// the top of the pipeline, which is idempotent per phase.
	items, err := resumableItems(ctx, a.store, sess.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		return 1
	}
	if len(items) == 0 {
		fmt.Println("nothing to resume")
		return 0
	}
	return executeBatch(ctx, a, sess, items)
}

func runSweepCommand(ctx context.Context, projectDir string, quiet bool) int {
	a, err := newApp(projectDir, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}
	defer a.Close()

	sw, err := retention.NewSweeper(retention.Config{
		Store:     a.store,
		Logger:    a.logger,
		Retention: a.cfg.Retention,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}
	sw.Sweep(ctx)
	fmt.Println("sweep finished")
	return 0
}

// executeBatch wires the full engine around one scheduler run: telemetry,
// metrics observer, config watcher, retention sweeper.
func executeBatch(ctx context.Context, a *app, sess *store.Session, items []scheduler.Item) int {
	provider, err := otelPkg.Init(ctx, a.cfg.OTel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.WithoutCancel(ctx)) }()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	obsCtx, stopObserver := context.WithCancel(ctx)
	defer stopObserver()
	go otelPkg.NewBusObserver(a.bus, metrics, a.logger).Run(obsCtx)

	sweeper, err := retention.NewSweeper(retention.Config{
		Store:     a.store,
		Logger:    a.logger,
		Retention: a.cfg.Retention,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	sched := scheduler.New(scheduler.Params{
		Store:     a.store,
		Worktrees: worktree.New(a.cfg.ProjectDir, a.logger),
		Invoker:   agent.NewExecInvoker(a.cfg.Agent, a.logger),
		Bus:       a.bus,
		Logger:    a.logger,
		Config:    a.cfg,
		Tracer:    provider.Tracer,
	})

	watcher := config.NewWatcher(a.cfg.ProjectDir, a.logger)
	if err := watcher.Start(obsCtx); err != nil {
		a.logger.Warn("config watcher unavailable", "error", err.Error())
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load(a.cfg.ProjectDir)
				if err != nil {
					a.logger.Warn("config reload skipped", "error", err.Error())
					continue
				}
				sched.Reload(fresh)
			}
		}()
	}

	a.logger.Info("run starting",
		"session_id", sess.ID,
		"requirements", len(items),
		"concurrency", a.cfg.Concurrency,
	)
	if err := sched.RunWithDependencies(ctx, sess.ID, items); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "run cancelled")
			return 130
		}
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	fmt.Printf("%d requirement(s) completed\n", len(items))
	return 0
}

// pendingItems collects pending requirements with their stored dependency
// lists, priority order first.
func pendingItems(ctx context.Context, st *store.Store, sessionID string) ([]scheduler.Item, error) {
	return collectItems(ctx, st, sessionID, func(r store.Requirement) bool {
		return r.Status == store.RequirementPending
	})
}

// resumableItems also picks up requirements a crashed run left in_progress.
func resumableItems(ctx context.Context, st *store.Store, sessionID string) ([]scheduler.Item, error) {
	return collectItems(ctx, st, sessionID, func(r store.Requirement) bool {
		return r.Status == store.RequirementPending || r.Status == store.RequirementInProgress
	})
}

func collectItems(ctx context.Context, st *store.Store, sessionID string, keep func(store.Requirement) bool) ([]scheduler.Item, error) {
	reqs, err := st.ListRequirements(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// Higher priority first; ListRequirements is submission-ordered, so the
	// sort below is stable within a priority band.
	sortByPriority(reqs)

	var items []scheduler.Item
	for _, r := range reqs {
		if !keep(r) {
			continue
		}
		item := scheduler.Item{RequirementID: r.ID}
		plan, err := st.GetPlan(ctx, r.ID)
		switch {
		case err == nil:
			item.DependsOn = plan.DependsOn
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func sortByPriority(reqs []store.Requirement) {
	// Insertion sort keeps submission order stable within equal priorities.
	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].Priority > reqs[j-1].Priority; j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
}
