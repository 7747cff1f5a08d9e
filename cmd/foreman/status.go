package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/foundry/foreman/internal/store"
)

func runStatusCommand(ctx context.Context, projectDir string) int {
	a, err := newApp(projectDir, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer a.Close()

	sess, err := findSession(ctx, a.store, a.cfg.ProjectDir)
	if err != nil {
		fmt.Println("no session for this project")
		return 0
	}

	fmt.Printf("session %s  phase=%s status=%s\n", sess.ID, sess.CurrentPhase, sess.Status)

	reqs, err := a.store.ListRequirements(ctx, sess.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQUIREMENT\tTITLE\tSTATUS\tERROR")
	counts := map[store.RequirementStatus]int{}
	for _, r := range reqs {
		counts[r.Status]++
		title := r.Title
		if title == "" {
			title = truncate(r.RawInput, 40)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, title, r.Status, truncate(r.Error, 60))
	}
	_ = w.Flush()

	running, err := a.store.CountRunningJobs(ctx, sess.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	fmt.Printf("\n%d pending, %d in progress, %d completed, %d failed; %d job(s) running\n",
		counts[store.RequirementPending],
		counts[store.RequirementInProgress],
		counts[store.RequirementCompleted],
		counts[store.RequirementFailed],
		running,
	)
	return 0
}

// truncate cuts on rune boundaries so multi-byte titles are never split
// mid-character.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
