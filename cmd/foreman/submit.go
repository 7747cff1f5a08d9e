package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/foundry/foreman/internal/config"
)

func runInitCommand(projectDir string) int {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	// Load applies defaults; Save materializes them on disk.
	cfg, err := config.Load(absDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s\n", config.ConfigPath(cfg.ProjectDir))
	return 0
}

func runSubmitCommand(ctx context.Context, projectDir string, quiet bool, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	deps := fs.String("deps", "", "comma-separated requirement ids this one depends on")
	priority := fs.Int("priority", 0, "scheduling priority (higher runs earlier within a ready set)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Fprintln(os.Stderr, "usage: foreman submit [-deps id,id] [-priority n] <requirement text>")
		return 2
	}

	a, err := newApp(projectDir, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	defer a.Close()

	sess, err := findOrCreateSession(ctx, a.store, a.cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}

	id, err := a.store.CreateRequirement(ctx, sess.ID, text, *priority)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	if dependsOn := splitDeps(*deps); len(dependsOn) > 0 {
		if err := a.store.SavePlan(ctx, id, dependsOn); err != nil {
			fmt.Fprintf(os.Stderr, "submit: %v\n", err)
			return 1
		}
	}

	a.logger.Info("requirement submitted", "requirement_id", id, "session_id", sess.ID)
	fmt.Println(id)
	return 0
}

// splitDeps parses the -deps flag value into requirement ids.
func splitDeps(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
