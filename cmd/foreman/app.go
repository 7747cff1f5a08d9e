package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/foundry/foreman/internal/bus"
	"github.com/foundry/foreman/internal/config"
	"github.com/foundry/foreman/internal/store"
	"github.com/foundry/foreman/internal/telemetry"
)

// app bundles the pieces every subcommand needs: config, logger, bus, store.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	logCloser io.Closer
	bus       *bus.Bus
	store     *store.Store
}

func newApp(projectDir string, quiet bool) (*app, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	cfg, err := config.Load(absDir)
	if err != nil {
		return nil, err
	}

	logger, closer, err := telemetry.NewLogger(cfg.DataDir(), cfg.LogLevel, quiet)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	eventBus := bus.New()
	st, err := store.Open(cfg.DBPath(), eventBus)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		logCloser: closer,
		bus:       eventBus,
		store:     st,
	}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
	_ = a.logCloser.Close()
}

// findSession returns the session whose project path matches the configured
// directory, or ErrNotFound.
func findSession(ctx context.Context, st *store.Store, projectDir string) (*store.Session, error) {
	ids, err := st.ListSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		sess, err := st.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.ProjectPath == projectDir {
			return sess, nil
		}
	}
	return nil, fmt.Errorf("session for %s: %w", projectDir, store.ErrNotFound)
}

// findOrCreateSession reuses the project's session or creates one.
func findOrCreateSession(ctx context.Context, st *store.Store, cfg config.Config) (*store.Session, error) {
	sess, err := findSession(ctx, st, cfg.ProjectDir)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	id, err := st.CreateSession(ctx, cfg.ProjectDir, cfg.TechStack)
	if err != nil {
		return nil, err
	}
	return st.GetSession(ctx, id)
}
