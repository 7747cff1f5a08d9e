package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/foundry/foreman/internal/config"
	"github.com/foundry/foreman/internal/shared"
)

// ExecInvoker runs the agent as a subprocess: payload on stdin, JSON output
// on stdout. Context cancellation kills the process, which is how the
// scheduler's CancelAll reaches a running agent.
type ExecInvoker struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger

	runner commandRunner // swapped in tests
}

// commandRunner abstracts subprocess execution.
type commandRunner interface {
	Run(ctx context.Context, dir, stdin string, name string, args ...string) (stdout, stderr string, err error)
}

// NewExecInvoker builds an invoker from the agent config.
func NewExecInvoker(cfg config.AgentConfig, logger *slog.Logger) *ExecInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecInvoker{
		command: cfg.Command,
		args:    cfg.Args,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:  logger,
		runner:  execRunner{},
	}
}

// Invoke runs the agent once for the given task.
func (e *ExecInvoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := append(append([]string{}, e.args...), "--role", string(req.AgentType), "--task", req.TaskID)

	start := time.Now()
	stdout, stderr, err := e.runner.Run(ctx, req.WorkDir, req.Payload, e.command, args...)
	if err != nil {
		detail := strings.TrimSpace(shared.Redact(tail(stderr, 512)))
		if detail != "" {
			return nil, fmt.Errorf("agent %s (task %s): %w: %s", req.AgentType, req.TaskID, err, detail)
		}
		return nil, fmt.Errorf("agent %s (task %s): %w", req.AgentType, req.TaskID, err)
	}

	e.logger.Debug("agent invocation finished",
		"task_id", req.TaskID,
		"role", string(req.AgentType),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &Response{Output: strings.TrimSpace(stdout)}, nil
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// execRunner is the real subprocess runner.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, stdin string, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
