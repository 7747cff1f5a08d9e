package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/foundry/foreman/internal/config"
	"github.com/foundry/foreman/internal/store"
)

// fakeRunner is a test double for commandRunner.
type fakeRunner struct {
	stdout string
	stderr string
	err    error

	gotDir   string
	gotStdin string
	gotName  string
	gotArgs  []string
}

func (f *fakeRunner) Run(_ context.Context, dir, stdin, name string, args ...string) (string, string, error) {
	f.gotDir = dir
	f.gotStdin = stdin
	f.gotName = name
	f.gotArgs = args
	return f.stdout, f.stderr, f.err
}

func newTestInvoker(runner commandRunner) *ExecInvoker {
	inv := NewExecInvoker(config.AgentConfig{Command: "fake-agent", Args: []string{"--json"}}, nil)
	inv.runner = runner
	return inv
}

func TestExecInvoker(t *testing.T) {
	t.Run("passes_payload_and_role", func(t *testing.T) {
		runner := &fakeRunner{stdout: `{"ok":true}` + "\n"}
		inv := newTestInvoker(runner)

		resp, err := inv.Invoke(context.Background(), Request{
			TaskID:    "task-1",
			AgentType: store.AgentReviewer,
			Payload:   `{"spec":"x"}`,
			WorkDir:   "/tmp/wt",
		})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if resp.Output != `{"ok":true}` {
			t.Errorf("output not trimmed: %q", resp.Output)
		}
		if runner.gotDir != "/tmp/wt" {
			t.Errorf("work dir: %q", runner.gotDir)
		}
		if runner.gotStdin != `{"spec":"x"}` {
			t.Errorf("stdin: %q", runner.gotStdin)
		}
		joined := strings.Join(runner.gotArgs, " ")
		if !strings.Contains(joined, "--role reviewer") || !strings.Contains(joined, "--task task-1") {
			t.Errorf("args: %v", runner.gotArgs)
		}
		if runner.gotArgs[0] != "--json" {
			t.Errorf("configured args must come first: %v", runner.gotArgs)
		}
	})

	t.Run("failure_includes_stderr_tail", func(t *testing.T) {
		runner := &fakeRunner{stderr: "model quota exceeded", err: errors.New("exit status 1")}
		inv := newTestInvoker(runner)

		_, err := inv.Invoke(context.Background(), Request{TaskID: "t", AgentType: store.AgentCoder})
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "model quota exceeded") {
			t.Errorf("stderr missing from error: %v", err)
		}
	})

	t.Run("failure_redacts_secrets_in_stderr", func(t *testing.T) {
		runner := &fakeRunner{
			stderr: `request denied: api_key=sk_live_abcdef0123456789xyz`,
			err:    errors.New("exit status 1"),
		}
		inv := newTestInvoker(runner)

		_, err := inv.Invoke(context.Background(), Request{TaskID: "t", AgentType: store.AgentCoder})
		if err == nil {
			t.Fatal("expected error")
		}
		if strings.Contains(err.Error(), "sk_live_abcdef0123456789xyz") {
			t.Errorf("secret leaked into error: %v", err)
		}
	})
}

func TestTail(t *testing.T) {
	if got := tail("abcdef", 3); got != "def" {
		t.Errorf("tail: %q", got)
	}
	if got := tail("ab", 10); got != "ab" {
		t.Errorf("tail short: %q", got)
	}
}
