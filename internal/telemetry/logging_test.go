package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foundry/foreman/internal/shared"
)

func TestNewLogger(t *testing.T) {
	t.Run("writes_jsonl_to_file", func(t *testing.T) {
		dir := t.TempDir()
		logger, closer, err := NewLogger(dir, "info", true)
		if err != nil {
			t.Fatalf("NewLogger: %v", err)
		}
		logger.Info("job settled", "job_id", "j1")
		_ = closer.Close()

		data, err := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
		if err != nil {
			t.Fatalf("read log: %v", err)
		}
		line := strings.TrimSpace(string(data))
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line not JSON: %v", err)
		}
		if entry["msg"] != "job settled" {
			t.Errorf("msg: got %v", entry["msg"])
		}
		if _, ok := entry["timestamp"]; !ok {
			t.Error("expected renamed timestamp key")
		}
	})

	t.Run("redacts_sensitive_keys", func(t *testing.T) {
		dir := t.TempDir()
		logger, closer, err := NewLogger(dir, "info", true)
		if err != nil {
			t.Fatalf("NewLogger: %v", err)
		}
		logger.Info("agent env", "api_key", "super-secret-value")
		_ = closer.Close()

		data, _ := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
		if strings.Contains(string(data), "super-secret-value") {
			t.Error("secret value leaked into log")
		}
	})

	t.Run("context_ids_become_attributes", func(t *testing.T) {
		dir := t.TempDir()
		logger, closer, err := NewLogger(dir, "info", true)
		if err != nil {
			t.Fatalf("NewLogger: %v", err)
		}
		ctx := shared.WithTraceID(context.Background(), "tr-1")
		ctx = shared.WithSessionID(ctx, "sess-1")
		ctx = shared.WithRequirementID(ctx, "req-1")
		ctx = shared.WithJobID(ctx, "job-1")
		logger.InfoContext(ctx, "job started")
		logger.InfoContext(ctx, "job settled", "job_id", "explicit")
		logger.Info("no context")
		_ = closer.Close()

		data, _ := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 3 {
			t.Fatalf("lines: got %d", len(lines))
		}
		entries := make([]map[string]any, len(lines))
		for i, line := range lines {
			if err := json.Unmarshal([]byte(line), &entries[i]); err != nil {
				t.Fatalf("line %d not JSON: %v", i, err)
			}
		}
		first := entries[0]
		if first["trace_id"] != "tr-1" || first["session_id"] != "sess-1" ||
			first["requirement_id"] != "req-1" || first["job_id"] != "job-1" {
			t.Errorf("carrier ids missing: %v", first)
		}
		// An attribute given at the call site wins over the context value.
		if entries[1]["job_id"] != "explicit" {
			t.Errorf("job_id: got %v", entries[1]["job_id"])
		}
		// Without a context the trace id falls back to the placeholder.
		if entries[2]["trace_id"] != "-" {
			t.Errorf("trace_id default: got %v", entries[2]["trace_id"])
		}
	})

	t.Run("level_filtering", func(t *testing.T) {
		dir := t.TempDir()
		logger, closer, err := NewLogger(dir, "warn", true)
		if err != nil {
			t.Fatalf("NewLogger: %v", err)
		}
		logger.Info("dropped")
		logger.Warn("kept")
		_ = closer.Close()

		data, _ := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
		if strings.Contains(string(data), "dropped") {
			t.Error("info line should be filtered at warn level")
		}
		if !strings.Contains(string(data), "kept") {
			t.Error("warn line missing")
		}
	})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
