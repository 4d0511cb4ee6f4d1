package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/clawtask/internal/shared"
)

func readLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log json: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	logger.Info("task claimed", "task_id", "task-1")

	lines := readLines(t, home)
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %d", len(lines))
	}
	entry := lines[0]
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "clawtask" || entry["trace_id"] != "-" {
		t.Fatalf("unexpected defaults: %#v", entry)
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	logger.Info("security check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"detail", "key sk-ant-REDACTED leaked",
	)

	lines := readLines(t, home)
	entry := lines[len(lines)-1]
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if strings.Contains(entry["detail"].(string), "abcdefghijklmnop") {
		t.Fatalf("anthropic key leaked: %#v", entry["detail"])
	}
}

func TestLogger_SetLevelFilters(t *testing.T) {
	home := t.TempDir()
	logger, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	logger.Debug("hidden")
	logger.SetLevel("debug")
	logger.Debug("visible")
	logger.SetLevel("error")
	logger.Warn("hidden again")

	lines := readLines(t, home)
	if len(lines) != 1 || lines[0]["msg"] != "visible" {
		t.Fatalf("unexpected lines after level changes: %#v", lines)
	}
}

func TestFromContext_AddsCorrelationIDs(t *testing.T) {
	home := t.TempDir()
	logger, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	ctx := shared.WithScope(context.Background(), shared.Scope{TraceID: "tr-9", TaskID: "task-9", RunID: "run-9", WorkerID: "w-9"})
	FromContext(ctx, logger.Logger).Info("step persisted")

	entry := readLines(t, home)[0]
	want := map[string]string{"trace_id": "tr-9", "task_id": "task-9", "run_id": "run-9", "worker_id": "w-9"}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("expected %s=%s, got %#v", k, v, entry[k])
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARN": "WARN", "warning": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"}
	for in, want := range cases {
		if got := ParseLevel(in).String(); got != want {
			t.Fatalf("ParseLevel(%q)=%s want %s", in, got, want)
		}
	}
}
