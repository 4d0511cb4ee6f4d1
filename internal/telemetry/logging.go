// Package telemetry builds the daemon's structured logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/clawtask/internal/shared"
)

// Logger bundles the slog logger with its level so a config reload can
// change verbosity without rebuilding handlers.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *os.File
}

// NewLogger writes JSON lines to <home>/logs/system.jsonl, mirrored to
// stdout unless quiet.
func NewLogger(homeDir, level string, quiet bool) (*Logger, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))
	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lv,
		ReplaceAttr: replaceAttr,
	})
	return &Logger{
		Logger: slog.New(handler).With("component", "clawtask", "trace_id", "-"),
		level:  lv,
		file:   file,
	}, nil
}

// SetLevel changes the minimum level of every logger derived from l.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

func (l *Logger) Close() error {
	return l.file.Close()
}

// FromContext decorates logger with the correlation ids carried by ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	sc := shared.ScopeOf(ctx)
	var attrs []any
	for _, kv := range [][2]string{
		{"trace_id", sc.TraceID},
		{"task_id", sc.TaskID},
		{"run_id", sc.RunID},
		{"worker_id", sc.WorkerID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shared.IsSecretKey(a.Key) {
		return slog.String(a.Key, shared.Redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return shared.Redacted, true
	}
	redacted := shared.Redact(v)
	return redacted, redacted != v
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
