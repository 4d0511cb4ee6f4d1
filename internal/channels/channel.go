package channels

import (
	"context"
	"errors"
	"log/slog"

	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/shared"
)

// Channel is a messaging integration that runs alongside the engine.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start blocks until ctx is cancelled or a fatal error occurs.
	Start(ctx context.Context) error
}

// LogNotifier writes user notifications to the structured log. It is the
// fallback when no chat channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyUser(ctx context.Context, text string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "user notification", "text", shared.Redact(text))
	return nil
}

// MultiNotifier fans a notification out to every notifier. Each one is
// attempted; failures are joined.
type MultiNotifier []engine.Notifier

func (m MultiNotifier) NotifyUser(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyUser(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
