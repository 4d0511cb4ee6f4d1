package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/basket/clawtask/internal/agent"
	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/channels"
	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/coordinator"
	"github.com/basket/clawtask/internal/cron"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/gateway"
	"github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/telemetry"
	"github.com/basket/clawtask/internal/tools"
)

const (
	drainTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task engine daemon",
		Long: `Start the worker pool, the sub-task coordinator, the maintenance
schedules and the HTTP/WebSocket gateway. Logs go to <home>/logs/system.jsonl
and, unless --quiet, to stdout. SIGINT or SIGTERM drains the workers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to file only")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, quiet bool) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsInit {
		if _, err := config.WriteDefault(cfg.HomeDir); err != nil {
			return fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		if cfg, err = config.LoadFrom(cfg.HomeDir); err != nil {
			return fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	// Audit first so a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.Gateway.AllowOrigins) == 0 {
			logger.Warn("gateway.allow_origins is empty on non-loopback bind; cross-origin websocket clients will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	provider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		return fatalStartup(logger.Logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return fatalStartup(logger.Logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		return fatalStartup(logger.Logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	registry, err := agent.FromConfig(&cfg, agent.ProviderFactory, logger.Logger)
	if err != nil {
		return fatalStartup(logger.Logger, "E_AGENT_REGISTRY", err)
	}
	if registry.Orchestrator() == nil {
		logger.Warn("no orchestrator available; tasks without agent_id will be rejected")
	}

	// Telegram is appended once the service exists; the engine holds a
	// pointer so it sees the full list.
	notifier := channels.MultiNotifier{channels.LogNotifier{Logger: logger.Logger}}
	eng, err := engine.New(engine.Options{
		Store:        store,
		Agents:       registry.Agents(),
		Orchestrator: registry.Orchestrator(),
		Emitter:      eventBus,
		Notifier:     &notifier,
		Settings:     engine.SettingsFromConfig(cfg.Tasks),
		Workers:      cfg.Workers,
		Logger:       logger.Logger,
		Tracer:       provider.Tracer,
		Metrics:      metrics,
	})
	if err != nil {
		return fatalStartup(logger.Logger, "E_ENGINE_INIT", err)
	}
	svc := engine.NewService(eng)

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			logger.Warn("telegram enabled but no token configured; channel disabled")
		} else {
			tg := channels.NewTelegramChannel(cfg.Telegram, svc, logger.Logger)
			notifier = append(notifier, tg)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel stopped", "error", err)
				}
			}()
		}
	}

	coord := coordinator.New(store, eventBus, logger.Logger, metrics)
	coord.Start(ctx)
	if n, err := coord.ReconcileOnce(ctx); err != nil {
		logger.Warn("startup reconcile failed", "error", err)
	} else if n > 0 {
		logger.Info("resumed waiting parents on startup", "count", n)
	}

	eng.Start(ctx)
	logger.Info("startup phase", "phase", "workers_started", "workers", cfg.Workers, "agents", eng.AgentIDs())

	sched := cron.NewScheduler(cron.Config{Logger: logger.Logger})
	if spec := cfg.Schedules.Retention; spec != "" {
		job := cron.RetentionJob(spec, store, func() time.Duration { return eng.Settings().Retention }, logger.Logger)
		if err := sched.Add(job); err != nil {
			return fatalStartup(logger.Logger, "E_SCHEDULE", err)
		}
	}
	if spec := cfg.Schedules.Reconcile; spec != "" {
		if err := sched.Add(cron.ReconcileJob(spec, coord)); err != nil {
			return fatalStartup(logger.Logger, "E_SCHEDULE", err)
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		return fatalStartup(logger.Logger, "E_AUTH_TOKEN", err)
	}
	catalog, err := tools.NewCatalog(svc, "gateway")
	if err != nil {
		return fatalStartup(logger.Logger, "E_TOOL_CATALOG", err)
	}
	gw := gateway.New(gateway.Config{
		Store:              store,
		Catalog:            catalog,
		Bus:                eventBus,
		Engine:             eng,
		AuthToken:          authToken,
		AllowOrigins:       cfg.Gateway.AllowOrigins,
		RateLimitPerMinute: cfg.Gateway.RateLimitPerMinute,
		RateLimitBurst:     cfg.Gateway.RateLimitBurst,
		MaxBodyBytes:       cfg.Gateway.MaxBodyBytes,
		Logger:             logger.Logger,
		Tracer:             provider.Tracer,
		Metrics:            metrics,
	})
	gw.Limiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w (port busy: stop the other process or change bind_addr in config.yaml)", err)
		}
		return fatalStartup(logger.Logger, "E_GATEWAY_LISTEN", err)
	}
	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info("startup phase", "phase", "gateway_listening", "addr", ln.Addr().String())

	watcher := config.NewWatcher(cfg.HomeDir, logger.Logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go applyReloads(watcher.Events(), eng, logger, eventBus)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err, ok := <-serveErr:
		if ok && err != nil {
			logger.Error("gateway stopped", "error", err)
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	eng.Drain(drainTimeout)
	logger.Info("shutdown complete", "processed", eng.Status().Processed)
	return runErr
}

// applyReloads pushes hot-reloadable settings into the running daemon.
// Worker count, bind address and agents need a restart.
func applyReloads(events <-chan config.Reload, eng *engine.Engine, logger *telemetry.Logger, eventBus *bus.Bus) {
	for r := range events {
		if r.Err != nil {
			continue
		}
		eng.UpdateSettings(engine.SettingsFromConfig(r.Config.Tasks))
		logger.SetLevel(r.Config.LogLevel)
		logger.Info("config reloaded", "path", r.Path, "fingerprint", r.Config.Fingerprint())
		eventBus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{Path: r.Path})
	}
}

// fatalStartup audits and logs a startup failure with a stable reason code.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) error {
	audit.Record(audit.Fatal, "runtime.startup", reasonCode, err.Error())
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

// loadAuthToken resolves the gateway token: config or env first, then
// <home>/auth.token, generating and persisting one on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
