package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/clawtask/internal/agent"
	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/persistence"
)

// exitError carries a specific process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type rootOptions struct {
	home    string
	json    bool
	noColor bool
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "clawtask",
		Short: "Durable task engine for agent workloads",
		Long: `clawtask runs a durable, lease-based task queue for AI agents.

Tasks are stored in SQLite, executed step by step with a checkpoint after
every step, retried with backoff and dead-lettered after max_retries.
Sub-tasks and human review pause a task until their answers arrive.

Run 'clawtask serve' for the daemon; the other commands operate on the same
database directly and are safe to run while the daemon is up.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if opts.noColor || os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd()) {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.home, "home", "", "clawtask home directory (default $CLAWTASK_HOME or ~/.clawtask)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print machine-readable JSON")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newInitCmd(opts),
		newServeCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newCancelCmd(opts),
		newReviewCmd(opts),
		newAgentsCmd(opts),
		newSweepCmd(opts),
		newHealthCmd(opts),
		newDoctorCmd(opts),
	)
	return root
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	if opts.home != "" {
		return config.LoadFrom(opts.home)
	}
	return config.Load()
}

// localApp is the engine surface used by one-shot commands. It never starts
// workers; it only reads and writes the shared database.
type localApp struct {
	cfg      config.Config
	store    *persistence.Store
	engine   *engine.Engine
	svc      *engine.Service
	registry *agent.Registry
}

func openLocal(opts *rootOptions) (*localApp, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("audit init: %w", err)
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		_ = audit.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	audit.SetDB(store.DB())

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry, err := agent.FromConfig(&cfg, agent.DeclaredFactory, quiet)
	if err != nil {
		store.Close()
		_ = audit.Close()
		return nil, err
	}
	eng, err := engine.New(engine.Options{
		Store:        store,
		Agents:       registry.Agents(),
		Orchestrator: registry.Orchestrator(),
		Settings:     engine.SettingsFromConfig(cfg.Tasks),
		Logger:       quiet,
	})
	if err != nil {
		store.Close()
		_ = audit.Close()
		return nil, err
	}
	return &localApp{
		cfg:      cfg,
		store:    store,
		engine:   eng,
		svc:      engine.NewService(eng),
		registry: registry,
	}, nil
}

func (a *localApp) Close() {
	_ = a.store.Close()
	_ = audit.Close()
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// environment. A missing file is ignored.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); !set && key != "" {
			_ = os.Setenv(key, val)
		}
	}
}
