package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/coordinator"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/persistence"
)

const cliSource = "cli"

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			home := opts.home
			if home == "" {
				home = config.HomeDir()
			}
			path, err := config.WriteDefault(home)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s config at %s\n", color.GreenString("✓"), path)
			return nil
		},
	}
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		req      engine.SubmitRequest
		priority int
		wait     bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit [flags] <goal...>",
		Short: "Queue a task",
		Long: `Queue a task for the daemon. Without --agent the orchestrator runs it.
With --wait the command blocks until the task is done, failed or cancelled
and exits non-zero unless it is done.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openLocal(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			req.Goal = strings.Join(args, " ")
			req.Source = cliSource
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			ctx := cmd.Context()
			res, err := app.svc.SubmitTask(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !wait {
				if opts.json {
					return printJSON(out, res)
				}
				renderSubmit(out, res)
				return nil
			}

			if !opts.json {
				renderSubmit(out, res)
			}
			result, err := coordinator.NewWaiter(nil, app.store).WaitForTask(ctx, res.TaskID, timeout)
			if err != nil {
				return err
			}
			if opts.json {
				if err := printJSON(out, result); err != nil {
					return err
				}
			} else {
				renderResult(out, result)
			}
			if result.Status != string(persistence.TaskStatusDone) {
				return &exitError{code: 1, err: fmt.Errorf("task %s finished %s", result.TaskID, result.Status)}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.AgentID, "agent", "", "agent id to run the task (default orchestrator)")
	f.IntVar(&priority, "priority", persistence.DefaultPriority, "priority, higher runs first; zero and negative rank below the default")
	f.StringVar(&req.ParentTaskID, "parent", "", "parent task id; the parent waits for this sub-task")
	f.IntVar(&req.MaxSteps, "max-steps", 0, "step budget (default tasks.default_max_steps)")
	f.BoolVar(&wait, "wait", false, "block until the task finishes")
	f.DurationVar(&timeout, "timeout", 30*time.Minute, "how long --wait blocks")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task with its checkpoint, step totals and children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openLocal(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.svc.GetTaskStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), report)
			}
			renderReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List active tasks, highest priority first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openLocal(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			tasks, err := app.svc.ListActiveTasks(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				if tasks == nil {
					tasks = []persistence.Task{}
				}
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			return renderTasks(cmd.OutOrStdout(), tasks)
		},
	}
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task that is not executing a step",
		Long: `Cancel a pending, retry-scheduled, waiting or in-review task together
with its cancellable sub-tasks. A running task is refused; retry once its
current step finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openLocal(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.svc.CancelTask(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("✓"), res.Message)
			for _, id := range res.Cancelled {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled via cli", "reason stored on the task")
	return cmd
}

func newReviewCmd(opts *rootOptions) *cobra.Command {
	review := &cobra.Command{
		Use:   "review",
		Short: "Pause a running task for a human answer, or answer one",
	}
	review.AddCommand(
		&cobra.Command{
			Use:   "request <task-id> <question...>",
			Short: "Move a running task to human_review",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return reviewAction(cmd, opts, args, func(ctx context.Context, svc *engine.Service, id, text string) (*persistence.Task, error) {
					return svc.RequestHumanReview(ctx, id, text)
				})
			},
		},
		&cobra.Command{
			Use:     "respond <task-id> <answer...>",
			Aliases: []string{"answer"},
			Short:   "Answer a task in human_review and requeue it",
			Args:    cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return reviewAction(cmd, opts, args, func(ctx context.Context, svc *engine.Service, id, text string) (*persistence.Task, error) {
					return svc.RespondToReview(ctx, id, text)
				})
			},
		},
	)
	return review
}

type reviewFunc func(ctx context.Context, svc *engine.Service, taskID, text string) (*persistence.Task, error)

func reviewAction(cmd *cobra.Command, opts *rootOptions, args []string, fn reviewFunc) error {
	app, err := openLocal(opts)
	if err != nil {
		return err
	}
	defer app.Close()

	task, err := fn(cmd.Context(), app.svc, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	if opts.json {
		return printJSON(cmd.OutOrStdout(), map[string]any{"task_id": task.ID, "status": task.Status})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", color.GreenString("✓"), bold(task.ID), statusText(task.Status))
	return nil
}

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agent ids accepted by submit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openLocal(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			list := app.registry.List()
			if opts.json {
				return printJSON(cmd.OutOrStdout(), list)
			}
			return renderAgents(cmd.OutOrStdout(), list)
		},
	}
}

type sweepResult struct {
	Recovered int64                       `json:"recovered"`
	Resumed   int                         `json:"resumed"`
	Retention persistence.RetentionResult `json:"retention"`
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run maintenance once: stale leases, waiting parents, retention",
		Long: `Requeue tasks whose lease expired, resume parents whose sub-tasks have
all finished, and purge terminal tasks older than the retention window
(tasks.retention_days unless --older-than is given; zero keeps everything).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openLocal(opts)
			if err != nil {
				return err
			}
			defer app.Close()
			ctx := cmd.Context()

			var res sweepResult
			if res.Recovered, err = app.store.RecoverStaleLeases(ctx); err != nil {
				return fmt.Errorf("recover stale leases: %w", err)
			}
			quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
			coord := coordinator.New(app.store, bus.New(), quiet, nil)
			if res.Resumed, err = coord.ReconcileOnce(ctx); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			window := app.engine.Settings().Retention
			if cmd.Flags().Changed("older-than") {
				window = olderThan
			}
			if window > 0 {
				if res.Retention, err = app.store.DeleteOlderThan(ctx, time.Now().Add(-window)); err != nil {
					return fmt.Errorf("retention: %w", err)
				}
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stale lease(s), resumed %d parent(s), purged %d task(s)\n",
				res.Recovered, res.Resumed, res.Retention.PurgedTasks)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window override, e.g. 168h")
	return cmd
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Query the running daemon's /healthz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(cfg.BindAddr), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			out := cmd.OutOrStdout()
			_, _ = out.Write(body)
			if len(body) == 0 || body[len(body)-1] != '\n' {
				fmt.Fprintln(out)
			}
			if resp.StatusCode != http.StatusOK {
				return &exitError{code: 1, err: fmt.Errorf("daemon unhealthy: %s", resp.Status)}
			}
			return nil
		},
	}
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}
