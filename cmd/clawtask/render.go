package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/basket/clawtask/internal/agent"
	"github.com/basket/clawtask/internal/coordinator"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/persistence"
)

var (
	bold  = color.New(color.Bold).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusText(s persistence.TaskStatus) string {
	switch s {
	case persistence.TaskStatusDone:
		return color.GreenString(string(s))
	case persistence.TaskStatusFailed:
		return color.RedString(string(s))
	case persistence.TaskStatusCancelled:
		return faint(string(s))
	case persistence.TaskStatusRunning:
		return color.CyanString(string(s))
	case persistence.TaskStatusHumanReview, persistence.TaskStatusWaitingSubtasks, persistence.TaskStatusRetryScheduled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func renderSubmit(w io.Writer, res engine.SubmitResult) {
	fmt.Fprintf(w, "%s %s %s\n", color.GreenString("✓"), bold(res.TaskID), statusText(res.Status))
	fmt.Fprintf(w, "  %s\n", res.Message)
}

func renderResult(w io.Writer, res *coordinator.TaskResult) {
	st := persistence.TaskStatus(res.Status)
	fmt.Fprintf(w, "%s %s  steps=%d tokens=%d duration=%s\n",
		bold(res.TaskID), statusText(st), res.Steps, res.TokensUsed,
		(time.Duration(res.DurationMS) * time.Millisecond).Round(time.Millisecond))
	if res.Output != "" {
		fmt.Fprintf(w, "\n%s\n", res.Output)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "%s %s (%s)\n", color.RedString("error:"), res.Error, res.ErrorCode)
	}
}

func renderReport(w io.Writer, r engine.TaskStatusReport) {
	t := r.Task
	fmt.Fprintf(w, "%s %s\n", bold(t.ID), statusText(t.Status))
	fmt.Fprintf(w, "  agent     %s\n", t.AgentID)
	fmt.Fprintf(w, "  priority  %d   attempt %d\n", t.Priority, t.Attempt)
	if t.ParentID != "" {
		fmt.Fprintf(w, "  parent    %s\n", t.ParentID)
	}
	fmt.Fprintf(w, "  goal      %s\n", t.Payload.Goal)
	step := 0
	if r.Checkpoint != nil {
		step = r.Checkpoint.Step
	}
	fmt.Fprintf(w, "  progress  step %d/%d, %d recorded (%d failed), %d tokens\n",
		step, t.Payload.MaxSteps, r.Steps.Count, r.Steps.Failed, r.Steps.TokensUsed)
	if t.Status == persistence.TaskStatusRetryScheduled {
		fmt.Fprintf(w, "  retry at  %s\n", t.ScheduleAt.Local().Format(time.RFC3339))
	}
	if t.Result != "" {
		fmt.Fprintf(w, "  result    %s\n", t.Result)
	}
	if t.Error != "" {
		fmt.Fprintf(w, "  %s     %s (%s)\n", color.RedString("error"), t.Error, t.LastErrorCode)
	}
	if cp := r.Checkpoint; cp != nil {
		if cp.ReviewQuestion != "" {
			fmt.Fprintf(w, "  %s  %s\n", color.YellowString("question"), cp.ReviewQuestion)
		}
		if cp.ReviewResponse != "" {
			fmt.Fprintf(w, "  answer    %s\n", cp.ReviewResponse)
		}
		if cp.Warning != "" {
			fmt.Fprintf(w, "  warning   %s\n", cp.Warning)
		}
		for _, line := range cp.StepsLog {
			fmt.Fprintf(w, "  %s %s\n", faint("·"), line)
		}
	}
	if len(r.Children) > 0 {
		fmt.Fprintln(w, "  children:")
		for _, c := range r.Children {
			fmt.Fprintf(w, "    %s %s %s\n", c.TaskID, statusText(c.Status), truncate(c.Goal, 60))
		}
	}
}

func renderTasks(w io.Writer, tasks []persistence.Task) error {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No active tasks.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tPRI\tAGENT\tATTEMPT\tGOAL")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n",
			t.ID, t.Status, t.Priority, t.AgentID, t.Attempt, truncate(t.Payload.Goal, 50))
	}
	return tw.Flush()
}

func renderAgents(w io.Writer, list []agent.Info) error {
	if len(list) == 0 {
		fmt.Fprintln(w, "No agents configured.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tNAME\tMODEL")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", a.AgentID, a.DisplayName, a.Model)
	}
	return tw.Flush()
}
