package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/checkpoint"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
)

// Service is the operation surface exposed to the orchestrator and to
// operators: submission, queries, cancellation and the review gate.
type Service struct {
	engine *Engine
	store  *persistence.Store
}

func NewService(e *Engine) *Service {
	return &Service{engine: e, store: e.store}
}

// SubmitRequest describes a task to queue. A nil Priority means
// persistence.DefaultPriority; zero and negative values are kept and rank
// below it.
type SubmitRequest struct {
	Goal         string `json:"goal"`
	AgentID      string `json:"agent_id,omitempty"`
	Priority     *int   `json:"priority,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	MaxSteps     int    `json:"max_steps,omitempty"`
	Source       string `json:"source,omitempty"`
}

type SubmitResult struct {
	TaskID  string                 `json:"task_id"`
	Status  persistence.TaskStatus `json:"status"`
	Message string                 `json:"message"`
}

// SubmitTask validates and enqueues a task. A rejected submission inserts
// nothing.
func (s *Service) SubmitTask(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return SubmitResult{}, ErrEmptyGoal
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = shared.OrchestratorAgentID
	}
	if !s.engine.HasAgent(agentID) {
		audit.RecordCtx(ctx, audit.Deny, "task.submit", "unknown agent", agentID)
		return SubmitResult{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	priority := persistence.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = s.engine.Settings().DefaultMaxSteps
	}

	id, err := s.store.InsertTask(ctx, persistence.NewTask{
		ParentID: strings.TrimSpace(req.ParentTaskID),
		AgentID:  agentID,
		Priority: priority,
		Payload:  persistence.TaskPayload{Goal: goal, MaxSteps: maxSteps, Source: req.Source},
		MaxDepth: s.engine.Settings().MaxDepth,
	})
	if err != nil {
		if errors.Is(err, persistence.ErrDepthExceeded) {
			audit.RecordCtx(ctx, audit.Deny, "task.submit", "depth limit", req.ParentTaskID)
		}
		return SubmitResult{}, fmt.Errorf("submit task: %w", err)
	}
	msg := "task queued"
	if req.ParentTaskID != "" {
		msg = fmt.Sprintf("sub-task queued; parent %s waits for it", req.ParentTaskID)
	}
	return SubmitResult{TaskID: id, Status: persistence.TaskStatusPending, Message: msg}, nil
}

// CheckpointSummary is the decoded view of a checkpoint returned by
// GetTaskStatus.
type CheckpointSummary struct {
	Step            int                         `json:"step"`
	PartialResult   string                      `json:"partial_result,omitempty"`
	StepsLog        []string                    `json:"steps_log,omitempty"`
	PendingSubtasks []string                    `json:"pending_subtasks,omitempty"`
	SubtaskResults  []checkpoint.SubtaskOutcome `json:"subtask_results,omitempty"`
	SubtaskFailures []checkpoint.SubtaskOutcome `json:"subtask_failures,omitempty"`
	ReviewQuestion  string                      `json:"human_review_question,omitempty"`
	ReviewResponse  string                      `json:"human_review_response,omitempty"`
	Warning         string                      `json:"warning,omitempty"`
}

type TaskStatusReport struct {
	Task       persistence.Task      `json:"task"`
	Checkpoint *CheckpointSummary    `json:"checkpoint,omitempty"`
	Steps      persistence.StepStats `json:"steps"`
	Children   []ChildSummary        `json:"children,omitempty"`
}

type ChildSummary struct {
	TaskID string                 `json:"task_id"`
	Status persistence.TaskStatus `json:"status"`
	Goal   string                 `json:"goal"`
}

// GetTaskStatus returns the task row with its checkpoint summary, step
// counters and direct children.
func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (TaskStatusReport, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskStatusReport{}, err
	}
	report := TaskStatusReport{Task: *task}
	if task.Checkpoint != "" {
		st, err := task.State()
		if err != nil {
			return TaskStatusReport{}, fmt.Errorf("decode checkpoint for %s: %w", taskID, err)
		}
		report.Checkpoint = &CheckpointSummary{
			Step:            st.Step,
			PartialResult:   st.PartialResult,
			StepsLog:        st.StepsLog,
			PendingSubtasks: st.PendingSubtasks,
			SubtaskResults:  st.Outcomes(checkpoint.KeySubtaskResults),
			SubtaskFailures: st.Outcomes(checkpoint.KeySubtaskFailures),
			ReviewQuestion:  st.String(checkpoint.KeyReviewQuestion),
			ReviewResponse:  st.String(checkpoint.KeyReviewResponse),
			Warning:         st.String(checkpoint.KeyWarning),
		}
	}
	if report.Steps, err = s.store.StepStats(ctx, taskID); err != nil {
		return TaskStatusReport{}, err
	}
	children, err := s.store.ListChildren(ctx, taskID)
	if err != nil {
		return TaskStatusReport{}, err
	}
	for _, c := range children {
		report.Children = append(report.Children, ChildSummary{TaskID: c.ID, Status: c.Status, Goal: c.Payload.Goal})
	}
	return report, nil
}

// ListActiveTasks lists non-terminal tasks, highest priority first.
func (s *Service) ListActiveTasks(ctx context.Context) ([]persistence.Task, error) {
	return s.store.ListActive(ctx)
}

type CancelResult struct {
	TaskID    string   `json:"task_id"`
	Cancelled []string `json:"cancelled"`
	Message   string   `json:"message"`
}

// CancelTask cancels a task that is not currently executing a step, along
// with its claimable children.
func (s *Service) CancelTask(ctx context.Context, taskID, reason string) (CancelResult, error) {
	tasks, err := s.store.CancelTask(ctx, taskID, reason)
	if err != nil {
		var se *persistence.StateError
		if errors.As(err, &se) {
			audit.RecordCtx(ctx, audit.Deny, "task.cancel", err.Error(), taskID)
		}
		return CancelResult{}, err
	}
	res := CancelResult{TaskID: taskID}
	for _, t := range tasks {
		res.Cancelled = append(res.Cancelled, t.ID)
	}
	res.Message = fmt.Sprintf("cancelled %d task(s)", len(res.Cancelled))
	audit.RecordCtx(ctx, audit.Allow, "task.cancel", reason, taskID)
	return res, nil
}

// RequestHumanReview pauses a running task until RespondToReview is called.
func (s *Service) RequestHumanReview(ctx context.Context, taskID, question string) (*persistence.Task, error) {
	if strings.TrimSpace(question) == "" {
		return nil, errors.New("review question is required")
	}
	task, err := s.store.RequestReview(ctx, taskID, question)
	if err != nil {
		return nil, err
	}
	audit.RecordCtx(ctx, audit.Allow, "task.review_request", "", taskID)
	s.engine.notifyReview(ctx, taskID, strings.TrimSpace(question), s.engine.logger.With("task_id", taskID))
	return task, nil
}

// RespondToReview stores the human answer and requeues the task.
func (s *Service) RespondToReview(ctx context.Context, taskID, response string) (*persistence.Task, error) {
	task, err := s.store.RespondReview(ctx, taskID, response)
	if err != nil {
		return nil, err
	}
	audit.RecordCtx(ctx, audit.Allow, "task.review_respond", "", taskID)
	return task, nil
}
