package tools

import (
	"context"
	"encoding/json"

	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/persistence"
)

const (
	ToolSubmitTask         = "submit_task"
	ToolGetTaskStatus      = "get_task_status"
	ToolListActiveTasks    = "list_active_tasks"
	ToolCancelTask         = "cancel_task"
	ToolRequestHumanReview = "request_human_review"
	ToolRespondToReview    = "respond_to_review"
)

type SubmitTaskInput struct {
	Goal         string `json:"goal"`
	AgentID      string `json:"agent_id,omitempty"`
	Priority     *int   `json:"priority,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	MaxSteps     int    `json:"max_steps,omitempty"`
	Source       string `json:"source,omitempty"`
}

type TaskIDInput struct {
	TaskID string `json:"task_id"`
}

type CancelTaskInput struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

type RequestReviewInput struct {
	TaskID   string `json:"task_id"`
	Question string `json:"question"`
}

type RespondReviewInput struct {
	TaskID   string `json:"task_id"`
	Response string `json:"response"`
}

// ListActiveOutput wraps the active task list.
type ListActiveOutput struct {
	Tasks []persistence.Task `json:"tasks"`
	Count int                `json:"count"`
}

// ReviewOutput is returned by both review operations.
type ReviewOutput struct {
	TaskID string                 `json:"task_id"`
	Status persistence.TaskStatus `json:"status"`
}

const taskIDProp = `"task_id": {"type": "string", "minLength": 1, "description": "Task id returned by submit_task."}`

func (c *Catalog) specs() []*tool {
	return []*tool{
		{
			def: Definition{
				Name:        ToolSubmitTask,
				Description: "Queue a goal for background execution by an agent. With parent_task_id the new task is a sub-task and the parent waits for it.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"goal": {"type": "string", "minLength": 1},
						"agent_id": {"type": "string", "description": "Defaults to the orchestrator."},
						"priority": {"type": "integer", "description": "Higher runs first; defaults to 5 when omitted. Zero and negative values rank below the default."},
						"parent_task_id": {"type": "string"},
						"max_steps": {"type": "integer", "minimum": 0},
						"source": {"type": "string"}
					},
					"required": ["goal"],
					"additionalProperties": false
				}`),
			},
			call: c.submitTask,
		},
		{
			def: Definition{
				Name:        ToolGetTaskStatus,
				Description: "Report a task's status, checkpoint, step counters and direct children.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {` + taskIDProp + `},
					"required": ["task_id"],
					"additionalProperties": false
				}`),
			},
			call: c.getTaskStatus,
		},
		{
			def: Definition{
				Name:        ToolListActiveTasks,
				Description: "List tasks that have not finished, highest priority first.",
				InputSchema: json.RawMessage(`{"type": "object", "additionalProperties": false}`),
			},
			call: c.listActiveTasks,
		},
		{
			def: Definition{
				Name:        ToolCancelTask,
				Description: "Cancel a task that is not executing a step, along with its queued sub-tasks.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {` + taskIDProp + `, "reason": {"type": "string"}},
					"required": ["task_id"],
					"additionalProperties": false
				}`),
			},
			call: c.cancelTask,
		},
		{
			def: Definition{
				Name:        ToolRequestHumanReview,
				Description: "Pause a running task until a human answers the question.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {` + taskIDProp + `, "question": {"type": "string", "minLength": 1}},
					"required": ["task_id", "question"],
					"additionalProperties": false
				}`),
			},
			call: c.requestHumanReview,
		},
		{
			def: Definition{
				Name:        ToolRespondToReview,
				Description: "Answer a pending review; the task resumes on the next claim.",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {` + taskIDProp + `, "response": {"type": "string", "minLength": 1}},
					"required": ["task_id", "response"],
					"additionalProperties": false
				}`),
			},
			call: c.respondToReview,
		},
	}
}

func (c *Catalog) submitTask(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := decode[SubmitTaskInput](ToolSubmitTask, args)
	if err != nil {
		return nil, err
	}
	if in.Source == "" {
		in.Source = c.source
	}
	return c.ops.SubmitTask(ctx, engine.SubmitRequest(in))
}

func (c *Catalog) getTaskStatus(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := decode[TaskIDInput](ToolGetTaskStatus, args)
	if err != nil {
		return nil, err
	}
	return c.ops.GetTaskStatus(ctx, in.TaskID)
}

func (c *Catalog) listActiveTasks(ctx context.Context, _ json.RawMessage) (any, error) {
	tasks, err := c.ops.ListActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	return ListActiveOutput{Tasks: tasks, Count: len(tasks)}, nil
}

func (c *Catalog) cancelTask(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := decode[CancelTaskInput](ToolCancelTask, args)
	if err != nil {
		return nil, err
	}
	if in.Reason == "" {
		in.Reason = "cancelled by " + c.source
	}
	return c.ops.CancelTask(ctx, in.TaskID, in.Reason)
}

func (c *Catalog) requestHumanReview(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := decode[RequestReviewInput](ToolRequestHumanReview, args)
	if err != nil {
		return nil, err
	}
	task, err := c.ops.RequestHumanReview(ctx, in.TaskID, in.Question)
	if err != nil {
		return nil, err
	}
	return ReviewOutput{TaskID: task.ID, Status: task.Status}, nil
}

func (c *Catalog) respondToReview(ctx context.Context, args json.RawMessage) (any, error) {
	in, err := decode[RespondReviewInput](ToolRespondToReview, args)
	if err != nil {
		return nil, err
	}
	task, err := c.ops.RespondToReview(ctx, in.TaskID, in.Response)
	if err != nil {
		return nil, err
	}
	return ReviewOutput{TaskID: task.ID, Status: task.Status}, nil
}
