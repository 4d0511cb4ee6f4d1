package bus

// Task lifecycle topics. Subscribers filter on the "task." prefix.
const (
	TopicTaskSubmitted       = "task.submitted"
	TopicTaskClaimed         = "task.claimed"
	TopicTaskProgress        = "task.progress"
	TopicTaskRetrying        = "task.retrying"
	TopicTaskCompleted       = "task.completed"
	TopicTaskResumed         = "task.resumed"
	TopicTaskReviewRequested = "task.review_requested"
	TopicTaskReviewAnswered  = "task.review_answered"
	TopicTaskLeaseLost       = "task.lease_lost"
)

// Config topics.
const (
	TopicConfigReloaded = "config.reloaded"
)

// TaskSubmittedEvent is published after a task row is committed.
type TaskSubmittedEvent struct {
	TaskID   string `json:"task_id"`
	ParentID string `json:"parent_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	AgentID  string `json:"agent_id"`
	Priority int    `json:"priority"`
}

// TaskClaimedEvent is published when a worker takes a lease.
type TaskClaimedEvent struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Attempt  int    `json:"attempt"`
	Reclaim  bool   `json:"reclaim,omitempty"` // previous holder's lease had expired
}

// TaskProgressEvent is published after each persisted step.
type TaskProgressEvent struct {
	TaskID   string `json:"task_id"`
	RunID    string `json:"run_id,omitempty"`
	Step     int    `json:"step"`
	MaxSteps int    `json:"max_steps"`
	Summary  string `json:"summary,omitempty"`
}

// TaskRetryingEvent is published when a failed attempt is rescheduled.
type TaskRetryingEvent struct {
	TaskID     string `json:"task_id"`
	Attempt    int    `json:"attempt"`
	ScheduleAt string `json:"schedule_at"` // RFC 3339
	Reason     string `json:"reason,omitempty"`
}

// TaskCompletedEvent is published when a task reaches done, failed or
// cancelled. The sub-task coordinator keys off ParentID.
type TaskCompletedEvent struct {
	TaskID         string `json:"task_id"`
	ParentID       string `json:"parent_id,omitempty"`
	RunID          string `json:"run_id,omitempty"`
	Status         string `json:"status"`
	Result         string `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
	UnderCompleted bool   `json:"under_completed,omitempty"`
}

// TaskResumedEvent is published when a parent leaves waiting_subtasks or
// human_review and becomes claimable again.
type TaskResumedEvent struct {
	TaskID string `json:"task_id"`
	From   string `json:"from"`
	Reason string `json:"reason,omitempty"`
}

// TaskReviewEvent carries a human-review question or answer.
type TaskReviewEvent struct {
	TaskID   string `json:"task_id"`
	Question string `json:"question,omitempty"`
	Response string `json:"response,omitempty"`
}

// TaskLeaseLostEvent is published when a worker finds its lease revoked.
type TaskLeaseLostEvent struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// ConfigReloadedEvent is published after the config file is re-read.
type ConfigReloadedEvent struct {
	Path string `json:"path"`
}

// TaskIDOf returns the task id carried by a task event payload, or "".
func TaskIDOf(payload any) string {
	switch ev := payload.(type) {
	case TaskSubmittedEvent:
		return ev.TaskID
	case TaskClaimedEvent:
		return ev.TaskID
	case TaskProgressEvent:
		return ev.TaskID
	case TaskRetryingEvent:
		return ev.TaskID
	case TaskCompletedEvent:
		return ev.TaskID
	case TaskResumedEvent:
		return ev.TaskID
	case TaskReviewEvent:
		return ev.TaskID
	case TaskLeaseLostEvent:
		return ev.TaskID
	}
	return ""
}
