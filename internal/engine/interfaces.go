package engine

import "context"

type InvokeStatus string

const (
	InvokeSuccess InvokeStatus = "success"
	InvokeError   InvokeStatus = "error"
	InvokeRefused InvokeStatus = "refused"
)

// InvokeResult is what a named agent returns for one prompt.
type InvokeResult struct {
	Status     InvokeStatus `json:"status"`
	Content    string       `json:"content"`
	Error      string       `json:"error,omitempty"`
	TokensUsed int64        `json:"tokens_used,omitempty"`
}

// Agent is a registered named capability.
type Agent interface {
	Invoke(ctx context.Context, prompt string) (InvokeResult, error)
}

// Orchestrator runs a prompt in the background on the host's main model.
type Orchestrator interface {
	InvokeBackground(ctx context.Context, prompt string) (string, error)
}

// Emitter publishes fire-and-forget events. *bus.Bus satisfies it.
type Emitter interface {
	Publish(topic string, payload any)
}

// Notifier delivers a message to the user.
type Notifier interface {
	NotifyUser(ctx context.Context, text string) error
}

type AgentFunc func(ctx context.Context, prompt string) (InvokeResult, error)

func (f AgentFunc) Invoke(ctx context.Context, prompt string) (InvokeResult, error) {
	return f(ctx, prompt)
}

type OrchestratorFunc func(ctx context.Context, prompt string) (string, error)

func (f OrchestratorFunc) InvokeBackground(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type nopEmitter struct{}

func (nopEmitter) Publish(string, any) {}

type nopNotifier struct{}

func (nopNotifier) NotifyUser(context.Context, string) error { return nil }
