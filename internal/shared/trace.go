package shared

import (
	"context"

	"github.com/google/uuid"
)

// OrchestratorAgentID is the agent id routed to the background orchestrator.
const OrchestratorAgentID = "orchestrator"

type scopeKey struct{}

// Scope is the correlation data a context carries while a request or a task
// attempt is in flight. Empty fields mean "not known here".
type Scope struct {
	TraceID  string
	TaskID   string
	RunID    string
	WorkerID string
}

// WithScope layers s over whatever scope ctx already has; only non-empty
// fields of s replace the existing values.
func WithScope(ctx context.Context, s Scope) context.Context {
	cur := ScopeOf(ctx)
	if s.TraceID != "" {
		cur.TraceID = s.TraceID
	}
	if s.TaskID != "" {
		cur.TaskID = s.TaskID
	}
	if s.RunID != "" {
		cur.RunID = s.RunID
	}
	if s.WorkerID != "" {
		cur.WorkerID = s.WorkerID
	}
	return context.WithValue(ctx, scopeKey{}, cur)
}

// ScopeOf returns the scope attached to ctx, or the zero Scope.
func ScopeOf(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

// TraceID returns the trace id of ctx, or "-" when there is none. Audit lines
// and task events always get a value.
func TraceID(ctx context.Context) string {
	if id := ScopeOf(ctx).TraceID; id != "" {
		return id
	}
	return "-"
}

// NewID returns a random id for traces, runs and workers.
func NewID() string {
	return uuid.NewString()
}
