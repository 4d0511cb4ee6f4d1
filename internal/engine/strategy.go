package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
)

// StepOutput is the content produced by one step.
type StepOutput struct {
	Content    string
	TokensUsed int64
}

// Strategy runs one step of a task. The shared step protocol lives in the
// worker; strategies only adapt the capability call.
type Strategy interface {
	// Name is recorded as the step_type of every step.
	Name() string
	Invoke(ctx context.Context, prompt string) (StepOutput, error)
}

// OrchestratorStrategy delegates to the host's background invocation.
type OrchestratorStrategy struct {
	Orchestrator Orchestrator
}

func (OrchestratorStrategy) Name() string { return persistence.StepTypeOrchestrator }

func (s OrchestratorStrategy) Invoke(ctx context.Context, prompt string) (StepOutput, error) {
	content, err := s.Orchestrator.InvokeBackground(ctx, prompt)
	if err != nil {
		return StepOutput{}, classifyInvokeError(err)
	}
	return StepOutput{Content: content}, nil
}

// AgentStrategy delegates to a registered named agent.
type AgentStrategy struct {
	AgentID string
	Agent   Agent
}

func (AgentStrategy) Name() string { return persistence.StepTypeAgent }

func (s AgentStrategy) Invoke(ctx context.Context, prompt string) (StepOutput, error) {
	res, err := s.Agent.Invoke(ctx, prompt)
	if err != nil {
		return StepOutput{TokensUsed: res.TokensUsed}, classifyInvokeError(err)
	}
	out := StepOutput{Content: res.Content, TokensUsed: res.TokensUsed}
	switch res.Status {
	case InvokeSuccess, "":
		return out, nil
	case InvokeRefused:
		msg := res.Error
		if msg == "" {
			msg = "request refused"
		}
		return out, NonRetryable(persistence.ReasonAgentRefused, fmt.Errorf("agent %s refused: %s", s.AgentID, msg))
	case InvokeError:
		msg := res.Error
		if msg == "" {
			msg = "invocation failed"
		}
		return out, Retryable(persistence.ReasonRetryStepError, fmt.Errorf("agent %s: %s", s.AgentID, msg))
	default:
		return out, Retryable(persistence.ReasonRetryStepError, fmt.Errorf("agent %s returned status %q", s.AgentID, res.Status))
	}
}

// strategyFor picks the strategy for an agent id from the injected registry.
func (e *Engine) strategyFor(agentID string) (Strategy, error) {
	if agentID == shared.OrchestratorAgentID {
		if e.orchestrator == nil {
			return nil, NonRetryable(ReasonUnknownAgent, errors.New("no orchestrator configured"))
		}
		return OrchestratorStrategy{Orchestrator: e.orchestrator}, nil
	}
	a, ok := e.agents[agentID]
	if !ok || a == nil {
		return nil, NonRetryable(ReasonUnknownAgent, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID))
	}
	return AgentStrategy{AgentID: agentID, Agent: a}, nil
}
