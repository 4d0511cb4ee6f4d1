package agent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/shared"
)

// Adapter is a model-backed capability usable as a named agent and as the
// orchestrator.
type Adapter interface {
	engine.Agent
	engine.Orchestrator
	Model() string
}

// Factory builds the adapter for one config entry.
type Factory func(id string, cfg config.LLMConfig) (Adapter, error)

// ProviderFactory is the production factory: anthropic entries use the
// Messages API adapter, every other provider goes through Genkit.
func ProviderFactory(id string, cfg config.LLMConfig) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", config.ProviderAnthropic:
		return NewAnthropic(id, cfg)
	default:
		return NewGenkit(context.Background(), id, cfg)
	}
}

// DeclaredFactory builds adapters that only carry the configured model.
// Processes that enqueue work without running it, like the CLI, use it to
// accept the same agent ids as the daemon without holding API keys.
func DeclaredFactory(id string, cfg config.LLMConfig) (Adapter, error) {
	return declared{id: id, model: cfg.Model}, nil
}

type declared struct {
	id    string
	model string
}

func (d declared) Model() string { return d.model }

func (d declared) Invoke(context.Context, string) (engine.InvokeResult, error) {
	return engine.InvokeResult{}, d.refuse()
}

func (d declared) InvokeBackground(context.Context, string) (string, error) {
	return "", d.refuse()
}

func (d declared) refuse() error {
	return engine.NonRetryable("AGENT_NOT_RUNNABLE", fmt.Errorf("agent %q is declared but not runnable in this process", d.id))
}

// Info describes a registered agent.
type Info struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name,omitempty"`
	Model       string `json:"model,omitempty"`
}

// Registry holds the named capabilities handed to the engine at
// construction. It is not a global; build one per engine.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]engine.Agent
	info         map[string]Info
	orchestrator engine.Orchestrator
}

func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]engine.Agent),
		info:   make(map[string]Info),
	}
}

// Register adds a named agent. The orchestrator id is reserved.
func (r *Registry) Register(info Info, a engine.Agent) error {
	id := strings.TrimSpace(info.AgentID)
	if id == "" {
		return fmt.Errorf("agent_id must be non-empty")
	}
	if id == shared.OrchestratorAgentID {
		return fmt.Errorf("agent_id %q is reserved", id)
	}
	if a == nil {
		return fmt.Errorf("agent %q has no implementation", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("agent %q already exists", id)
	}
	info.AgentID = id
	r.agents[id] = a
	r.info[id] = info
	return nil
}

func (r *Registry) SetOrchestrator(o engine.Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orchestrator = o
}

func (r *Registry) Orchestrator() engine.Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orchestrator
}

// Agents returns a copy of the agent map for engine.Options.
func (r *Registry) Agents() map[string]engine.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.agents)
}

// List returns registered agents sorted by id, orchestrator first when set.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.info)+1)
	if r.orchestrator != nil {
		in := Info{AgentID: shared.OrchestratorAgentID, DisplayName: "Orchestrator"}
		if m, ok := r.orchestrator.(interface{ Model() string }); ok {
			in.Model = m.Model()
		}
		out = append(out, in)
	}
	ids := slices.Sorted(maps.Keys(r.info))
	for _, id := range ids {
		out = append(out, r.info[id])
	}
	return out
}

// FromConfig builds the registry from config. An entry whose adapter cannot
// be built (typically a missing API key) is skipped with a warning, so the
// daemon still starts; submissions for it are rejected as unknown.
func FromConfig(cfg *config.Config, factory Factory, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRegistry()

	orch, err := factory(shared.OrchestratorAgentID, cfg.Orchestrator)
	if err != nil {
		logger.Warn("orchestrator unavailable", "error", err)
	} else {
		r.SetOrchestrator(orch)
	}

	for _, entry := range cfg.Agents {
		a, err := factory(entry.AgentID, entry.LLMConfig)
		if err != nil {
			logger.Warn("agent unavailable", "agent_id", entry.AgentID, "error", err)
			continue
		}
		if err := r.Register(Info{AgentID: entry.AgentID, DisplayName: entry.DisplayName, Model: a.Model()}, a); err != nil {
			return nil, err
		}
		logger.Info("agent registered", "agent_id", entry.AgentID, "model", a.Model())
	}
	return r, nil
}
