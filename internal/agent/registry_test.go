package agent_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/clawtask/internal/agent"
	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/persistence"
)

type stubAdapter struct {
	model string
}

func (s stubAdapter) Invoke(context.Context, string) (engine.InvokeResult, error) {
	return engine.InvokeResult{Status: engine.InvokeSuccess, Content: "FINAL: " + s.model}, nil
}

func (s stubAdapter) InvokeBackground(context.Context, string) (string, error) {
	return "FINAL: " + s.model, nil
}

func (s stubAdapter) Model() string { return s.model }

func stubFactory(failing ...string) agent.Factory {
	return func(id string, cfg config.LLMConfig) (agent.Adapter, error) {
		for _, f := range failing {
			if f == id {
				return nil, errors.New("no API key")
			}
		}
		return stubAdapter{model: cfg.Model}, nil
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFromConfig_BuildsOrchestratorAndAgents(t *testing.T) {
	cfg := &config.Config{
		Orchestrator: config.LLMConfig{Model: "main-model"},
		Agents: []config.AgentConfigEntry{
			{AgentID: "writer", DisplayName: "Writer", LLMConfig: config.LLMConfig{Model: "w-model"}},
			{AgentID: "researcher", LLMConfig: config.LLMConfig{Model: "r-model"}},
		},
	}
	r, err := agent.FromConfig(cfg, stubFactory(), quiet())
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if r.Orchestrator() == nil {
		t.Fatalf("expected orchestrator")
	}
	agents := r.Agents()
	if len(agents) != 2 || agents["writer"] == nil || agents["researcher"] == nil {
		t.Fatalf("unexpected agents %v", agents)
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected orchestrator plus two agents, got %+v", list)
	}
	if list[0].AgentID != "orchestrator" || list[0].Model != "main-model" {
		t.Fatalf("orchestrator should be listed first: %+v", list[0])
	}
	if list[1].AgentID != "researcher" || list[2].AgentID != "writer" || list[2].DisplayName != "Writer" {
		t.Fatalf("agents should be sorted by id: %+v", list)
	}
}

func TestFromConfig_SkipsUnavailableEntries(t *testing.T) {
	cfg := &config.Config{
		Agents: []config.AgentConfigEntry{{AgentID: "keyless"}, {AgentID: "ok"}},
	}
	r, err := agent.FromConfig(cfg, stubFactory("orchestrator", "keyless"), quiet())
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if r.Orchestrator() != nil {
		t.Fatalf("orchestrator should be absent")
	}
	if agents := r.Agents(); len(agents) != 1 || agents["ok"] == nil {
		t.Fatalf("expected only the working agent, got %v", agents)
	}
}

func TestDeclaredFactory_RegistersWithoutKeysAndRefusesToRun(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := &config.Config{
		Orchestrator: config.LLMConfig{Model: "claude-sonnet-4-5"},
		Agents:       []config.AgentConfigEntry{{AgentID: "coder", LLMConfig: config.LLMConfig{Model: "claude-haiku-4-5"}}},
	}
	r, err := agent.FromConfig(cfg, agent.DeclaredFactory, quiet())
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	list := r.List()
	if len(list) != 2 || list[0].Model != "claude-sonnet-4-5" || list[1].AgentID != "coder" {
		t.Fatalf("unexpected registry listing: %+v", list)
	}
	_, err = r.Agents()["coder"].Invoke(context.Background(), "hi")
	if err == nil || engine.IsRetryable(err) {
		t.Fatalf("declared agent should refuse with a non-retryable error, got %v", err)
	}
	if _, err := r.Orchestrator().InvokeBackground(context.Background(), "hi"); err == nil {
		t.Fatalf("declared orchestrator should refuse to run")
	}
}

func TestRegister_Validation(t *testing.T) {
	r := agent.NewRegistry()
	a := stubAdapter{model: "m"}
	cases := []struct {
		name string
		info agent.Info
		impl engine.Agent
	}{
		{"empty id", agent.Info{AgentID: " "}, a},
		{"reserved id", agent.Info{AgentID: "orchestrator"}, a},
		{"nil agent", agent.Info{AgentID: "x"}, nil},
	}
	for _, tc := range cases {
		if err := r.Register(tc.info, tc.impl); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	if err := r.Register(agent.Info{AgentID: "dup"}, a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(agent.Info{AgentID: "dup"}, a); err == nil {
		t.Fatalf("duplicate id should be rejected")
	}
}

func TestAgents_ReturnsCopy(t *testing.T) {
	r := agent.NewRegistry()
	_ = r.Register(agent.Info{AgentID: "a"}, stubAdapter{})
	m := r.Agents()
	delete(m, "a")
	if len(r.Agents()) != 1 {
		t.Fatalf("mutating the returned map must not affect the registry")
	}
}

func TestRegistryWiresIntoEngine(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawtask.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	r := agent.NewRegistry()
	_ = r.Register(agent.Info{AgentID: "helper"}, stubAdapter{model: "h"})
	eng, err := engine.New(engine.Options{Store: store, Agents: r.Agents(), Orchestrator: r.Orchestrator(), Logger: quiet()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if !eng.HasAgent("helper") {
		t.Fatalf("registered agent should be executable")
	}
	if eng.HasAgent("orchestrator") {
		t.Fatalf("no orchestrator was configured")
	}
}
