package doctor

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/basket/clawtask/internal/config"
)

func loadTemp(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func find(d Diagnosis, name string) CheckResult {
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	return CheckResult{}
}

func TestRun_FreshHome(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg := loadTemp(t)
	cfg.BindAddr = "127.0.0.1:0"

	d := Run(context.Background(), cfg, "test", Options{SkipNetwork: true})
	if d.Failed() {
		t.Fatalf("fresh home should not fail: %+v", d.Results)
	}
	if r := find(d, "Config"); r.Status != StatusWarn {
		t.Fatalf("missing config.yaml should warn, got %+v", r)
	}
	for _, name := range []string{"API Keys", "Database", "Permissions", "Schedules", "Gateway"} {
		if r := find(d, name); r.Status != StatusPass {
			t.Fatalf("%s: expected PASS, got %+v", name, r)
		}
	}
	if r := find(d, "Network"); r.Name != "" {
		t.Fatalf("network check should be skipped")
	}
}

func TestCheckAPIKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CODER_KEY", "k")
	cfg := &config.Config{Agents: []config.AgentConfigEntry{{AgentID: "coder", LLMConfig: config.LLMConfig{APIKeyEnv: "CODER_KEY"}}}}
	if r := checkAPIKeys(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("orchestrator without key should warn, got %+v", r)
	}
	cfg.Agents = nil
	if r := checkAPIKeys(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("no keys at all should fail, got %+v", r)
	}
	if r := checkAPIKeys(context.Background(), nil); r.Status != StatusSkip {
		t.Fatalf("nil config should skip, got %+v", r)
	}
}

func TestCheckSchedules_InvalidExpression(t *testing.T) {
	cfg := loadTemp(t)
	cfg.Schedules.Reconcile = "every now and then"
	if r := checkSchedules(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("bad cron expression should fail, got %+v", r)
	}
	cfg.Schedules.Reconcile = ""
	if r := checkSchedules(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("disabled schedule is fine, got %+v", r)
	}
}

func TestCheckGateway_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	cfg := &config.Config{BindAddr: ln.Addr().String()}
	if r := checkGateway(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("occupied port should warn, got %+v", r)
	}
}

func TestCheckNetwork(t *testing.T) {
	cfg := &config.Config{}
	var asked string
	ok := func(_ context.Context, host string) ([]string, error) {
		asked = host
		return []string{"192.0.2.1"}, nil
	}
	if r := checkNetwork(context.Background(), cfg, ok); r.Status != StatusPass || asked != "api.anthropic.com" {
		t.Fatalf("expected PASS for api.anthropic.com, got %+v host=%s", r, asked)
	}

	cfg.Orchestrator.BaseURL = "https://proxy.internal:8443/v1"
	_ = checkNetwork(context.Background(), cfg, ok)
	if asked != "proxy.internal" {
		t.Fatalf("base_url host should be resolved, got %s", asked)
	}

	fail := func(context.Context, string) ([]string, error) { return nil, errors.New("no such host") }
	if r := checkNetwork(context.Background(), cfg, fail); r.Status != StatusFail {
		t.Fatalf("lookup failure should fail, got %+v", r)
	}
	if r := checkNetwork(context.Background(), nil, ok); r.Status != StatusSkip {
		t.Fatalf("nil config should skip, got %+v", r)
	}
}
