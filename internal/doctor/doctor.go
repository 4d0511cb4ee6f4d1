// Package doctor runs the environment checks behind `clawtask doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/cron"
	"github.com/basket/clawtask/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed. Warnings do not count.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Options tune which checks run. LookupHost defaults to the system
// resolver; tests replace it.
type Options struct {
	SkipNetwork bool
	LookupHost  func(ctx context.Context, host string) ([]string, error)
}

type checkFunc func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []checkFunc{
		checkConfig,
		checkAPIKeys,
		checkDatabase,
		checkPermissions,
		checkSchedules,
		checkGateway,
	}
	if !opts.SkipNetwork {
		lookup := opts.LookupHost
		if lookup == nil {
			lookup = net.DefaultResolver.LookupHost
		}
		checks = append(checks, func(ctx context.Context, cfg *config.Config) CheckResult {
			return checkNetwork(ctx, cfg, lookup)
		})
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing; defaults in use",
			Detail:  "Run `clawtask init` to write a starter file",
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

// checkAPIKeys verifies every model-backed entry resolves a key. Entries
// without one are skipped by the daemon, so a missing key is a warning
// unless nothing at all can run.
func checkAPIKeys(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Keys", Status: StatusSkip, Message: "Config missing"}
	}
	type entry struct {
		id  string
		llm config.LLMConfig
	}
	entries := []entry{{id: "orchestrator", llm: cfg.Orchestrator}}
	for _, a := range cfg.Agents {
		entries = append(entries, entry{id: a.AgentID, llm: a.LLMConfig})
	}

	var missing, ok []string
	for _, e := range entries {
		if e.llm.APIKey() == "" {
			missing = append(missing, e.id)
		} else {
			ok = append(ok, e.id)
		}
	}
	switch {
	case len(missing) == 0:
		return CheckResult{Name: "API Keys", Status: StatusPass, Message: fmt.Sprintf("%d agent(s) have a key", len(ok))}
	case len(ok) == 0:
		return CheckResult{
			Name:    "API Keys",
			Status:  StatusFail,
			Message: "No agent has an API key; the daemon cannot run tasks",
			Detail:  "Set the provider key (ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENROUTER_API_KEY or GEMINI_API_KEY) or api_key_env per agent",
		}
	default:
		return CheckResult{
			Name:    "API Keys",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Missing key for: %s", strings.Join(missing, ", ")),
			Detail:  "Agents without a key are skipped at startup",
		}
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: cfg.DBPath}
	}
	active := 0
	for _, s := range persistence.ActiveStatuses {
		active += counts[s]
	}
	res := CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema valid; %d active, %d done, %d failed", active, counts[persistence.TaskStatusDone], counts[persistence.TaskStatusFailed]),
		Detail:  cfg.DBPath,
	}
	if n := counts[persistence.TaskStatusHumanReview]; n > 0 {
		res.Status = StatusWarn
		res.Message += fmt.Sprintf("; %d waiting for human review", n)
	}
	return res
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "Config missing"}
	}
	now := time.Now()
	var details []string
	schedules := []struct{ name, spec string }{
		{"retention", cfg.Schedules.Retention},
		{"reconcile", cfg.Schedules.Reconcile},
	}
	for _, sc := range schedules {
		name, spec := sc.name, sc.spec
		if spec == "" {
			details = append(details, name+": disabled")
			continue
		}
		next, err := cron.NextRunTime(spec, now)
		if err != nil {
			return CheckResult{Name: "Schedules", Status: StatusFail, Message: fmt.Sprintf("schedules.%s %q: %v", name, spec, err)}
		}
		details = append(details, fmt.Sprintf("%s: next %s", name, next.Format(time.RFC3339)))
	}
	return CheckResult{Name: "Schedules", Status: StatusPass, Message: "Cron expressions valid", Detail: strings.Join(details, "; ")}
}

// checkGateway reports whether bind_addr is free or already served. Either
// is fine; an unresolvable address is not.
func checkGateway(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err == nil {
		_ = ln.Close()
		return CheckResult{Name: "Gateway", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
	}
	if strings.Contains(err.Error(), "address already in use") {
		return CheckResult{
			Name:    "Gateway",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is in use", cfg.BindAddr),
			Detail:  "Expected if the daemon is running; check with `clawtask health`",
		}
	}
	return CheckResult{Name: "Gateway", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
}

func checkNetwork(ctx context.Context, cfg *config.Config, lookup func(context.Context, string) ([]string, error)) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	host := "api.anthropic.com"
	if cfg.Orchestrator.BaseURL != "" {
		if u, err := url.Parse(cfg.Orchestrator.BaseURL); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := lookup(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
