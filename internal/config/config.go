package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TasksConfig holds the engine knobs. Durations are plain seconds in YAML.
type TasksConfig struct {
	TickSeconds        int `yaml:"tick_seconds"`
	LeaseTTLSeconds    int `yaml:"lease_ttl_seconds"`
	MaxRetries         int `yaml:"max_retries"`
	DefaultMaxSteps    int `yaml:"default_max_steps"`
	RetentionDays      int `yaml:"retention_days"`
	MaxDepth           int `yaml:"max_depth"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
	StepsLogLimit      int `yaml:"steps_log_limit"`

	CompletionMarker string `yaml:"completion_marker"`
	ReviewMarker     string `yaml:"review_marker"`
}

func (t TasksConfig) Tick() time.Duration     { return time.Duration(t.TickSeconds) * time.Second }
func (t TasksConfig) LeaseTTL() time.Duration { return time.Duration(t.LeaseTTLSeconds) * time.Second }
func (t TasksConfig) BackoffBase() time.Duration {
	return time.Duration(t.BackoffBaseSeconds) * time.Second
}
func (t TasksConfig) BackoffCap() time.Duration {
	return time.Duration(t.BackoffCapSeconds) * time.Second
}
func (t TasksConfig) StepTimeout() time.Duration {
	return time.Duration(t.StepTimeoutSeconds) * time.Second
}
func (t TasksConfig) Retention() time.Duration {
	return time.Duration(t.RetentionDays) * 24 * time.Hour
}

// Supported LLM providers. "anthropic" talks to the Messages API directly;
// the rest go through Genkit plugins.
const (
	ProviderAnthropic        = "anthropic"
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderOpenRouter       = "openrouter"
	ProviderGoogle           = "google"
)

// LLMConfig configures a model-backed capability. An empty Provider means
// anthropic. CompatibleProvider names the plugin namespace used with
// openai_compatible, which also requires BaseURL.
type LLMConfig struct {
	Provider           string `yaml:"provider"`
	Model              string `yaml:"model"`
	APIKeyEnv          string `yaml:"api_key_env"`
	MaxTokens          int    `yaml:"max_tokens"`
	System             string `yaml:"system"`
	BaseURL            string `yaml:"base_url"`
	CompatibleProvider string `yaml:"compatible_provider"`
}

// AgentConfigEntry defines a named agent capability registered on startup.
type AgentConfigEntry struct {
	AgentID     string `yaml:"agent_id"`
	DisplayName string `yaml:"display_name"`
	LLMConfig   `yaml:",inline"`
}

type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	Enabled bool    `yaml:"enabled"`
}

// OTelConfig selects the telemetry exporter: "otlp-http", "stdout" or "none".
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// SchedulesConfig holds cron expressions for the periodic sweeps. An empty
// expression disables the sweep.
type SchedulesConfig struct {
	Retention string `yaml:"retention"`
	Reconcile string `yaml:"reconcile"`
}

// GatewayConfig tunes the HTTP/WebSocket gateway. A zero rate limit
// disables limiting.
type GatewayConfig struct {
	AllowOrigins       []string `yaml:"allow_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	DBPath    string `yaml:"db_path"`
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	Workers   int    `yaml:"workers"`

	Tasks        TasksConfig        `yaml:"tasks"`
	Orchestrator LLMConfig          `yaml:"orchestrator"`
	Agents       []AgentConfigEntry `yaml:"agents"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	OTel         OTelConfig         `yaml:"otel"`
	Schedules    SchedulesConfig    `yaml:"schedules"`

	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect running
// workers, so reloads that change nothing can be skipped.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|log=%s|tasks=%+v|agents=%d|sched=%+v",
		c.Workers, c.LogLevel, c.Tasks, len(c.Agents), c.Schedules)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// APIKey resolves the key for an LLM entry: the named env var first, then
// the provider's conventional variable.
func (l LLMConfig) APIKey() string {
	if l.APIKeyEnv != "" {
		if v := os.Getenv(l.APIKeyEnv); v != "" {
			return v
		}
	}
	for _, name := range ProviderKeyEnvs(l.Provider) {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// ProviderKeyEnvs lists the environment variables checked for provider's key.
func ProviderKeyEnvs(provider string) []string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderOpenAI, ProviderOpenAICompatible:
		return []string{"OPENAI_API_KEY"}
	case ProviderOpenRouter:
		return []string{"OPENROUTER_API_KEY"}
	case ProviderGoogle:
		return []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	default:
		return []string{"ANTHROPIC_API_KEY"}
	}
}

func defaultTasks() TasksConfig {
	return TasksConfig{
		TickSeconds:        2,
		LeaseTTLSeconds:    60,
		MaxRetries:         3,
		DefaultMaxSteps:    10,
		RetentionDays:      30,
		MaxDepth:           3,
		BackoffBaseSeconds: 5,
		BackoffCapSeconds:  300,
		StepTimeoutSeconds: 600,
		StepsLogLimit:      20,
		CompletionMarker:   "FINAL:",
		ReviewMarker:       "HUMAN_REVIEW:",
	}
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		BindAddr: "127.0.0.1:18790",
		Workers:  1,
		Tasks:    defaultTasks(),
		Orchestrator: LLMConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 2048,
		},
		Gateway: GatewayConfig{
			RateLimitPerMinute: 120,
			RateLimitBurst:     20,
			MaxBodyBytes:       1 << 20,
		},
		OTel: OTelConfig{
			Exporter:    "none",
			ServiceName: "clawtask",
			SampleRate:  1.0,
		},
		Schedules: SchedulesConfig{
			Retention: "@daily",
			Reconcile: "@every 1m",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWTASK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawtask")
}

// Load reads config.yaml from HomeDir, creating the directory if needed.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom applies defaults, then the file, then env overrides, then
// normalization.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawtask home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes a starter config.yaml unless one already exists.
func WriteDefault(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create clawtask home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return "", fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}

func normalize(cfg *Config) {
	d := defaultTasks()
	t := &cfg.Tasks
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "clawtask.db")
	}
	if t.TickSeconds <= 0 {
		t.TickSeconds = d.TickSeconds
	}
	if t.LeaseTTLSeconds <= 0 {
		t.LeaseTTLSeconds = d.LeaseTTLSeconds
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
	if t.DefaultMaxSteps <= 0 {
		t.DefaultMaxSteps = d.DefaultMaxSteps
	}
	if t.RetentionDays < 0 {
		t.RetentionDays = 0
	}
	if t.MaxDepth <= 0 {
		t.MaxDepth = d.MaxDepth
	}
	if t.BackoffBaseSeconds <= 0 {
		t.BackoffBaseSeconds = d.BackoffBaseSeconds
	}
	if t.BackoffCapSeconds <= 0 {
		t.BackoffCapSeconds = d.BackoffCapSeconds
	}
	if t.StepTimeoutSeconds <= 0 {
		t.StepTimeoutSeconds = d.StepTimeoutSeconds
	}
	if t.StepsLogLimit <= 0 {
		t.StepsLogLimit = d.StepsLogLimit
	}
	if strings.TrimSpace(t.CompletionMarker) == "" {
		t.CompletionMarker = d.CompletionMarker
	}
	if cfg.Orchestrator.MaxTokens <= 0 {
		cfg.Orchestrator.MaxTokens = 2048
	}
	cfg.Orchestrator.Provider = normalizeProvider(cfg.Orchestrator.Provider)
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		a.AgentID = strings.TrimSpace(a.AgentID)
		// An entry without a provider inherits the orchestrator's model too;
		// a model name only makes sense for the provider it was written for.
		if a.Provider == "" {
			a.Provider = cfg.Orchestrator.Provider
			if a.Model == "" {
				a.Model = cfg.Orchestrator.Model
			}
		}
		a.Provider = normalizeProvider(a.Provider)
		if a.MaxTokens <= 0 {
			a.MaxTokens = cfg.Orchestrator.MaxTokens
		}
	}
	if cfg.Gateway.RateLimitPerMinute < 0 {
		cfg.Gateway.RateLimitPerMinute = 0
	}
	if cfg.Gateway.RateLimitBurst <= 0 {
		cfg.Gateway.RateLimitBurst = 20
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		cfg.Gateway.MaxBodyBytes = 1 << 20
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "clawtask"
	}
}

func normalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return ProviderAnthropic
	}
	return p
}

func validateLLM(l LLMConfig) error {
	switch l.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderOpenRouter, ProviderGoogle:
	case ProviderOpenAICompatible:
		if l.BaseURL == "" || l.CompatibleProvider == "" {
			return fmt.Errorf("provider openai_compatible needs base_url and compatible_provider")
		}
	default:
		return fmt.Errorf("provider %q is not supported", l.Provider)
	}
	return nil
}

func validate(cfg *Config) error {
	if err := validateLLM(cfg.Orchestrator); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if cfg.Tasks.BackoffCapSeconds < cfg.Tasks.BackoffBaseSeconds {
		return fmt.Errorf("tasks.backoff_cap_seconds (%d) must be >= backoff_base_seconds (%d)",
			cfg.Tasks.BackoffCapSeconds, cfg.Tasks.BackoffBaseSeconds)
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.AgentID == "" {
			return fmt.Errorf("agents: entry with empty agent_id")
		}
		if a.AgentID == "orchestrator" {
			return fmt.Errorf("agents: agent_id %q is reserved", a.AgentID)
		}
		if seen[a.AgentID] {
			return fmt.Errorf("agents: duplicate agent_id %q", a.AgentID)
		}
		seen[a.AgentID] = true
		if err := validateLLM(a.LLMConfig); err != nil {
			return fmt.Errorf("agents: %s: %w", a.AgentID, err)
		}
	}
	switch cfg.OTel.Exporter {
	case "none", "stdout", "otlp-http":
	default:
		return fmt.Errorf("otel.exporter %q: want none, stdout or otlp-http", cfg.OTel.Exporter)
	}
	return nil
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	envInt("CLAWTASK_WORKERS", &cfg.Workers)
	envInt("CLAWTASK_TICK_SECONDS", &cfg.Tasks.TickSeconds)
	envInt("CLAWTASK_LEASE_TTL_SECONDS", &cfg.Tasks.LeaseTTLSeconds)
	envInt("CLAWTASK_MAX_RETRIES", &cfg.Tasks.MaxRetries)
	envInt("CLAWTASK_DEFAULT_MAX_STEPS", &cfg.Tasks.DefaultMaxSteps)
	envInt("CLAWTASK_RETENTION_DAYS", &cfg.Tasks.RetentionDays)
	envInt("CLAWTASK_MAX_DEPTH", &cfg.Tasks.MaxDepth)
	if raw := os.Getenv("CLAWTASK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWTASK_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CLAWTASK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWTASK_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("CLAWTASK_ORCHESTRATOR_MODEL"); raw != "" {
		cfg.Orchestrator.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
