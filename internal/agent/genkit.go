package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/persistence"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// GenkitAgent answers one prompt per call through a Genkit model. It backs
// every provider other than the native Anthropic adapter.
type GenkitAgent struct {
	id     string
	g      *genkit.Genkit
	model  string
	system string
}

// NewGenkit initializes Genkit with the plugin for cfg.Provider.
func NewGenkit(ctx context.Context, id string, cfg config.LLMConfig) (*GenkitAgent, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	key := cfg.APIKey()
	if key == "" {
		envs := config.ProviderKeyEnvs(provider)
		if cfg.APIKeyEnv != "" {
			envs = append([]string{cfg.APIKeyEnv}, envs...)
		}
		return nil, fmt.Errorf("agent %s: no API key for %s (set %s)", id, provider, strings.Join(envs, " or "))
	}

	var g *genkit.Genkit
	switch provider {
	case config.ProviderAnthropic:
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  key,
			BaseURL: cfg.BaseURL,
		}))
	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   key,
			BaseURL:  cfg.BaseURL,
		}))
	case config.ProviderOpenRouter:
		base := cfg.BaseURL
		if base == "" {
			base = openRouterBaseURL
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   key,
			BaseURL:  base,
		}))
	case config.ProviderOpenAICompatible:
		if cfg.BaseURL == "" || cfg.CompatibleProvider == "" {
			return nil, fmt.Errorf("agent %s: openai_compatible needs base_url and compatible_provider", id)
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   key,
			BaseURL:  cfg.BaseURL,
		}))
	case config.ProviderGoogle:
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: key}))
	default:
		return nil, fmt.Errorf("agent %s: unsupported provider %q", id, cfg.Provider)
	}
	return NewGenkitWith(id, g, ModelName(provider, cfg.Model), cfg.System), nil
}

// NewGenkitWith wraps an initialized Genkit instance and a registered model
// name.
func NewGenkitWith(id string, g *genkit.Genkit, model, system string) *GenkitAgent {
	return &GenkitAgent{id: id, g: g, model: model, system: system}
}

// DefaultModel is the model used when a provider entry names none.
func DefaultModel(provider string) string {
	switch provider {
	case config.ProviderOpenAI, config.ProviderOpenAICompatible:
		return "gpt-4o"
	case config.ProviderOpenRouter:
		return "anthropic/claude-sonnet-4-5-20250929"
	case config.ProviderGoogle:
		return "gemini-2.5-flash"
	default:
		return "claude-sonnet-4-5-20250929"
	}
}

// ModelName returns the Genkit registry name for model under provider.
// OpenRouter and compatible endpoints take the model name as written.
func ModelName(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel(provider)
	}
	switch provider {
	case config.ProviderAnthropic:
		return "anthropic/" + model
	case config.ProviderOpenAI:
		return "openai/" + model
	case config.ProviderGoogle:
		return "googleai/" + model
	default:
		return model
	}
}

func (a *GenkitAgent) Model() string { return a.model }

// Invoke sends prompt as a single user turn.
func (a *GenkitAgent) Invoke(ctx context.Context, prompt string) (engine.InvokeResult, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(a.model),
		ai.WithMessages(ai.NewUserTextMessage(prompt)),
	}
	if a.system != "" {
		// WithSystem formats its text.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(a.system, "%", "%%")))
	}
	resp, err := genkit.Generate(ctx, a.g, opts...)
	if err != nil {
		return engine.InvokeResult{}, fmt.Errorf("genkit %s: %w", a.model, err)
	}
	return resultFromResponse(resp), nil
}

func resultFromResponse(resp *ai.ModelResponse) engine.InvokeResult {
	res := engine.InvokeResult{Status: engine.InvokeSuccess, Content: resp.Text()}
	if resp.Usage != nil {
		res.TokensUsed = int64(resp.Usage.InputTokens + resp.Usage.OutputTokens)
	}
	if resp.FinishReason == ai.FinishReasonBlocked {
		res.Status = engine.InvokeRefused
		res.Error = "model blocked the request"
	}
	return res
}

// InvokeBackground runs prompt for the orchestrator. A blocked response is a
// non-retryable failure.
func (a *GenkitAgent) InvokeBackground(ctx context.Context, prompt string) (string, error) {
	res, err := a.Invoke(ctx, prompt)
	if err != nil {
		return "", err
	}
	if res.Status == engine.InvokeRefused {
		return "", engine.NonRetryable(persistence.ReasonAgentRefused, errors.New("orchestrator model refused the request"))
	}
	return res.Content, nil
}
