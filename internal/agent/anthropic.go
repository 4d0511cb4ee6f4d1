package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/persistence"
)

// stopReasonRefusal is reported when the model declines the request.
const stopReasonRefusal = "refusal"

const defaultMaxTokens = 2048

// AnthropicAgent answers one prompt per call with the Messages API. It
// serves both as a named Agent and as the Orchestrator.
type AnthropicAgent struct {
	id        string
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
}

// NewAnthropic builds an adapter for cfg. Extra options are appended after
// the key and base URL, so tests can override transport settings.
func NewAnthropic(id string, cfg config.LLMConfig, opts ...option.RequestOption) (*AnthropicAgent, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("agent %s: no API key (set %s or ANTHROPIC_API_KEY)", id, keyEnvName(cfg))
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(key)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5_20250929
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicAgent{
		id:        id,
		client:    anthropic.NewClient(reqOpts...),
		model:     model,
		maxTokens: maxTokens,
		system:    cfg.System,
	}, nil
}

func keyEnvName(cfg config.LLMConfig) string {
	if cfg.APIKeyEnv != "" {
		return cfg.APIKeyEnv
	}
	return "api_key_env"
}

func (a *AnthropicAgent) Model() string { return string(a.model) }

// Invoke sends prompt as a single user turn. Transport errors are returned
// as errors; a refusal is reported through the result status.
func (a *AnthropicAgent) Invoke(ctx context.Context, prompt string) (engine.InvokeResult, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if a.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.system}}
	}
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return engine.InvokeResult{}, fmt.Errorf("anthropic %s: %w", a.model, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(tb.Text)
		}
	}
	res := engine.InvokeResult{
		Status:     engine.InvokeSuccess,
		Content:    text.String(),
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	if string(resp.StopReason) == stopReasonRefusal {
		res.Status = engine.InvokeRefused
		res.Error = "model refused the request"
	}
	return res, nil
}

// InvokeBackground runs prompt for the orchestrator. A refusal is a
// non-retryable failure.
func (a *AnthropicAgent) InvokeBackground(ctx context.Context, prompt string) (string, error) {
	res, err := a.Invoke(ctx, prompt)
	if err != nil {
		return "", err
	}
	if res.Status == engine.InvokeRefused {
		return "", engine.NonRetryable(persistence.ReasonAgentRefused, errors.New("orchestrator model refused the request"))
	}
	return res.Content, nil
}
