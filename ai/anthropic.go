package ai

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentium/governance-core/core"
)

// anthropicClient adapts the official Anthropic SDK to Client. Grounded on
// AlexsJones-kubeclaw's cmd/agent-runner/main.go callAnthropic, stripped of
// its tool-calling loop since governance components only need single-turn
// generation.
type anthropicClient struct {
	client anthropic.Client
	cfg    *AIConfig
}

func newAnthropicClient(cfg *AIConfig) *anthropicClient {
	opts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicClient{client: anthropic.NewClient(opts...), cfg: cfg}
}

func (a *anthropicClient) Name() string { return "anthropic" }

func (a *anthropicClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	model := opts.Model
	if model == "" {
		model = a.cfg.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.cfg.MaxTokens
	}

	ctx, span := a.startSpan(ctx, "ai.anthropic.generate")
	defer span.End()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.SystemPrompt}}
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		return nil, core.Wrap("ai.anthropic.Generate", "infra", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}

	var text string
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}

	return &GenerateResult{
		Content:          text,
		Model:            model,
		PromptTokens:     int(message.Usage.InputTokens),
		CompletionTokens: int(message.Usage.OutputTokens),
		TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}, nil
}

func (a *anthropicClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrEmbeddingNotSupported
}

func (a *anthropicClient) startSpan(ctx context.Context, name string) (context.Context, core.Span) {
	telemetry := a.cfg.Telemetry
	if telemetry == nil {
		telemetry = core.NoOpTelemetry{}
	}
	return telemetry.StartSpan(ctx, name)
}

var _ Client = (*anthropicClient)(nil)
