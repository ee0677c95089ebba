package ai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/agentium/governance-core/core"
)

// openAIClient adapts the official OpenAI SDK to Client, also serving
// Azure OpenAI and Ollama (both OpenAI-compatible over HTTP). Grounded on
// AlexsJones-kubeclaw's cmd/agent-runner/main.go callOpenAI, stripped of
// its tool-calling loop for the same reason as anthropicClient.
type openAIClient struct {
	client openai.Client
	cfg    *AIConfig
}

func newOpenAIClient(cfg *AIConfig) *openAIClient {
	opts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	switch {
	case cfg.BaseURL != "":
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	case cfg.Provider == ProviderOllama:
		opts = append(opts, option.WithBaseURL("http://localhost:11434/v1"))
	}
	return &openAIClient{client: openai.NewClient(opts...), cfg: cfg}
}

func (o *openAIClient) Name() string { return string(o.cfg.Provider) }

func (o *openAIClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	model := opts.Model
	if model == "" {
		model = o.cfg.Model
	}

	telemetry := o.cfg.Telemetry
	if telemetry == nil {
		telemetry = core.NoOpTelemetry{}
	}
	ctx, span := telemetry.StartSpan(ctx, "ai.openai.generate")
	defer span.End()

	messages := []openai.ChatCompletionMessageParamUnion{}
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(opts.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		return nil, core.Wrap("ai.openai.Generate", "infra", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	if len(completion.Choices) == 0 {
		return nil, core.Wrap("ai.openai.Generate", "infra", fmt.Errorf("%w: no choices in response", core.ErrTransient))
	}

	return &GenerateResult{
		Content:          completion.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:      int(completion.Usage.TotalTokens),
	}, nil
}

func (o *openAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	telemetry := o.cfg.Telemetry
	if telemetry == nil {
		telemetry = core.NoOpTelemetry{}
	}
	ctx, span := telemetry.StartSpan(ctx, "ai.openai.embed")
	defer span.End()

	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModelTextEmbedding3Small,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		span.RecordError(err)
		return nil, core.Wrap("ai.openai.Embed", "infra", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	if len(resp.Data) == 0 {
		return nil, core.Wrap("ai.openai.Embed", "infra", fmt.Errorf("%w: no embedding returned", core.ErrTransient))
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float32(f)
	}
	return vec, nil
}

var _ Client = (*openAIClient)(nil)
