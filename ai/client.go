package ai

import (
	"context"
	"errors"
)

// ErrEmbeddingNotSupported is returned by Client.Embed implementations
// whose backing provider has no embedding endpoint.
var ErrEmbeddingNotSupported = errors.New("ai: provider does not support embeddings")

// GenerateOptions overrides a Client's default model and token budget for
// a single call, e.g. when the Model Allocator (C8) downgrades a routine
// task to a cheaper model. Temperature is carried but not applied by the
// Anthropic or OpenAI clients, and MaxTokens is applied by the Anthropic
// client only.
type GenerateOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// GenerateResult is the provider-neutral result of a single completion
// call, carrying token usage so the Model Allocator's budget tracking and
// the API-Key Pool's spend accounting can attribute cost per call.
type GenerateResult struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client is the provider-neutral AI surface. Every provider-specific SDK
// (Anthropic, OpenAI, and OpenAI-compatible backends: Azure OpenAI, Ollama)
// is adapted to this one interface so the Model Allocator, Critic Pipeline,
// and Semantic Context Store never import an SDK package directly.
type Client interface {
	// Generate runs a single-turn completion. Governance components never
	// need the multi-turn tool-calling loop a chat agent would use; a
	// single request/response pair is sufficient for classification,
	// review, and summarization tasks.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error)

	// Embed returns a vector embedding for text, used by the Semantic
	// Context Store (C4) for cosine-similarity lookups. Returns
	// ErrEmbeddingNotSupported for providers without a native embedding
	// endpoint (Anthropic has none as of this writing).
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name identifies the backing provider for logging and metrics.
	Name() string
}
