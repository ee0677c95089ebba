// Package ai provides the provider-agnostic AI client contract used by the
// Model Allocator (C8), Semantic Context Store (C4, embeddings), and Critic
// Pipeline (C9). Concrete clients wrap the official Anthropic and OpenAI
// SDKs; callers depend only on Client.
package ai

import (
	"time"

	"github.com/agentium/governance-core/core"
)

// Provider identifies which backend an AIConfig targets.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderAzure     Provider = "azure-openai"
	ProviderOllama    Provider = "ollama"
	ProviderAuto      Provider = "auto"
)

// AIConfig configures a Client constructed by NewClient.
type AIConfig struct {
	Provider Provider
	APIKey   string
	BaseURL  string

	Timeout    time.Duration
	MaxRetries int

	Model       string
	Temperature float32
	MaxTokens   int

	Logger    core.Logger
	Telemetry core.Telemetry
}

// AIOption configures an AIConfig.
type AIOption func(*AIConfig)

func WithProvider(p Provider) AIOption       { return func(c *AIConfig) { c.Provider = p } }
func WithAPIKey(key string) AIOption        { return func(c *AIConfig) { c.APIKey = key } }
func WithBaseURL(url string) AIOption       { return func(c *AIConfig) { c.BaseURL = url } }
func WithModel(model string) AIOption       { return func(c *AIConfig) { c.Model = model } }
func WithTemperature(t float32) AIOption    { return func(c *AIConfig) { c.Temperature = t } }
func WithMaxTokens(n int) AIOption          { return func(c *AIConfig) { c.MaxTokens = n } }
func WithTimeout(d time.Duration) AIOption  { return func(c *AIConfig) { c.Timeout = d } }
func WithMaxRetries(n int) AIOption         { return func(c *AIConfig) { c.MaxRetries = n } }
func WithLogger(l core.Logger) AIOption     { return func(c *AIConfig) { c.Logger = l } }
func WithTelemetry(t core.Telemetry) AIOption {
	return func(c *AIConfig) { c.Telemetry = t }
}

// DefaultAIConfig returns conservative defaults; callers always set
// Provider and APIKey via options.
func DefaultAIConfig(opts ...AIOption) *AIConfig {
	cfg := &AIConfig{
		Provider:    ProviderAuto,
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		Temperature: 0.2,
		MaxTokens:   1024,
		Logger:      core.NoOpLogger{},
		Telemetry:   core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NewClient builds the concrete Client for cfg.Provider. cmd/governanced
// calls this once at startup to build the Semantic Context Store's client.
func NewClient(cfg *AIConfig) (Client, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		return newAnthropicClient(cfg), nil
	case ProviderOpenAI, ProviderAzure, ProviderOllama:
		return newOpenAIClient(cfg), nil
	default:
		return nil, core.Wrap("ai.NewClient", "config", core.ErrInvalidConfiguration)
	}
}
