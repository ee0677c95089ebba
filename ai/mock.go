package ai

import (
	"context"
	"errors"
)

// MockClient is a scripted Client used by tests across allocator/, critic/,
// and semantic/ so those packages don't need live provider credentials.
// Grounded on ai/providers/mock/provider.go's configurable-response pattern.
type MockClient struct {
	Responses     []string
	Embeddings    [][]float32
	Err           error
	CallCount     int
	LastPrompt    string
	LastOptions   GenerateOptions
	responseIndex int
	embedIndex    int
}

// NewMockClient returns a MockClient that answers "mock response" once.
func NewMockClient(responses ...string) *MockClient {
	if len(responses) == 0 {
		responses = []string{"mock response"}
	}
	return &MockClient{Responses: responses}
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	m.CallCount++
	m.LastPrompt = prompt
	m.LastOptions = opts

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if m.Err != nil {
		return nil, m.Err
	}
	if m.responseIndex >= len(m.Responses) {
		return nil, errors.New("mock client: no more scripted responses")
	}

	response := m.Responses[m.responseIndex]
	m.responseIndex++

	model := opts.Model
	if model == "" {
		model = "mock-model"
	}

	return &GenerateResult{
		Content:          response,
		Model:            model,
		PromptTokens:     len(prompt) / 4,
		CompletionTokens: len(response) / 4,
		TotalTokens:      (len(prompt) + len(response)) / 4,
	}, nil
}

func (m *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.embedIndex >= len(m.Embeddings) {
		if len(m.Embeddings) == 0 {
			return deterministicEmbedding(text), nil
		}
		return nil, errors.New("mock client: no more scripted embeddings")
	}
	vec := m.Embeddings[m.embedIndex]
	m.embedIndex++
	return vec, nil
}

// deterministicEmbedding produces a stable, low-dimensional pseudo-vector
// from text so similarity tests are reproducible without a real model.
func deterministicEmbedding(text string) []float32 {
	const dims = 8
	vec := make([]float32, dims)
	for i, r := range text {
		vec[i%dims] += float32(r%31) / 31.0
	}
	return vec
}

// Reset clears call tracking and rewinds scripted responses/embeddings.
func (m *MockClient) Reset() {
	m.CallCount = 0
	m.LastPrompt = ""
	m.responseIndex = 0
	m.embedIndex = 0
	m.Err = nil
}

var _ Client = (*MockClient)(nil)
