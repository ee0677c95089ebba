package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClientReturnsScriptedResponses(t *testing.T) {
	client := NewMockClient("first", "second")

	result, err := client.Generate(context.Background(), "hello", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "first", result.Content)

	result, err = client.Generate(context.Background(), "hello again", GenerateOptions{Model: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "second", result.Content)
	assert.Equal(t, "custom", result.Model)
	assert.Equal(t, 2, client.CallCount)
}

func TestMockClientExhaustionReturnsError(t *testing.T) {
	client := NewMockClient("only")
	_, err := client.Generate(context.Background(), "p1", GenerateOptions{})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "p2", GenerateOptions{})
	require.Error(t, err)
}

func TestMockClientHonorsInjectedError(t *testing.T) {
	client := NewMockClient()
	client.Err = errors.New("boom")
	_, err := client.Generate(context.Background(), "p", GenerateOptions{})
	require.Error(t, err)
}

func TestMockClientEmbedIsDeterministic(t *testing.T) {
	client := NewMockClient()
	v1, err := client.Embed(context.Background(), "same text")
	require.NoError(t, err)
	v2, err := client.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	v3, _ := client.Embed(context.Background(), "different text")
	assert.NotEqual(t, v1, v3)
}

func TestMockClientResetRewindsState(t *testing.T) {
	client := NewMockClient("a")
	_, _ = client.Generate(context.Background(), "p", GenerateOptions{})
	client.Reset()
	assert.Equal(t, 0, client.CallCount)

	result, err := client.Generate(context.Background(), "p", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a", result.Content)
}
