package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/vulndigest/internal/config"
)

func TestNewClient(t *testing.T) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		cfg := getValidLLMConfig(config.ProviderOpenAI)
		cfg.APIKey = ""
		_, err := NewClient(ctx, cfg, nil, nil)
		assert.ErrorIs(t, err, ErrNoCredentials)
	})

	t.Run("openai", func(t *testing.T) {
		client, err := NewClient(ctx, getValidLLMConfig(config.ProviderOpenAI), nil, nil)
		require.NoError(t, err)
		assert.IsType(t, &OpenAIClient{}, client)
	})

	t.Run("empty provider defaults to openai", func(t *testing.T) {
		client, err := NewClient(ctx, getValidLLMConfig(""), nil, nil)
		require.NoError(t, err)
		assert.IsType(t, &OpenAIClient{}, client)
	})

	t.Run("gemini", func(t *testing.T) {
		client, err := NewClient(ctx, getValidLLMConfig(config.ProviderGemini), nil, nil)
		require.NoError(t, err)
		assert.IsType(t, &GeminiClient{}, client)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewClient(ctx, getValidLLMConfig("mystery"), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported LLM provider")
	})
}

func TestClientFunc(t *testing.T) {
	var got Request
	var c Client = ClientFunc(func(ctx context.Context, req Request) (string, error) {
		got = req
		return "done", nil
	})
	out, err := c.Generate(context.Background(), Request{UserPrompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, "x", got.UserPrompt)
}
