// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/vulndigest/internal/config"
)

// NewClient creates a Client for the configured provider. An empty provider
// selects OpenAI.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, httpClient *http.Client, logger *zap.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w for provider '%s'", ErrNoCredentials, providerOrDefault(cfg.Provider))
	}

	switch providerOrDefault(cfg.Provider) {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, httpClient, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, httpClient, logger), nil
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderOpenAI, config.ProviderGemini)
	}
}

func providerOrDefault(p config.LLMProvider) config.LLMProvider {
	if p == "" {
		return config.ProviderOpenAI
	}
	return p
}
