// internal/llmclient/gemini.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/vulndigest/internal/config"
)

const defaultGeminiModel = "gemini-2.0-flash"

// contentGenerator is the part of the genai Models service we call.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient talks to Google Gemini through the genai SDK.
type GeminiClient struct {
	models  contentGenerator
	model   string
	cfg     config.LLMModelConfig
	logger  *zap.Logger
	backoff func() backoff.BackOff
}

// NewGeminiClient initializes the client. A non-empty Endpoint overrides the
// API base URL.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, httpClient *http.Client, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: Gemini API key is required", ErrNoCredentials)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return newGeminiClient(client.Models, cfg, logger), nil
}

func newGeminiClient(models contentGenerator, cfg config.LLMModelConfig, logger *zap.Logger) *GeminiClient {
	model := cfg.Model
	// The shared default model name belongs to the other provider.
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = defaultGeminiModel
	}
	return &GeminiClient{
		models:  models,
		model:   model,
		cfg:     cfg,
		logger:  logger.Named("llm_client.gemini"),
		backoff: defaultBackoff,
	}
}

// Generate sends the prompts to Gemini and returns the text of the first candidate.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.cfg.Temperature),
	}
	if c.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.JSON {
		genCfg.ResponseMIMEType = "application/json"
	}

	var text string
	operation := func() error {
		callCtx, cancel := withTimeout(ctx, c.cfg.APITimeout)
		defer cancel()

		startTime := time.Now()
		resp, err := c.models.GenerateContent(callCtx, c.model, genai.Text(req.UserPrompt), genCfg)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			c.logger.Warn("Gemini request failed, retrying...", zap.Error(err))
			return fmt.Errorf("gemini API request failed: %w", err)
		}

		if len(resp.Candidates) == 0 {
			return backoff.Permanent(errors.New("gemini API returned no candidates"))
		}
		candidate := resp.Candidates[0]
		if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonBlocklist {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		var sb strings.Builder
		for _, part := range candidate.Content.Parts {
			if part != nil {
				sb.WriteString(part.Text)
			}
		}

		fields := []zap.Field{zap.Duration("duration", time.Since(startTime))}
		if usage := resp.UsageMetadata; usage != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", usage.PromptTokenCount),
				zap.Int32("completion_tokens", usage.CandidatesTokenCount),
				zap.Int32("total_tokens", usage.TotalTokenCount),
			)
		}
		c.logger.Info("LLM generation complete (Gemini)", fields...)

		text = sb.String()
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoff(), ctx)); err != nil {
		return "", err
	}
	return text, nil
}
