package llmclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/xkilldash9x/vulndigest/internal/config"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	args := m.Called(ctx, model, contents, cfg)
	resp, _ := args.Get(0).(*genai.GenerateContentResponse)
	return resp, args.Error(1)
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{Role: "model"}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{
		Candidates:    []*genai.Candidate{{Content: content, FinishReason: genai.FinishReasonStop}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 2, TotalTokenCount: 5},
	}
}

func newTestGemini(t *testing.T, gen contentGenerator) *GeminiClient {
	t.Helper()
	logger, _ := setupTestLogger(t)
	c := newGeminiClient(gen, getValidLLMConfig(config.ProviderGemini), logger)
	c.backoff = fastBackoff
	return c
}

func TestGeminiClient_Generate(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("GenerateContent", mock.Anything, "test-model", mock.Anything,
		mock.MatchedBy(func(cfg *genai.GenerateContentConfig) bool {
			return cfg.ResponseMIMEType == "application/json" &&
				cfg.SystemInstruction != nil &&
				cfg.MaxOutputTokens == 512 &&
				cfg.Temperature != nil && *cfg.Temperature == float32(0.2)
		})).Return(textResponse(`{"exploited":`, ` false}`), nil).Once()

	out, err := newTestGemini(t, gen).Generate(context.Background(), Request{SystemPrompt: "sys", UserPrompt: "user", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"exploited": false}`, out)
	gen.AssertExpectations(t)
}

func TestGeminiClient_RetriesThenSucceeds(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("503 unavailable")).Once()
	gen.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(textResponse("fine"), nil).Once()

	out, err := newTestGemini(t, gen).Generate(context.Background(), Request{UserPrompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "fine", out)
	gen.AssertNumberOfCalls(t, "GenerateContent", 2)
}

func TestGeminiClient_BlockedIsPermanent(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}, nil)

	_, err := newTestGemini(t, gen).Generate(context.Background(), Request{UserPrompt: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
	gen.AssertNumberOfCalls(t, "GenerateContent", 1)
}

func TestGeminiClient_NoCandidates(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&genai.GenerateContentResponse{}, nil)

	_, err := newTestGemini(t, gen).Generate(context.Background(), Request{UserPrompt: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
	gen.AssertNumberOfCalls(t, "GenerateContent", 1)
}

func TestGeminiClient_DefaultModel(t *testing.T) {
	cfg := getValidLLMConfig(config.ProviderGemini)
	cfg.Model = "gpt-4o-mini"
	c := newGeminiClient(new(mockGenerator), cfg, nil)
	assert.Equal(t, defaultGeminiModel, c.model)
}
