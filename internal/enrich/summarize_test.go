// internal/enrich/summarize_test.go
package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/vulndigest/internal/llmclient"
)

func TestLLMSummarizer_Summarize(t *testing.T) {
	var got llmclient.Request
	client := llmclient.ClientFunc(func(ctx context.Context, req llmclient.Request) (string, error) {
		got = req
		return "```json\n" + `{
			"vendor": " Acme ", "product": "Widget", "summary_ja": "概要です。",
			"exploited": "true",
			"top_links": ["https://acme.example/sa", "ftp://nope", "https://acme.example/sa", "https://b.example", "https://c.example", "https://d.example"],
			"title_ja": "Acme Widget の脆弱性", "body_md": "## 本文"
		}` + "\n```", nil
	})

	s := NewLLMSummarizer(client, 2, 5, nil)
	sum, err := s.Summarize(context.Background(), "CVE-2024-0001", []string{"abcdefghij", "second", "third"})
	require.NoError(t, err)

	assert.True(t, got.JSON)
	assert.Contains(t, got.UserPrompt, "対象: CVE-2024-0001")
	assert.Contains(t, got.UserPrompt, "abcde\n\n---\n\nsecon")
	assert.NotContains(t, got.UserPrompt, "third")
	assert.NotEmpty(t, got.SystemPrompt)

	assert.Equal(t, "Acme", sum.Vendor)
	assert.Equal(t, "Widget", sum.Product)
	assert.Equal(t, "概要です。", sum.SummaryJA)
	require.NotNil(t, sum.Exploited)
	assert.True(t, *sum.Exploited)
	assert.Equal(t, []string{"https://acme.example/sa", "https://b.example", "https://c.example"}, sum.TopLinks)
	assert.Equal(t, "Acme Widget の脆弱性", sum.Title)
	assert.Equal(t, "## 本文", sum.BodyMarkdown)
}

func TestLLMSummarizer_ExploitedUnknown(t *testing.T) {
	for _, raw := range []string{`{"exploited": null}`, `{}`} {
		client := llmclient.ClientFunc(func(ctx context.Context, req llmclient.Request) (string, error) {
			return raw, nil
		})
		sum, err := NewLLMSummarizer(client, 6, 4000, nil).Summarize(context.Background(), "CVE-1", nil)
		require.NoError(t, err)
		assert.Nil(t, sum.Exploited, raw)
		assert.True(t, sum.Empty(), raw)
	}
}

func TestLLMSummarizer_Errors(t *testing.T) {
	failing := llmclient.ClientFunc(func(ctx context.Context, req llmclient.Request) (string, error) {
		return "", errors.New("quota exceeded")
	})
	_, err := NewLLMSummarizer(failing, 6, 4000, nil).Summarize(context.Background(), "CVE-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	garbage := llmclient.ClientFunc(func(ctx context.Context, req llmclient.Request) (string, error) {
		return "no idea, sorry", nil
	})
	_, err = NewLLMSummarizer(garbage, 6, 4000, nil).Summarize(context.Background(), "CVE-1", nil)
	require.Error(t, err)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "脆弱", truncateRunes("脆弱性", 2))
	assert.Equal(t, "abc", truncateRunes("abc", 0))
	assert.Equal(t, strings.Repeat("a", 3), truncateRunes("aaa", 10))
}
