// internal/enrich/summarize.go
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
	"github.com/xkilldash9x/vulndigest/internal/llmclient"
	"github.com/xkilldash9x/vulndigest/internal/llmutil"
)

const maxTopLinks = 3

// Summary is what the summarizer could establish about a CVE. Empty strings
// and a nil Exploited mean "not found", never "false".
type Summary struct {
	Vendor       string
	Product      string
	SummaryJA    string
	Exploited    *bool
	TopLinks     []string
	Title        string
	BodyMarkdown string
}

// Empty reports whether the summary carries nothing worth applying.
func (s *Summary) Empty() bool {
	return s == nil || (s.Vendor == "" && s.Product == "" && s.SummaryJA == "" &&
		s.Exploited == nil && len(s.TopLinks) == 0 && s.Title == "" && s.BodyMarkdown == "")
}

// Summarizer condenses collected page text about a CVE.
type Summarizer interface {
	Summarize(ctx context.Context, cve string, blobs []string) (*Summary, error)
}

// summaryPayload is the JSON object the model is asked to produce.
type summaryPayload struct {
	Vendor    string          `json:"vendor"`
	Product   string          `json:"product"`
	SummaryJA string          `json:"summary_ja"`
	Exploited json.RawMessage `json:"exploited"`
	TopLinks  []string        `json:"top_links"`
	TitleJA   string          `json:"title_ja"`
	BodyMD    string          `json:"body_md"`
}

const summarizerSystemPrompt = "あなたはサイバーセキュリティの専門アナリストです。" +
	"入力の生テキストからCVEの公式・信頼情報を統合し、日本語で分かりやすく正確に要約してください。" +
	"必ず事実ベースのみで、推測は書かないこと。"

const summarizerUserPrompt = `対象: %s
以下はウェブから収集した本文断片です（重複やノイズを含む可能性があります）。
これらを統合し、次のキーを持つJSONオブジェクトのみを日本語で返答してください。

- vendor: 例) Cisco
- product: 例) ASA、WordPress プラグイン名等（型番/モデル名でも可）
- summary_ja: 300〜500字で、非エンジニアも読める自然な日本語の概要
- exploited: 真偽値。CISA KEVや複数の信頼筋に悪用事実が明記/報道されていれば true。不明なら null
- top_links: 重要度の高い参考URL 上位3件（公式優先）
- title_ja: 40〜60字の日本語タイトル（ベンダ/製品名＋脆弱性の要点＋緊急度）
- body_md: 日本語Markdown本文。見出し、表、箇条書きを活用し、再現性のある対策を明記すること。

本文:
%s`

// LLMSummarizer asks a language model for a JSON summary.
type LLMSummarizer struct {
	client      llmclient.Client
	maxBlobs    int
	maxBlobSize int
	logger      *zap.Logger
}

// NewLLMSummarizer caps the prompt at maxBlobs blobs of maxBlobSize runes each.
func NewLLMSummarizer(client llmclient.Client, maxBlobs, maxBlobSize int, logger *zap.Logger) *LLMSummarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMSummarizer{
		client:      client,
		maxBlobs:    maxBlobs,
		maxBlobSize: maxBlobSize,
		logger:      logger.Named("enrich.summarizer"),
	}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, cve string, blobs []string) (*Summary, error) {
	if len(blobs) > s.maxBlobs && s.maxBlobs > 0 {
		blobs = blobs[:s.maxBlobs]
	}
	capped := make([]string, len(blobs))
	for i, b := range blobs {
		capped[i] = truncateRunes(b, s.maxBlobSize)
	}

	out, err := s.client.Generate(ctx, llmclient.Request{
		SystemPrompt: summarizerSystemPrompt,
		UserPrompt:   fmt.Sprintf(summarizerUserPrompt, cve, strings.Join(capped, "\n\n---\n\n")),
		JSON:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("summarization of %s failed: %w", cve, err)
	}

	payload, err := llmutil.ParseJSONResponse[summaryPayload](out)
	if err != nil {
		return nil, err
	}
	return payload.toSummary(), nil
}

func (p *summaryPayload) toSummary() *Summary {
	sum := &Summary{
		Vendor:       strings.TrimSpace(p.Vendor),
		Product:      strings.TrimSpace(p.Product),
		SummaryJA:    strings.TrimSpace(p.SummaryJA),
		Title:        strings.TrimSpace(p.TitleJA),
		BodyMarkdown: strings.TrimSpace(p.BodyMD),
	}

	raw := strings.TrimSpace(string(p.Exploited))
	if raw != "" && raw != "null" {
		exploited := advisory.ToBool(p.Exploited)
		sum.Exploited = &exploited
	}

	var links []string
	for _, l := range p.TopLinks {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") {
			links = append(links, l)
		}
	}
	sum.TopLinks = topUnique(links, maxTopLinks)
	return sum
}

// truncateRunes cuts s to at most n runes without an ellipsis.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
