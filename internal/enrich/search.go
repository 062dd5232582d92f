// internal/enrich/search.go
package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	serpAPIEndpoint = "https://serpapi.com/search.json"
	bingEndpoint    = "https://api.bing.microsoft.com/v7.0/search"

	maxSearchURLs = 20
)

// trustedHints are substrings of URLs that are treated as official or
// otherwise high-confidence sources and sorted first.
var trustedHints = []string{
	"advisory", "security", "support", "kb", "docs", "help",
	"cisco.com", "microsoft.com", "adobe.com", "oracle.com",
	"apple.com", "google.com", "cloud.google.com",
	"redhat.com", "debian.org", "ubuntu.com", "apache.org",
	"nvd.nist.gov", "cisa.gov", "jpcert.or.jp", "ipa.go.jp",
	"fortinet.com", "paloaltonetworks.com", "f5.com", "citrix.com",
	"gitlab.com", "github.com", "kernel.org",
}

// HTTPClient is the transport the enricher uses for search APIs and pages.
type HTTPClient interface {
	Get(ctx context.Context, url string, headers map[string]string) ([]byte, int, error)
}

// Searcher returns result URLs for a web query.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string) ([]string, error)
}

// Queries returns the web queries issued for a CVE.
func Queries(cve string) []string {
	quoted := `"` + cve + `"`
	return []string{
		quoted + " advisory",
		quoted + " vendor advisory",
		quoted + " exploit",
		quoted + " security bulletin",
		quoted + " patch release",
	}
}

// SerpAPI searches Google through serpapi.com.
type SerpAPI struct {
	apiKey   string
	endpoint string
	client   HTTPClient
}

// NewSerpAPI returns nil when apiKey is empty, which disables the provider.
func NewSerpAPI(apiKey string, client HTTPClient) *SerpAPI {
	if strings.TrimSpace(apiKey) == "" {
		return nil
	}
	return &SerpAPI{apiKey: strings.TrimSpace(apiKey), endpoint: serpAPIEndpoint, client: client}
}

func (s *SerpAPI) Name() string { return "serpapi" }

func (s *SerpAPI) Search(ctx context.Context, query string) ([]string, error) {
	q := url.Values{}
	q.Set("engine", "google")
	q.Set("q", query)
	q.Set("api_key", s.apiKey)
	q.Set("num", "10")

	body, err := getOK(ctx, s.client, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		OrganicResults []struct {
			Link string `json:"link"`
		} `json:"organic_results"`
	}
	if err := jsonCodec.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed SerpAPI response: %w", err)
	}

	urls := make([]string, 0, len(payload.OrganicResults))
	for _, r := range payload.OrganicResults {
		if link := strings.TrimSpace(r.Link); link != "" {
			urls = append(urls, link)
		}
	}
	return urls, nil
}

// Bing searches through the Bing Web Search API.
type Bing struct {
	apiKey   string
	endpoint string
	client   HTTPClient
}

// NewBing returns nil when apiKey is empty, which disables the provider.
func NewBing(apiKey string, client HTTPClient) *Bing {
	if strings.TrimSpace(apiKey) == "" {
		return nil
	}
	return &Bing{apiKey: strings.TrimSpace(apiKey), endpoint: bingEndpoint, client: client}
}

func (b *Bing) Name() string { return "bing" }

func (b *Bing) Search(ctx context.Context, query string) ([]string, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", "10")
	q.Set("textDecorations", "false")

	body, err := getOK(ctx, b.client, b.endpoint+"?"+q.Encode(), map[string]string{
		"Ocp-Apim-Subscription-Key": b.apiKey,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		WebPages struct {
			Value []struct {
				URL string `json:"url"`
			} `json:"value"`
		} `json:"webPages"`
	}
	if err := jsonCodec.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed Bing response: %w", err)
	}

	urls := make([]string, 0, len(payload.WebPages.Value))
	for _, r := range payload.WebPages.Value {
		if u := strings.TrimSpace(r.URL); u != "" {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

// Chain tries each provider in order and stops at the first one that
// produced any URL across all queries.
type Chain struct {
	providers []Searcher
	logger    *zap.Logger
}

// NewChain drops nil providers, so disabled ones can be passed straight from
// their constructors.
func NewChain(logger *zap.Logger, providers ...Searcher) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{logger: logger.Named("enrich.search")}
	for _, p := range providers {
		if p == nil || isNilSearcher(p) {
			continue
		}
		c.providers = append(c.providers, p)
	}
	return c
}

// Len reports how many providers are enabled.
func (c *Chain) Len() int { return len(c.providers) }

// Collect runs every query for cve and returns up to 20 unique URLs with
// trusted sources first.
func (c *Chain) Collect(ctx context.Context, cve string) []string {
	var urls []string
	for _, p := range c.providers {
		for _, q := range Queries(cve) {
			found, err := p.Search(ctx, q)
			if err != nil {
				c.logger.Debug("Search query failed.", zap.String("provider", p.Name()), zap.String("query", q), zap.Error(err))
				continue
			}
			urls = append(urls, found...)
		}
		if len(urls) > 0 {
			break
		}
	}
	return topUnique(trustedFirst(urls), maxSearchURLs)
}

func isNilSearcher(s Searcher) bool {
	switch v := s.(type) {
	case *SerpAPI:
		return v == nil
	case *Bing:
		return v == nil
	}
	return false
}

func isTrusted(u string) bool {
	lower := strings.ToLower(u)
	for _, hint := range trustedHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// trustedFirst is a stable partition: trusted URLs keep their relative order
// ahead of the rest.
func trustedFirst(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if isTrusted(u) {
			out = append(out, u)
		}
	}
	for _, u := range urls {
		if !isTrusted(u) {
			out = append(out, u)
		}
	}
	return out
}

func topUnique(seq []string, n int) []string {
	seen := make(map[string]struct{}, len(seq))
	out := make([]string, 0, n)
	for _, s := range seq {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) >= n {
			break
		}
	}
	return out
}

func getOK(ctx context.Context, client HTTPClient, target string, headers map[string]string) ([]byte, error) {
	body, status, err := client.Get(ctx, target, headers)
	if err != nil {
		// *url.Error quotes the full request URL, query string included.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("request to %s failed: %w", redact(target), err)
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %d from %s", status, redact(target))
	}
	return body, nil
}

// redact strips the query string, which can carry an API key.
func redact(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}
