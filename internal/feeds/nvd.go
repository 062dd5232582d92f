// File: internal/feeds/nvd.go
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
	"github.com/xkilldash9x/vulndigest/internal/config"
)

const nvdTimeLayout = "2006-01-02T15:04:05.000Z"

// cvssPreference is the order in which NVD metric buckets are consulted.
var cvssPreference = []string{"cvssMetricV40", "cvssMetricV4", "cvssMetricV31", "cvssMetricV30"}

// NVD fetches recently published CVEs from the NVD CVE API 2.0.
type NVD struct {
	cfg          config.NVDConfig
	lookbackDays int
	client       HTTPClient
	limiter      *rate.Limiter
	logger       *zap.Logger
	now          func() time.Time
}

// NewNVD creates the NVD adapter. Page requests are paced by cfg.RateLimit
// (requests per second); zero disables pacing.
func NewNVD(cfg config.NVDConfig, lookbackDays int, client HTTPClient, logger *zap.Logger) *NVD {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.ResultsPerPage <= 0 {
		cfg.ResultsPerPage = 200
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	return &NVD{
		cfg:          cfg,
		lookbackDays: lookbackDays,
		client:       client,
		limiter:      rate.NewLimiter(limit, 1),
		logger:       logger.Named("feeds.nvd"),
		now:          time.Now,
	}
}

func (n *NVD) Name() advisory.Source { return advisory.SourceNVD }

// Fetch returns the CVEs published inside the lookback window.
func (n *NVD) Fetch(ctx context.Context) []advisory.Record {
	records, err := n.fetch(ctx)
	if err != nil {
		if len(records) == 0 {
			n.logger.Warn("Failed to fetch NVD feed.", zap.Error(err))
			return nil
		}
		n.logger.Warn("NVD pagination stopped early; keeping the pages already fetched.",
			zap.Error(err), zap.Int("records", len(records)))
	}
	n.logger.Debug("NVD feed fetched.", zap.Int("records", len(records)))
	return records
}

type nvdResponse struct {
	ResultsPerPage  int                `json:"resultsPerPage"`
	StartIndex      int                `json:"startIndex"`
	TotalResults    int                `json:"totalResults"`
	Vulnerabilities []nvdVulnerability `json:"vulnerabilities"`
}

type nvdVulnerability struct {
	CVE nvdCVE `json:"cve"`
}

type nvdCVE struct {
	ID             string                 `json:"id"`
	Published      string                 `json:"published"`
	Descriptions   []nvdDescription       `json:"descriptions"`
	Metrics        map[string][]nvdMetric `json:"metrics"`
	References     []nvdReference         `json:"references"`
	Configurations json.RawMessage        `json:"configurations"`
}

type nvdDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type nvdMetric struct {
	CVSSData struct {
		BaseScore json.RawMessage `json:"baseScore"`
	} `json:"cvssData"`
}

type nvdReference struct {
	URL    string   `json:"url"`
	Name   string   `json:"name"`
	Source string   `json:"source"`
	Tags   []string `json:"tags"`
}

type nvdNode struct {
	CPEMatch []struct {
		Criteria string `json:"criteria"`
		CPE23URI string `json:"cpe23Uri"`
	} `json:"cpeMatch"`
}

type nvdConfiguration struct {
	Nodes []nvdNode `json:"nodes"`
}

// fetch walks the result pages. On a mid-pagination failure it returns the
// records gathered so far along with the error.
func (n *NVD) fetch(ctx context.Context) ([]advisory.Record, error) {
	end := n.now().UTC()
	start := end.Add(-time.Duration(n.lookbackDays) * 24 * time.Hour)

	headers := map[string]string{}
	if n.cfg.APIKey != "" {
		headers["apiKey"] = n.cfg.APIKey
	}

	var records []advisory.Record
	startIndex := 0
	for page := 0; page < n.cfg.MaxPages; page++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return records, fmt.Errorf("rate limiter wait aborted: %w", err)
		}

		body, err := getOK(ctx, n.client, n.pageURL(start, end, startIndex), headers)
		if err != nil {
			return records, err
		}

		var resp nvdResponse
		if err := jsonCodec.Unmarshal(body, &resp); err != nil {
			return records, fmt.Errorf("malformed NVD payload: %w", err)
		}

		for _, v := range resp.Vulnerabilities {
			if rec, ok := nvdRecord(v.CVE); ok {
				records = append(records, rec)
			}
		}

		startIndex += len(resp.Vulnerabilities)
		if len(resp.Vulnerabilities) == 0 || startIndex >= resp.TotalResults {
			return records, nil
		}
	}

	n.logger.Info("NVD page cap reached before the end of the result set.",
		zap.Int("max_pages", n.cfg.MaxPages), zap.Int("records", len(records)))
	return records, nil
}

func (n *NVD) pageURL(start, end time.Time, startIndex int) string {
	q := url.Values{}
	q.Set("pubStartDate", start.Format(nvdTimeLayout))
	q.Set("pubEndDate", end.Format(nvdTimeLayout))
	q.Set("resultsPerPage", strconv.Itoa(n.cfg.ResultsPerPage))
	q.Set("startIndex", strconv.Itoa(startIndex))
	return n.cfg.URL + "?" + q.Encode()
}

func nvdRecord(c nvdCVE) (advisory.Record, bool) {
	id := strings.TrimSpace(c.ID)
	if id == "" {
		return advisory.Record{}, false
	}
	summary := nvdSummary(c.Descriptions)
	vendor, product := nvdVendorProduct(c.Configurations)

	return advisory.Record{
		CVE:         id,
		Summary:     summary,
		Description: summary,
		Published:   advisory.ToInstantUTC(c.Published),
		CVSS:        nvdScore(c.Metrics),
		Vendor:      vendor,
		Product:     product,
		References:  nvdReferences(c.References),
		Source:      advisory.SourceNVD,
	}, true
}

// nvdSummary returns the first English or Japanese description.
func nvdSummary(descs []nvdDescription) string {
	for _, d := range descs {
		switch strings.ToLower(strings.TrimSpace(d.Lang)) {
		case "en", "ja":
			return d.Value
		}
	}
	return ""
}

func nvdScore(metrics map[string][]nvdMetric) *float64 {
	for _, key := range cvssPreference {
		bucket := metrics[key]
		if len(bucket) == 0 {
			continue
		}
		if score := advisory.ToFloat(bucket[0].CVSSData.BaseScore); score != nil {
			return score
		}
	}
	return nil
}

func nvdReferences(refs []nvdReference) []advisory.Reference {
	out := make([]advisory.Reference, 0, len(refs))
	for _, r := range refs {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		label := r.Name
		if label == "" {
			label = r.Source
		}
		if label == "" {
			label = strings.Join(r.Tags, ", ")
		}
		out = append(out, advisory.NewReference(label, r.URL, r.Tags...))
	}
	return out
}

// nvdVendorProduct reads the first CPE match criteria. The API returns a
// list of configurations; older payloads used a single object with nodes.
func nvdVendorProduct(raw json.RawMessage) (string, string) {
	var configs []nvdConfiguration
	if err := jsonCodec.Unmarshal(raw, &configs); err != nil {
		var single nvdConfiguration
		if err := jsonCodec.Unmarshal(raw, &single); err != nil {
			return "", ""
		}
		configs = []nvdConfiguration{single}
	}

	for _, cfg := range configs {
		for _, node := range cfg.Nodes {
			for _, m := range node.CPEMatch {
				cpe := m.Criteria
				if cpe == "" {
					cpe = m.CPE23URI
				}
				if vendor, product := advisory.ParseCPE(cpe); vendor != "" || product != "" {
					return vendor, product
				}
			}
		}
	}
	return "", ""
}
