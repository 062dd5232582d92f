// File: internal/feeds/secgemini.go
package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vulndigest/internal/advisory"
	"github.com/xkilldash9x/vulndigest/internal/config"
)

// secGeminiAttempts is the total number of tries, including the first.
const secGeminiAttempts = 3

// SecGemini fetches the Sec-Gemini latest.json digest.
type SecGemini struct {
	cfg    config.SecGeminiConfig
	client HTTPClient
	logger *zap.Logger
}

// NewSecGemini creates the Sec-Gemini adapter.
func NewSecGemini(cfg config.SecGeminiConfig, client HTTPClient, logger *zap.Logger) *SecGemini {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecGemini{cfg: cfg, client: client, logger: logger.Named("feeds.secgemini")}
}

func (s *SecGemini) Name() advisory.Source { return advisory.SourceSecGemini }

// Fetch returns the feed's items, or nothing after three failed attempts.
func (s *SecGemini) Fetch(ctx context.Context) []advisory.Record {
	records, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("Failed to fetch Sec-Gemini feed.", zap.Error(err))
		return nil
	}
	s.logger.Debug("Sec-Gemini feed fetched.", zap.Int("records", len(records)))
	return records
}

// secGeminiItem lists every field name the feed has used over time.
// Values are kept raw because their types vary between feed versions.
type secGeminiItem struct {
	CVE         json.RawMessage `json:"cve"`
	CVEID       json.RawMessage `json:"cveId"`
	ID          json.RawMessage `json:"id"`
	Summary     json.RawMessage `json:"summary"`
	Title       json.RawMessage `json:"title"`
	Description json.RawMessage `json:"description"`
	Published   json.RawMessage `json:"published"`
	CVSS        json.RawMessage `json:"cvss"`
	Vendor      json.RawMessage `json:"vendor"`
	Product     json.RawMessage `json:"product"`
	References  json.RawMessage `json:"references"`
	Exploited   json.RawMessage `json:"exploited"`
}

func (s *SecGemini) fetch(ctx context.Context) ([]advisory.Record, error) {
	if strings.TrimSpace(s.cfg.URL) == "" {
		return nil, nil
	}

	var items []secGeminiItem
	attempt := 0
	operation := func() error {
		attempt++
		body, err := getOK(ctx, s.client, s.cfg.URL, nil)
		if err != nil {
			// Not-found is transient here: the file is replaced in place and
			// briefly disappears while the upstream job publishes it.
			s.logger.Debug("Sec-Gemini attempt failed.", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		decoded, skipped, err := decodeSecGemini(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		if skipped > 0 {
			s.logger.Debug("Skipped malformed Sec-Gemini items.", zap.Int("skipped", skipped))
		}
		items = decoded
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay()), secGeminiAttempts-1),
		ctx,
	)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
	}

	records := make([]advisory.Record, 0, len(items))
	for _, it := range items {
		if rec, ok := secGeminiRecord(it); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *SecGemini) retryDelay() time.Duration {
	if s.cfg.RetryDelay > 0 {
		return s.cfg.RetryDelay
	}
	return 3 * time.Second
}

// decodeSecGemini accepts either {"items": [...]} or a bare list. Any other
// shape, including an object without an items list, is an empty feed.
// Elements that are not objects are skipped and counted.
func decodeSecGemini(body []byte) ([]secGeminiItem, int, error) {
	trimmed := strings.TrimSpace(string(body))
	var elems []json.RawMessage
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := jsonCodec.Unmarshal(body, &elems); err != nil {
			return nil, 0, fmt.Errorf("malformed Sec-Gemini list: %w", err)
		}
	case strings.HasPrefix(trimmed, "{"):
		var doc struct {
			Items json.RawMessage `json:"items"`
		}
		if err := jsonCodec.Unmarshal(body, &doc); err != nil {
			return nil, 0, fmt.Errorf("malformed Sec-Gemini document: %w", err)
		}
		if !isJSONList(doc.Items) {
			return nil, 0, nil
		}
		if err := jsonCodec.Unmarshal(doc.Items, &elems); err != nil {
			return nil, 0, fmt.Errorf("malformed Sec-Gemini items: %w", err)
		}
	default:
		return nil, 0, errors.New("malformed Sec-Gemini payload: not a JSON object or list")
	}

	items := make([]secGeminiItem, 0, len(elems))
	skipped := 0
	for _, elem := range elems {
		var it secGeminiItem
		if !isJSONObject(elem) || jsonCodec.Unmarshal(elem, &it) != nil {
			skipped++
			continue
		}
		items = append(items, it)
	}
	return items, skipped, nil
}

func isJSONObject(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "{")
}

func isJSONList(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "[")
}

func secGeminiRecord(it secGeminiItem) (advisory.Record, bool) {
	cve := firstNonEmpty(advisory.ToString(it.CVE), advisory.ToString(it.CVEID), advisory.ToString(it.ID))
	if cve == "" {
		return advisory.Record{}, false
	}
	summary := firstNonEmpty(advisory.ToString(it.Summary), advisory.ToString(it.Title))

	return advisory.Record{
		CVE:              cve,
		Summary:          summary,
		Description:      strings.TrimSpace(advisory.ToString(it.Description)),
		Published:        advisory.ToInstantUTC(advisory.ToString(it.Published)),
		CVSS:             advisory.ToFloat(it.CVSS),
		Vendor:           strings.TrimSpace(advisory.ToString(it.Vendor)),
		Product:          strings.TrimSpace(advisory.ToString(it.Product)),
		References:       advisory.ToReferenceList(it.References),
		ExploitConfirmed: advisory.ToBool(it.Exploited),
		Source:           advisory.SourceSecGemini,
	}, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
